package tuner

import (
	"context"
	"time"

	"cvscope/cas"
)

// LoadImages Settings of the image.loadImages action timed by Action
type LoadImages struct {
	Caslib string `json:"caslib"`
	Path   string `json:"path"`
	// DataPath, when set, is added as caslib Caslib in every new session
	DataPath string `json:"dataPath,omitempty"`
	OutTable string `json:"outTable,omitempty"`
}

// Setup Open a session with the image action set, and the caslib of DataPath when given.
func (l LoadImages) Setup(config cas.Config) func(context.Context) (*cas.Session, error) {
	return func(ctx context.Context) (*cas.Session, error) {
		s, err := cas.Connect(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := l.prepare(ctx, s); err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		return s, nil
	}
}

func (l LoadImages) prepare(ctx context.Context, s *cas.Session) error {
	if err := s.LoadActionSet(ctx, "image"); err != nil {
		return err
	}
	if l.DataPath == "" {
		return nil
	}
	_, err := s.Action(ctx, "table.addCaslib", map[string]interface{}{
		"name":           l.Caslib,
		"path":           l.DataPath,
		"dataSource":     map[string]interface{}{"srcType": "PATH"},
		"activeOnAdd":    false,
		"subDirectories": true,
	})
	return err
}

// Teardown Close the session
func Teardown(ctx context.Context, s *cas.Session) error {
	return s.Close(ctx)
}

// Action Run image.loadImages once with the given thread counts. Returns the elapsed time
// reported by the server, or the wall time when the server reports none.
func (l LoadImages) Action(ctx context.Context, s *cas.Session, controllerThreads, workerThreads int) (float64, error) {
	out := l.OutTable
	if out == "" {
		out = "image_table"
	}
	start := time.Now()
	resp, err := s.Action(ctx, "image.loadImages", map[string]interface{}{
		"path":               l.Path,
		"caslib":             l.Caslib,
		"casOut":             s.Table(out, "").OutParam(true),
		"nControllerThreads": controllerThreads,
		"nThreads":           workerThreads,
	})
	if err != nil {
		return 0, err
	}
	if resp.Performance.ElapsedTime > 0 {
		return resp.Performance.ElapsedTime, nil
	}
	return time.Since(start).Seconds(), nil
}
