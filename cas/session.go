package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config Connection settings of a CAS server
type Config struct {
	URL      string // http(s)://host:port of the CAS REST interface
	Username string
	Password string
	Token    string // bearer token, used as is
	AuthURL  string // SASLogon base url, exchanges username/password for an OAuth token
	ClientID string
	Timeout  time.Duration

	HTTPClient *http.Client
}

// Session is a CAS session reached over REST.
type Session struct {
	baseURL string
	id      string
	client  *http.Client
	auth    *authenticator
}

// Severity of an action disposition
const (
	SeverityNormal  = 0
	SeverityWarning = 1
	SeverityError   = 2
)

// Disposition Status of a finished action
type Disposition struct {
	Severity        int    `json:"severity"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	StatusCode      int    `json:"statusCode"`
	FormattedStatus string `json:"formattedStatus"`
}

// LogEntry Server log line emitted by an action
type LogEntry struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Response The results of an action
type Response struct {
	Results     map[string]json.RawMessage `json:"results"`
	Disposition Disposition                `json:"disposition"`
	LogEntries  []LogEntry                 `json:"logEntries"`
	Performance Performance                `json:"performance"`
}

// Performance Server side timing of an action
type Performance struct {
	ElapsedTime float64 `json:"elapsedTime"`
	CPUUserTime float64 `json:"cpuUserTime"`
}

// ActionError An action that finished with error severity
type ActionError struct {
	Action      string
	Disposition Disposition
	Log         []string
}

func (e *ActionError) Error() string {
	msg := e.Disposition.Status
	if msg == "" {
		msg = e.Disposition.FormattedStatus
	}
	if msg == "" {
		msg = e.Disposition.Reason
	}
	return fmt.Sprintf("CAS action %s failed (severity %d, status code %d): %s",
		e.Action, e.Disposition.Severity, e.Disposition.StatusCode, msg)
}

var errNoSession = errors.New("CAS did not return a session id")

// Connect Open a new CAS session
func Connect(ctx context.Context, config Config) (*Session, error) {
	if config.URL == "" {
		return nil, errors.New("missing CAS url")
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	auth, err := newAuthenticator(client, config)
	if err != nil {
		return nil, err
	}
	s := &Session{
		baseURL: strings.TrimRight(config.URL, "/"),
		client:  client,
		auth:    auth,
	}

	var created struct {
		Session string `json:"session"`
	}
	if err := s.do(ctx, http.MethodPost, "/cas/sessions", nil, nil, &created); err != nil {
		return nil, fmt.Errorf("cannot create CAS session at %s: %w", s.baseURL, err)
	}
	if created.Session == "" {
		return nil, errNoSession
	}
	s.id = created.Session
	log.WithFields(log.Fields{"url": s.baseURL, "session": s.id}).Info("Connected to CAS")
	return s, nil
}

// ID The session id assigned by the server
func (s *Session) ID() string {
	return s.id
}

func (s *Session) do(ctx context.Context, method, path string, header http.Header, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	authHeader, err := s.auth.header(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Action Run an action, for example "table.fetch", with the given parameters.
func (s *Session) Action(ctx context.Context, name string, params map[string]interface{}) (*Response, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cannot encode parameters of %s: %w", name, err)
	}
	log.WithFields(log.Fields{"action": name, "session": s.id}).Debug("Running CAS action")

	var resp Response
	path := fmt.Sprintf("/cas/sessions/%s/actions/%s", s.id, name)
	if err := s.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return checkResponse(name, &resp)
}

func checkResponse(name string, resp *Response) (*Response, error) {
	if resp.Disposition.Severity >= SeverityError {
		lines := make([]string, 0, len(resp.LogEntries))
		for _, entry := range resp.LogEntries {
			lines = append(lines, entry.Message)
		}
		return resp, &ActionError{Action: name, Disposition: resp.Disposition, Log: lines}
	}
	if resp.Disposition.Severity == SeverityWarning {
		log.WithFields(log.Fields{"action": name}).Warn(resp.Disposition.Status)
	}
	return resp, nil
}

// LoadActionSet Make an action set available in the session
func (s *Session) LoadActionSet(ctx context.Context, actionSet string) error {
	_, err := s.Action(ctx, "builtins.loadActionSet", map[string]interface{}{"actionSet": actionSet})
	return err
}

// ServerStatus Summary of the server topology
type ServerStatus struct {
	Nodes   int
	Actions int
}

// ServerStatus Ask the server how many nodes it runs on
func (s *Session) ServerStatus(ctx context.Context) (*ServerStatus, error) {
	resp, err := s.Action(ctx, "builtins.serverStatus", nil)
	if err != nil {
		return nil, err
	}
	server, err := resp.Table("server")
	if err != nil {
		return nil, err
	}
	if server.Len() == 0 {
		return nil, errors.New("serverStatus returned no server row")
	}
	nodes, err := server.Int(0, "nodes")
	if err != nil {
		return nil, err
	}
	status := &ServerStatus{Nodes: int(nodes)}
	if server.HasColumn("actions") {
		actions, err := server.Int(0, "actions")
		if err == nil {
			status.Actions = int(actions)
		}
	}
	return status, nil
}

// SessionName The session name, as reported by session.sessionId
func (s *Session) SessionName(ctx context.Context) (string, error) {
	resp, err := s.Action(ctx, "session.sessionId", nil)
	if err != nil {
		return "", err
	}
	var name string
	if err := resp.Value("session", &name); err != nil {
		return "", err
	}
	return name, nil
}

// UploadCSV Load CSV data, with a header row, into the out table.
func (s *Session) UploadCSV(ctx context.Context, data []byte, out *Table) error {
	params, err := json.Marshal(map[string]interface{}{
		"casOut": out.OutParam(true),
		"importOptions": map[string]interface{}{
			"fileType":  "csv",
			"getNames":  true,
			"guessRows": 100,
			"varChars":  true,
		},
	})
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("JSON-Parameters", string(params))

	var resp Response
	path := fmt.Sprintf("/cas/sessions/%s/actions/table.upload", s.id)
	if err := s.do(ctx, http.MethodPut, path, header, bytes.NewReader(data), &resp); err != nil {
		return err
	}
	_, err = checkResponse("table.upload", &resp)
	return err
}

// Close End the session on the server
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, http.MethodDelete, "/cas/sessions/"+s.id, nil, nil, nil)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"session": s.id}).Info("Closed CAS session")
	return nil
}
