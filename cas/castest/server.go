// Package castest provides an in-process fake of the CAS REST interface for tests.
package castest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cvscope/cas"
)

// Handler Answers one action call. A non-nil error ends the action with error severity.
type Handler func(params map[string]interface{}) (map[string]interface{}, error)

// Call A recorded action call
type Call struct {
	Action string
	Params map[string]interface{}
}

// Upload A recorded table.upload call
type Upload struct {
	Params map[string]interface{}
	Data   []byte
}

// Server Fake CAS server. Actions without a handler succeed with empty results.
type Server struct {
	*httptest.Server
	SessionID string
	// ElapsedTime is reported as the performance of every action
	ElapsedTime float64

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	uploads  []Upload
}

// NewServer Start a fake CAS server that is closed when the test ends
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		SessionID: "5e551011-0000-4000-8000-000000000001",
		handlers:  make(map[string]Handler),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle Register the handler of an action, e.g. "table.fetch". Names are case insensitive.
func (s *Server) Handle(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToLower(action)] = h
}

// Calls All recorded calls of action, or every call when action is empty
func (s *Server) Calls(action string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if action == "" || strings.EqualFold(c.Action, action) {
			out = append(out, c)
		}
	}
	return out
}

// Actions Names of all called actions in order
func (s *Server) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Action
	}
	return out
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Config Client configuration pointing at this server
func (s *Server) Config() cas.Config {
	return cas.Config{URL: s.URL, Username: "casuser", Password: "secret", HTTPClient: s.Client()}
}

// Connect Open a session against this server
func (s *Server) Connect(t *testing.T) *cas.Session {
	t.Helper()
	session, err := cas.Connect(context.Background(), s.Config())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return session
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/cas/sessions":
		_ = json.NewEncoder(w).Encode(map[string]string{"session": s.SessionID})
		return
	case r.Method == http.MethodDelete && r.URL.Path == "/cas/sessions/"+s.SessionID:
		w.WriteHeader(http.StatusOK)
		return
	}

	prefix := "/cas/sessions/" + s.SessionID + "/actions/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, prefix)

	var params map[string]interface{}
	if action == "table.upload" {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal([]byte(r.Header.Get("JSON-Parameters")), &params)
		s.mu.Lock()
		s.uploads = append(s.uploads, Upload{Params: params, Data: data})
		s.mu.Unlock()
	} else if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Action: action, Params: params})
	h := s.handlers[strings.ToLower(action)]
	s.mu.Unlock()

	results := map[string]interface{}{}
	disposition := map[string]interface{}{"severity": 0, "statusCode": 0, "reason": "ok"}
	var logEntries []map[string]string
	if h != nil {
		res, err := h(params)
		if err != nil {
			disposition = map[string]interface{}{
				"severity":   2,
				"statusCode": 2710970,
				"reason":     "abort",
				"status":     err.Error(),
			}
			logEntries = append(logEntries, map[string]string{"message": "ERROR: " + err.Error()})
		} else if res != nil {
			results = res
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"results":     results,
		"disposition": disposition,
		"performance": map[string]interface{}{"elapsedTime": s.ElapsedTime},
		"logEntries":  logEntries,
	})
}

// Table Build a result table. []byte cells are sent base64 encoded as varbinary.
func Table(name string, columns []string, rows [][]interface{}) map[string]interface{} {
	schema := make([]map[string]string, len(columns))
	for i, c := range columns {
		colType := "double"
		for _, row := range rows {
			switch row[i].(type) {
			case []byte:
				colType = "varbinary"
			case string:
				colType = "varchar"
			}
		}
		schema[i] = map[string]string{"name": c, "type": colType}
	}
	encoded := make([][]interface{}, len(rows))
	for r, row := range rows {
		encoded[r] = make([]interface{}, len(row))
		for c, v := range row {
			if b, ok := v.([]byte); ok {
				encoded[r][c] = base64.StdEncoding.EncodeToString(b)
			} else {
				encoded[r][c] = v
			}
		}
	}
	return map[string]interface{}{"name": name, "schema": schema, "rows": encoded}
}

// ColumnInfo Handler answering table.columnInfo with the given column names
func ColumnInfo(columns ...string) Handler {
	rows := make([][]interface{}, len(columns))
	for i, c := range columns {
		rows[i] = []interface{}{c, float64(i + 1)}
	}
	return func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"ColumnInfo": Table("ColumnInfo", []string{"Column", "ID"}, rows)}, nil
	}
}

// ServerStatus Handler answering builtins.serverStatus with a node count
func ServerStatus(nodes int) Handler {
	return func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"server": Table("server", []string{"nodes", "actions"}, [][]interface{}{{float64(nodes), float64(1)}}),
		}, nil
	}
}
