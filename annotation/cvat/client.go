// Package cvat drives a CVAT annotation server with images stored in CAS tables.
package cvat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cvscope/annotation"

	"github.com/blang/semver"
	log "github.com/sirupsen/logrus"
)

// MinServerVersion Oldest CVAT release with the /api/ routes used here
var MinServerVersion = semver.MustParse("2.0.0")

// StatusError An unexpected HTTP status from the CVAT server
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("cvat %s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

var errUnsupportedVersion = errors.New("unsupported CVAT server version")

// Client Talks to the REST API of one CVAT server
type Client struct {
	url         string
	credentials *annotation.Credentials
	http        *http.Client
}

// NewClient A client for the server at baseURL, e.g. "http://localhost:8080". A nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL string, credentials *annotation.Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if credentials == nil {
		credentials = &annotation.Credentials{}
	}
	return &Client{url: strings.TrimRight(baseURL, "/"), credentials: credentials, http: httpClient}
}

// URL The server root
func (c *Client) URL() string {
	return c.url
}

// errorMessage The server's explanation of a failed request
func errorMessage(body []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err == nil {
		if errs, ok := doc["non_field_errors"].([]interface{}); ok {
			parts := make([]string, len(errs))
			for i, e := range errs {
				parts[i] = fmt.Sprint(e)
			}
			return strings.Join(parts, "")
		}
		if detail, ok := doc["detail"].(string); ok {
			return detail
		}
	}
	return strings.TrimSpace(string(body))
}

// do Send a request and decode the JSON answer into out. Any status not in expected is
// returned as a *StatusError.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string,
	out interface{}, expected ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.credentials.Token != "" {
		header, err := c.credentials.AuthHeader()
		if err != nil {
			return err
		}
		for k, v := range header {
			req.Header[k] = v
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cvat %s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cvat %s: %w", op, err)
	}
	log.WithFields(log.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("CVAT request")

	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cvat %s: cannot decode answer: %w", op, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}, expected ...int) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType, out, expected...)
}

// Authenticate Log in with the user name and password of credentials and store the token
// the server hands out in credentials.
func Authenticate(ctx context.Context, httpClient *http.Client, baseURL string, credentials *annotation.Credentials) error {
	c := NewClient(baseURL, &annotation.Credentials{}, httpClient)
	form := url.Values{"username": {credentials.Username}, "password": {credentials.Password}}
	var answer struct {
		Key string `json:"key"`
	}
	err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", &answer, http.StatusOK)
	if err != nil {
		return err
	}
	if answer.Key == "" {
		return errors.New("cvat login: no token in answer")
	}
	credentials.Token = answer.Key
	return nil
}

// ServerVersion The version reported by /api/server/about
func (c *Client) ServerVersion(ctx context.Context) (semver.Version, error) {
	var about struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, "server about", http.MethodGet, "/api/server/about", nil, &about, http.StatusOK); err != nil {
		return semver.Version{}, err
	}
	v, err := semver.ParseTolerant(about.Version)
	if err != nil {
		return semver.Version{}, fmt.Errorf("cvat server version %q: %w", about.Version, err)
	}
	return v, nil
}

// CheckVersion Fail when the server is older than MinServerVersion
func (c *Client) CheckVersion(ctx context.Context) error {
	v, err := c.ServerVersion(ctx)
	if err != nil {
		return err
	}
	if !v.GTE(MinServerVersion) {
		return fmt.Errorf("%w: %s, need %s or newer", errUnsupportedVersion, v, MinServerVersion)
	}
	return nil
}
