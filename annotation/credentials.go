package annotation

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultAuthFile Name of the auth file in the home directory
const DefaultAuthFile = ".annotation_auth"

var (
	errNoToken         = errors.New("token is not set")
	errInvalidAuthFile = errors.New("invalid annotation server auth file")
)

// Credentials Login of an annotation server: a token, or a user name and password. The
// auth file holds a single line with either a token or "user,password" and should only be
// readable by its owner.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// NewCredentials Use the given user and password or token. When neither is given the auth
// file is read: authFile when set, else ~/.annotation_auth when it exists.
func NewCredentials(username, password, token, authFile string) (*Credentials, error) {
	c := &Credentials{Username: username, Password: password, Token: token}
	if (username != "" && password != "") || token != "" {
		return c, nil
	}
	if authFile == "" && username == "" && password == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, nil
		}
		path := filepath.Join(home, DefaultAuthFile)
		if _, err := os.Stat(path); err == nil {
			authFile = path
		}
	}
	if authFile == "" {
		return c, nil
	}
	if err := c.readAuthFile(authFile); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Credentials) readAuthFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return scanner.Err()
	}
	line := scanner.Text()
	if line == "" {
		return nil
	}
	fields := strings.Split(line, ",")
	switch len(fields) {
	case 1:
		c.Token = strings.TrimSpace(fields[0])
	case 2:
		c.Username = strings.TrimSpace(fields[0])
		c.Password = strings.TrimSpace(fields[1])
	default:
		return fmt.Errorf("%w: %s", errInvalidAuthFile, path)
	}
	return nil
}

// AuthHeader The Authorization header carrying the token
func (c *Credentials) AuthHeader() (http.Header, error) {
	if c.Token == "" {
		return nil, errNoToken
	}
	h := http.Header{}
	h.Set("Authorization", "token "+c.Token)
	return h, nil
}

// WriteAuthFile Store token as the only line of path, readable and writable by the owner only.
func WriteAuthFile(path, token string) error {
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
