package cvat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"cvscope/annotation"

	log "github.com/sirupsen/logrus"
)

// MaxAttempts Tries the user gets for the server URL and for the login
const MaxAttempts = 3

// Prompter Reads answers from the user
type Prompter interface {
	Prompt(question string) (string, error)
	// PromptPassword reads without echoing
	PromptPassword(question string) (string, error)
	Println(a ...interface{})
}

var errTooManyAttempts = errors.New("too many failed attempts")

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// GenerateToken Ask for a CVAT server URL, user name and password, log in and write the
// token to the auth file in home. An empty URL answer takes defaultURL when it is valid.
// Returns the path of the auth file.
func GenerateToken(ctx context.Context, p Prompter, httpClient *http.Client, home, defaultURL string) (string, error) {
	path := filepath.Join(home, annotation.DefaultAuthFile)
	p.Println("Enter the following details to generate and save a CVAT token. The token will be saved in", path)

	question := "Enter CVAT Application URL: "
	if !validURL(defaultURL) {
		defaultURL = ""
	}
	if defaultURL != "" {
		question = fmt.Sprintf("Enter CVAT Application URL [%s]: ", defaultURL)
	}
	var serverURL string
	for attempt := 0; ; attempt++ {
		if attempt == MaxAttempts {
			return "", fmt.Errorf("%w: no valid URL", errTooManyAttempts)
		}
		s, err := p.Prompt(question)
		if err != nil {
			return "", err
		}
		if s == "" {
			s = defaultURL
		}
		if validURL(s) {
			serverURL = s
			break
		}
		p.Println("The URL you entered is invalid.")
	}

	credentials := &annotation.Credentials{}
	for attempt := 0; ; attempt++ {
		if attempt == MaxAttempts {
			return "", fmt.Errorf("%w: authentication failed", errTooManyAttempts)
		}
		username, err := p.Prompt("Enter your username: ")
		if err != nil {
			return "", err
		}
		password, err := p.PromptPassword("Enter your password: ")
		if err != nil {
			return "", err
		}
		credentials.Username, credentials.Password = username, password
		err = Authenticate(ctx, httpClient, serverURL, credentials)
		credentials.Password = ""
		if err == nil {
			break
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			return "", err
		}
		p.Println("Authentication failed:", statusErr.Message)
	}

	if err := annotation.WriteAuthFile(path, credentials.Token); err != nil {
		return "", err
	}
	log.Info("CVAT token written to ", path)
	p.Println("CVAT token successfully written to the file:", path)
	return path, nil
}
