package cas

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	log "github.com/sirupsen/logrus"
)

// refreshMargin is how long before its expiry an OAuth token is renewed.
const refreshMargin = 60 * time.Second

var errNoCredentials = errors.New("no CAS credentials: set a token or a username and password")

// authenticator produces the Authorization header for CAS requests.
type authenticator struct {
	client   *http.Client
	username string
	password string
	authURL  string
	clientID string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAuthenticator(client *http.Client, config Config) (*authenticator, error) {
	a := &authenticator{
		client:   client,
		username: config.Username,
		password: config.Password,
		authURL:  strings.TrimRight(config.AuthURL, "/"),
		clientID: config.ClientID,
	}
	if config.Token != "" {
		a.token = config.Token
		a.expiresAt = tokenExpiry(config.Token)
		if !a.expiresAt.IsZero() && time.Now().After(a.expiresAt) {
			log.Warn("The configured CAS token expired at ", a.expiresAt)
		}
		return a, nil
	}
	if a.username == "" || a.password == "" {
		return nil, errNoCredentials
	}
	return a, nil
}

// tokenExpiry Read the exp claim of a JWT without verifying its signature.
// Opaque tokens have no expiry.
func tokenExpiry(token string) time.Time {
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(claims.ExpiresAt, 0)
}

// header Return the Authorization header value, refreshing the OAuth token when needed.
func (a *authenticator) header(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.authURL == "" && a.token == "" {
		creds := base64.StdEncoding.EncodeToString([]byte(a.username + ":" + a.password))
		return "Basic " + creds, nil
	}

	needsToken := a.token == "" || (!a.expiresAt.IsZero() && time.Now().Add(refreshMargin).After(a.expiresAt))
	if needsToken && a.authURL != "" && a.username != "" {
		if err := a.refresh(ctx); err != nil {
			return "", err
		}
	}
	return "Bearer " + a.token, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *authenticator) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", a.username)
	form.Set("password", a.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL+"/SASLogon/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(a.clientID, "")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", a.authURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth token request failed: %s", resp.Status)
	}

	var body oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("cannot decode oauth token: %w", err)
	}
	if body.AccessToken == "" {
		return errors.New("oauth response carries no access token")
	}
	a.token = body.AccessToken
	a.expiresAt = tokenExpiry(body.AccessToken)
	if a.expiresAt.IsZero() && body.ExpiresIn > 0 {
		a.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	log.WithFields(log.Fields{"expires": a.expiresAt}).Debug("Obtained CAS OAuth token")
	return nil
}
