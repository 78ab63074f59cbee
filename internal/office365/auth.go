package office365

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"calendso/internal/models"

	"golang.org/x/oauth2"
)

const (
	defaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultScope    = "User.Read Calendars.Read Calendars.ReadWrite"
)

// tokenKey is the credential key payload stored for an Office 365 account.
type tokenKey struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"` // unix seconds
	Email        string `json:"email"`
}

func (k tokenKey) expired(now time.Time) bool {
	return now.Unix() >= k.ExpiryDate
}

func (k tokenKey) oauth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  k.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: k.RefreshToken,
		Expiry:       time.Unix(k.ExpiryDate, 0),
	}
}

// tokenSource hands out the stored access token and runs the refresh grant once it has expired.
// The grant is posted by hand because Microsoft expects the scope on refresh.
type tokenSource struct {
	httpClient *http.Client
	tokenURL   string
	scope      string
	clientID   string
	secret     string
	now        func() time.Time

	mu        sync.Mutex
	key       tokenKey
	refreshed bool
}

// bind returns an oauth2.TokenSource whose refresh requests run under ctx.
func (s *tokenSource) bind(ctx context.Context) oauth2.TokenSource {
	return boundSource{src: s, ctx: ctx}
}

type boundSource struct {
	src *tokenSource
	ctx context.Context
}

func (b boundSource) Token() (*oauth2.Token, error) {
	return b.src.token(b.ctx)
}

func (s *tokenSource) token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key.expired(s.now()) {
		key, err := s.refresh(ctx, s.key)
		if err != nil {
			return nil, err
		}
		s.key = key
		s.refreshed = true
	}
	return s.key.oauth2Token(), nil
}

// current returns the key as it should be stored and whether it was refreshed.
func (s *tokenSource) current() (tokenKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.refreshed
}

func (s *tokenSource) refresh(ctx context.Context, key tokenKey) (tokenKey, error) {
	form := url.Values{
		"scope":         {s.scope},
		"client_id":     {s.clientID},
		"refresh_token": {key.RefreshToken},
		"grant_type":    {"refresh_token"},
		"client_secret": {s.secret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return key, &models.AuthRefreshError{Provider: models.CredentialOffice365, StatusCode: resp.StatusCode, Body: string(body)}
	}

	key.AccessToken = token.AccessToken
	key.ExpiryDate = s.now().Unix() + token.ExpiresIn
	return key, nil
}
