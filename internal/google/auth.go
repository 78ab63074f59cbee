package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"calendso/internal/models"

	"golang.org/x/oauth2"
)

// tokenKey is the stored form of a Google credential key. It reads both oauth2.Token JSON and
// the millisecond expiry_date written by googleapis client libraries.
type tokenKey struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	ExpiryDate   int64     `json:"expiry_date,omitempty"`
}

func decodeToken(raw json.RawMessage) (*oauth2.Token, error) {
	var key tokenKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, err
	}
	if key.AccessToken == "" && key.RefreshToken == "" {
		return nil, errors.New("token has neither access nor refresh token")
	}
	token := &oauth2.Token{
		AccessToken:  key.AccessToken,
		TokenType:    key.TokenType,
		RefreshToken: key.RefreshToken,
		Expiry:       key.Expiry,
	}
	if token.Expiry.IsZero() && key.ExpiryDate > 0 {
		token.Expiry = time.UnixMilli(key.ExpiryDate)
	}
	return token, nil
}

// EncodeToken returns the credential key stored for a Google token.
func EncodeToken(token *oauth2.Token) (json.RawMessage, error) {
	return encodeToken(token)
}

func encodeToken(token *oauth2.Token) (json.RawMessage, error) {
	key := tokenKey{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	b, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	return b, nil
}

// trackingSource holds the current token of one credential. It refreshes an invalid token through
// the OAuth config under the caller's context, remembers the result so the adapter can report a
// refresh, and turns refresh failures into AuthRefreshError.
type trackingSource struct {
	config  *oauth2.Config
	base    context.Context // construction context; its oauth2.HTTPClient is reused for refreshes
	initial string

	mu   sync.Mutex
	last *oauth2.Token
}

func newTrackingSource(ctx context.Context, config *oauth2.Config, initial *oauth2.Token) *trackingSource {
	return &trackingSource{config: config, base: ctx, initial: initial.AccessToken, last: initial}
}

// Token serves the transport. Adapter operations call token with their own context first, so a
// refresh normally happens there.
func (s *trackingSource) Token() (*oauth2.Token, error) {
	return s.token(s.base)
}

func (s *trackingSource) token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last.Valid() {
		return s.last, nil
	}
	if hc, ok := s.base.Value(oauth2.HTTPClient).(*http.Client); ok && ctx.Value(oauth2.HTTPClient) == nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}

	token, err := s.config.TokenSource(ctx, s.last).Token()
	if err != nil {
		refreshErr := &models.AuthRefreshError{Provider: models.CredentialGoogle, Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			refreshErr.Body = string(retrieveErr.Body)
			if retrieveErr.Response != nil {
				refreshErr.StatusCode = retrieveErr.Response.StatusCode
			}
		}
		return nil, refreshErr
	}
	s.last = token
	return token, nil
}

func (s *trackingSource) current() (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last.AccessToken != s.initial
}

// TokenFromWeb is called by the auth flow to exchange an authorization code.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// DiscoverCalendars lists the ids of all calendars of the authenticated account.
func (c *Calendar) DiscoverCalendars(ctx context.Context) ([]string, error) {
	if _, err := c.tokens.token(ctx); err != nil {
		return nil, err
	}
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, c.wrap("calendarList.list", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}
