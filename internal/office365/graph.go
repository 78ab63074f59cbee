// Package office365 reads free/busy data from and writes events to Microsoft 365 calendars
// through the Microsoft Graph API.
package office365

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"calendso/internal/models"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	graphTimeFormat = "2006-01-02T15:04:05"

	availabilityViewInterval = 60
)

// Config holds the application registration used for the refresh grant.
type Config struct {
	ClientID     string
	ClientSecret string
	Scope        string // defaults to calendar read/write scopes
	TokenURL     string // defaults to the common tenant endpoint
	BaseURL      string // defaults to Graph v1.0
}

// Calendar is the adapter for one Office 365 credential.
type Calendar struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	tokens     *tokenSource
	now        func() time.Time

	cred  models.Credential
	email string
}

// NewCalendar decodes the credential key and prepares an adapter. No request is made.
func NewCalendar(logger *slog.Logger, httpClient *http.Client, cfg Config, cred models.Credential) (*Calendar, error) {
	var key tokenKey
	if err := json.Unmarshal(cred.Key, &key); err != nil {
		return nil, &models.ConfigurationError{Field: "office365 credential key", Err: err}
	}
	if key.Email == "" {
		key.Email = cred.Owner.Email
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Scope == "" {
		cfg.Scope = defaultScope
	}

	c := &Calendar{
		logger:     logger,
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		now:        time.Now,
		cred:       cred,
		email:      key.Email,
	}
	c.tokens = &tokenSource{
		httpClient: httpClient,
		tokenURL:   cfg.TokenURL,
		scope:      cfg.Scope,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		now:        func() time.Time { return c.now() },
		key:        key,
	}
	return c, nil
}

// Credential returns the credential with the current token, and whether it was refreshed.
func (c *Calendar) Credential() (models.Credential, bool) {
	key, refreshed := c.tokens.current()
	if !refreshed {
		return c.cred, false
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return c.cred, false
	}
	out := c.cred
	out.Key = raw
	return out, true
}

// FetchBusy queries the owner's free/busy schedule over [from, to].
func (c *Calendar) FetchBusy(ctx context.Context, from, to time.Time, _ *models.EventType) ([]models.BusyInterval, error) {
	payload := scheduleRequest{
		Schedules:                []string{c.email},
		StartTime:                graphDateTime{DateTime: from.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		EndTime:                  graphDateTime{DateTime: to.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		AvailabilityViewInterval: availabilityViewInterval,
	}

	body, err := c.do(ctx, http.MethodPost, "/me/calendar/getSchedule", payload, "getSchedule")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			ScheduleItems []struct {
				Start graphDateTime `json:"start"`
				End   graphDateTime `json:"end"`
			} `json:"scheduleItems"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: "getSchedule", Body: string(body), Err: err}
	}
	if len(resp.Value) == 0 {
		return []models.BusyInterval{}, nil
	}

	items := resp.Value[0].ScheduleItems
	busy := make([]models.BusyInterval, 0, len(items))
	for _, item := range items {
		start, err := parseUTC(item.Start.DateTime)
		if err != nil {
			return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: "getSchedule", Body: item.Start.DateTime, Err: err}
		}
		end, err := parseUTC(item.End.DateTime)
		if err != nil {
			return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: "getSchedule", Body: item.End.DateTime, Err: err}
		}
		busy = append(busy, models.BusyInterval{Start: start, End: end})
	}
	c.logger.Info("Fetched Office 365 schedule", "email", c.email, "count", len(busy))
	return busy, nil
}

// parseUTC reads a Graph schedule timestamp. Graph returns wall-clock times without an offset in
// the zone the request asked for; the request always asks for UTC, so the bare value is taken as UTC.
// A tenant that ignores the requested zone would shift every interval.
func parseUTC(s string) (time.Time, error) {
	return time.ParseInLocation(graphTimeFormat, s, time.UTC)
}

// CreateEvent posts the event to the owner's default calendar.
func (c *Calendar) CreateEvent(ctx context.Context, event models.CalendarEvent, _ *models.EventType) (models.ProviderEventRecord, error) {
	body, err := c.do(ctx, http.MethodPost, "/me/calendar/events", translateEvent(event), "create event")
	if err != nil {
		return nil, err
	}
	record := models.ProviderEventRecord{}
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: "create event", Body: string(body), Err: err}
	}
	// Graph sends its own invitation.
	record["disableConfirmationEmail"] = true
	return record, nil
}

// UpdateEvent patches an existing event.
func (c *Calendar) UpdateEvent(ctx context.Context, id string, event models.CalendarEvent, _ *models.EventType) (models.ProviderEventRecord, error) {
	body, err := c.do(ctx, http.MethodPatch, "/me/calendar/events/"+url.PathEscape(id), translateEvent(event), "update event")
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	record := models.ProviderEventRecord{}
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: "update event", Body: string(body), Err: err}
	}
	return record, nil
}

// DeleteEvent removes an event. Deleting an unknown id surfaces Graph's error.
func (c *Calendar) DeleteEvent(ctx context.Context, id string, _ *models.EventType) error {
	_, err := c.do(ctx, http.MethodDelete, "/me/calendar/events/"+url.PathEscape(id), nil, "delete event")
	return err
}

func (c *Calendar) do(ctx context.Context, method, path string, payload any, op string) ([]byte, error) {
	tokens := c.tokens.bind(ctx)
	if _, err := tokens.Token(); err != nil {
		return nil, err
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), tokens)
	client.Timeout = c.httpClient.Timeout

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Microsoft Graph request failed", "op", op, "status", resp.StatusCode, "body", string(body))
		return nil, &models.ProviderError{Provider: models.CredentialOffice365, Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

type scheduleRequest struct {
	Schedules                []string      `json:"schedules"`
	StartTime                graphDateTime `json:"startTime"`
	EndTime                  graphDateTime `json:"endTime"`
	AvailabilityViewInterval int           `json:"availabilityViewInterval"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type graphEvent struct {
	Subject   string          `json:"subject"`
	Body      graphBody       `json:"body"`
	Start     graphDateTime   `json:"start"`
	End       graphDateTime   `json:"end"`
	Attendees []graphAttendee `json:"attendees"`
	Location  *graphLocation  `json:"location,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Type         string     `json:"type"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

// translateEvent builds the Graph event. Times are written as wall clock in the organizer's zone.
func translateEvent(event models.CalendarEvent) graphEvent {
	zone := event.Organizer.TimeZone
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		loc, zone = time.UTC, "UTC"
	}

	out := graphEvent{
		Subject: event.Title,
		Body:    graphBody{ContentType: "HTML", Content: event.Description},
		Start:   graphDateTime{DateTime: event.StartTime.In(loc).Format(graphTimeFormat), TimeZone: zone},
		End:     graphDateTime{DateTime: event.EndTime.In(loc).Format(graphTimeFormat), TimeZone: zone},
	}
	out.Attendees = make([]graphAttendee, 0, len(event.Attendees))
	for _, a := range event.Attendees {
		out.Attendees = append(out.Attendees, graphAttendee{
			EmailAddress: graphEmail{Address: a.Email, Name: a.Name},
			Type:         "required",
		})
	}
	if event.Location != "" {
		out.Location = &graphLocation{DisplayName: event.Location}
	}
	return out
}
