package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"calendso/internal/models"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// EventTypeProperty is the private extended property written on every event this system
	// creates. Events carrying it are not reported as busy.
	EventTypeProperty = "calendso.eventType"

	defaultCalendarID = "primary"
	reminderMinutes   = 60
)

// Calendar is the adapter for one Google Calendar credential.
type Calendar struct {
	service *calendar.Service
	logger  *slog.Logger
	tokens  *trackingSource
	cred    models.Credential
}

// NewCalendar creates a Google Calendar adapter.
// The OAuth client refreshes the access token on demand; extra options are passed to the service.
func NewCalendar(ctx context.Context, logger *slog.Logger, config *oauth2.Config, cred models.Credential, opts ...option.ClientOption) (*Calendar, error) {
	if config == nil {
		return nil, &models.ConfigurationError{Field: "google oauth client"}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	token, err := decodeToken(cred.Key)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "google credential key", Err: err}
	}

	tokens := newTrackingSource(ctx, config, token)
	client := oauth2.NewClient(ctx, tokens)

	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Calendar{service: service, logger: logger, tokens: tokens, cred: cred}, nil
}

// Credential returns the credential with the current token, and whether it was refreshed.
func (c *Calendar) Credential() (models.Credential, bool) {
	token, refreshed := c.tokens.current()
	if !refreshed {
		return c.cred, false
	}
	key, err := encodeToken(token)
	if err != nil {
		return c.cred, false
	}
	out := c.cred
	out.Key = key
	return out, true
}

// FetchBusy lists events on the event type's conflict calendar. Without a conflict calendar no
// conflict checking is requested and nothing is busy.
func (c *Calendar) FetchBusy(ctx context.Context, from, to time.Time, eventType *models.EventType) ([]models.BusyInterval, error) {
	if eventType == nil || eventType.ConflictCalendarID == "" {
		return []models.BusyInterval{}, nil
	}
	if _, err := c.tokens.token(ctx); err != nil {
		return nil, err
	}

	calendarID := eventType.ConflictCalendarID
	c.logger.Debug("Fetching busy events", "calendarID", calendarID, "from", from, "to", to)

	busy := []models.BusyInterval{}
	err := c.service.Events.List(calendarID).
		TimeMin(from.UTC().Format(time.RFC3339)).
		TimeMax(to.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				interval, ok := toBusyInterval(item, eventType)
				if ok {
					busy = append(busy, interval)
				}
			}
			return nil
		})
	if err != nil {
		return nil, c.wrap("events.list", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(busy), "calendarID", calendarID)
	return busy, nil
}

// toBusyInterval skips events created by this system and events without a start time
// (e.g., all-day events without a specific time).
func toBusyInterval(item *calendar.Event, eventType *models.EventType) (models.BusyInterval, bool) {
	if item.ExtendedProperties != nil && item.ExtendedProperties.Private[EventTypeProperty] != "" {
		return models.BusyInterval{}, false
	}
	if item.Start == nil || item.Start.DateTime == "" || item.End == nil {
		return models.BusyInterval{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return models.BusyInterval{}, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return models.BusyInterval{}, false
	}
	return models.BusyInterval{Start: start, End: end, EventType: eventType}, true
}

// CreateEvent inserts the event on the event type's add calendar.
func (c *Calendar) CreateEvent(ctx context.Context, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error) {
	if _, err := c.tokens.token(ctx); err != nil {
		return nil, err
	}
	payload, err := toGoogleEvent(event, eventType)
	if err != nil {
		return nil, err
	}

	created, err := c.service.Events.Insert(addCalendarID(eventType), payload).Context(ctx).Do()
	if err != nil {
		c.logger.Error("There was an error contacting the Calendar service", "op", "insert", "error", err)
		return nil, c.wrap("events.insert", err)
	}
	c.logger.Info("Created Google Calendar event", "id", created.Id, "calendarID", addCalendarID(eventType))
	return toRecord(created)
}

// UpdateEvent replaces an existing event and notifies its attendees.
func (c *Calendar) UpdateEvent(ctx context.Context, id string, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error) {
	if _, err := c.tokens.token(ctx); err != nil {
		return nil, err
	}
	payload, err := toGoogleEvent(event, eventType)
	if err != nil {
		return nil, err
	}

	updated, err := c.service.Events.Update(addCalendarID(eventType), id, payload).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Error("There was an error contacting the Calendar service", "op", "update", "error", err)
		return nil, c.wrap("events.update", err)
	}
	return toRecord(updated)
}

// DeleteEvent removes an event and notifies its attendees.
func (c *Calendar) DeleteEvent(ctx context.Context, id string, eventType *models.EventType) error {
	if _, err := c.tokens.token(ctx); err != nil {
		return err
	}
	err := c.service.Events.Delete(addCalendarID(eventType), id).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Error("There was an error contacting the Calendar service", "op", "delete", "error", err)
		return c.wrap("events.delete", err)
	}
	return nil
}

// toGoogleEvent builds the insert/update payload. Attendees are appended to the description
// instead of being invited.
func toGoogleEvent(event models.CalendarEvent, eventType *models.EventType) (*calendar.Event, error) {
	attendees := event.Attendees
	if attendees == nil {
		attendees = []models.Person{}
	}
	list, err := json.Marshal(attendees)
	if err != nil {
		return nil, fmt.Errorf("marshal attendees: %w", err)
	}

	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description + "\n" + string(list),
		Location:    event.Location,
		Start: &calendar.EventDateTime{
			DateTime: event.StartTime.Format(time.RFC3339),
			TimeZone: event.Organizer.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: event.EndTime.Format(time.RFC3339),
			TimeZone: event.Organizer.TimeZone,
		},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       []*calendar.EventReminder{{Method: "email", Minutes: reminderMinutes}},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if eventType != nil {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{EventTypeProperty: strconv.FormatInt(eventType.ID, 10)},
		}
	}
	return out, nil
}

func addCalendarID(eventType *models.EventType) string {
	if eventType == nil || eventType.AddCalendarID == "" {
		return defaultCalendarID
	}
	return eventType.AddCalendarID
}

func toRecord(event *calendar.Event) (models.ProviderEventRecord, error) {
	b, err := event.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal google event: %w", err)
	}
	record := models.ProviderEventRecord{}
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("decode google event: %w", err)
	}
	return record, nil
}

func (c *Calendar) wrap(op string, err error) error {
	var authErr *models.AuthRefreshError
	if errors.As(err, &authErr) {
		return authErr
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Body
		if body == "" {
			body = apiErr.Message
		}
		return &models.ProviderError{Provider: models.CredentialGoogle, Op: op, StatusCode: apiErr.Code, Body: body, Err: err}
	}
	return &models.ProviderError{Provider: models.CredentialGoogle, Op: op, Err: err}
}
