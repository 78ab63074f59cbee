package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"calendso/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is the iCloud CalDAV server.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// PropEventType marks events written by this system; such events are not reported as busy.
	PropEventType = "X-CALENDSO-EVENT-TYPE"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calendso/1.0")
	return t.Transport.RoundTrip(req)
}

// credentialKey is the stored form of a CalDAV credential.
type credentialKey struct {
	URL          string `json:"url,omitempty"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	CalendarPath string `json:"calendar_path,omitempty"`
	CalendarName string `json:"calendar_name,omitempty"`
}

// CalDAVClient is the adapter for one CalDAV calendar (iCloud by default).
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	calendarPath string
	calendarName string
	cred         models.Credential
}

// NewClient creates a CalDAV adapter from a credential. The calendar is located lazily when the
// key names it instead of giving its path.
func NewClient(logger *slog.Logger, base http.RoundTripper, endpoint string, cred models.Credential) (*CalDAVClient, error) {
	var key credentialKey
	if err := json.Unmarshal(cred.Key, &key); err != nil {
		return nil, &models.ConfigurationError{Field: "caldav credential key", Err: err}
	}
	if key.CalendarPath == "" && key.CalendarName == "" {
		return nil, &models.ConfigurationError{Field: "caldav credential key: calendar_path or calendar_name"}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if key.URL != "" {
		endpoint = key.URL
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpClient := &http.Client{
		Transport: &customTransport{Username: key.Username, Password: key.Password, Transport: base},
		Timeout:   30 * time.Second,
	}
	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "caldav endpoint", Err: err}
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
		calendarPath: key.CalendarPath,
		calendarName: key.CalendarName,
		cred:         cred,
	}, nil
}

// Credential returns the credential unchanged; CalDAV uses static basic auth.
func (c *CalDAVClient) Credential() (models.Credential, bool) {
	return c.cred, false
}

// FetchBusy runs a calendar query over [from, to] and maps every foreign VEVENT to an interval.
func (c *CalDAVClient) FetchBusy(ctx context.Context, from, to time.Time, eventType *models.EventType) ([]models.BusyInterval, error) {
	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialCalDAV, Op: "calendar-query", Err: err}
	}

	busy := []models.BusyInterval{}
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		busy = append(busy, busyFromCalendar(obj.Data, from, to, eventType)...)
	}
	c.logger.Info("Fetched CalDAV events", "calendar", calendarPath, "count", len(busy))
	return busy, nil
}

// busyFromCalendar extracts the intervals overlapping [from, to] of all VEVENTs not written by
// this system. Recurring events are expanded; overridden occurrences come from their own VEVENT.
func busyFromCalendar(cal *ical.Calendar, from, to time.Time, eventType *models.EventType) []models.BusyInterval {
	overridden := map[string]map[int64]bool{}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		rid, err := comp.Props.DateTime(ical.PropRecurrenceID, time.UTC)
		if err != nil || rid.IsZero() {
			continue
		}
		uid, _ := comp.Props.Text(ical.PropUID)
		if overridden[uid] == nil {
			overridden[uid] = map[int64]bool{}
		}
		overridden[uid][rid.Unix()] = true
	}

	var out []models.BusyInterval
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if comp.Props.Get(PropEventType) != nil {
			continue
		}
		start, end, ok := eventSpan(comp)
		if !ok {
			continue
		}

		var starts []time.Time
		set, err := comp.RecurrenceSet(time.UTC)
		switch {
		case err != nil:
			continue
		case set == nil || comp.Props.Get(ical.PropRecurrenceID) != nil:
			starts = []time.Time{start}
		default:
			uid, _ := comp.Props.Text(ical.PropUID)
			for _, t := range set.Between(from.Add(-end.Sub(start)), to, true) {
				if !overridden[uid][t.Unix()] {
					starts = append(starts, t)
				}
			}
		}

		length := end.Sub(start)
		for _, t := range starts {
			iv := models.BusyInterval{Start: t.UTC(), End: t.Add(length).UTC(), EventType: eventType}
			if overlaps(iv, from, to) {
				out = append(out, iv)
			}
		}
	}
	return out
}

// eventSpan returns the VEVENT's start and its end from DTEND or DURATION.
func eventSpan(comp *ical.Component) (time.Time, time.Time, bool) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return time.Time{}, time.Time{}, false
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	end := start
	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if t, err := endProp.DateTime(time.UTC); err == nil {
			end = t
		}
	} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if d, err := durProp.Duration(); err == nil {
			end = start.Add(d)
		}
	}
	return start, end, true
}

// overlaps reports whether iv intersects [from, to]; zero-length intervals count when inside it.
func overlaps(iv models.BusyInterval, from, to time.Time) bool {
	if iv.End.Equal(iv.Start) {
		return !iv.Start.Before(from) && !iv.Start.After(to)
	}
	return iv.Start.Before(to) && iv.End.After(from)
}

// CreateEvent stores a new iCalendar object named after a fresh UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error) {
	return c.put(ctx, uuid.New().String(), event, eventType, "create event")
}

// UpdateEvent replaces the object with the given UID.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, id string, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error) {
	return c.put(ctx, id, event, eventType, "update event")
}

// DeleteEvent removes the object with the given UID.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, id string, _ *models.EventType) error {
	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return err
	}
	if err := c.caldavClient.RemoveAll(ctx, eventPath(calendarPath, id)); err != nil {
		return &models.ProviderError{Provider: models.CredentialCalDAV, Op: "delete event", Err: err}
	}
	return nil
}

func (c *CalDAVClient) put(ctx context.Context, uid string, event models.CalendarEvent, eventType *models.EventType, op string) (models.ProviderEventRecord, error) {
	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Writing event to CalDAV", "eventTitle", event.Title, "uid", uid)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calendso//EN")
	cal.Children = append(cal.Children, toICal(uid, event, eventType))

	p := eventPath(calendarPath, uid)
	obj, err := c.caldavClient.PutCalendarObject(ctx, p, cal)
	if err != nil {
		return nil, &models.ProviderError{Provider: models.CredentialCalDAV, Op: op, Err: err}
	}

	record := models.ProviderEventRecord{"id": uid, "path": p}
	if obj != nil && obj.ETag != "" {
		record["etag"] = obj.ETag
	}
	c.logger.Info("Successfully wrote event to CalDAV", "eventTitle", event.Title, "uid", uid)
	return record, nil
}

// toICal converts a CalendarEvent to a VEVENT.
func toICal(uid string, event models.CalendarEvent, eventType *models.EventType) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.Organizer.Email != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + event.Organizer.Email
		if event.Organizer.Name != "" {
			p.Params.Set(ical.ParamCommonName, event.Organizer.Name)
		}
		ve.Props.Add(p)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + attendee.Email
		if attendee.Name != "" {
			p.Params.Set(ical.ParamCommonName, attendee.Name)
		}
		ve.Props.Add(p)
	}
	if eventType != nil {
		p := ical.NewProp(PropEventType)
		p.Value = strconv.FormatInt(eventType.ID, 10)
		ve.Props.Set(p)
	}
	return ve
}

// calendar returns the calendar path, discovering it by name on first use.
func (c *CalDAVClient) calendar(ctx context.Context) (string, error) {
	if c.calendarPath != "" {
		return c.calendarPath, nil
	}
	c.logger.Info("Finding CalDAV calendar", "calendarName", c.calendarName)
	p, err := c.findCalendar(ctx, c.calendarName)
	if err != nil {
		return "", err
	}
	c.calendarPath = p
	return p, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", &models.ProviderError{Provider: models.CredentialCalDAV, Op: "find principal", Err: err}
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", &models.ProviderError{Provider: models.CredentialCalDAV, Op: "find calendar home set", Err: err}
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", &models.ProviderError{Provider: models.CredentialCalDAV, Op: "find calendars", Err: err}
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", &models.ConfigurationError{Field: fmt.Sprintf("no calendar found with name '%s'", name)}
}

func eventPath(calendarPath, uid string) string {
	return path.Join(strings.TrimSuffix(calendarPath, "/"), uid+".ics")
}
