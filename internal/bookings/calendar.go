package bookings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calendso/internal/models"
)

// Finder is the slice of the booking store the internal adapter reads from.
type Finder interface {
	FindBookings(ctx context.Context, userID int64, from, to time.Time, eventTypeID *int64) ([]models.Booking, error)
}

// Calendar makes a user's own bookings take part in availability lookups.
// Bookings are written by the caller, so event mutations are no-ops.
type Calendar struct {
	finder Finder
	logger *slog.Logger
	cred   models.Credential
}

func NewCalendar(logger *slog.Logger, finder Finder, cred models.Credential) *Calendar {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Calendar{finder: finder, logger: logger, cred: cred}
}

func (c *Calendar) Credential() (models.Credential, bool) {
	return c.cred, false
}

// FetchBusy returns the owner's bookings with start >= from and end < to.
func (c *Calendar) FetchBusy(ctx context.Context, from, to time.Time, eventType *models.EventType) ([]models.BusyInterval, error) {
	var eventTypeID *int64
	if eventType != nil {
		id := eventType.ID
		eventTypeID = &id
	}

	list, err := c.finder.FindBookings(ctx, c.cred.UserID, from, to, eventTypeID)
	if err != nil {
		return nil, fmt.Errorf("find bookings: %w", err)
	}

	busy := make([]models.BusyInterval, 0, len(list))
	for _, b := range list {
		busy = append(busy, models.BusyInterval{
			Start:     b.StartTime,
			End:       b.EndTime,
			EventType: b.EventType,
			Attendees: b.Attendees,
		})
	}
	c.logger.Debug("Fetched internal bookings", "userID", c.cred.UserID, "count", len(busy))
	return busy, nil
}

func (c *Calendar) CreateEvent(context.Context, models.CalendarEvent, *models.EventType) (models.ProviderEventRecord, error) {
	return nil, nil
}

func (c *Calendar) UpdateEvent(context.Context, string, models.CalendarEvent, *models.EventType) (models.ProviderEventRecord, error) {
	return nil, nil
}

func (c *Calendar) DeleteEvent(context.Context, string, *models.EventType) error {
	return nil
}
