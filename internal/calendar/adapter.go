// Package calendar joins the calendar backends behind one adapter contract and aggregates
// their busy time.
package calendar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"calendso/internal/bookings"
	"calendso/internal/google"
	"calendso/internal/icloud"
	"calendso/internal/models"
	"calendso/internal/office365"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// Adapter is the capability set every calendar backend implements.
type Adapter interface {
	// FetchBusy returns busy intervals in [from, to]. No events is an empty result, not an error.
	FetchBusy(ctx context.Context, from, to time.Time, eventType *models.EventType) ([]models.BusyInterval, error)
	CreateEvent(ctx context.Context, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error)
	// UpdateEvent requires id to reference an existing remote event.
	UpdateEvent(ctx context.Context, id string, event models.CalendarEvent, eventType *models.EventType) (models.ProviderEventRecord, error)
	// DeleteEvent surfaces the provider's error for unknown ids.
	DeleteEvent(ctx context.Context, id string, eventType *models.EventType) error
	// Credential returns the adapter's credential with its current token and whether the token
	// was refreshed. Persisting a refreshed credential is the caller's job.
	Credential() (models.Credential, bool)
}

// Factory builds an adapter for a credential. It returns a nil adapter and no error for a
// credential type it does not know.
type Factory interface {
	Adapter(ctx context.Context, cred models.Credential) (Adapter, error)
}

// Providers is the Factory for the supported backends. Each call builds a fresh adapter
// that holds a private copy of the credential.
type Providers struct {
	Logger     *slog.Logger
	Bookings   bookings.Finder
	Google     *oauth2.Config
	Office365  office365.Config
	CalDAVURL  string
	HTTPClient *http.Client

	// GoogleOptions are appended to the Google service options; tests point the endpoint here.
	GoogleOptions []option.ClientOption
}

func (p *Providers) Adapter(ctx context.Context, cred models.Credential) (Adapter, error) {
	cred.Key = append([]byte(nil), cred.Key...)

	switch cred.Type {
	case models.CredentialGoogle:
		if p.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
		}
		c, err := google.NewCalendar(ctx, p.logger(cred), p.Google, cred, p.GoogleOptions...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case models.CredentialOffice365:
		c, err := office365.NewCalendar(p.logger(cred), p.HTTPClient, p.Office365, cred)
		if err != nil {
			return nil, err
		}
		return c, nil
	case models.CredentialCalDAV:
		var base http.RoundTripper
		if p.HTTPClient != nil {
			base = p.HTTPClient.Transport
		}
		c, err := icloud.NewClient(p.logger(cred), base, p.CalDAVURL, cred)
		if err != nil {
			return nil, err
		}
		return c, nil
	case models.CredentialInternal:
		if p.Bookings == nil {
			return nil, &models.ConfigurationError{Field: "booking store"}
		}
		return bookings.NewCalendar(p.logger(cred), p.Bookings, cred), nil
	default:
		// unknown credential, could be a retired provider; ignore
		return nil, nil
	}
}

func (p *Providers) logger(cred models.Credential) *slog.Logger {
	l := p.Logger
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return l.With("provider", string(cred.Type), "credentialID", cred.ID)
}
