package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calendso/internal/models"

	"golang.org/x/sync/errgroup"
)

// Options tune how the aggregator treats slow or failing providers.
type Options struct {
	// IsolateFailures downgrades a failing adapter to zero busy intervals instead of failing
	// the whole lookup. The failure is logged.
	IsolateFailures bool
	// Timeout bounds every provider call. Zero means no deadline.
	Timeout time.Duration
}

// Aggregator fans availability lookups out to one adapter per credential.
type Aggregator struct {
	factory Factory
	logger  *slog.Logger
	opts    Options
}

func NewAggregator(logger *slog.Logger, factory Factory, opts Options) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{factory: factory, logger: logger, opts: opts}
}

// BusyTimes is the merged result of a lookup.
type BusyTimes struct {
	// Intervals are concatenated in credential order, each adapter's own order preserved.
	Intervals []models.BusyInterval
	// Refreshed lists credentials whose token was refreshed during the lookup.
	Refreshed []models.Credential
}

// EventResult is the outcome of a single-credential event mutation.
type EventResult struct {
	Record    models.ProviderEventRecord
	Refreshed *models.Credential
}

type boundAdapter struct {
	cred    models.Credential
	adapter Adapter
}

// GetBusyTimes queries every known credential concurrently and waits for all of them.
// Unless failures are isolated, any failing adapter fails the lookup; the returned BusyTimes
// still lists refreshed credentials in that case.
func (a *Aggregator) GetBusyTimes(ctx context.Context, creds []models.Credential, from, to time.Time, eventType *models.EventType) (*BusyTimes, error) {
	adapters, err := a.adapters(ctx, creds)
	if err != nil {
		return nil, err
	}

	results := make([][]models.BusyInterval, len(adapters))
	var g errgroup.Group
	for i, b := range adapters {
		g.Go(func() error {
			callCtx, cancel := a.callContext(ctx)
			defer cancel()

			busy, err := b.adapter.FetchBusy(callCtx, from, to, eventType)
			if err != nil {
				if a.opts.IsolateFailures {
					a.logger.Warn("Provider lookup failed, treating as free", "provider", string(b.cred.Type), "credentialID", b.cred.ID, "error", err)
					return nil
				}
				return fmt.Errorf("%s busy times: %w", b.cred.Type, err)
			}
			results[i] = busy
			return nil
		})
	}
	err = g.Wait()

	out := &BusyTimes{Intervals: []models.BusyInterval{}}
	for _, b := range adapters {
		if cred, ok := b.adapter.Credential(); ok {
			out.Refreshed = append(out.Refreshed, cred)
		}
	}
	if err != nil {
		return out, err
	}
	for _, busy := range results {
		out.Intervals = append(out.Intervals, busy...)
	}

	a.logger.Info("Fetched busy times", "adapters", len(adapters), "count", len(out.Intervals))
	return out, nil
}

// adapters builds one adapter per credential, dropping unknown types.
func (a *Aggregator) adapters(ctx context.Context, creds []models.Credential) ([]boundAdapter, error) {
	out := make([]boundAdapter, 0, len(creds))
	for _, cred := range creds {
		adapter, err := a.factory.Adapter(ctx, cred)
		if err != nil {
			if a.opts.IsolateFailures {
				a.logger.Warn("Skipping unusable credential", "provider", string(cred.Type), "credentialID", cred.ID, "error", err)
				continue
			}
			return nil, fmt.Errorf("build %s adapter: %w", cred.Type, err)
		}
		if adapter == nil {
			a.logger.Debug("Ignoring unknown credential type", "type", string(cred.Type), "credentialID", cred.ID)
			continue
		}
		out = append(out, boundAdapter{cred: cred, adapter: adapter})
	}
	return out, nil
}

// CreateEvent writes the event through the credential's adapter. A nil credential means
// there is no external calendar and yields an empty record.
func (a *Aggregator) CreateEvent(ctx context.Context, cred *models.Credential, event models.CalendarEvent, eventType *models.EventType) (*EventResult, error) {
	return a.mutate(ctx, cred, "create event", func(ctx context.Context, ad Adapter) (models.ProviderEventRecord, error) {
		return ad.CreateEvent(ctx, event, eventType)
	})
}

// UpdateEvent updates the remote event id through the credential's adapter.
func (a *Aggregator) UpdateEvent(ctx context.Context, cred *models.Credential, id string, event models.CalendarEvent, eventType *models.EventType) (*EventResult, error) {
	return a.mutate(ctx, cred, "update event", func(ctx context.Context, ad Adapter) (models.ProviderEventRecord, error) {
		return ad.UpdateEvent(ctx, id, event, eventType)
	})
}

// DeleteEvent deletes the remote event id through the credential's adapter.
func (a *Aggregator) DeleteEvent(ctx context.Context, cred *models.Credential, id string, eventType *models.EventType) (*EventResult, error) {
	return a.mutate(ctx, cred, "delete event", func(ctx context.Context, ad Adapter) (models.ProviderEventRecord, error) {
		return nil, ad.DeleteEvent(ctx, id, eventType)
	})
}

func (a *Aggregator) mutate(ctx context.Context, cred *models.Credential, op string, fn func(context.Context, Adapter) (models.ProviderEventRecord, error)) (*EventResult, error) {
	if cred == nil {
		return &EventResult{Record: models.ProviderEventRecord{}}, nil
	}
	adapter, err := a.factory.Adapter(ctx, *cred)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", cred.Type, err)
	}
	if adapter == nil {
		a.logger.Warn("No adapter for credential type", "type", string(cred.Type), "op", op)
		return &EventResult{Record: models.ProviderEventRecord{}}, nil
	}

	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	record, err := fn(callCtx, adapter)
	res := &EventResult{Record: record}
	if refreshed, ok := adapter.Credential(); ok {
		res.Refreshed = &refreshed
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", cred.Type, op, err)
	}
	if res.Record == nil {
		res.Record = models.ProviderEventRecord{}
	}
	return res, nil
}

func (a *Aggregator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.Timeout > 0 {
		return context.WithTimeout(ctx, a.opts.Timeout)
	}
	return context.WithCancel(ctx)
}
