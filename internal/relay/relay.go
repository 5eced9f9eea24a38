// Package relay forwards committed audit events to outbound sinks. Each sink keeps a durable
// cursor, so a restart resumes after the last delivered event instead of replaying history.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/repo"
)

var log = logging.Logger("relay")

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
	// defaultLag bounds how long an engine transaction may stay open after stamping its events.
	defaultLag = 5 * time.Second
)

// Sink receives events in id order. Deliver must return an error to stop the cursor advancing.
type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

type Dispatcher struct {
	repo     repo.Repo
	sinks    []Sink
	interval time.Duration
	batch    int
	lag      time.Duration
	now      func() time.Time
}

func New(r repo.Repo, sinks ...Sink) *Dispatcher {
	return &Dispatcher{repo: r, sinks: sinks, interval: defaultInterval, batch: defaultBatch, lag: defaultLag, now: time.Now}
}

// WithLag overrides how old an event must be before it is delivered. Event ids are assigned at
// insert time, not commit time, so on PostgreSQL a lower id can become visible after a higher one.
// Holding back recent events keeps the cursor from moving past a transaction still in flight.
func (d *Dispatcher) WithLag(lag time.Duration) *Dispatcher {
	if lag >= 0 {
		d.lag = lag
	}
	return d
}

// WithClock overrides the clock used to age events.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// WithInterval overrides the poll interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce drains one batch per sink. A failing sink is retried on the next pass without
// holding back the others.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, s := range d.sinks {
		if err := d.dispatch(ctx, s); err != nil {
			log.Warnw("relay delivery failed", "sink", s.Name(), "err", err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s Sink) error {
	cursor, err := d.cursorFor(ctx, s)
	if err != nil {
		return err
	}
	evts, err := d.repo.EventsAfter(ctx, cursor, d.batch)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		return nil
	}
	cutoff := domain.FormatTime(d.now().Add(-d.lag))
	last := cursor
	var deliverErr error
	for _, evt := range evts {
		if evt.TS > cutoff {
			break
		}
		if s.Accepts(evt.Type) {
			if deliverErr = s.Deliver(ctx, evt); deliverErr != nil {
				break
			}
			log.Debugw("event delivered", "sink", s.Name(), "id", evt.ID, "type", evt.Type)
		}
		last = evt.ID
	}
	if last != cursor {
		if err := d.repo.SetCursor(ctx, s.Name(), last); err != nil {
			return err
		}
	}
	return deliverErr
}

// cursorFor loads the stored cursor. A sink seen for the first time starts at the newest event.
func (d *Dispatcher) cursorFor(ctx context.Context, s Sink) (int64, error) {
	cur, err := d.repo.GetCursor(ctx, s.Name())
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = d.repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.repo.SetCursor(ctx, s.Name(), cur); err != nil {
		return 0, err
	}
	log.Infow("relay cursor initialized", "sink", s.Name(), "cursor", cur)
	return cur, nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
