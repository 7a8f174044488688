// Package tracker records one page load as a session document plus a
// throttled stream of interaction events.
package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/dispatch"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/domain"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/fingerprint"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"
)

const (
	defaultCollection = "sessions"
	defaultThrottle   = time.Second
)

// IPResolver returns the public IP address, or "" when it cannot be found.
type IPResolver interface {
	Resolve(ctx context.Context) string
}

// GeoResolver returns the current location, or nil when it cannot be found.
type GeoResolver interface {
	Resolve(ctx context.Context) *domain.Location
}

// Dispatcher runs detached writes. Send returns false when the write was dropped.
type Dispatcher interface {
	Send(w dispatch.Write) bool
}

// Config wires a Tracker's collaborators. Only Store is required; without a
// Dispatcher writes run on a per-tracker goroutine in issue order.
type Config struct {
	PageURL    string
	Collection string
	Throttle   time.Duration

	IP         IPResolver
	Geo        GeoResolver
	Device     fingerprint.Properties
	Store      store.DocumentStore
	Dispatcher Dispatcher

	// Clock supplies the client-side time used for ids, keys and throttling.
	Clock   func() time.Time
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Tracker owns the session reference and throttle state of one page load.
// Init and Track never return errors; failures are logged and absorbed.
type Tracker struct {
	pageURL    string
	collection string

	ip         IPResolver
	geo        GeoResolver
	device     fingerprint.Properties
	store      store.DocumentStore
	dispatcher Dispatcher
	clock      func() time.Time
	log        logger.Logger
	metrics    *metrics.Metrics

	mu           sync.Mutex
	ref          *store.Ref
	initializing bool
	failed       bool
	closed       bool
	limiter      *rate.Limiter

	// serial holds writes awaiting the inline drainer when there is no dispatcher.
	serial   []dispatch.Write
	draining bool

	pending sync.WaitGroup
}

// New creates a Tracker with no session.
func New(cfg Config) *Tracker {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &Tracker{
		pageURL:    cfg.PageURL,
		collection: cfg.Collection,
		ip:         cfg.IP,
		geo:        cfg.Geo,
		device:     cfg.Device,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		limiter:    rate.NewLimiter(rate.Every(cfg.Throttle), 1),
	}
}

// Init creates the session document. It is a no-op when a session reference
// is already cached, another Init is in flight, a previous create failed, or
// the tracker is closed. The reference is cached before the write completes
// and cleared again if the write fails. When ctx ends before the lookups
// finish, Init gives up without writing.
func (t *Tracker) Init(ctx context.Context) {
	t.mu.Lock()
	if t.ref != nil || t.initializing || t.failed || t.closed {
		t.mu.Unlock()
		return
	}
	t.initializing = true
	t.mu.Unlock()

	var (
		wg       sync.WaitGroup
		ip       string
		location *domain.Location
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if t.ip != nil {
			ip = t.ip.Resolve(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		if t.geo != nil {
			location = t.geo.Resolve(ctx)
		}
	}()
	wg.Wait()

	if ctx.Err() != nil {
		// page went away while resolving; nothing is written
		t.mu.Lock()
		t.initializing = false
		t.mu.Unlock()
		t.log.Debug("Session init abandoned", logger.Error(ctx.Err()))
		return
	}

	record := domain.SessionRecord{URL: t.pageURL, Location: location}
	if ip != "" {
		record.IP = &ip
	}
	if t.device != nil {
		record.Device = fingerprint.Read(t.device)
	}

	ref := store.Ref{Collection: t.collection, ID: domain.SessionID(t.clock())}
	fields := sessionFields(record)

	t.mu.Lock()
	t.ref = &ref
	t.initializing = false
	t.mu.Unlock()

	log := t.log.With(logger.String("session_id", ref.ID))
	log.Debug("Creating session",
		logger.Bool("has_ip", record.IP != nil),
		logger.Bool("has_location", record.Location != nil),
	)

	t.detach(dispatch.Write{
		Key: ref.ID,
		Op:  "create_session",
		Run: func(ctx context.Context) error {
			return t.store.Set(ctx, ref, fields)
		},
		Done: func(err error) {
			if err != nil {
				log.Warn("Failed to create session, event tracking disabled", logger.Error(err))
				t.clearRef(ref)
				t.metrics.SessionFailed()
				return
			}
			t.metrics.SessionCreated()
		},
	})
}

// Track records one interaction. Calls without a session and calls inside
// the throttle window are dropped silently.
func (t *Tracker) Track(eventType domain.EventType, interaction domain.Interaction) {
	now := t.clock()

	t.mu.Lock()
	if t.ref == nil {
		t.mu.Unlock()
		t.metrics.Event(metrics.EventNoSession)
		return
	}
	ref := *t.ref
	if !t.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		t.metrics.Event(metrics.EventThrottled)
		return
	}
	t.mu.Unlock()

	key := domain.EventKey(now)
	entry := map[string]any{
		domain.FieldType:        string(eventType),
		domain.FieldInteraction: string(interaction),
		domain.FieldCreatedAt:   store.ServerTimestamp(),
	}
	t.metrics.Event(metrics.EventAccepted)

	t.detach(dispatch.Write{
		Key: ref.ID,
		Op:  "record_event",
		Run: func(ctx context.Context) error {
			return t.store.Update(ctx, ref, domain.EventPath(key), entry)
		},
		Done: func(err error) {
			if err != nil {
				t.log.Warn("Failed to record event",
					logger.String("session_id", ref.ID),
					logger.String("event_key", key),
					logger.String("type", string(eventType)),
					logger.String("interaction", string(interaction)),
					logger.Error(err),
				)
				t.metrics.Event(metrics.EventFailed)
			}
		},
	})
}

// SessionID returns the cached session id, or "" when there is none.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ref == nil {
		return ""
	}
	return t.ref.ID
}

// Ref returns the cached session reference.
func (t *Tracker) Ref() (store.Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ref == nil {
		return store.Ref{}, false
	}
	return *t.ref, true
}

// Wait blocks until every detached write issued so far has finished.
func (t *Tracker) Wait() {
	t.pending.Wait()
}

// Close refuses further writes and waits for the ones already issued.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.pending.Wait()
}

// detach hands w to the dispatcher, or to the tracker's own serial drainer
// when there is none. Writes for one tracker run in issue order either way.
// A dropped write is reported to Done as ErrDropped, a write issued after
// Close as ErrClosed.
func (t *Tracker) detach(w dispatch.Write) {
	done := w.Done
	if done == nil {
		done = func(error) {}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Debug("Tracker closed, dropping write", logger.String("op", w.Op))
		done(ErrClosed)
		return
	}
	t.pending.Add(1)
	w.Done = func(err error) {
		defer t.pending.Done()
		done(err)
	}

	if t.dispatcher == nil {
		t.serial = append(t.serial, w)
		start := !t.draining
		t.draining = true
		t.mu.Unlock()
		if start {
			go t.drain()
		}
		return
	}
	t.mu.Unlock()

	if !t.dispatcher.Send(w) {
		t.log.Warn("Write queue full, dropping write",
			logger.String("op", w.Op),
			logger.String("session_id", w.Key),
		)
		t.metrics.WriteDropped()
		w.Done(ErrDropped)
	}
}

// drain runs queued inline writes one at a time until the queue is empty.
func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		if len(t.serial) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		w := t.serial[0]
		t.serial = t.serial[1:]
		t.mu.Unlock()

		w.Done(w.Run(context.Background()))
	}
}

// clearRef drops a session whose create failed; recording stays off for the
// rest of the page load.
func (t *Tracker) clearRef(ref store.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ref != nil && *t.ref == ref {
		t.ref = nil
	}
	t.failed = true
}

// sessionFields builds the document written for a new session.
func sessionFields(r domain.SessionRecord) map[string]any {
	fields := map[string]any{
		domain.FieldCreatedAt: store.ServerTimestamp(),
		domain.FieldURL:       r.URL,
		domain.FieldDevice:    r.Device,
		domain.FieldEvents:    map[string]any{},
	}
	if r.IP != nil {
		fields[domain.FieldIP] = *r.IP
	} else {
		fields[domain.FieldIP] = nil
	}
	if r.Location != nil {
		fields[domain.FieldLocation] = *r.Location
	} else {
		fields[domain.FieldLocation] = nil
	}
	return fields
}
