package tracker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/dispatch"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/domain"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/fingerprint"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/geolocation"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/iplookup"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/tracker"
)

const pageURL = "https://example.com/landing"

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

type ipFunc func(ctx context.Context) string

func (f ipFunc) Resolve(ctx context.Context) string { return f(ctx) }

type geoFunc func(ctx context.Context) *domain.Location

func (f geoFunc) Resolve(ctx context.Context) *domain.Location { return f(ctx) }

func staticIP(ip string) tracker.IPResolver {
	return ipFunc(func(context.Context) string { return ip })
}

// failingStore rejects every write.
type failingStore struct {
	store.DocumentStore
	err error
}

func (f failingStore) Set(context.Context, store.Ref, map[string]any) error { return f.err }

func (f failingStore) Update(context.Context, store.Ref, string, any) error { return f.err }

var device = fingerprint.Snapshot{
	Agent:      "Mozilla/5.0 (X11; Linux x86_64)",
	Width:      1920,
	Height:     1080,
	Lang:       "en-CA",
	PlatformID: "Linux x86_64",
}

type harness struct {
	tracker *tracker.Tracker
	store   *store.Memory
	clock   *fakeClock
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, mutate func(cfg *tracker.Config)) *harness {
	t.Helper()

	d := dispatch.New(2, 16, nil)
	d.Start()
	t.Cleanup(d.Stop)

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		store:   store.NewMemory(),
		clock:   newFakeClock(0),
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    logs,
	}

	cfg := tracker.Config{
		PageURL:    pageURL,
		IP:         staticIP("198.51.100.7"),
		Device:     device,
		Store:      h.store,
		Dispatcher: d,
		Clock:      h.clock.Now,
		Logger:     logger.NewFromZap(zap.New(core)),
		Metrics:    h.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.tracker = tracker.New(cfg)
	return h
}

func (h *harness) document(t *testing.T) map[string]any {
	t.Helper()
	h.tracker.Wait()

	ref, ok := h.tracker.Ref()
	require.True(t, ok, "expected a session reference")

	doc, err := h.store.Get(context.Background(), ref)
	require.NoError(t, err)
	return doc
}

func warnings(logs *observer.ObservedLogs) []observer.LoggedEntry {
	return logs.FilterLevelExact(zapcore.WarnLevel).All()
}

func TestInit_WritesSessionRecord(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Geo = geoFunc(func(context.Context) *domain.Location {
			return &domain.Location{Latitude: 45.42, Longitude: -75.69, Accuracy: 30}
		})
	})
	h.clock.Set(1760788800123)

	h.tracker.Init(context.Background())
	doc := h.document(t)

	assert.Equal(t, "1760788800123", h.tracker.SessionID())
	assert.Equal(t, pageURL, doc[domain.FieldURL])
	assert.Equal(t, "198.51.100.7", doc[domain.FieldIP])
	assert.Equal(t, map[string]any{"latitude": 45.42, "longitude": -75.69, "accuracy": 30.0}, doc[domain.FieldLocation])
	assert.Equal(t, map[string]any{
		"userAgent":    "Mozilla/5.0 (X11; Linux x86_64)",
		"screenWidth":  1920.0,
		"screenHeight": 1080.0,
		"language":     "en-CA",
		"platform":     "Linux x86_64",
	}, doc[domain.FieldDevice])
	assert.Equal(t, map[string]any{}, doc[domain.FieldEvents])
	assert.NotEmpty(t, doc[domain.FieldCreatedAt])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.SessionsCreated), 0)
}

func TestInit_FallbackEndpointAndDeniedGeolocation(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(failing.Close)
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"203.0.113.5"}`))
	}))
	t.Cleanup(working.Close)

	ips := iplookup.NewResolver([]iplookup.Provider{
		{Name: "first", URL: failing.URL, Extract: iplookup.FieldExtractor("ip")},
		{Name: "second", URL: working.URL, Extract: iplookup.FieldExtractor("ip")},
	}, iplookup.Options{Timeout: time.Second})

	pending := geolocation.NewPending()
	pending.Deny(nil)
	geo := geolocation.NewResolver(pending, geolocation.Options{})

	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.IP = ips
		cfg.Geo = geo
	})

	h.tracker.Init(context.Background())
	doc := h.document(t)

	assert.Equal(t, "203.0.113.5", doc[domain.FieldIP])
	assert.Contains(t, doc, domain.FieldLocation)
	assert.Nil(t, doc[domain.FieldLocation])
	assert.Equal(t, map[string]any{}, doc[domain.FieldEvents])
}

func TestInit_NoIPRecordsNull(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.IP = staticIP("")
	})

	h.tracker.Init(context.Background())
	doc := h.document(t)

	assert.Contains(t, doc, domain.FieldIP)
	assert.Nil(t, doc[domain.FieldIP])
}

func TestInit_RunsIPAndGeolocationConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothStarted)
	}()

	waitForPeer := func() bool {
		arrived.Done()
		select {
		case <-bothStarted:
			return true
		case <-time.After(2 * time.Second):
			return false
		}
	}

	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.IP = ipFunc(func(context.Context) string {
			if waitForPeer() {
				return "192.0.2.1"
			}
			return ""
		})
		cfg.Geo = geoFunc(func(context.Context) *domain.Location {
			if waitForPeer() {
				return &domain.Location{Latitude: 1, Longitude: 2, Accuracy: 3}
			}
			return nil
		})
	})

	h.tracker.Init(context.Background())
	doc := h.document(t)

	assert.Equal(t, "192.0.2.1", doc[domain.FieldIP])
	assert.NotNil(t, doc[domain.FieldLocation])
}

func TestInit_IsIdempotent(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.IP = ipFunc(func(context.Context) string {
			calls.Add(1)
			return "192.0.2.1"
		})
	})

	h.tracker.Init(context.Background())
	h.clock.Set(5000)
	h.tracker.Init(context.Background())
	h.tracker.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "0", h.tracker.SessionID())
	assert.Equal(t, 1, h.store.Len())
}

func TestTrack_BeforeInitIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Geo = geoFunc(func(context.Context) *domain.Location {
			close(started)
			<-release
			return nil
		})
	})

	initDone := make(chan struct{})
	go func() {
		h.tracker.Init(context.Background())
		close(initDone)
	}()
	<-started

	h.tracker.Track(domain.EventYes, domain.InteractionClick)
	assert.Empty(t, h.tracker.SessionID())

	close(release)
	<-initDone

	doc := h.document(t)
	assert.Equal(t, map[string]any{}, doc[domain.FieldEvents])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Events.WithLabelValues(metrics.EventNoSession)), 0)
}

func TestTrack_ThrottlesWithinOneSecond(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.Init(context.Background())

	h.clock.Set(0)
	h.tracker.Track(domain.EventYes, domain.InteractionClick)
	h.clock.Set(500)
	h.tracker.Track(domain.EventNo, domain.InteractionHover)
	h.clock.Set(1200)
	h.tracker.Track(domain.EventNo, domain.InteractionTap)

	doc := h.document(t)
	events, ok := doc[domain.FieldEvents].(map[string]any)
	require.True(t, ok)
	require.Len(t, events, 2)

	first, ok := events["0"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", first[domain.FieldType])
	assert.Equal(t, "click", first[domain.FieldInteraction])
	assert.NotEmpty(t, first[domain.FieldCreatedAt])

	third, ok := events["1200"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "no", third[domain.FieldType])
	assert.Equal(t, "tap", third[domain.FieldInteraction])

	assert.NotContains(t, events, "500")
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Events.WithLabelValues(metrics.EventThrottled)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.Events.WithLabelValues(metrics.EventAccepted)), 0)
}

func TestTrack_ThrottleIsGlobalAcrossTypes(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.Init(context.Background())

	h.tracker.Track(domain.EventYes, domain.InteractionClick)
	h.clock.Set(999)
	h.tracker.Track(domain.EventYes, domain.InteractionResize)
	h.clock.Set(1000)
	h.tracker.Track(domain.EventNo, domain.InteractionResize)

	doc := h.document(t)
	events, ok := doc[domain.FieldEvents].(map[string]any)
	require.True(t, ok)
	assert.Len(t, events, 2)
	assert.Contains(t, events, "0")
	assert.Contains(t, events, "1000")
}

func TestCreateFailure_DisablesTracking(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Store = failingStore{err: errors.New("permission denied")}
	})

	h.tracker.Init(context.Background())
	h.tracker.Wait()

	_, ok := h.tracker.Ref()
	assert.False(t, ok)
	assert.Empty(t, h.tracker.SessionID())

	h.clock.Set(5000)
	h.tracker.Track(domain.EventYes, domain.InteractionClick)
	h.tracker.Wait()

	warns := warnings(h.logs)
	require.Len(t, warns, 1)
	assert.Equal(t, "Failed to create session, event tracking disabled", warns[0].Message)
	assert.Equal(t, "permission denied", warns[0].ContextMap()["error"])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.SessionsFailed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Events.WithLabelValues(metrics.EventNoSession)), 0)
}

// updateFailingStore creates documents but rejects partial updates.
type updateFailingStore struct {
	*store.Memory
}

func (updateFailingStore) Update(context.Context, store.Ref, string, any) error {
	return errors.New("deadline exceeded")
}

func TestTrack_WriteFailureLogsWarning(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Store = updateFailingStore{Memory: store.NewMemory()}
	})
	h.tracker.Init(context.Background())
	h.tracker.Wait()

	h.tracker.Track(domain.EventYes, domain.InteractionClick)
	h.tracker.Wait()

	warns := warnings(h.logs)
	require.Len(t, warns, 1)
	assert.Equal(t, "Failed to record event", warns[0].Message)
	assert.Equal(t, "0", warns[0].ContextMap()["event_key"])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Events.WithLabelValues(metrics.EventFailed)), 0)
}

// fullDispatcher refuses every write.
type fullDispatcher struct{}

func (fullDispatcher) Send(dispatch.Write) bool { return false }

func TestDroppedCreate_ClearsSession(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Dispatcher = fullDispatcher{}
	})

	h.tracker.Init(context.Background())
	h.tracker.Wait()

	assert.Empty(t, h.tracker.SessionID())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.WritesDropped), 0)
	assert.Zero(t, h.store.Len())
}

func TestWithoutDispatcher_WritesInline(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Dispatcher = nil
	})

	h.tracker.Init(context.Background())
	h.tracker.Wait()
	h.tracker.Track(domain.EventNo, domain.InteractionHover)

	doc := h.document(t)
	events, ok := doc[domain.FieldEvents].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, events, "0")
}

// slowSetStore delays document creation.
type slowSetStore struct {
	*store.Memory
	delay time.Duration
}

func (s slowSetStore) Set(ctx context.Context, ref store.Ref, fields map[string]any) error {
	time.Sleep(s.delay)
	return s.Memory.Set(ctx, ref, fields)
}

func TestWithoutDispatcher_EventWaitsForSlowCreate(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Dispatcher = nil
		cfg.Store = slowSetStore{Memory: cfg.Store.(*store.Memory), delay: 50 * time.Millisecond}
	})

	h.tracker.Init(context.Background())
	h.tracker.Track(domain.EventYes, domain.InteractionClick)

	doc := h.document(t)
	events, ok := doc[domain.FieldEvents].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, events, "0")
	assert.Empty(t, warnings(h.logs))
}

// countingStore fails every create and counts the attempts.
type countingStore struct {
	store.DocumentStore
	sets *atomic.Int32
}

func (c countingStore) Set(context.Context, store.Ref, map[string]any) error {
	c.sets.Add(1)
	return errors.New("unavailable")
}

func TestCreateFailure_LaterInitIsNoop(t *testing.T) {
	var sets atomic.Int32
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.Store = countingStore{sets: &sets}
	})

	h.tracker.Init(context.Background())
	h.tracker.Wait()
	h.tracker.Init(context.Background())
	h.tracker.Wait()

	assert.EqualValues(t, 1, sets.Load())
	assert.Empty(t, h.tracker.SessionID())
}

func TestClose_RefusesLaterWrites(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.Init(context.Background())
	h.tracker.Wait()

	h.tracker.Close()
	h.tracker.Track(domain.EventYes, domain.InteractionClick)

	doc := h.document(t)
	assert.Empty(t, doc[domain.FieldEvents])
}

func TestClose_ConcurrentWithTrack(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.Init(context.Background())
	h.tracker.Wait()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.clock.Set(int64(i) * 1000)
			h.tracker.Track(domain.EventNo, domain.InteractionHover)
		}()
	}
	h.tracker.Close()
	wg.Wait()
	h.tracker.Wait()

	_, ok := h.tracker.Ref()
	assert.True(t, ok)
}

func TestInit_AbandonedWhenContextEnds(t *testing.T) {
	h := newHarness(t, func(cfg *tracker.Config) {
		cfg.IP = ipFunc(func(ctx context.Context) string {
			<-ctx.Done()
			return ""
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.tracker.Init(ctx)
	h.tracker.Wait()

	assert.Empty(t, h.tracker.SessionID())
	assert.Zero(t, h.store.Len())
}
