// Package registry keeps the live tracker of every open page load.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/geolocation"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/tracker"
)

// Page is one browser page load and its tracker.
type Page struct {
	ID      string
	Tracker *tracker.Tracker
	// Locator receives the page's geolocation answer; nil when the page
	// reported geolocation as unavailable or already settled.
	Locator *geolocation.Pending

	ctx      context.Context
	cancel   context.CancelFunc
	initDone chan struct{}
	lastSeen time.Time
}

// NewPage creates a page whose background work is bound to a context
// cancelled when the page is removed.
func NewPage(id string, t *tracker.Tracker, locator *geolocation.Pending) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{
		ID:       id,
		Tracker:  t,
		Locator:  locator,
		ctx:      ctx,
		cancel:   cancel,
		initDone: make(chan struct{}),
	}
}

// Start runs the tracker's Init in the background.
func (p *Page) Start() {
	go func() {
		defer close(p.initDone)
		p.Tracker.Init(p.ctx)
	}()
}

// close cancels in-flight lookups, then waits for Init and for every write
// the tracker issued.
func (p *Page) close() {
	p.cancel()
	<-p.initDone
	p.Tracker.Close()
}

// Registry maps page ids to pages and expires idle ones.
type Registry struct {
	mu    sync.Mutex
	pages map[string]*Page

	ttl     time.Duration
	now     func() time.Time
	log     logger.Logger
	metrics *metrics.Metrics
}

// New creates a Registry. Pages idle longer than ttl are removed by Sweep.
func New(ttl time.Duration, log logger.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		pages:   make(map[string]*Page),
		ttl:     ttl,
		now:     time.Now,
		log:     log,
		metrics: m,
	}
}

// SetClock replaces the clock used for idle tracking.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Add registers p and starts its tracker.
func (r *Registry) Add(p *Page) {
	r.mu.Lock()
	p.lastSeen = r.now()
	r.pages[p.ID] = p
	n := len(r.pages)
	r.mu.Unlock()

	r.metrics.SetActivePages(n)
	p.Start()
}

// Get returns the page and marks it as seen.
func (r *Registry) Get(id string) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pages[id]
	if ok {
		p.lastSeen = r.now()
	}
	return p, ok
}

// Remove unregisters the page and releases its background work without
// waiting for it. It reports whether the page existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	p, ok := r.pages[id]
	delete(r.pages, id)
	n := len(r.pages)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.SetActivePages(n)
	go p.close()
	return true
}

// Len returns the number of registered pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Sweep removes pages not seen within the ttl and returns how many it removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []*Page
	for id, p := range r.pages {
		if now.Sub(p.lastSeen) > r.ttl {
			expired = append(expired, p)
			delete(r.pages, id)
		}
	}
	n := len(r.pages)
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	r.metrics.SetActivePages(n)
	for _, p := range expired {
		r.log.Debug("Expiring idle page", logger.String("page_id", p.ID))
		go p.close()
	}
	return len(expired)
}

// Run sweeps idle pages every ttl until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}

	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info("Expired idle pages", logger.Int("count", n))
			}
		}
	}
}

// Close removes every page and waits for their background work to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	pages := r.pages
	r.pages = make(map[string]*Page)
	r.mu.Unlock()

	r.metrics.SetActivePages(0)

	var wg sync.WaitGroup
	for _, p := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.close()
		}()
	}
	wg.Wait()
}
