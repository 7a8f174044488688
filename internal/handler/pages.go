package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/domain"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/fingerprint"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/geolocation"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/middleware"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/registry"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/tracker"
)

// Geolocation states a page can report.
const (
	GeoStatusUnavailable = "unavailable"
	GeoStatusPending     = "pending"
	GeoStatusDenied      = "denied"
	GeoStatusGranted     = "granted"
)

var (
	errUnknownGeoStatus = errors.New("geolocation.status must be unavailable, pending, denied or granted")
	errMissingPosition  = errors.New("geolocation.position is required when status is granted")
	errPageNotFound     = errors.New("page not found")
	errNoSession        = errors.New("session not created")
	errNotPending       = errors.New("geolocation is not pending for this page")
)

// PageConfig holds the tracker settings applied to every new page.
type PageConfig struct {
	Collection string
	Throttle   time.Duration
	// Geo is handed to the page and used for unavailable/denied/granted pages.
	Geo geolocation.PositionOptions
	// PositionWait bounds how long Init waits for a pending page to report.
	PositionWait time.Duration
}

// PageHandler serves the page lifecycle and event endpoints.
type PageHandler struct {
	cfg        PageConfig
	pages      *registry.Registry
	store      store.DocumentStore
	ip         tracker.IPResolver
	dispatcher tracker.Dispatcher
	logger     logger.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
}

// NewPageHandler creates a PageHandler with the given dependencies.
func NewPageHandler(
	cfg PageConfig,
	pages *registry.Registry,
	docs store.DocumentStore,
	ip tracker.IPResolver,
	dispatcher tracker.Dispatcher,
	log logger.Logger,
	m *metrics.Metrics,
) *PageHandler {
	if cfg.PositionWait <= 0 {
		cfg.PositionWait = cfg.Geo.Timeout
	}
	return &PageHandler{
		cfg:        cfg,
		pages:      pages,
		store:      docs,
		ip:         ip,
		dispatcher: dispatcher,
		logger:     log,
		metrics:    m,
		clock:      time.Now,
	}
}

// SetClock replaces the clock handed to new trackers.
func (h *PageHandler) SetClock(now func() time.Time) {
	h.clock = now
}

type deviceRequest struct {
	UserAgent    string `json:"user_agent"`
	ScreenWidth  int    `json:"screen_width"  binding:"gte=0"`
	ScreenHeight int    `json:"screen_height" binding:"gte=0"`
	Language     string `json:"language"`
	Platform     string `json:"platform"`
}

type positionRequest struct {
	Latitude  float64 `json:"latitude"  binding:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" binding:"gte=-180,lte=180"`
	Accuracy  float64 `json:"accuracy"  binding:"gte=0"`
	// Timestamp is the fix time in epoch milliseconds; zero means now.
	Timestamp int64 `json:"timestamp"`
}

func (p positionRequest) position() geolocation.Position {
	pos := geolocation.Position{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
	}
	if p.Timestamp > 0 {
		pos.Timestamp = time.UnixMilli(p.Timestamp)
	}
	return pos
}

type geolocationRequest struct {
	Status   string           `json:"status"`
	Position *positionRequest `json:"position"`
}

type createPageRequest struct {
	URL         string             `json:"url" binding:"required"`
	Device      deviceRequest      `json:"device"`
	Geolocation geolocationRequest `json:"geolocation"`
}

type eventRequest struct {
	Type        string `json:"type"        binding:"required"`
	Interaction string `json:"interaction" binding:"required"`
}

// CreatePage registers a page load and starts its session in the background.
func (h *PageHandler) CreatePage(c *gin.Context) {
	if c.GetBool(middleware.BotKey) {
		c.Status(http.StatusNoContent)
		return
	}

	var req createPageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Device.UserAgent != "" && middleware.IsBot(req.Device.UserAgent) {
		c.Status(http.StatusNoContent)
		return
	}

	locator, pending, err := h.locatorFor(req.Geolocation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pageID := uuid.NewString()
	log := h.logger.With(logger.String("page_id", pageID))

	geoOpts := h.cfg.Geo
	if pending != nil {
		geoOpts.Timeout = h.cfg.PositionWait
	}

	t := tracker.New(tracker.Config{
		PageURL:    req.URL,
		Collection: h.cfg.Collection,
		Throttle:   h.cfg.Throttle,
		IP:         h.ip,
		Geo: geolocation.NewResolver(locator, geolocation.Options{
			PositionOptions: geoOpts,
			Logger:          log,
			Metrics:         h.metrics,
		}),
		Device:     h.deviceFor(c, req.Device),
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Clock:      h.clock,
		Logger:     log,
		Metrics:    h.metrics,
	})
	h.pages.Add(registry.NewPage(pageID, t, pending))

	log.Debug("Page registered",
		logger.String("url", req.URL),
		logger.String("geolocation", req.Geolocation.Status),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"page_id":        pageID,
		"timeout_ms":     h.cfg.Geo.Timeout.Milliseconds(),
		"maximum_age_ms": h.cfg.Geo.MaximumAge.Milliseconds(),
	})
}

// ReportPosition settles a pending geolocation request.
func (h *PageHandler) ReportPosition(c *gin.Context) {
	page, ok := h.pages.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errPageNotFound.Error()})
		return
	}

	var req geolocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if page.Locator == nil {
		c.JSON(http.StatusConflict, gin.H{"error": errNotPending.Error()})
		return
	}

	var settled bool
	switch req.Status {
	case GeoStatusGranted:
		if req.Position == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errMissingPosition.Error()})
			return
		}
		settled = page.Locator.Report(req.Position.position())
	case GeoStatusDenied, GeoStatusUnavailable:
		settled = page.Locator.Deny(nil)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownGeoStatus.Error()})
		return
	}

	if !settled {
		c.JSON(http.StatusConflict, gin.H{"error": "geolocation already reported"})
		return
	}
	c.Status(http.StatusAccepted)
}

// RecordEvent hands one interaction to the page's tracker. The response does
// not say whether the event was throttled or written.
func (h *PageHandler) RecordEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eventType, err := domain.ParseEventType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	interaction, err := domain.ParseInteraction(req.Interaction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, ok := h.pages.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errPageNotFound.Error()})
		return
	}

	page.Tracker.Track(eventType, interaction)
	c.Status(http.StatusAccepted)
}

// GetPage returns the page's stored session document.
func (h *PageHandler) GetPage(c *gin.Context) {
	pageID := c.Param("id")
	page, ok := h.pages.Get(pageID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errPageNotFound.Error()})
		return
	}

	ref, ok := page.Tracker.Ref()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoSession.Error()})
		return
	}

	doc, err := h.store.Get(c.Request.Context(), ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errNoSession.Error()})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"page_id":    pageID,
		"session_id": ref.ID,
		"session":    doc,
	})
}

// DeletePage forgets the page, as on browser unload.
func (h *PageHandler) DeletePage(c *gin.Context) {
	if !h.pages.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": errPageNotFound.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// locatorFor maps the page's reported geolocation state to a locator. The
// returned Pending is non-nil only when the answer is still to come.
func (h *PageHandler) locatorFor(req geolocationRequest) (geolocation.Locator, *geolocation.Pending, error) {
	switch req.Status {
	case "", GeoStatusUnavailable:
		return nil, nil, nil
	case GeoStatusPending:
		p := geolocation.NewPending()
		return p, p, nil
	case GeoStatusDenied:
		p := geolocation.NewPending()
		p.Deny(nil)
		return p, nil, nil
	case GeoStatusGranted:
		if req.Position == nil {
			return nil, nil, errMissingPosition
		}
		p := geolocation.NewPending()
		p.Report(req.Position.position())
		return p, nil, nil
	default:
		return nil, nil, errUnknownGeoStatus
	}
}

// deviceFor fills gaps in the reported device with request headers.
func (h *PageHandler) deviceFor(c *gin.Context, d deviceRequest) fingerprint.Snapshot {
	snap := fingerprint.Snapshot{
		Agent:      d.UserAgent,
		Width:      d.ScreenWidth,
		Height:     d.ScreenHeight,
		Lang:       fingerprint.NormalizeLanguage(d.Language),
		PlatformID: d.Platform,
	}
	if snap.Agent == "" {
		snap.Agent = c.Request.UserAgent()
	}
	if snap.Lang == "" {
		snap.Lang = fingerprint.PreferredLanguage(c.GetHeader("Accept-Language"))
	}
	return snap
}
