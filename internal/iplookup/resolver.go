// Package iplookup resolves the caller's public IP through an ordered list of
// public HTTP endpoints, returning the first IP any of them yields.
package iplookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
)

// DefaultTimeout bounds each provider request.
const DefaultTimeout = 3 * time.Second

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 64 << 10

var (
	errStatus  = errors.New("unexpected status")
	errEmptyIP = errors.New("no ip in response")
)

// Options configures a Resolver.
type Options struct {
	// Timeout bounds each provider request; zero means DefaultTimeout.
	Timeout time.Duration
	// BreakerThreshold opens a provider's circuit after this many consecutive
	// failures; zero disables circuit breaking.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit skips its provider.
	BreakerCooldown time.Duration
	Client          *http.Client
	Logger          logger.Logger
	Metrics         *metrics.Metrics
}

type endpoint struct {
	Provider
	breaker *gobreaker.CircuitBreaker[string]
}

// Resolver tries providers sequentially in priority order.
type Resolver struct {
	endpoints []endpoint
	client    *http.Client
	timeout   time.Duration
	log       logger.Logger
	metrics   *metrics.Metrics
}

// NewResolver creates a Resolver over providers, kept in the given order.
func NewResolver(providers []Provider, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = NewClient(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	r := &Resolver{
		client:  opts.Client,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}

	for _, p := range providers {
		ep := endpoint{Provider: p}
		if opts.BreakerThreshold > 0 {
			ep.breaker = newBreaker(p.Name, opts, r.log)
		}
		r.endpoints = append(r.endpoints, ep)
	}
	return r
}

func newBreaker(name string, opts Options, log logger.Logger) *gobreaker.CircuitBreaker[string] {
	threshold := uint32(opts.BreakerThreshold) //nolint:gosec // validated positive
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    name,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the provider
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("IP provider circuit state changed",
				logger.String("provider", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
}

// Resolve returns the first IP found, or "" when every provider fails.
// Provider failures are never surfaced.
func (r *Resolver) Resolve(ctx context.Context) string {
	for i := range r.endpoints {
		ep := &r.endpoints[i]

		ip, err := r.attempt(ctx, ep)
		if err == nil {
			r.metrics.IPLookup(ep.Name, metrics.LookupSuccess)
			return ip
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.metrics.IPLookup(ep.Name, metrics.LookupSkipped)
		} else {
			r.metrics.IPLookup(ep.Name, metrics.LookupFailure)
		}
		r.log.Debug("IP provider failed, trying next",
			logger.String("provider", ep.Name),
			logger.Error(err),
		)

		if ctx.Err() != nil {
			return ""
		}
	}
	return ""
}

func (r *Resolver) attempt(ctx context.Context, ep *endpoint) (string, error) {
	if ep.breaker == nil {
		return r.lookup(ctx, ep.Provider)
	}
	return ep.breaker.Execute(func() (string, error) {
		return r.lookup(ctx, ep.Provider)
	})
}

func (r *Resolver) lookup(ctx context.Context, p Provider) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", p.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: %d", errStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.Name, err)
	}

	ip := p.Extract(body)
	if ip == "" {
		return "", errEmptyIP
	}
	return ip, nil
}
