// Package profiling starts the optional pprof server and Pyroscope agent.
package profiling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
)

const readHeaderTimeout = 5 * time.Second

// Options configures profiling.
type Options struct {
	// Enabled starts the pprof server on localhost:PprofPort.
	Enabled   bool
	PprofPort int
	// PyroscopeURL enables continuous profiling when set.
	PyroscopeURL string
	Service      string
	Version      string
}

// Profiler owns the running profilers.
type Profiler struct {
	pprof     *http.Server
	pyroscope *pyroscope.Profiler
	log       logger.Logger
}

// Start launches whichever profilers opts enables. The returned Profiler is
// never nil; Stop it on shutdown.
func Start(opts Options, log logger.Logger) (*Profiler, error) {
	p := &Profiler{log: log}

	if opts.Enabled {
		p.pprof = startPprof(opts.PprofPort, log)
	}

	if opts.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "north-cloud." + opts.Service,
			ServerAddress:   opts.PyroscopeURL,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
			Tags: map[string]string{
				"version":    opts.Version,
				"hostname":   hostname(),
				"go_version": runtime.Version(),
			},
		})
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("start pyroscope: %w", err)
		}
		p.pyroscope = profiler

		log.Info("Pyroscope continuous profiling started",
			logger.String("server", opts.PyroscopeURL),
		)
	}

	return p, nil
}

// startPprof serves the pprof handlers on localhost only.
func startPprof(port int, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              net.JoinHostPort("localhost", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info("Starting pprof server", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server error", logger.Error(err))
		}
	}()
	return srv
}

// Stop shuts down the running profilers.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	if p.pprof != nil {
		_ = p.pprof.Close()
	}
	if p.pyroscope != nil {
		if err := p.pyroscope.Stop(); err != nil {
			p.log.Warn("Failed to stop pyroscope", logger.Error(err))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
