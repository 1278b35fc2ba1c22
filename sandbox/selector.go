package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SelectorConfig tunes backend probing and the failure circuit breaker.
type SelectorConfig struct {
	// ProbeTimeout bounds a single reachability probe; a hung daemon must
	// not block the first real request.
	ProbeTimeout time.Duration
	// CacheTTL is how long a successful selection is trusted before being
	// re-probed.
	CacheTTL time.Duration
	// BreakerThreshold is the number of consecutive engine-level failures
	// that invalidates the cached selection.
	BreakerThreshold int
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	return c
}

// selection is the shared read-mostly state cell: the chosen backend plus
// its health counter. Swapped atomically so in-flight requests are never
// interrupted by a breaker trip.
type selection struct {
	backend  Backend
	chosenAt time.Time
	failures atomic.Int32
}

// Selector picks the isolation backend. It probes candidates in preference
// order (daemon API first, then CLI), caches the choice process-wide for a
// bounded interval and re-probes when the chosen backend accumulates
// consecutive failures. Callers above it never know which backend served a
// request.
type Selector struct {
	logger   *zap.Logger
	cfg      SelectorConfig
	backends []Backend

	current atomic.Pointer[selection]
	probeMu sync.Mutex
}

// NewSelector constructs a selector over the candidate backends in
// preference order.
func NewSelector(logger *zap.Logger, cfg SelectorConfig, backends ...Backend) *Selector {
	return &Selector{
		logger:   logger,
		cfg:      cfg.withDefaults(),
		backends: backends,
	}
}

// Current returns the selected backend, probing if the cache is empty or
// stale. When no candidate is reachable it fails fast with
// ErrEngineUnavailable inside the probe timeout rather than hanging.
func (s *Selector) Current(ctx context.Context) (Backend, error) {
	if sel := s.current.Load(); sel != nil && time.Since(sel.chosenAt) < s.cfg.CacheTTL {
		return sel.backend, nil
	}
	return s.probe(ctx)
}

func (s *Selector) probe(ctx context.Context) (Backend, error) {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	// Another caller may have finished probing while we waited.
	if sel := s.current.Load(); sel != nil && time.Since(sel.chosenAt) < s.cfg.CacheTTL {
		return sel.backend, nil
	}

	for _, backend := range s.backends {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err := backend.Ping(probeCtx)
		cancel()

		if err != nil {
			s.logger.Warn("backend probe failed",
				zap.String("backend", backend.Name()),
				zap.Error(err))
			continue
		}

		sel := &selection{backend: backend, chosenAt: time.Now()}
		s.current.Store(sel)
		s.logger.Info("backend selected", zap.String("backend", backend.Name()))
		return backend, nil
	}

	s.current.Store(nil)
	return nil, ErrEngineUnavailable
}

// Refresh drops the cached selection and probes again. The engine calls
// it when an operation on the selected backend fails outright, so the
// retry can land on the next candidate instead of a dead daemon.
func (s *Selector) Refresh(ctx context.Context) (Backend, error) {
	s.current.Store(nil)
	return s.probe(ctx)
}

// ReportFailure records an engine-level failure on the backend. Crossing
// the breaker threshold invalidates the cached selection so the next
// request re-probes; in-flight requests keep their handle.
func (s *Selector) ReportFailure(backend Backend) {
	sel := s.current.Load()
	if sel == nil || sel.backend != backend {
		return
	}

	if int(sel.failures.Add(1)) >= s.cfg.BreakerThreshold {
		if s.current.CompareAndSwap(sel, nil) {
			s.logger.Warn("backend circuit breaker tripped",
				zap.String("backend", backend.Name()),
				zap.Int("consecutive_failures", s.cfg.BreakerThreshold))
		}
	}
}

// ReportSuccess resets the backend's failure counter.
func (s *Selector) ReportSuccess(backend Backend) {
	sel := s.current.Load()
	if sel != nil && sel.backend == backend {
		sel.failures.Store(0)
	}
}

// SelectedName reports the cached backend name for health endpoints, or
// "none" when nothing is selected.
func (s *Selector) SelectedName() string {
	if sel := s.current.Load(); sel != nil {
		return sel.backend.Name()
	}
	return "none"
}

// Close releases every candidate backend.
func (s *Selector) Close() error {
	var errs []error
	for _, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
