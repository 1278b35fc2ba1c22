package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("context pool closed")

// terminateTimeout bounds teardown of a single context.
const terminateTimeout = 10 * time.Second

// PoolConfig sizes the context pool.
type PoolConfig struct {
	// Capacity is both the number of warm slots and the maximum number of
	// concurrently running contexts.
	Capacity int
	// IdleTTL evicts warm contexts that have not served a request recently.
	IdleTTL time.Duration
	// JanitorInterval is how often idle eviction runs.
	JanitorInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Capacity <= 0 {
		c.Capacity = 8
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 30 * time.Second
	}
	return c
}

// poolSlot is one entry of the fixed-capacity slot table. Acquire and
// release operate on slots, never on shared object references, so the
// at-most-one-borrower invariant reduces to holding the slot lock.
type poolSlot struct {
	ec     *ExecutionContext
	limits ResourceLimits
}

// Pool owns every pooled ExecutionContext. It keeps warm, pre-provisioned
// contexts per language to avoid cold-start cost, bounds concurrent
// executions with a token channel and evicts idle or least-recently-used
// entries. Slot access is striped: each slot has its own lock, so
// unrelated acquisitions never serialize on a global pool lock.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig

	tokens chan struct{}
	slots  []chan poolSlot // each channel holds exactly one slot value: a per-slot mutex with state

	stop   chan struct{}
	closed chan struct{}
}

// NewPool constructs the pool and starts its eviction janitor.
func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		logger: logger,
		cfg:    cfg,
		tokens: make(chan struct{}, cfg.Capacity),
		slots:  make([]chan poolSlot, cfg.Capacity),
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = make(chan poolSlot, 1)
		p.slots[i] <- poolSlot{}
	}
	for i := 0; i < cfg.Capacity; i++ {
		p.tokens <- struct{}{}
	}

	go p.janitor()
	return p
}

// Acquire returns a context bound to the request: a warm Ready context for
// the same language, backend and limits when one exists, a freshly
// provisioned one otherwise. It blocks while the pool is at its
// concurrency capacity, honoring ctx cancellation.
func (p *Pool) Acquire(ctx context.Context, backend Backend, spec ContainerSpec, language Language) (*ExecutionContext, error) {
	select {
	case <-p.stop:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.tokens:
	}

	// A token may have won the race against shutdown.
	select {
	case <-p.stop:
		p.tokens <- struct{}{}
		return nil, ErrPoolClosed
	default:
	}

	// Prefer a warm context. Slots are tried without blocking; a slot held
	// by a concurrent caller is simply skipped.
	for i := range p.slots {
		select {
		case slot := <-p.slots[i]:
			if slot.ec != nil && slot.ec.State() == StateReady &&
				slot.ec.language == language && slot.ec.backend == backend &&
				slot.limits == spec.Limits {
				ec := slot.ec
				p.slots[i] <- poolSlot{}
				if err := ec.transition(StateRunning); err != nil {
					// Unexpected; discard and fall through to provisioning.
					p.terminateContext(ec)
					continue
				}
				return ec, nil
			}
			p.slots[i] <- slot
		default:
		}
	}

	ec, err := p.provision(ctx, backend, spec, language)
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}
	return ec, nil
}

func (p *Pool) provision(ctx context.Context, backend Backend, spec ContainerSpec, language Language) (*ExecutionContext, error) {
	ec := newExecutionContext(language, backend)

	containerID, err := backend.CreateContainer(ctx, spec)
	if err != nil {
		_ = ec.terminate(context.Background())
		return nil, err
	}
	ec.containerID = containerID

	if err := ec.transition(StateReady); err != nil {
		p.terminateContext(ec)
		return nil, err
	}
	if err := ec.transition(StateRunning); err != nil {
		p.terminateContext(ec)
		return nil, err
	}
	return ec, nil
}

// Release returns a context to the pool. Only a healthy context (clean
// completion, scratch state cleaned) goes back to Ready; everything else
// is faulted and terminated. When every slot is occupied the
// least-recently-used warm entry is evicted to make room.
func (p *Pool) Release(ec *ExecutionContext, healthy bool, limits ResourceLimits) {
	defer func() { p.tokens <- struct{}{} }()

	select {
	case <-p.stop:
		healthy = false
	default:
	}

	if !healthy {
		p.discard(ec)
		return
	}

	if err := ec.transition(StateReady); err != nil {
		p.discard(ec)
		return
	}

	// First pass: an empty slot.
	for i := range p.slots {
		select {
		case slot := <-p.slots[i]:
			if slot.ec == nil {
				p.slots[i] <- poolSlot{ec: ec, limits: limits}
				return
			}
			p.slots[i] <- slot
		default:
		}
	}

	// Full table: evict the least-recently-used occupant.
	lruIdx := -1
	var lruSeen time.Time
	for i := range p.slots {
		select {
		case slot := <-p.slots[i]:
			if slot.ec != nil && (lruIdx == -1 || slot.ec.LastUsed().Before(lruSeen)) {
				lruSeen = slot.ec.LastUsed()
				lruIdx = i
			}
			p.slots[i] <- slot
		default:
		}
	}

	if lruIdx >= 0 {
		select {
		case slot := <-p.slots[lruIdx]:
			if slot.ec != nil {
				p.terminateContext(slot.ec)
			}
			p.slots[lruIdx] <- poolSlot{ec: ec, limits: limits}
			return
		default:
		}
	}

	// Could not park it anywhere; let it go.
	p.discard(ec)
}

// WarmUp pre-provisions count Ready contexts per supplied spec so the
// first submissions skip container creation.
func (p *Pool) WarmUp(ctx context.Context, backend Backend, specs map[Language]ContainerSpec, count int) {
	for language, spec := range specs {
		for n := 0; n < count; n++ {
			ec := newExecutionContext(language, backend)
			containerID, err := backend.CreateContainer(ctx, spec)
			if err != nil {
				p.logger.Warn("warm-up provisioning failed",
					zap.String("language", string(language)),
					zap.Error(err))
				_ = ec.terminate(context.Background())
				return
			}
			ec.containerID = containerID
			if err := ec.transition(StateReady); err != nil {
				p.terminateContext(ec)
				continue
			}
			if !p.park(ec, spec.Limits) {
				p.terminateContext(ec)
				return
			}
			p.logger.Debug("context warmed",
				zap.String("context_id", ec.id),
				zap.String("language", string(language)))
		}
	}
}

func (p *Pool) park(ec *ExecutionContext, limits ResourceLimits) bool {
	for i := range p.slots {
		select {
		case slot := <-p.slots[i]:
			if slot.ec == nil {
				p.slots[i] <- poolSlot{ec: ec, limits: limits}
				return true
			}
			p.slots[i] <- slot
		default:
		}
	}
	return false
}

func (p *Pool) discard(ec *ExecutionContext) {
	if ec.State() != StateTerminated {
		_ = ec.transition(StateFaulted)
	}
	p.terminateContext(ec)
}

func (p *Pool) terminateContext(ec *ExecutionContext) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := ec.terminate(ctx); err != nil {
		p.logger.Error("context teardown failed",
			zap.String("context_id", ec.id),
			zap.Error(err))
	}
}

func (p *Pool) janitor() {
	defer close(p.closed)
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	for i := range p.slots {
		select {
		case slot := <-p.slots[i]:
			if slot.ec != nil && slot.ec.State() == StateReady && slot.ec.LastUsed().Before(cutoff) {
				p.logger.Debug("evicting idle context",
					zap.String("context_id", slot.ec.id),
					zap.String("language", string(slot.ec.language)))
				p.terminateContext(slot.ec)
				slot = poolSlot{}
			}
			p.slots[i] <- slot
		default:
		}
	}
}

// Close stops the janitor and terminates every pooled context. In-flight
// contexts are terminated by their owners on release.
func (p *Pool) Close() error {
	select {
	case <-p.stop:
		return nil
	default:
	}
	close(p.stop)
	<-p.closed

	for i := range p.slots {
		slot := <-p.slots[i]
		if slot.ec != nil {
			p.terminateContext(slot.ec)
		}
		p.slots[i] <- poolSlot{}
	}
	return nil
}
