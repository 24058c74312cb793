package transport

import (
	"context"
	"sync"
	"time"
)

// HybridConfig configures HybridTransport's failover/probe policy
// (§4.3 "Hybrid").
type HybridConfig struct {
	// FailureTimeout is how long the primary may sit outside {Connected,
	// Degraded} before the fallback is promoted. Default 5s.
	FailureTimeout time.Duration
	// ProbeInterval is how often a demoted primary is re-checked.
	// Default 60s.
	ProbeInterval time.Duration
	// StableWindow is how long the primary must remain healthy during a
	// probe before being promoted back. Default equals ProbeInterval.
	StableWindow time.Duration
}

func (c HybridConfig) withDefaults() HybridConfig {
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 5 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 60 * time.Second
	}
	if c.StableWindow <= 0 {
		c.StableWindow = c.ProbeInterval
	}
	return c
}

// HybridTransport holds a primary and a fallback Transport (§4.3): the
// primary is used while its status is Connected or Degraded; a failure or
// FailureTimeout promotes the fallback. The engine periodically probes
// the primary and promotes it back once stable for one probe window.
type HybridTransport struct {
	statusBroadcaster

	cfg               HybridConfig
	primary, fallback Transport

	mu        sync.RWMutex
	usePrimary bool
	cancel     context.CancelFunc
}

func NewHybridTransport(cfg HybridConfig, primary, fallback Transport) *HybridTransport {
	h := &HybridTransport{cfg: cfg.withDefaults(), primary: primary, fallback: fallback, usePrimary: true}
	h.init()
	return h
}

func (h *HybridTransport) active() Transport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.usePrimary {
		return h.primary
	}
	return h.fallback
}

func (h *HybridTransport) Connect(ctx context.Context) error {
	if err := h.primary.Connect(ctx); err != nil {
		return err
	}
	if err := h.fallback.Connect(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.set(h.primary.Status())
	go h.supervise(runCtx)
	return nil
}

// supervise watches the primary's health: it promotes the fallback after
// FailureTimeout of unhealthy primary status, and demotes back to the
// primary once a ProbeInterval-spaced check finds it healthy for a full
// StableWindow.
func (h *HybridTransport) supervise(ctx context.Context) {
	unhealthySince := time.Time{}
	probe := time.NewTicker(h.cfg.ProbeInterval)
	defer probe.Stop()
	changes := h.primary.StatusChanges()

	healthyStart := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-changes:
			h.mu.RLock()
			onPrimary := h.usePrimary
			h.mu.RUnlock()
			healthy := s == Connected || s == Degraded
			if onPrimary {
				h.set(s)
				if !healthy {
					unhealthySince = time.Now()
				} else {
					unhealthySince = time.Time{}
				}
			} else if healthy {
				if healthyStart.IsZero() {
					healthyStart = time.Now()
				}
			} else {
				healthyStart = time.Time{}
			}
		case <-probe.C:
			h.mu.Lock()
			onPrimary := h.usePrimary
			if onPrimary && !unhealthySince.IsZero() && time.Since(unhealthySince) >= h.cfg.FailureTimeout {
				h.usePrimary = false
				h.mu.Unlock()
				h.set(h.fallback.Status())
				continue
			}
			if !onPrimary && !healthyStart.IsZero() && time.Since(healthyStart) >= h.cfg.StableWindow {
				h.usePrimary = true
				h.mu.Unlock()
				h.set(h.primary.Status())
				continue
			}
			h.mu.Unlock()
		}
	}
}

func (h *HybridTransport) Disconnect(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	err1 := h.primary.Disconnect(ctx)
	err2 := h.fallback.Disconnect(ctx)
	h.set(Disconnected)
	if err1 != nil {
		return err1
	}
	return err2
}

func (h *HybridTransport) Send(ctx context.Context, msg Message) error {
	return h.active().Send(ctx, msg)
}

func (h *HybridTransport) Receive() <-chan Message {
	// Fan both transports' inboxes into one channel so a promotion
	// mid-flight never drops a message that was already in transit on
	// the transport being demoted away from.
	out := make(chan Message, 256)
	go func() {
		for m := range h.primary.Receive() {
			out <- m
		}
	}()
	go func() {
		for m := range h.fallback.Receive() {
			out <- m
		}
	}()
	return out
}

func (h *HybridTransport) StatusChanges() <-chan Status { return h.subscribe() }

func (h *HybridTransport) Status() Status { return h.get() }

func (h *HybridTransport) Capabilities() Capabilities {
	return h.active().Capabilities()
}
