// Package connectivity tracks whether the remote store is reachable.
//
// The platform's online/offline signal is only a hint. Before the sync engine
// trusts it, Monitor verifies reachability with an on-demand probe.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Prober checks whether the remote side answers right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes a URL with a HEAD request.
// Any response below 500 counts as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates an HTTPProber with the given timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.url == "" {
		return errors.New("no probe url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create probe request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "probe request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Monitor combines the advisory hint with the probe and notifies listeners on reconnect.
type Monitor struct {
	prober Prober
	hint   atomic.Bool
	// online is the last verified state.
	online atomic.Bool

	mu        sync.Mutex
	listeners []func()
	logger    *slog.Logger
}

// NewMonitor creates a monitor. The hint starts as online and the verified
// state as offline until the first successful probe.
func NewMonitor(prober Prober) *Monitor {
	m := &Monitor{
		prober: prober,
		logger: slog.Default().With(slog.String("component", "connectivity")),
	}
	m.hint.Store(true)
	return m
}

// SetHint records the platform's online/offline signal. A transition to
// online is verified with a probe; reconnect listeners run only when the
// probe succeeds.
func (m *Monitor) SetHint(ctx context.Context, online bool) {
	m.hint.Store(online)
	if !online {
		m.online.Store(false)
		return
	}
	m.Verify(ctx)
}

// Hint returns the advisory signal.
func (m *Monitor) Hint() bool {
	return m.hint.Load()
}

// Online reports the last verified state without probing.
func (m *Monitor) Online() bool {
	return m.hint.Load() && m.online.Load()
}

// Verify probes the remote side when the hint says online. A false hint is
// trusted without probing.
func (m *Monitor) Verify(ctx context.Context) bool {
	if !m.hint.Load() {
		m.online.Store(false)
		return false
	}
	if m.prober == nil {
		m.transition(true)
		return true
	}

	err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("reachability probe failed", slog.String("error", err.Error()))
	}
	m.transition(err == nil)
	return err == nil
}

func (m *Monitor) transition(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		m.logger.Info("connectivity restored")
		m.notifyReconnect()
	}
	if !online && was {
		m.logger.Info("connectivity lost")
	}
}

// OnReconnect registers fn to run whenever the verified state goes from
// offline to online. Listeners run synchronously; a panicking listener is
// logged and does not affect the others.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) notifyReconnect() {
	m.mu.Lock()
	listeners := make([]func(), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("reconnect listener panicked", slog.Any("panic", r))
				}
			}()
			fn()
		}()
	}
}
