package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL, time.Second)
	require.NoError(t, prober.Probe(context.Background()))

	status.Store(http.StatusNotFound)
	require.NoError(t, prober.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, prober.Probe(context.Background()))
}

func TestHTTPProber_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	assert.Error(t, NewHTTPProber(url, time.Second).Probe(context.Background()))
	assert.Error(t, NewHTTPProber("", time.Second).Probe(context.Background()))
}

func TestMonitor_HintIsVerified(t *testing.T) {
	reachable := false
	m := NewMonitor(ProberFunc(func(context.Context) error {
		if reachable {
			return nil
		}
		return errors.New("unreachable")
	}))
	ctx := context.Background()

	assert.True(t, m.Hint())
	assert.False(t, m.Verify(ctx))
	assert.False(t, m.Online())

	reachable = true
	assert.True(t, m.Verify(ctx))
	assert.True(t, m.Online())

	m.SetHint(ctx, false)
	assert.False(t, m.Online())
	assert.False(t, m.Verify(ctx))
}

func TestMonitor_ReconnectListeners(t *testing.T) {
	m := NewMonitor(nil)
	ctx := context.Background()

	calls := 0
	m.OnReconnect(func() { panic("boom") })
	m.OnReconnect(func() { calls++ })

	m.SetHint(ctx, true)
	assert.Equal(t, 1, calls)

	// Already online: no second notification.
	m.SetHint(ctx, true)
	assert.Equal(t, 1, calls)

	m.SetHint(ctx, false)
	m.SetHint(ctx, true)
	assert.Equal(t, 2, calls)
}
