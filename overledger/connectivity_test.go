package overledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestManualConnectivityEmitsTransitionsOnly(t *testing.T) {
	m := NewManualConnectivity(false)
	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	require.Equal(t, []bool{true, false}, got)
	require.False(t, m.IsOnline())

	unsubscribe()
	m.SetOnline(true)
	require.Len(t, got, 2)
	require.True(t, m.IsOnline())
}

func TestProbeConnectivityCheck(t *testing.T) {
	var probeErr error
	p := NewProbeConnectivity(func(ctx context.Context) error { return probeErr }, time.Second, nil)
	require.False(t, p.IsOnline(), "starts offline")

	var got []bool
	p.Subscribe(func(online bool) { got = append(got, online) })

	require.True(t, p.Check(context.Background()))
	require.True(t, p.Check(context.Background()))
	probeErr = errors.New("connection refused")
	require.False(t, p.Check(context.Background()))
	require.Equal(t, []bool{true, false}, got)
}

func TestProbeConnectivityRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewProbeConnectivity(func(ctx context.Context) error { return nil }, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, p.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
