package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/banco/internal/rpc"
	"github.com/loykin/banco/internal/supervisor"
)

func runHeartbeater(t *testing.T, h *Heartbeater) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("heartbeater did not stop")
		}
	})
	return cancel
}

func TestHeartbeater_SendsPeriodically(t *testing.T) {
	sock := socketPath(t)
	f := newFakeTeller()
	startRPC(t, f, sock)

	runHeartbeater(t, &Heartbeater{Name: "n1", Socket: sock, Interval: 20 * time.Millisecond})
	require.Eventually(t, func() bool { return f.beatCount("n1") >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeater_Reconnects(t *testing.T) {
	sock := socketPath(t)
	first := newFakeTeller()
	srv, err := rpc.Listen(rpc.Config{SocketPath: sock}, first)
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background()) }()

	runHeartbeater(t, &Heartbeater{Name: "n1", Socket: sock, Interval: 20 * time.Millisecond})
	require.Eventually(t, func() bool { return first.beatCount("n1") >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Close())

	second := newFakeTeller()
	startRPC(t, second, sock)
	require.Eventually(t, func() bool { return second.beatCount("n1") >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestHeartbeater_TellerDownKeepsRetrying(t *testing.T) {
	sock := socketPath(t)
	cancel := runHeartbeater(t, &Heartbeater{Name: "n1", Socket: sock, Interval: 10 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)
	cancel()
}

func TestHeartbeaterFromEnv(t *testing.T) {
	t.Setenv(supervisor.EnvNodeName, "")
	t.Setenv(supervisor.EnvTellerSocket, "")
	_, err := HeartbeaterFromEnv(time.Second)
	require.Error(t, err)

	t.Setenv(supervisor.EnvNodeName, "n1")
	t.Setenv(supervisor.EnvTellerSocket, "/tmp/t.sock")
	h, err := HeartbeaterFromEnv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "n1", h.Name)
	assert.Equal(t, "/tmp/t.sock", h.Socket)
	assert.Equal(t, time.Second, h.Interval)
}
