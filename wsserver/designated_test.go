package wsserver

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-webio/config"
	"github.com/cyberinferno/go-webio/logger"
	"github.com/cyberinferno/go-webio/session"
)

const pollInterval = 100 * time.Millisecond

type startResult struct {
	io  session.IO
	err error
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, chan string) {
	t.Helper()

	opened := make(chan string, 4)
	o := NewOrchestrator(append(opts, WithLogger(logger.NewNopLogger()))...)
	o.PollInterval = pollInterval
	o.OpenBrowser = func(url string) error {
		opened <- url
		return nil
	}
	t.Cleanup(o.Stop)

	return o, opened
}

func startAsync(o *Orchestrator, ctx context.Context, w session.Worker) <-chan startResult {
	ch := make(chan startResult, 1)
	go func() {
		io, err := o.Start(ctx, w)
		ch <- startResult{io: io, err: err}
	}()

	return ch
}

func waitURL(t *testing.T, opened <-chan string) string {
	t.Helper()

	select {
	case url := <-opened:
		return url
	case <-time.After(testTimeout):
		t.Fatal("browser was not opened")
		return ""
	}
}

func dialURL(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http://", "ws://", 1)+Path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "waiting_for_connection", StateWaitingForConnection.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	o, opened := newTestOrchestrator(t)
	worker := session.Current("worker")
	defer worker.Exit()

	assert.Equal(t, StateWaitingForConnection, o.State())
	started := startAsync(o, context.Background(), worker)

	url := waitURL(t, opened)
	assert.True(t, strings.HasPrefix(url, "http://localhost:"), url)
	first := dialURL(t, url)

	var io session.IO
	select {
	case res := <-started:
		require.NoError(t, res.err)
		io = res.io
	case <-time.After(testTimeout):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, StateActive, o.State())
	assert.Equal(t, url, o.URL())

	t.Run("messages flow both ways", func(t *testing.T) {
		require.NoError(t, io.Send(session.Message{"hello": "world"}))
		assert.Equal(t, map[string]any{"hello": "world"}, readJSON(t, first))

		require.NoError(t, first.WriteJSON(map[string]any{"event": "click", "id": "btn1"}))
		ev, err := io.Receive()
		require.NoError(t, err)
		assert.Equal(t, session.Event{"event": "click", "id": "btn1"}, ev)
	})

	t.Run("second connection is refused", func(t *testing.T) {
		second := dialURL(t, url)
		require.NoError(t, second.WriteJSON(map[string]any{"event": "ignored"}))

		require.NoError(t, second.SetReadDeadline(time.Now().Add(testTimeout)))
		_, _, err := second.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

		require.NoError(t, io.Send(session.Message{"still": "here"}))
		assert.Equal(t, map[string]any{"still": "here"}, readJSON(t, first))
		assert.Equal(t, StateActive, o.State())
	})

	t.Run("worker exit stops the server", func(t *testing.T) {
		require.NoError(t, io.Send(session.Message{"last": true}))
		worker.Exit()
		exited := time.Now()

		waitErr := make(chan error, 1)
		go func() { waitErr <- o.Wait() }()

		select {
		case err := <-waitErr:
			assert.NoError(t, err)
		case <-time.After(testTimeout):
			t.Fatal("server did not stop")
		}

		assert.Less(t, time.Since(exited), 2*pollInterval+time.Second)
		assert.Equal(t, StateStopped, o.State())

		assert.Equal(t, map[string]any{"last": true}, readJSON(t, first))
		require.NoError(t, first.SetReadDeadline(time.Now().Add(testTimeout)))
		_, _, err := first.ReadMessage()
		assert.Error(t, err)

		_, err = io.Receive()
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	})

	assert.Empty(t, opened, "browser opened more than once")
}

func TestOrchestrator_ClientDisconnectClosesSession(t *testing.T) {
	o, opened := newTestOrchestrator(t)
	worker := session.Current("worker")
	defer worker.Exit()

	started := startAsync(o, context.Background(), worker)
	ws := dialURL(t, waitURL(t, opened))

	res := <-started
	require.NoError(t, res.err)

	require.NoError(t, ws.Close())
	_, err := res.io.Receive()
	assert.ErrorIs(t, err, session.ErrSessionClosed)

	select {
	case <-res.io.Context().Done():
	case <-time.After(testTimeout):
		t.Fatal("session context not cancelled")
	}
}

func TestOrchestrator_WorkerExitsBeforeConnection(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	worker := session.Go("short", func() {})

	select {
	case res := <-startAsync(o, context.Background(), worker):
		assert.ErrorIs(t, res.err, ErrWorkerExited)
		assert.Nil(t, res.io)
	case <-time.After(testTimeout):
		t.Fatal("Start did not return")
	}

	assert.NoError(t, o.Wait())
	assert.Equal(t, StateStopped, o.State())
}

func TestOrchestrator_ContextCancelled(t *testing.T) {
	o, opened := newTestOrchestrator(t)
	worker := session.Current("worker")
	defer worker.Exit()

	ctx, cancel := context.WithCancel(context.Background())
	started := startAsync(o, ctx, worker)
	waitURL(t, opened)
	cancel()

	select {
	case res := <-started:
		assert.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, StateStopped, o.State())
}

func TestOrchestrator_StartTwice(t *testing.T) {
	o, opened := newTestOrchestrator(t)
	worker := session.Current("worker")
	defer worker.Exit()

	startAsync(o, context.Background(), worker)
	waitURL(t, opened)

	_, err := o.Start(context.Background(), worker)
	assert.ErrorIs(t, err, ErrServerRunning)
}

func TestOrchestrator_BindsLoopbackWithConfigOptions(t *testing.T) {
	opts, err := OptionsFromConfig(config.Default().Server)
	require.NoError(t, err)

	o, opened := newTestOrchestrator(t, opts...)
	worker := session.Current("worker")
	defer worker.Exit()

	startAsync(o, context.Background(), worker)
	waitURL(t, opened)

	addr, ok := o.server.listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, addr.IP.IsLoopback(), addr.String())
}

func TestOrchestrator_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", net.JoinHostPort(designatedHost, "0"))
	require.NoError(t, err)
	defer ln.Close()

	o, opened := newTestOrchestrator(t, WithPort(ln.Addr().(*net.TCPAddr).Port))
	worker := session.Current("worker")
	defer worker.Exit()

	_, startErr := o.Start(context.Background(), worker)
	require.Error(t, startErr)

	waitErr := make(chan error, 1)
	go func() { waitErr <- o.Wait() }()

	select {
	case err := <-waitErr:
		assert.Equal(t, startErr, err)
	case <-time.After(testTimeout):
		t.Fatal("Wait blocked after a failed Start")
	}
	assert.Equal(t, StateStopped, o.State())
	assert.Empty(t, opened)
}
