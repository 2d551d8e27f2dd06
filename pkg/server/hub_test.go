package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return h, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func readBroadcast(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastReachesClients(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv)

	require.Eventually(t, func() bool {
		return h.clientCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.Broadcast(map[string]any{"type": "state", "state": "open"})

	msg := readBroadcast(t, conn)
	assert.Equal(t, "state", msg["type"])
	assert.Equal(t, "open", msg["state"])
}

func TestHubSerializesWritersPerConnection(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv)

	require.Eventually(t, func() bool {
		return h.clientCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.RLock()
	var c *client
	for cl := range h.clients {
		c = cl
	}
	h.mu.RUnlock()
	require.NotNil(t, c)

	// Hammer the connection from many goroutines at once, the way the
	// broadcast loop and the ping ticker can collide. Every write must be
	// serialized; the websocket allows only one writer at a time.
	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- c.write(websocket.TextMessage, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < writers; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}
}

func TestHubDropsDeadClientsWithoutStalling(t *testing.T) {
	h, srv := startHub(t)

	// More dead connections than any internal channel buffers, failing in
	// the same broadcast pass.
	const pages = 20
	conns := make([]*websocket.Conn, 0, pages)
	for i := 0; i < pages; i++ {
		conns = append(conns, dialHub(t, srv))
	}
	require.Eventually(t, func() bool {
		return h.clientCount() == pages
	}, 2*time.Second, 5*time.Millisecond)

	for _, conn := range conns {
		_ = conn.Close()
	}

	// Broadcasting flushes the dead set; a closed peer may absorb the
	// first write, so keep broadcasting until every client is gone.
	require.Eventually(t, func() bool {
		h.Broadcast(map[string]any{"type": "state", "state": "open"})
		return h.clientCount() == 0
	}, 5*time.Second, 20*time.Millisecond)

	// The loop is still serving: a fresh page registers and receives.
	fresh := dialHub(t, srv)
	require.Eventually(t, func() bool {
		return h.clientCount() == 1
	}, time.Second, 5*time.Millisecond)
	h.Broadcast(map[string]any{"type": "state", "state": "open"})
	msg := readBroadcast(t, fresh)
	assert.Equal(t, "state", msg["type"])
}
