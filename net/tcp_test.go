package net

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// echoServerHandler records connection events and echoes every payload back
// to the sender.
type echoServerHandler struct {
	mu           sync.Mutex
	server       *TCPServer
	connected    []int
	disconnected []int
	received     [][]byte
}

func (h *echoServerHandler) OnClientConnected(clientID int, _ string) {
	h.mu.Lock()
	h.connected = append(h.connected, clientID)
	h.mu.Unlock()
}

func (h *echoServerHandler) OnClientData(clientID int, data []byte) {
	payload := append([]byte(nil), data...)
	h.mu.Lock()
	h.received = append(h.received, payload)
	h.mu.Unlock()
	h.server.SendData(clientID, payload)
}

func (h *echoServerHandler) OnClientDisconnected(clientID int) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, clientID)
	h.mu.Unlock()
}

func (h *echoServerHandler) connectedIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.connected...)
}

func (h *echoServerHandler) disconnectedIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.disconnected...)
}

// recordingClientHandler captures the client-side callbacks.
type recordingClientHandler struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	received     [][]byte
}

func (h *recordingClientHandler) OnConnected() {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *recordingClientHandler) OnData(data []byte) {
	payload := append([]byte(nil), data...)
	h.mu.Lock()
	h.received = append(h.received, payload)
	h.mu.Unlock()
}

func (h *recordingClientHandler) OnDisconnected() {
	h.mu.Lock()
	h.disconnected++
	h.mu.Unlock()
}

func (h *recordingClientHandler) receivedBytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var all []byte
	for _, p := range h.received {
		all = append(all, p...)
	}
	return all
}

func (h *recordingClientHandler) disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func startEchoServer(t *testing.T) (*TCPServer, *echoServerHandler) {
	t.Helper()
	handler := &echoServerHandler{}
	cfg := DefaultTCPServerCfg()
	cfg.Port = 0
	server := NewTCPServer(&cfg, handler, nil)
	handler.server = server
	require.True(t, server.Start())
	t.Cleanup(server.Stop)
	return server, handler
}

func connectClient(t *testing.T, port int) (*TCPClient, *recordingClientHandler) {
	t.Helper()
	handler := &recordingClientHandler{}
	cfg := DefaultTCPClientCfg()
	cfg.ServerPort = port
	client := NewTCPClient(&cfg, handler, nil)
	require.True(t, client.Connect())
	t.Cleanup(client.Disconnect)
	return client, handler
}

func TestTCPServerEcho(t *testing.T) {
	server, serverHandler := startEchoServer(t)
	client, clientHandler := connectClient(t, server.BoundPort())

	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 1
	}, "client registration")

	payload := []byte("hello talon")
	require.True(t, client.SendData(payload))

	waitUntil(t, 2*time.Second, func() bool {
		return string(clientHandler.receivedBytes()) == string(payload)
	}, "echoed payload")

	serverHandler.mu.Lock()
	require.Len(t, serverHandler.received, 1)
	assert.Equal(t, payload, serverHandler.received[0])
	serverHandler.mu.Unlock()

	assert.Equal(t, []int{1}, serverHandler.connectedIDs())
	assert.Equal(t, uint64(1), server.Stats().ClientsAccepted())
	assert.Equal(t, uint64(len(payload)), server.Stats().BytesReceived())
	assert.Equal(t, uint64(len(payload)), server.Stats().BytesSent())
	assert.Equal(t, uint64(len(payload)), client.Stats().BytesSent())
	assert.Equal(t, uint64(len(payload)), client.Stats().BytesReceived())

	client.Disconnect()
	waitUntil(t, 2*time.Second, func() bool {
		return len(serverHandler.disconnectedIDs()) == 1
	}, "server-side disconnect event")
	assert.Equal(t, []int{1}, serverHandler.connectedIDs(), "exactly one connect for the id")
	assert.Equal(t, []int{1}, serverHandler.disconnectedIDs(), "exactly one disconnect for the id")
}

func TestTCPServerClientIDsAreUniqueAndIncreasing(t *testing.T) {
	server, handler := startEchoServer(t)

	for i := 0; i < 3; i++ {
		connectClient(t, server.BoundPort())
	}

	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 3
	}, "three registrations")

	ids := handler.connectedIDs()
	require.Len(t, ids, 3)
	assert.Equal(t, 1, ids[0])
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestTCPServerStopIsIdempotent(t *testing.T) {
	cfg := DefaultTCPServerCfg()
	cfg.Port = 0
	server := NewTCPServer(&cfg, nil, nil)

	// Stop before Start is a no-op.
	server.Stop()

	require.True(t, server.Start())
	assert.True(t, server.IsRunning())
	assert.True(t, server.Start(), "Start while running reports success")

	server.Stop()
	assert.False(t, server.IsRunning())
	server.Stop()

	// A stopped server can be started again.
	require.True(t, server.Start())
	server.Stop()
}

func TestTCPServerSendToUnknownClient(t *testing.T) {
	server, _ := startEchoServer(t)

	assert.False(t, server.SendData(42, []byte("nobody home")))
	assert.Equal(t, uint64(0), server.Stats().SendErrors())
	assert.Equal(t, uint64(0), server.Stats().BytesSent())
}

func TestTCPServerSendEmptyData(t *testing.T) {
	server, _ := startEchoServer(t)
	client, _ := connectClient(t, server.BoundPort())

	assert.False(t, client.SendData(nil))
	assert.False(t, server.SendData(1, []byte{}))
}

func TestTCPServerDisconnectClient(t *testing.T) {
	server, serverHandler := startEchoServer(t)
	_, clientHandler := connectClient(t, server.BoundPort())

	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 1
	}, "client registration")

	require.True(t, server.DisconnectClient(1))
	assert.False(t, server.DisconnectClient(1), "second disconnect for the same id fails")

	waitUntil(t, 2*time.Second, func() bool {
		return clientHandler.disconnects() == 1
	}, "client-side loss callback")

	assert.Equal(t, []int{1}, serverHandler.disconnectedIDs())
	assert.Equal(t, 0, server.ConnectedClientCount())
	assert.Equal(t, uint64(1), server.Stats().ClientsDisconnected())
}

func TestTCPServerClientDisconnectObserved(t *testing.T) {
	server, serverHandler := startEchoServer(t)
	client, _ := connectClient(t, server.BoundPort())

	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 1
	}, "client registration")

	client.Disconnect()
	assert.False(t, client.IsConnected())

	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 0
	}, "server-side teardown")
	assert.Equal(t, []int{1}, serverHandler.disconnectedIDs())
}

func TestTCPServerMaxConnections(t *testing.T) {
	handler := &echoServerHandler{}
	cfg := DefaultTCPServerCfg()
	cfg.Port = 0
	cfg.MaxConnections = 1
	server := NewTCPServer(&cfg, handler, nil)
	handler.server = server
	require.True(t, server.Start())
	t.Cleanup(server.Stop)

	connectClient(t, server.BoundPort())
	waitUntil(t, 2*time.Second, func() bool {
		return server.ConnectedClientCount() == 1
	}, "first client registration")

	// The second connection completes the TCP handshake via the backlog but
	// is closed immediately by the reactor.
	_, second := connectClient(t, server.BoundPort())
	waitUntil(t, 2*time.Second, func() bool {
		return second.disconnects() == 1
	}, "over-limit connection closed")

	assert.Equal(t, 1, server.ConnectedClientCount())
	assert.Equal(t, uint64(1), server.Stats().ClientsAccepted())
}

func TestTCPClientConnectRefused(t *testing.T) {
	server, _ := startEchoServer(t)
	port := server.BoundPort()
	server.Stop()

	cfg := DefaultTCPClientCfg()
	cfg.ServerPort = port
	cfg.ConnectionTimeout = time.Second
	client := NewTCPClient(&cfg, nil, nil)

	start := time.Now()
	assert.False(t, client.Connect())
	assert.False(t, client.IsConnected())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTCPClientDisconnectIsIdempotent(t *testing.T) {
	server, _ := startEchoServer(t)
	client, handler := connectClient(t, server.BoundPort())

	client.Disconnect()
	client.Disconnect()

	assert.False(t, client.IsConnected())
	assert.False(t, client.SendData([]byte("after disconnect")))
	assert.Equal(t, 1, handler.disconnects(), "exit housekeeping runs exactly once")
}

func TestTCPServerCfgValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*TCPServerCfg)
		wantErr bool
	}{
		{"defaults", func(*TCPServerCfg) {}, false},
		{"ephemeral port", func(c *TCPServerCfg) { c.Port = 0 }, false},
		{"negative port", func(c *TCPServerCfg) { c.Port = -1 }, true},
		{"port too large", func(c *TCPServerCfg) { c.Port = 70000 }, true},
		{"zero max connections", func(c *TCPServerCfg) { c.MaxConnections = 0 }, true},
		{"zero receive buffer", func(c *TCPServerCfg) { c.ReceiveBufferSize = 0 }, true},
		{"negative accept rate", func(c *TCPServerCfg) { c.AcceptRate = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultTCPServerCfg()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTCPClientCfgValidate(t *testing.T) {
	cfg := DefaultTCPClientCfg()
	assert.NoError(t, cfg.Validate())

	cfg.ServerAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultTCPClientCfg()
	cfg.ServerPort = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultTCPClientCfg()
	cfg.ConnectionTimeout = 0
	assert.Error(t, cfg.Validate())
}
