package net

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lcx/talon/config"
	"github.com/lcx/talon/log"
	"github.com/lcx/talon/metrics"
	"github.com/lcx/talon/netpoll"
)

// TCPServerCfg configures a TCPServer. The running server works from a
// snapshot taken at Start; a hot-reloaded configuration takes effect on the
// next Start, never mid-run.
type TCPServerCfg struct {
	Name string `mapstructure:"name"`

	// Port to listen on. Zero binds an ephemeral port; use BoundPort to
	// discover it.
	Port int `mapstructure:"port"`

	// MaxConnections is the accepted-connection ceiling. Sockets accepted
	// beyond it are closed immediately with a warning.
	MaxConnections int `mapstructure:"maxConnections"`

	// ReuseAddress sets SO_REUSEADDR on the listening socket.
	ReuseAddress bool `mapstructure:"reuseAddress"`

	// ReceiveBufferSize is the per-read buffer size in bytes.
	ReceiveBufferSize int `mapstructure:"receiveBufferSize"`

	// ConnectionTimeout is accepted for compatibility and currently unused
	// for connection liveness.
	ConnectionTimeout time.Duration `mapstructure:"connectionTimeout"`

	// CPUAffinity pins the reactor goroutine's thread to a core; -1 means
	// no pinning.
	CPUAffinity int `mapstructure:"cpuAffinity"`

	// AcceptRate caps accepted connections per second; zero disables the
	// limiter. AcceptBurst is the token bucket burst, defaulting to
	// AcceptRate when zero.
	AcceptRate  int `mapstructure:"acceptRate"`
	AcceptBurst int `mapstructure:"acceptBurst"`
}

// DefaultTCPServerCfg returns the config defaults.
func DefaultTCPServerCfg() TCPServerCfg {
	return TCPServerCfg{
		Name:              "tcp-server",
		Port:              5000,
		MaxConnections:    100,
		ReuseAddress:      true,
		ReceiveBufferSize: 4096,
		ConnectionTimeout: 30 * time.Second,
		CPUAffinity:       -1,
	}
}

// GetName implements config.Config.
func (c *TCPServerCfg) GetName() string {
	return "tcp_server"
}

// Validate implements config.Config.
func (c *TCPServerCfg) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive")
	}
	if c.ReceiveBufferSize <= 0 {
		return fmt.Errorf("receiveBufferSize must be positive")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("acceptRate and acceptBurst cannot be negative")
	}
	return nil
}

// clientConn is one registered connection: the owned socket plus the peer
// address captured at accept time.
type clientConn struct {
	sock    *socketFD
	address string
}

// TCPServer is a multi-client TCP server around a single-goroutine
// readiness reactor. Sockets are non-blocking; the reactor waits on the
// platform multiplexer, accepts until EAGAIN, and dispatches reads to the
// handler. Connections are keyed by a process-unique client id starting at
// 1, never reused; the fd-to-id mapping exists solely to demultiplex
// readiness events in O(1) and always lives and dies with the id entry.
//
// SendData busy-retries EAGAIN with a scheduler yield, which spins under
// sustained backpressure; registering for write readiness on the poller is
// the production path if that ever matters.
type TCPServer struct {
	cfgMu sync.RWMutex
	cfg   TCPServerCfg

	runCfg  TCPServerCfg // snapshot taken by Start
	handler ServerHandler
	logger  log.Logger

	running  atomic.Bool
	listenFD *socketFD
	poller   netpoll.Poller
	limiter  *AcceptLimiter
	loopDone chan struct{}
	port     int

	mu           sync.RWMutex
	clients      map[int]*clientConn
	fdToID       map[int]int
	nextClientID atomic.Int64

	stats ServerStats
}

// NewTCPServer creates a server. A nil cfg selects defaults, a nil handler
// discards events, a nil logger is silent.
func NewTCPServer(cfg *TCPServerCfg, handler ServerHandler, logger log.Logger) *TCPServer {
	c := DefaultTCPServerCfg()
	if cfg != nil {
		c = *cfg
	}
	if handler == nil {
		handler = NopServerHandler{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TCPServer{
		cfg:     c,
		handler: handler,
		logger:  logger,
		clients: make(map[int]*clientConn),
		fdToID:  make(map[int]int),
	}
}

// NewTCPServerWithConfigManager loads the "tcp_server" configuration from
// the manager and registers the server for hot-reload notifications.
// Reloaded options apply on the next Start.
func NewTCPServerWithConfigManager(configManager config.ConfigManager, handler ServerHandler, logger log.Logger) (*TCPServer, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &TCPServerCfg{}
	*cfg = DefaultTCPServerCfg()
	if err := configManager.LoadConfig("tcp_server", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_server config: %w", err)
	}

	server := NewTCPServer(cfg, handler, logger)
	configManager.AddChangeListener(server)
	return server, nil
}

// OnConfigChanged implements config.ConfigChangeListener. The new
// configuration is stored for the next Start; a running server is not
// reconfigured mid-flight.
func (s *TCPServer) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "tcp_server" {
		return nil
	}

	newCfg, ok := newConfig.(*TCPServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TCPServer")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid tcp_server configuration: %w", err)
	}

	s.cfgMu.Lock()
	s.cfg = *newCfg
	s.cfgMu.Unlock()

	if s.IsRunning() {
		s.logger.Info().Str("name", newCfg.Name).Msg("tcp_server configuration updated, applies on next start")
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (s *TCPServer) GetConfigName() string {
	return "tcp_server"
}

// IsRunning reports whether the reactor is live.
func (s *TCPServer) IsRunning() bool {
	return s.running.Load()
}

// BoundPort returns the listening port after a successful Start. With a
// configured port of zero this is the kernel-assigned ephemeral port.
func (s *TCPServer) BoundPort() int {
	return s.port
}

// ConnectedClientCount returns the number of registered connections.
func (s *TCPServer) ConnectedClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stats exposes the server counters.
func (s *TCPServer) Stats() *ServerStats {
	return &s.stats
}

// Start binds, listens and launches the reactor goroutine. Returns true on
// success or when already running; on any setup failure it cleans up and
// returns false with the server still stopped, so Start may be retried.
func (s *TCPServer) Start() bool {
	if s.running.Load() {
		return true
	}

	s.cfgMu.RLock()
	s.runCfg = s.cfg
	s.cfgMu.RUnlock()
	cfg := &s.runCfg

	metrics.IncrCounterWithGroup("net", "server_start_total", 1)
	s.logger.Info().Str("name", cfg.Name).Int("port", cfg.Port).Msg("Starting TCP server")

	fd, err := newTCPSocket()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create server socket")
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1, metrics.Dimension{"error_type": "socket"})
		return false
	}
	listenSock := newSocketFD(fd)

	if cfg.ReuseAddress {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to set SO_REUSEADDR")
		}
	}
	if err := setNonblock(fd); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to make server socket non-blocking")
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: cfg.Port}); err != nil {
		s.logger.Error().Err(err).Int("port", cfg.Port).Msg("Failed to bind socket")
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1, metrics.Dimension{"error_type": "bind"})
		_ = listenSock.Close()
		return false
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		s.logger.Error().Err(err).Msg("Failed to listen on socket")
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		_ = listenSock.Close()
		return false
	}

	port, err := boundPort(fd)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve bound port")
		_ = listenSock.Close()
		return false
	}

	poller, err := netpoll.OpenPoller()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open poller")
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1, metrics.Dimension{"error_type": "poller"})
		_ = listenSock.Close()
		return false
	}
	if err := poller.Add(fd, netpoll.EventRead); err != nil {
		s.logger.Error().Err(err).Msg("Failed to register listening socket")
		_ = poller.Close()
		_ = listenSock.Close()
		return false
	}

	s.listenFD = listenSock
	s.poller = poller
	s.port = port
	s.limiter = nil
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = cfg.AcceptRate
		}
		s.limiter = NewAcceptLimiter(cfg.AcceptRate, burst)
	}
	s.loopDone = make(chan struct{})

	s.running.Store(true)
	go s.reactorLoop()

	metrics.IncrCounterWithDimGroup("net", "server_start_success_total", 1, metrics.Dimension{"name": cfg.Name})
	s.logger.Info().Str("name", cfg.Name).Int("port", port).Msg("TCP server started")
	return true
}

// Stop shuts the server down: flips the running flag, closes the listening
// socket, joins the reactor goroutine, tears down every registered
// connection and releases the poller. Idempotent; returns promptly when the
// server is not running. Disconnect callbacks are not invoked for
// connections closed by Stop.
func (s *TCPServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.logger.Info().Str("name", s.runCfg.Name).Msg("Stopping TCP server")

	_ = s.listenFD.Close()
	<-s.loopDone

	s.mu.Lock()
	for _, conn := range s.clients {
		_ = s.poller.Delete(conn.sock.FD())
		_ = conn.sock.Close()
	}
	s.clients = make(map[int]*clientConn)
	s.fdToID = make(map[int]int)
	s.mu.Unlock()

	_ = s.poller.Close()
	s.poller = nil

	metrics.UpdateGaugeWithGroup("net", "current_connections", 0)
	s.logger.Info().Str("name", s.runCfg.Name).Msg("TCP server stopped")
}

// SendData writes data to one client from the calling goroutine. Returns
// false for an unknown or already-disconnected client id, empty data, or a
// write error. EAGAIN is busy-retried until the full payload is written; a
// broken connection (reset, pipe, not connected) triggers the standard
// disconnect housekeeping before returning false.
func (s *TCPServer) SendData(clientID int, data []byte) bool {
	if !s.running.Load() || len(data) == 0 {
		return false
	}

	s.mu.RLock()
	conn, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	total := 0
	for total < len(data) {
		n, err := unix.Write(conn.sock.FD(), data[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				runtime.Gosched()
				continue
			}
			if err == unix.EINTR {
				continue
			}

			s.logger.Error().Int("clientID", clientID).Err(err).Msg("Failed to send data to client")
			s.stats.sendErrors.Add(1)
			metrics.IncrCounterWithGroup("net", "server_send_error_total", 1)

			if err == unix.ECONNRESET || err == unix.EPIPE || err == unix.ENOTCONN {
				s.logger.Info().Int("clientID", clientID).Msg("Connection lost during send, disconnecting")
				s.dropClient(clientID, true)
			}
			return false
		}
		if n <= 0 {
			s.stats.sendErrors.Add(1)
			return false
		}
		total += n
	}

	s.stats.bytesSent.Add(uint64(total))
	s.logger.Trace().Int("clientID", clientID).Int("bytes", total).Msg("Sent data to client")
	return true
}

// DisconnectClient closes one connection and invokes the disconnected
// callback. Returns false if the client id is unknown.
func (s *TCPServer) DisconnectClient(clientID int) bool {
	return s.dropClient(clientID, true)
}

// dropClient performs the disconnect housekeeping in the required order:
// poller delete, fd-to-id erase, socket close, id-to-record erase. Any
// other order risks dispatching events for a half-torn-down connection.
func (s *TCPServer) dropClient(clientID int, notify bool) bool {
	s.mu.Lock()
	conn, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fd := conn.sock.FD()
	_ = s.poller.Delete(fd)
	delete(s.fdToID, fd)
	_ = conn.sock.Close()
	delete(s.clients, clientID)
	remaining := len(s.clients)
	s.mu.Unlock()

	s.stats.clientsDisconnected.Add(1)
	metrics.IncrCounterWithGroup("net", "connection_close_total", 1)
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(remaining))

	if notify {
		s.handler.OnClientDisconnected(clientID)
	}
	return true
}

const reactorWaitMs = 100

func (s *TCPServer) reactorLoop() {
	defer close(s.loopDone)

	if s.runCfg.CPUAffinity >= 0 {
		runtime.LockOSThread()
		if err := pinToCPU(s.runCfg.CPUAffinity); err != nil {
			s.logger.Warn().Int("core", s.runCfg.CPUAffinity).Err(err).Msg("Failed to set CPU affinity")
		} else {
			s.logger.Info().Int("core", s.runCfg.CPUAffinity).Msg("Reactor pinned to CPU core")
		}
	}

	buffer := make([]byte, s.runCfg.ReceiveBufferSize)
	events := make([]netpoll.Event, 128)

	for s.running.Load() {
		n, err := s.poller.Wait(reactorWaitMs, events)
		if err != nil {
			if s.running.Load() {
				s.logger.Error().Err(err).Msg("Poller wait failed")
			}
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.FD == s.listenFD.FD() {
				s.acceptClients()
			} else {
				s.handleClientData(ev.FD, buffer)
			}
		}
	}
}

// acceptClients drains the listen queue until accept would block.
func (s *TCPServer) acceptClients() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFD.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if s.running.Load() {
				s.logger.Error().Err(err).Msg("Failed to accept client")
				metrics.IncrCounterWithGroup("net", "accept_error_total", 1)
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn().Msg("Accept rate limit exceeded, dropping connection")
			metrics.IncrCounterWithGroup("net", "accept_limited_total", 1)
			_ = unix.Close(nfd)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.runCfg.MaxConnections {
			s.logger.Warn().Int("max", s.runCfg.MaxConnections).Msg("Connection limit reached, dropping connection")
			metrics.IncrCounterWithGroup("net", "accept_limited_total", 1)
			_ = unix.Close(nfd)
			continue
		}

		address := sockaddrHostPort(sa)
		sock := newSocketFD(nfd)

		if err := s.poller.Add(nfd, netpoll.EventRead); err != nil {
			s.logger.Error().Err(err).Msg("Failed to register client socket")
			_ = sock.Close()
			continue
		}

		clientID := int(s.nextClientID.Add(1))

		s.mu.Lock()
		s.clients[clientID] = &clientConn{sock: sock, address: address}
		s.fdToID[nfd] = clientID
		remaining := len(s.clients)
		s.mu.Unlock()

		s.stats.clientsAccepted.Add(1)
		metrics.IncrCounterWithGroup("net", "connection_accept_total", 1)
		metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(remaining))

		s.handler.OnClientConnected(clientID, address)
		s.logger.Info().Str("name", s.runCfg.Name).Int("clientID", clientID).Str("address", address).Msg("Client connected")
	}
}

// handleClientData services one read-ready client socket.
func (s *TCPServer) handleClientData(fd int, buffer []byte) {
	s.mu.RLock()
	clientID, ok := s.fdToID[fd]
	var sock *socketFD
	if ok {
		sock = s.clients[clientID].sock
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	n, err := unix.Read(sock.FD(), buffer)
	switch {
	case n > 0:
		s.stats.bytesReceived.Add(uint64(n))
		s.handler.OnClientData(clientID, buffer[:n])

	case n == 0 && err == nil:
		s.logger.Info().Str("name", s.runCfg.Name).Int("clientID", clientID).Msg("Client disconnected")
		s.dropClient(clientID, true)

	default:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		s.logger.Error().Int("clientID", clientID).Err(err).Msg("Receive error for client")
		s.stats.receiveErrors.Add(1)
		metrics.IncrCounterWithGroup("net", "server_receive_error_total", 1)
		s.dropClient(clientID, true)
	}
}
