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
)

// TCPClientCfg configures a TCPClient. Like the server config, a reloaded
// configuration applies on the next Connect.
type TCPClientCfg struct {
	Name string `mapstructure:"name"`

	// ServerAddress is a hostname or dotted-quad IPv4 address.
	ServerAddress string `mapstructure:"serverAddress"`
	ServerPort    int    `mapstructure:"serverPort"`

	// ReceiveBufferSize is the per-read buffer size in bytes.
	ReceiveBufferSize int `mapstructure:"receiveBufferSize"`

	// ConnectionTimeout bounds the non-blocking connect handshake.
	ConnectionTimeout time.Duration `mapstructure:"connectionTimeout"`

	// CPUAffinity pins the receive goroutine's thread to a core; -1 means
	// no pinning.
	CPUAffinity int `mapstructure:"cpuAffinity"`
}

// DefaultTCPClientCfg returns the config defaults.
func DefaultTCPClientCfg() TCPClientCfg {
	return TCPClientCfg{
		Name:              "tcp-client",
		ServerAddress:     "127.0.0.1",
		ServerPort:        5000,
		ReceiveBufferSize: 4096,
		ConnectionTimeout: 5 * time.Second,
		CPUAffinity:       -1,
	}
}

// GetName implements config.Config.
func (c *TCPClientCfg) GetName() string {
	return "tcp_client"
}

// Validate implements config.Config.
func (c *TCPClientCfg) Validate() error {
	if c.ServerAddress == "" {
		return errors.New("serverAddress cannot be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("serverPort %d out of range", c.ServerPort)
	}
	if c.ReceiveBufferSize <= 0 {
		return errors.New("receiveBufferSize must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connectionTimeout must be positive")
	}
	return nil
}

// TCPClient maintains a single outbound connection. Connect performs a
// bounded non-blocking handshake; a dedicated goroutine then polls the
// socket for inbound data. However a connection ends, the receive
// goroutine's exit path invokes the disconnected callback exactly once and
// then closes the socket.
type TCPClient struct {
	cfgMu sync.RWMutex
	cfg   TCPClientCfg

	runCfg  TCPClientCfg // snapshot taken by Connect
	handler ClientHandler
	logger  log.Logger

	connected atomic.Bool
	sock      *socketFD
	loopDone  chan struct{}

	stats ClientStats
}

// NewTCPClient creates a client. A nil cfg selects defaults, a nil handler
// discards events, a nil logger is silent.
func NewTCPClient(cfg *TCPClientCfg, handler ClientHandler, logger log.Logger) *TCPClient {
	c := DefaultTCPClientCfg()
	if cfg != nil {
		c = *cfg
	}
	if handler == nil {
		handler = NopClientHandler{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TCPClient{cfg: c, handler: handler, logger: logger}
}

// NewTCPClientWithConfigManager loads the "tcp_client" configuration from
// the manager and registers the client for hot-reload notifications.
func NewTCPClientWithConfigManager(configManager config.ConfigManager, handler ClientHandler, logger log.Logger) (*TCPClient, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &TCPClientCfg{}
	*cfg = DefaultTCPClientCfg()
	if err := configManager.LoadConfig("tcp_client", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_client config: %w", err)
	}

	client := NewTCPClient(cfg, handler, logger)
	configManager.AddChangeListener(client)
	return client, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (c *TCPClient) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "tcp_client" {
		return nil
	}

	newCfg, ok := newConfig.(*TCPClientCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TCPClient")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid tcp_client configuration: %w", err)
	}

	c.cfgMu.Lock()
	c.cfg = *newCfg
	c.cfgMu.Unlock()

	if c.IsConnected() {
		c.logger.Info().Str("name", newCfg.Name).Msg("tcp_client configuration updated, applies on next connect")
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (c *TCPClient) GetConfigName() string {
	return "tcp_client"
}

// IsConnected reports whether the connection is live.
func (c *TCPClient) IsConnected() bool {
	return c.connected.Load()
}

// Stats exposes the client counters.
func (c *TCPClient) Stats() *ClientStats {
	return &c.stats
}

// Connect establishes the connection and starts the receive goroutine.
// Returns true on success or when already connected; on any failure the
// socket is cleaned up and the client stays disconnected, so Connect may be
// retried. The handshake is non-blocking with the configured timeout:
// refused connections and unreachable hosts fail without hanging.
func (c *TCPClient) Connect() bool {
	if c.connected.Load() {
		return true
	}

	c.cfgMu.RLock()
	c.runCfg = c.cfg
	c.cfgMu.RUnlock()
	cfg := &c.runCfg

	c.logger.Info().Str("name", cfg.Name).Str("address", cfg.ServerAddress).Int("port", cfg.ServerPort).Msg("Connecting to server")

	sa, err := sockaddrInet4(cfg.ServerAddress, cfg.ServerPort)
	if err != nil {
		c.logger.Error().Str("address", cfg.ServerAddress).Err(err).Msg("Failed to resolve server address")
		metrics.IncrCounterWithDimGroup("net", "client_connect_error_total", 1, metrics.Dimension{"error_type": "resolve"})
		return false
	}

	fd, err := newTCPSocket()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create client socket")
		metrics.IncrCounterWithDimGroup("net", "client_connect_error_total", 1, metrics.Dimension{"error_type": "socket"})
		return false
	}
	sock := newSocketFD(fd)

	if err := setNonblock(fd); err != nil {
		c.logger.Error().Err(err).Msg("Failed to make client socket non-blocking")
		_ = sock.Close()
		return false
	}

	if err := unix.Connect(fd, sa); err != nil {
		if err != unix.EINPROGRESS {
			c.logger.Error().Err(err).Msg("Failed to connect to server")
			metrics.IncrCounterWithDimGroup("net", "client_connect_error_total", 1, metrics.Dimension{"error_type": "connect"})
			_ = sock.Close()
			return false
		}
		if err := awaitConnect(fd, cfg.ConnectionTimeout); err != nil {
			c.logger.Error().Str("address", cfg.ServerAddress).Int("port", cfg.ServerPort).Err(err).Msg("Connection attempt failed")
			metrics.IncrCounterWithDimGroup("net", "client_connect_error_total", 1, metrics.Dimension{"error_type": "handshake"})
			_ = sock.Close()
			return false
		}
	}

	c.sock = sock
	c.loopDone = make(chan struct{})
	c.connected.Store(true)

	go c.recvLoop()

	metrics.IncrCounterWithGroup("net", "client_connect_total", 1)
	c.logger.Info().Str("name", cfg.Name).Msg("Connected to server")
	c.handler.OnConnected()
	return true
}

// awaitConnect waits for an in-progress connect to finish, then reads
// SO_ERROR for the real outcome.
func awaitConnect(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("connection timed out")
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("connection timed out")
		}

		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}

// Disconnect drops the connected flag and joins the receive goroutine,
// whose exit path invokes the disconnected callback and closes the socket.
// Idempotent. Must not be called from the handler's own callbacks; the join
// would deadlock.
func (c *TCPClient) Disconnect() {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	c.logger.Info().Str("name", c.runCfg.Name).Msg("Disconnecting from server")
	<-c.loopDone
	metrics.IncrCounterWithGroup("net", "client_disconnect_total", 1)
}

// SendData writes data to the server from the calling goroutine. Returns
// false when disconnected, for empty data, or on a write error. EAGAIN is
// busy-retried until the full payload is written; a broken connection
// triggers the loss housekeeping before returning false.
func (c *TCPClient) SendData(data []byte) bool {
	if !c.connected.Load() || len(data) == 0 {
		return false
	}

	total := 0
	for total < len(data) {
		n, err := unix.Write(c.sock.FD(), data[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				runtime.Gosched()
				continue
			}
			if err == unix.EINTR {
				continue
			}

			c.logger.Error().Err(err).Msg("Failed to send data to server")
			c.stats.sendErrors.Add(1)
			metrics.IncrCounterWithGroup("net", "client_send_error_total", 1)

			if err == unix.ECONNRESET || err == unix.EPIPE || err == unix.ENOTCONN {
				// Dropping the flag is enough: the receive goroutine notices
				// within one poll interval and runs the exit housekeeping.
				c.logger.Info().Msg("Connection lost during send")
				c.connected.Store(false)
			}
			return false
		}
		if n <= 0 {
			c.stats.sendErrors.Add(1)
			return false
		}
		total += n
	}

	c.stats.bytesSent.Add(uint64(total))
	c.logger.Trace().Int("bytes", total).Msg("Sent data to server")
	return true
}

// recvPollInterval is the idle backoff when no data is pending.
const recvPollInterval = time.Millisecond

func (c *TCPClient) recvLoop() {
	// Captured locally so a Connect racing this goroutine's exit cannot
	// swap the fields out from under the deferred housekeeping.
	sock := c.sock
	done := c.loopDone
	defer close(done)

	// The exit path runs however the loop ends: connection loss, a fatal
	// send error dropping the flag, or an explicit Disconnect.
	defer func() {
		c.handler.OnDisconnected()
		_ = sock.Close()
	}()

	if c.runCfg.CPUAffinity >= 0 {
		runtime.LockOSThread()
		if err := pinToCPU(c.runCfg.CPUAffinity); err != nil {
			c.logger.Warn().Int("core", c.runCfg.CPUAffinity).Err(err).Msg("Failed to set CPU affinity")
		} else {
			c.logger.Info().Int("core", c.runCfg.CPUAffinity).Msg("Receive loop pinned to CPU core")
		}
	}

	buffer := make([]byte, c.runCfg.ReceiveBufferSize)

	for c.connected.Load() {
		n, err := unix.Read(sock.FD(), buffer)
		switch {
		case n > 0:
			c.stats.bytesReceived.Add(uint64(n))
			c.handler.OnData(buffer[:n])

		case n == 0 && err == nil:
			c.logger.Info().Str("name", c.runCfg.Name).Msg("Server closed the connection")
			c.connected.Store(false)
			metrics.IncrCounterWithGroup("net", "client_connection_lost_total", 1)
			return

		default:
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(recvPollInterval)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			c.logger.Error().Err(err).Msg("Receive error from server")
			c.stats.receiveErrors.Add(1)
			metrics.IncrCounterWithGroup("net", "client_receive_error_total", 1)
			c.connected.Store(false)
			metrics.IncrCounterWithGroup("net", "client_connection_lost_total", 1)
			return
		}
	}
}
