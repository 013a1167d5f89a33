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

// MulticastReceiverCfg configures a MulticastReceiver.
type MulticastReceiverCfg struct {
	Name string `mapstructure:"name"`

	// GroupAddress is the multicast group to join.
	GroupAddress string `mapstructure:"groupAddress"`
	Port         int    `mapstructure:"port"`

	// InterfaceAddress selects the joining interface by its IPv4 address;
	// empty or unresolvable falls back to the any interface.
	InterfaceAddress string `mapstructure:"interfaceAddress"`

	// ReuseAddress allows several receivers on one host to share the port.
	ReuseAddress bool `mapstructure:"reuseAddress"`

	// ReceiveBufferSize is both the per-datagram read buffer and the
	// requested SO_RCVBUF.
	ReceiveBufferSize int `mapstructure:"receiveBufferSize"`

	// ReceiveTimeout bounds each blocking receive so the loop can observe
	// Stop; it is armed once at Start.
	ReceiveTimeout time.Duration `mapstructure:"receiveTimeout"`

	// CPUAffinity pins the receive goroutine's thread to a core; -1 means
	// no pinning.
	CPUAffinity int `mapstructure:"cpuAffinity"`
}

// DefaultMulticastReceiverCfg returns the config defaults.
func DefaultMulticastReceiverCfg() MulticastReceiverCfg {
	return MulticastReceiverCfg{
		Name:              "multicast-receiver",
		GroupAddress:      "224.0.0.1",
		Port:              5000,
		ReuseAddress:      true,
		ReceiveBufferSize: 64 * 1024,
		ReceiveTimeout:    100 * time.Millisecond,
		CPUAffinity:       -1,
	}
}

// GetName implements config.Config.
func (c *MulticastReceiverCfg) GetName() string {
	return "multicast_receiver"
}

// Validate implements config.Config.
func (c *MulticastReceiverCfg) Validate() error {
	if c.GroupAddress == "" {
		return errors.New("groupAddress cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReceiveBufferSize <= 0 {
		return errors.New("receiveBufferSize must be positive")
	}
	if c.ReceiveTimeout <= 0 {
		return errors.New("receiveTimeout must be positive")
	}
	return nil
}

// MulticastReceiver joins one multicast group and delivers datagrams to the
// handler from a dedicated goroutine, one callback per datagram.
type MulticastReceiver struct {
	cfgMu sync.RWMutex
	cfg   MulticastReceiverCfg

	runCfg   MulticastReceiverCfg // snapshot taken by Start
	handler  MulticastHandler
	logger   log.Logger
	running  atomic.Bool
	sock     *socketFD
	mreq     *unix.IPMreq
	loopDone chan struct{}

	stats ReceiverStats
}

// NewMulticastReceiver creates a receiver. A nil cfg selects defaults, a
// nil handler discards datagrams, a nil logger is silent.
func NewMulticastReceiver(cfg *MulticastReceiverCfg, handler MulticastHandler, logger log.Logger) *MulticastReceiver {
	c := DefaultMulticastReceiverCfg()
	if cfg != nil {
		c = *cfg
	}
	if handler == nil {
		handler = NopMulticastHandler{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MulticastReceiver{cfg: c, handler: handler, logger: logger}
}

// NewMulticastReceiverWithConfigManager loads the "multicast_receiver"
// configuration and registers for hot-reload notifications.
func NewMulticastReceiverWithConfigManager(configManager config.ConfigManager, handler MulticastHandler, logger log.Logger) (*MulticastReceiver, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &MulticastReceiverCfg{}
	*cfg = DefaultMulticastReceiverCfg()
	if err := configManager.LoadConfig("multicast_receiver", cfg); err != nil {
		return nil, fmt.Errorf("failed to load multicast_receiver config: %w", err)
	}

	receiver := NewMulticastReceiver(cfg, handler, logger)
	configManager.AddChangeListener(receiver)
	return receiver, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (r *MulticastReceiver) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "multicast_receiver" {
		return nil
	}

	newCfg, ok := newConfig.(*MulticastReceiverCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for MulticastReceiver")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid multicast_receiver configuration: %w", err)
	}

	r.cfgMu.Lock()
	r.cfg = *newCfg
	r.cfgMu.Unlock()

	if r.IsRunning() {
		r.logger.Info().Str("name", newCfg.Name).Msg("multicast_receiver configuration updated, applies on next start")
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (r *MulticastReceiver) GetConfigName() string {
	return "multicast_receiver"
}

// IsRunning reports whether the receive loop is live.
func (r *MulticastReceiver) IsRunning() bool {
	return r.running.Load()
}

// Stats exposes the receiver counters.
func (r *MulticastReceiver) Stats() *ReceiverStats {
	return &r.stats
}

// Start binds the group port, joins the group and launches the receive
// goroutine. The group join and the receive timeout are load-bearing and
// fail Start; rejected reuse or buffer-size options only warn. Returns true
// on success or when already running.
func (r *MulticastReceiver) Start() bool {
	if r.running.Load() {
		return true
	}

	r.cfgMu.RLock()
	r.runCfg = r.cfg
	r.cfgMu.RUnlock()
	cfg := &r.runCfg

	r.logger.Info().Str("name", cfg.Name).Str("group", cfg.GroupAddress).Int("port", cfg.Port).Msg("Starting multicast receiver")

	groupIP, err := resolveIPv4(cfg.GroupAddress)
	if err != nil {
		r.logger.Error().Str("group", cfg.GroupAddress).Err(err).Msg("Invalid multicast group address")
		return false
	}

	fd, err := newUDPSocket()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to create receiver socket")
		metrics.IncrCounterWithDimGroup("net", "receiver_start_error_total", 1, metrics.Dimension{"error_type": "socket"})
		return false
	}
	sock := newSocketFD(fd)

	if cfg.ReuseAddress {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to set SO_REUSEADDR")
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to set SO_REUSEPORT")
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: cfg.Port}); err != nil {
		r.logger.Error().Int("port", cfg.Port).Err(err).Msg("Failed to bind receiver socket")
		metrics.IncrCounterWithDimGroup("net", "receiver_start_error_total", 1, metrics.Dimension{"error_type": "bind"})
		_ = sock.Close()
		return false
	}

	if cfg.ReceiveBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBufferSize); err != nil {
			r.logger.Warn().Int("size", cfg.ReceiveBufferSize).Err(err).Msg("Failed to set receive buffer size")
		}
	}

	tv := unix.NsecToTimeval(cfg.ReceiveTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		r.logger.Error().Err(err).Msg("Failed to set receive timeout")
		metrics.IncrCounterWithDimGroup("net", "receiver_start_error_total", 1, metrics.Dimension{"error_type": "timeout"})
		_ = sock.Close()
		return false
	}

	mreq := &unix.IPMreq{Multiaddr: groupIP}
	if cfg.InterfaceAddress != "" {
		ifaceIP, err := resolveIPv4(cfg.InterfaceAddress)
		if err != nil {
			r.logger.Warn().Str("interface", cfg.InterfaceAddress).Err(err).Msg("Invalid join interface, falling back to any")
		} else {
			mreq.Interface = ifaceIP
		}
	}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		r.logger.Error().Str("group", cfg.GroupAddress).Err(err).Msg("Failed to join multicast group")
		metrics.IncrCounterWithDimGroup("net", "receiver_start_error_total", 1, metrics.Dimension{"error_type": "join"})
		_ = sock.Close()
		return false
	}

	r.sock = sock
	r.mreq = mreq
	r.loopDone = make(chan struct{})
	r.running.Store(true)

	go r.recvLoop()

	metrics.IncrCounterWithGroup("net", "receiver_start_total", 1)
	r.logger.Info().Str("name", cfg.Name).Msg("Multicast receiver started")
	return true
}

// Stop joins the receive goroutine (the timed receive bounds the wait),
// then leaves the group and closes the socket. Idempotent.
func (r *MulticastReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.logger.Info().Str("name", r.runCfg.Name).Msg("Stopping multicast receiver")
	<-r.loopDone

	if err := unix.SetsockoptIPMreq(r.sock.FD(), unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, r.mreq); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to leave multicast group")
	}
	_ = r.sock.Close()

	r.logger.Info().Str("name", r.runCfg.Name).Msg("Multicast receiver stopped")
}

func (r *MulticastReceiver) recvLoop() {
	defer close(r.loopDone)

	if r.runCfg.CPUAffinity >= 0 {
		runtime.LockOSThread()
		if err := pinToCPU(r.runCfg.CPUAffinity); err != nil {
			r.logger.Warn().Int("core", r.runCfg.CPUAffinity).Err(err).Msg("Failed to set CPU affinity")
		} else {
			r.logger.Info().Int("core", r.runCfg.CPUAffinity).Msg("Receive loop pinned to CPU core")
		}
	}

	buffer := make([]byte, r.runCfg.ReceiveBufferSize)

	for r.running.Load() {
		n, from, err := unix.Recvfrom(r.sock.FD(), buffer, 0)
		if err != nil {
			// SO_RCVTIMEO expiry surfaces as EAGAIN; it only exists to let
			// the loop observe Stop.
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			if r.running.Load() {
				r.logger.Error().Err(err).Msg("Multicast receive error")
				r.stats.receiveErrors.Add(1)
				metrics.IncrCounterWithGroup("net", "multicast_receive_error_total", 1)
			}
			continue
		}
		if n == 0 {
			continue
		}

		r.stats.packetsReceived.Add(1)
		r.stats.bytesReceived.Add(uint64(n))
		r.handler.OnMulticastData(buffer[:n], sockaddrHostPort(from))
	}
}
