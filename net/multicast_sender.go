package net

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/lcx/talon/config"
	"github.com/lcx/talon/log"
	"github.com/lcx/talon/metrics"
)

// MulticastSenderCfg configures a MulticastSender.
type MulticastSenderCfg struct {
	Name string `mapstructure:"name"`

	// GroupAddress is the destination multicast group (224.0.0.0/4).
	GroupAddress string `mapstructure:"groupAddress"`
	Port         int    `mapstructure:"port"`

	// TTL controls datagram scope; 1 keeps traffic on the local subnet.
	TTL int `mapstructure:"ttl"`

	// Loopback delivers sent datagrams to receivers on this host.
	Loopback bool `mapstructure:"loopback"`

	// InterfaceAddress selects the outbound interface by its IPv4 address;
	// empty uses the system default route.
	InterfaceAddress string `mapstructure:"interfaceAddress"`

	// SendBufferSize requests SO_SNDBUF; zero keeps the system default.
	SendBufferSize int `mapstructure:"sendBufferSize"`
}

// DefaultMulticastSenderCfg returns the config defaults.
func DefaultMulticastSenderCfg() MulticastSenderCfg {
	return MulticastSenderCfg{
		Name:           "multicast-sender",
		GroupAddress:   "224.0.0.1",
		Port:           5000,
		TTL:            1,
		SendBufferSize: 64 * 1024,
	}
}

// GetName implements config.Config.
func (c *MulticastSenderCfg) GetName() string {
	return "multicast_sender"
}

// Validate implements config.Config.
func (c *MulticastSenderCfg) Validate() error {
	if c.GroupAddress == "" {
		return errors.New("groupAddress cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("ttl %d out of range", c.TTL)
	}
	if c.SendBufferSize < 0 {
		return errors.New("sendBufferSize cannot be negative")
	}
	return nil
}

// MulticastSender publishes UDP datagrams to one multicast group. Sends are
// synchronous on the calling goroutine; one datagram per SendData call,
// preserving message boundaries.
type MulticastSender struct {
	cfgMu sync.RWMutex
	cfg   MulticastSenderCfg

	runCfg  MulticastSenderCfg // snapshot taken by Start
	logger  log.Logger
	running atomic.Bool
	sock    *socketFD
	dest    *unix.SockaddrInet4

	stats SenderStats
}

// NewMulticastSender creates a sender. A nil cfg selects defaults, a nil
// logger is silent.
func NewMulticastSender(cfg *MulticastSenderCfg, logger log.Logger) *MulticastSender {
	c := DefaultMulticastSenderCfg()
	if cfg != nil {
		c = *cfg
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MulticastSender{cfg: c, logger: logger}
}

// NewMulticastSenderWithConfigManager loads the "multicast_sender"
// configuration and registers for hot-reload notifications.
func NewMulticastSenderWithConfigManager(configManager config.ConfigManager, logger log.Logger) (*MulticastSender, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &MulticastSenderCfg{}
	*cfg = DefaultMulticastSenderCfg()
	if err := configManager.LoadConfig("multicast_sender", cfg); err != nil {
		return nil, fmt.Errorf("failed to load multicast_sender config: %w", err)
	}

	sender := NewMulticastSender(cfg, logger)
	configManager.AddChangeListener(sender)
	return sender, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (s *MulticastSender) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "multicast_sender" {
		return nil
	}

	newCfg, ok := newConfig.(*MulticastSenderCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for MulticastSender")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid multicast_sender configuration: %w", err)
	}

	s.cfgMu.Lock()
	s.cfg = *newCfg
	s.cfgMu.Unlock()

	if s.IsRunning() {
		s.logger.Info().Str("name", newCfg.Name).Msg("multicast_sender configuration updated, applies on next start")
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (s *MulticastSender) GetConfigName() string {
	return "multicast_sender"
}

// IsRunning reports whether the sender is ready to send.
func (s *MulticastSender) IsRunning() bool {
	return s.running.Load()
}

// Stats exposes the sender counters.
func (s *MulticastSender) Stats() *SenderStats {
	return &s.stats
}

// Start creates the socket and applies the multicast send options. TTL,
// loopback and an explicitly configured interface are load-bearing: failure
// to apply any of them fails Start. A rejected send buffer size only warns.
// Returns true on success or when already running.
func (s *MulticastSender) Start() bool {
	if s.running.Load() {
		return true
	}

	s.cfgMu.RLock()
	s.runCfg = s.cfg
	s.cfgMu.RUnlock()
	cfg := &s.runCfg

	s.logger.Info().Str("name", cfg.Name).Str("group", cfg.GroupAddress).Int("port", cfg.Port).Msg("Starting multicast sender")

	dest, err := sockaddrInet4(cfg.GroupAddress, cfg.Port)
	if err != nil {
		s.logger.Error().Str("group", cfg.GroupAddress).Err(err).Msg("Invalid multicast group address")
		return false
	}

	fd, err := newUDPSocket()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create sender socket")
		metrics.IncrCounterWithDimGroup("net", "sender_start_error_total", 1, metrics.Dimension{"error_type": "socket"})
		return false
	}
	sock := newSocketFD(fd)

	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(cfg.TTL)); err != nil {
		s.logger.Error().Int("ttl", cfg.TTL).Err(err).Msg("Failed to set multicast TTL")
		metrics.IncrCounterWithDimGroup("net", "sender_start_error_total", 1, metrics.Dimension{"error_type": "ttl"})
		_ = sock.Close()
		return false
	}

	loop := byte(0)
	if cfg.Loopback {
		loop = 1
	}
	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set multicast loopback")
		metrics.IncrCounterWithDimGroup("net", "sender_start_error_total", 1, metrics.Dimension{"error_type": "loopback"})
		_ = sock.Close()
		return false
	}

	if cfg.InterfaceAddress != "" {
		ifaceIP, err := resolveIPv4(cfg.InterfaceAddress)
		if err != nil {
			s.logger.Error().Str("interface", cfg.InterfaceAddress).Err(err).Msg("Invalid multicast interface address")
			_ = sock.Close()
			return false
		}
		if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, ifaceIP); err != nil {
			s.logger.Error().Str("interface", cfg.InterfaceAddress).Err(err).Msg("Failed to set multicast interface")
			metrics.IncrCounterWithDimGroup("net", "sender_start_error_total", 1, metrics.Dimension{"error_type": "interface"})
			_ = sock.Close()
			return false
		}
	}

	if cfg.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferSize); err != nil {
			s.logger.Warn().Int("size", cfg.SendBufferSize).Err(err).Msg("Failed to set send buffer size")
		}
	}

	s.sock = sock
	s.dest = dest
	s.running.Store(true)

	metrics.IncrCounterWithGroup("net", "sender_start_total", 1)
	s.logger.Info().Str("name", cfg.Name).Msg("Multicast sender started")
	return true
}

// Stop closes the socket. Idempotent.
func (s *MulticastSender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	_ = s.sock.Close()
	s.logger.Info().Str("name", s.runCfg.Name).Msg("Multicast sender stopped")
}

// SendData publishes one datagram to the group. Returns false when not
// running, for empty data, or on a send error.
func (s *MulticastSender) SendData(data []byte) bool {
	if !s.running.Load() || len(data) == 0 {
		return false
	}

	for {
		err := unix.Sendto(s.sock.FD(), data, 0, s.dest)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.logger.Error().Int("bytes", len(data)).Err(err).Msg("Failed to send multicast datagram")
			s.stats.sendErrors.Add(1)
			metrics.IncrCounterWithGroup("net", "multicast_send_error_total", 1)
			return false
		}
		break
	}

	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(data)))
	return true
}
