package net

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMulticastHandler counts datagrams and keeps the last payload.
type recordingMulticastHandler struct {
	mu      sync.Mutex
	packets int
	last    []byte
	sender  string
}

func (h *recordingMulticastHandler) OnMulticastData(data []byte, senderAddress string) {
	h.mu.Lock()
	h.packets++
	h.last = append([]byte(nil), data...)
	h.sender = senderAddress
	h.mu.Unlock()
}

func (h *recordingMulticastHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets
}

func (h *recordingMulticastHandler) lastPayload() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.last), h.sender
}

func multicastPair(t *testing.T, port int) (*MulticastSender, *MulticastReceiver, *recordingMulticastHandler) {
	t.Helper()

	recvCfg := DefaultMulticastReceiverCfg()
	recvCfg.GroupAddress = "239.255.42.99"
	recvCfg.Port = port
	handler := &recordingMulticastHandler{}
	receiver := NewMulticastReceiver(&recvCfg, handler, nil)
	require.True(t, receiver.Start())
	t.Cleanup(receiver.Stop)

	sendCfg := DefaultMulticastSenderCfg()
	sendCfg.GroupAddress = "239.255.42.99"
	sendCfg.Port = port
	sendCfg.Loopback = true
	sender := NewMulticastSender(&sendCfg, nil)
	require.True(t, sender.Start())
	t.Cleanup(sender.Stop)

	return sender, receiver, handler
}

func TestMulticastSendReceive(t *testing.T) {
	sender, receiver, handler := multicastPair(t, 28765)

	const packets = 5
	payload := []byte("market data tick")
	for i := 0; i < packets; i++ {
		require.True(t, sender.SendData(payload))
		time.Sleep(10 * time.Millisecond)
	}

	waitUntil(t, 3*time.Second, func() bool {
		return handler.count() >= packets
	}, "all datagrams delivered")

	last, from := handler.lastPayload()
	assert.Equal(t, string(payload), last)
	assert.NotEmpty(t, from)

	assert.Equal(t, uint64(packets), sender.Stats().PacketsSent())
	assert.Equal(t, uint64(packets*len(payload)), sender.Stats().BytesSent())
	assert.Equal(t, uint64(packets), receiver.Stats().PacketsReceived())
	assert.Equal(t, uint64(packets*len(payload)), receiver.Stats().BytesReceived())
}

func TestMulticastTwoReceiversSharePort(t *testing.T) {
	const port = 28766

	handlerA := &recordingMulticastHandler{}
	handlerB := &recordingMulticastHandler{}
	for _, h := range []*recordingMulticastHandler{handlerA, handlerB} {
		cfg := DefaultMulticastReceiverCfg()
		cfg.GroupAddress = "239.255.42.99"
		cfg.Port = port
		receiver := NewMulticastReceiver(&cfg, h, nil)
		require.True(t, receiver.Start())
		t.Cleanup(receiver.Stop)
	}

	sendCfg := DefaultMulticastSenderCfg()
	sendCfg.GroupAddress = "239.255.42.99"
	sendCfg.Port = port
	sendCfg.Loopback = true
	sender := NewMulticastSender(&sendCfg, nil)
	require.True(t, sender.Start())
	t.Cleanup(sender.Stop)

	require.True(t, sender.SendData([]byte("fan out")))

	waitUntil(t, 3*time.Second, func() bool {
		return handlerA.count() >= 1 && handlerB.count() >= 1
	}, "both receivers delivered")
}

func TestMulticastSenderLifecycle(t *testing.T) {
	cfg := DefaultMulticastSenderCfg()
	sender := NewMulticastSender(&cfg, nil)

	assert.False(t, sender.SendData([]byte("not running")))
	assert.False(t, sender.IsRunning())

	require.True(t, sender.Start())
	assert.True(t, sender.Start(), "Start while running reports success")
	assert.False(t, sender.SendData(nil))

	sender.Stop()
	sender.Stop()
	assert.False(t, sender.IsRunning())
	assert.Equal(t, uint64(0), sender.Stats().PacketsSent())
}

func TestMulticastReceiverStopIsIdempotent(t *testing.T) {
	cfg := DefaultMulticastReceiverCfg()
	cfg.GroupAddress = "239.255.42.99"
	cfg.Port = 28767
	receiver := NewMulticastReceiver(&cfg, nil, nil)

	receiver.Stop()

	require.True(t, receiver.Start())
	assert.True(t, receiver.IsRunning())
	receiver.Stop()
	receiver.Stop()
	assert.False(t, receiver.IsRunning())

	require.True(t, receiver.Start(), "receiver restarts after Stop")
	receiver.Stop()
}

func TestMulticastCfgValidate(t *testing.T) {
	sendCfg := DefaultMulticastSenderCfg()
	assert.NoError(t, sendCfg.Validate())
	sendCfg.TTL = 300
	assert.Error(t, sendCfg.Validate())
	sendCfg = DefaultMulticastSenderCfg()
	sendCfg.GroupAddress = ""
	assert.Error(t, sendCfg.Validate())

	recvCfg := DefaultMulticastReceiverCfg()
	assert.NoError(t, recvCfg.Validate())
	recvCfg.ReceiveTimeout = 0
	assert.Error(t, recvCfg.Validate())
	recvCfg = DefaultMulticastReceiverCfg()
	recvCfg.Port = 0
	assert.Error(t, recvCfg.Validate())
}
