package net

// ServerHandler receives TCP server connection events. All callbacks for one
// connection are invoked from the server's reactor goroutine in order:
// connected, data (zero or more), disconnected. The data slice is only valid
// for the duration of the callback; copy it to retain it.
type ServerHandler interface {
	OnClientConnected(clientID int, address string)
	OnClientData(clientID int, data []byte)
	OnClientDisconnected(clientID int)
}

// ClientHandler receives TCP client connection events. OnConnected is
// invoked from Connect's calling goroutine; OnData and OnDisconnected from
// the client's receive goroutine.
type ClientHandler interface {
	OnConnected()
	OnData(data []byte)
	OnDisconnected()
}

// MulticastHandler receives multicast datagrams. Invoked from the receiver's
// goroutine; the data slice is only valid for the duration of the callback.
type MulticastHandler interface {
	OnMulticastData(data []byte, senderAddress string)
}

// NopServerHandler is an embeddable ServerHandler that ignores every event.
type NopServerHandler struct{}

func (NopServerHandler) OnClientConnected(int, string) {}
func (NopServerHandler) OnClientData(int, []byte)      {}
func (NopServerHandler) OnClientDisconnected(int)      {}

// NopClientHandler is an embeddable ClientHandler that ignores every event.
type NopClientHandler struct{}

func (NopClientHandler) OnConnected()    {}
func (NopClientHandler) OnData([]byte)   {}
func (NopClientHandler) OnDisconnected() {}

// NopMulticastHandler drops received datagrams after they are counted.
type NopMulticastHandler struct{}

func (NopMulticastHandler) OnMulticastData([]byte, string) {}
