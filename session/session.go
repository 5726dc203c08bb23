// Package session implements the two connection managers of the BLE
// transport: the Host (peripheral role: advertises one service and
// accepts subscribers) and the Joiner (central role: scans, connects,
// subscribes). Both move opaque byte packets through the frame codec
// and surface fully reassembled messages to the game engine; neither
// knows anything about what the bytes mean.
package session

import (
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/wire"
)

// Service and channel layout, fixed and shared by both roles: the
// joiner writes on the write channel, the host pushes on the notify
// channel, and both exchange low-frequency peer metadata on the info
// channel.
const (
	ServiceUUID    = "f5a10c66-2c37-4b7e-9c4d-64d2f7b8a001"
	WriteCharUUID  = "f5a10c66-2c37-4b7e-9c4d-64d2f7b8a002"
	NotifyCharUUID = "f5a10c66-2c37-4b7e-9c4d-64d2f7b8a003"
	InfoCharUUID   = "f5a10c66-2c37-4b7e-9c4d-64d2f7b8a004"

	// ProtocolVersion is carried in the info-channel metadata.
	ProtocolVersion = 1
)

// Packet is the unit the engine boundary exchanges. TargetPeerID selects
// one peer; empty means broadcast (host only — a joiner has exactly one
// peer and ignores the field).
type Packet struct {
	TargetPeerID string
	Payload      []byte
}

// Events is the engine-facing callback set. Callbacks fire from the
// manager's event goroutine; handlers receive owned buffers and must not
// block for long.
type Events struct {
	OnPeerConnected    func(peerID, displayName string)
	OnPeerDisconnected func(peerID string)
	OnDataReceived     func(peerID string, data []byte)
}

func (e Events) peerConnected(peerID, displayName string) {
	if e.OnPeerConnected != nil {
		e.OnPeerConnected(peerID, displayName)
	}
}

func (e Events) peerDisconnected(peerID string) {
	if e.OnPeerDisconnected != nil {
		e.OnPeerDisconnected(peerID)
	}
}

func (e Events) dataReceived(peerID string, data []byte) {
	if e.OnDataReceived != nil {
		e.OnDataReceived(peerID, data)
	}
}

// Link is the platform radio surface the managers run on. The simulated
// wire implements it for tests and the demo; the hw package implements
// it over a real adapter.
type Link interface {
	HardwareUUID() string
	Start() error
	Stop()

	PowerState() radio.State
	SetPowerCallback(func(state radio.State))
	SetConnectCallback(func(peerUUID string, role wire.ConnectionRole))
	SetDisconnectCallback(func(peerUUID string))
	SetMessageCallback(func(peerUUID string, msg *wire.ChannelMessage))

	// Peripheral role
	SetAcceptLimit(n int)
	WriteAdvertisingData(data *wire.AdvertisingData) error
	ClearAdvertisingData()

	// Central role
	StartDiscovery(serviceUUID string, onFound func(wire.Discovery)) (stop func())
	Connect(peerUUID string) error

	Disconnect(peerUUID string) error
	MTU(peerUUID string) int
	Send(peerUUID string, msg *wire.ChannelMessage) error
}

// short safely truncates an identifier for log prefixes.
func short(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
