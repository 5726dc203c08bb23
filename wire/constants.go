package wire

import "time"

// ConnectionRole represents the role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated the connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated the connection
)

// MTU limits. Every connection starts from the BLE 4.0 default and
// negotiates up during the connect handshake; the negotiated value
// differs per peer.
const (
	DefaultMTU = 23
	MaxMTU     = 512
)

// Timing constants. Real BLE connection setup takes 30-100ms and
// delivery rides the connection interval; the simulation keeps the same
// shape with shorter waits so tests stay quick.
const (
	PowerUpDelay      = 20 * time.Millisecond
	MinConnectDelay   = 5 * time.Millisecond
	MaxConnectDelay   = 15 * time.Millisecond
	WriteIntervalMin  = 500 * time.Microsecond
	WriteIntervalMax  = 2 * time.Millisecond
	DiscoveryInterval = 50 * time.Millisecond
)

// Channel message operations.
const (
	OpWrite       = "write"       // central -> peripheral characteristic write
	OpNotify      = "notify"      // peripheral -> central notification
	OpSubscribe   = "subscribe"   // central enables notifications on a characteristic
	OpUnsubscribe = "unsubscribe" // central disables notifications
)
