package wire

import (
	"net"
	"sync"
)

// AdvertisingData is what a device broadcasts while discoverable.
type AdvertisingData struct {
	DeviceName    string   `json:"device_name"`
	ServiceUUIDs  []string `json:"service_uuids,omitempty"`
	IsConnectable bool     `json:"is_connectable"`
}

// Discovery describes one discovered advertiser: the platform handle to
// connect to plus what it was advertising.
type Discovery struct {
	Handle        string
	Name          string
	ServiceUUIDs  []string
	IsConnectable bool
}

// ChannelMessage is one operation on a characteristic, routed by UUID.
type ChannelMessage struct {
	Op         string `json:"op"`
	CharUUID   string `json:"char_uuid"`
	Data       []byte `json:"data,omitempty"`
	SenderUUID string `json:"sender_uuid,omitempty"`
}

// Connection is a single live link to a peer.
type Connection struct {
	conn       net.Conn
	remoteUUID string
	role       ConnectionRole
	mtu        int        // negotiated during the connect handshake
	sendMutex  sync.Mutex // serializes writes to this connection
}

// MTU returns the negotiated MTU for this connection.
func (c *Connection) MTU() int {
	return c.mtu
}

// Role returns our role in this connection.
func (c *Connection) Role() ConnectionRole {
	return c.role
}
