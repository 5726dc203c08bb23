// Package wire is the simulated BLE link layer: one Unix domain socket
// per device, advertising payloads published as files and discovered by
// directory scan, a connect handshake that negotiates the MTU, and
// JSON-framed channel messages routed by characteristic UUID. It stands
// in for the platform's radio stack so the transport above it can run
// end to end on one machine.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/util"
)

// Wire handles the socket plumbing for one simulated device.
type Wire struct {
	hardwareUUID string
	socketPath   string
	listener     net.Listener

	mu          sync.RWMutex
	power       radio.State
	maxMTU      int
	acceptLimit int // 0 = unlimited
	connections map[string]*Connection

	// Callbacks into the layer above. All fire from wire goroutines;
	// the managers post them onto their own event loops.
	callbackMu         sync.RWMutex
	connectCallback    func(peerUUID string, role ConnectionRole)
	disconnectCallback func(peerUUID string)
	messageCallback    func(peerUUID string, msg *ChannelMessage)
	powerCallback      func(state radio.State)

	stopListening chan struct{}
	stopReading   map[string]chan struct{}
	stopMu        sync.Mutex
}

// NewWire creates a Wire for a device. The radio starts in the unknown
// state and powers on shortly after Start, like a real stack coming up.
func NewWire(hardwareUUID string) *Wire {
	return &Wire{
		hardwareUUID: hardwareUUID,
		socketPath:   filepath.Join(util.SocketDir(), fmt.Sprintf("blelink-%s.sock", hardwareUUID)),
		power:        radio.StateUnknown,
		maxMTU:       MaxMTU,
		connections:  make(map[string]*Connection),
		stopReading:  make(map[string]chan struct{}),
	}
}

// HardwareUUID returns this device's hardware identifier.
func (w *Wire) HardwareUUID() string {
	return w.hardwareUUID
}

// SetMaxMTU caps what this device offers during MTU negotiation.
func (w *Wire) SetMaxMTU(mtu int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	w.maxMTU = mtu
}

// SetAcceptLimit caps concurrent incoming connections. Dialers beyond
// the limit are refused during the handshake and never surface to the
// layer above.
func (w *Wire) SetAcceptLimit(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acceptLimit = n
}

// Start begins listening on the device socket and powers the radio on
// after a short initialization delay.
func (w *Wire) Start() error {
	os.Remove(w.socketPath)

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}

	w.listener = listener
	w.stopListening = make(chan struct{})
	go w.acceptConnections()

	go func() {
		time.Sleep(PowerUpDelay)
		w.SetPowerState(radio.StatePoweredOn)
	}()

	return nil
}

// Stop tears the device down (idempotent).
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.stopListening != nil {
		select {
		case <-w.stopListening:
			w.mu.Unlock()
			return
		default:
			close(w.stopListening)
		}
	}
	w.mu.Unlock()

	if w.listener != nil {
		w.listener.Close()
	}
	w.closeAllConnections()
	w.ClearAdvertisingData()
	os.Remove(w.socketPath)
}

// PowerState returns the simulated radio state.
func (w *Wire) PowerState() radio.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.power
}

// SetPowerState drives the simulated radio. Leaving poweredOn drops all
// live connections and clears the advertising payload, the way a real
// radio going dark kills every link at once.
func (w *Wire) SetPowerState(state radio.State) {
	w.mu.Lock()
	prev := w.power
	w.power = state
	w.mu.Unlock()

	if prev == state {
		return
	}
	logger.Debug(w.logPrefix(), "Power state %s -> %s", prev, state)

	if prev == radio.StatePoweredOn && state != radio.StatePoweredOn {
		w.ClearAdvertisingData()
		w.closeAllConnections()
	}

	w.callbackMu.RLock()
	cb := w.powerCallback
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(state)
	}
}

// acceptConnections handles incoming connections
func (w *Wire) acceptConnections() {
	for {
		select {
		case <-w.stopListening:
			return
		default:
		}

		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.stopListening:
				return
			default:
			}
			continue
		}
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection runs the accept side of the handshake;
// we become Peripheral.
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	time.Sleep(randomDelay(MinConnectDelay, MaxConnectDelay))

	var uuidLen uint16
	if err := binary.Read(conn, binary.BigEndian, &uuidLen); err != nil {
		conn.Close()
		return
	}
	uuidBytes := make([]byte, uuidLen)
	if _, err := io.ReadFull(conn, uuidBytes); err != nil {
		conn.Close()
		return
	}
	var dialerMTU uint16
	if err := binary.Read(conn, binary.BigEndian, &dialerMTU); err != nil {
		conn.Close()
		return
	}
	peerUUID := string(uuidBytes)

	reject := func(reason string) {
		logger.Debug(w.logPrefix(), "Refusing connection from %s: %s", short(peerUUID), reason)
		binary.Write(conn, binary.BigEndian, uint16(0))
		conn.Close()
	}

	w.mu.Lock()
	if w.power != radio.StatePoweredOn {
		w.mu.Unlock()
		reject("radio not powered on")
		return
	}
	if _, exists := w.connections[peerUUID]; exists {
		w.mu.Unlock()
		reject("already connected")
		return
	}
	if w.acceptLimit > 0 && len(w.connections) >= w.acceptLimit {
		w.mu.Unlock()
		reject("at connection capacity")
		return
	}

	mtu := negotiateMTU(int(dialerMTU), w.maxMTU)
	connection := &Connection{
		conn:       conn,
		remoteUUID: peerUUID,
		role:       RolePeripheral,
		mtu:        mtu,
	}
	w.connections[peerUUID] = connection
	w.mu.Unlock()

	if err := binary.Write(conn, binary.BigEndian, uint16(mtu)); err != nil {
		w.mu.Lock()
		delete(w.connections, peerUUID)
		w.mu.Unlock()
		conn.Close()
		return
	}

	logger.Debug(w.logPrefix(), "Accepted %s, negotiated MTU %d", short(peerUUID), mtu)

	w.callbackMu.RLock()
	connectCb := w.connectCallback
	w.callbackMu.RUnlock()
	if connectCb != nil {
		connectCb(peerUUID, RolePeripheral)
	}

	stopChan := make(chan struct{})
	w.stopMu.Lock()
	w.stopReading[peerUUID] = stopChan
	w.stopMu.Unlock()

	w.readMessages(peerUUID, connection, stopChan)
}

// Connect establishes a connection to a peer; we become Central. The
// handshake carries our hardware UUID and max MTU, and the accepter
// replies with the negotiated MTU (zero means refused).
func (w *Wire) Connect(peerUUID string) error {
	w.mu.RLock()
	power := w.power
	ourMax := w.maxMTU
	_, exists := w.connections[peerUUID]
	w.mu.RUnlock()

	if power != radio.StatePoweredOn {
		return fmt.Errorf("radio not powered on (%s)", power)
	}
	if exists {
		return fmt.Errorf("already connected to %s", peerUUID)
	}

	time.Sleep(randomDelay(MinConnectDelay, MaxConnectDelay))

	peerSocketPath := filepath.Join(util.SocketDir(), fmt.Sprintf("blelink-%s.sock", peerUUID))
	conn, err := net.Dial("unix", peerSocketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", peerUUID, err)
	}

	uuidBytes := []byte(w.hardwareUUID)
	if err := binary.Write(conn, binary.BigEndian, uint16(len(uuidBytes))); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	if _, err := conn.Write(uuidBytes); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint16(ourMax)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	var mtu uint16
	if err := binary.Read(conn, binary.BigEndian, &mtu); err != nil {
		conn.Close()
		return fmt.Errorf("handshake reply from %s: %w", peerUUID, err)
	}
	if mtu == 0 {
		conn.Close()
		return fmt.Errorf("connection refused by %s", peerUUID)
	}

	connection := &Connection{
		conn:       conn,
		remoteUUID: peerUUID,
		role:       RoleCentral,
		mtu:        int(mtu),
	}

	w.mu.Lock()
	if _, exists := w.connections[peerUUID]; exists {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("concurrent connection to %s already established", peerUUID)
	}
	w.connections[peerUUID] = connection
	w.mu.Unlock()

	logger.Debug(w.logPrefix(), "Connected to %s, negotiated MTU %d", short(peerUUID), mtu)

	w.callbackMu.RLock()
	connectCb := w.connectCallback
	w.callbackMu.RUnlock()
	if connectCb != nil {
		connectCb(peerUUID, RoleCentral)
	}

	stopChan := make(chan struct{})
	w.stopMu.Lock()
	w.stopReading[peerUUID] = stopChan
	w.stopMu.Unlock()

	go w.readMessages(peerUUID, connection, stopChan)
	return nil
}

// readMessages continuously reads framed messages from a connection.
// Its deferred cleanup is the single place the disconnect callback fires.
func (w *Wire) readMessages(peerUUID string, connection *Connection, stopChan chan struct{}) {
	defer func() {
		w.mu.Lock()
		delete(w.connections, peerUUID)
		w.mu.Unlock()

		w.stopMu.Lock()
		delete(w.stopReading, peerUUID)
		w.stopMu.Unlock()

		connection.conn.Close()

		w.callbackMu.RLock()
		disconnectCb := w.disconnectCallback
		w.callbackMu.RUnlock()
		if disconnectCb != nil {
			disconnectCb(peerUUID)
		}
	}()

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		var msgLen uint32
		if err := binary.Read(connection.conn, binary.BigEndian, &msgLen); err != nil {
			return
		}
		if msgLen > 1<<20 {
			logger.Warn(w.logPrefix(), "Oversized frame from %s (%d bytes), dropping link", short(peerUUID), msgLen)
			return
		}

		data := make([]byte, msgLen)
		if _, err := io.ReadFull(connection.conn, data); err != nil {
			return
		}

		var msg ChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn(w.logPrefix(), "Undecodable frame from %s: %v", short(peerUUID), err)
			continue
		}
		if msg.SenderUUID == "" {
			msg.SenderUUID = peerUUID
		}

		logger.Trace(w.logPrefix(), "rx %s from %s char=%s (%d bytes)",
			msg.Op, short(peerUUID), short(msg.CharUUID), len(msg.Data))

		w.callbackMu.RLock()
		handler := w.messageCallback
		w.callbackMu.RUnlock()
		if handler != nil {
			handler(peerUUID, &msg)
		}
	}
}

// Send delivers one channel message to a connected peer.
func (w *Wire) Send(peerUUID string, msg *ChannelMessage) error {
	w.mu.RLock()
	power := w.power
	connection, exists := w.connections[peerUUID]
	w.mu.RUnlock()

	if power != radio.StatePoweredOn {
		return fmt.Errorf("radio not powered on (%s)", power)
	}
	if !exists {
		return fmt.Errorf("not connected to %s", peerUUID)
	}

	if msg.SenderUUID == "" {
		msg.SenderUUID = w.hardwareUUID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	// Delivery rides the connection interval
	time.Sleep(randomDelay(WriteIntervalMin, WriteIntervalMax))

	connection.sendMutex.Lock()
	defer connection.sendMutex.Unlock()

	if err := binary.Write(connection.conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to send to %s: %w", peerUUID, err)
	}
	if _, err := connection.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send to %s: %w", peerUUID, err)
	}

	logger.Trace(w.logPrefix(), "tx %s to %s char=%s (%d bytes)",
		msg.Op, short(peerUUID), short(msg.CharUUID), len(msg.Data))
	return nil
}

// Disconnect closes the connection to a peer. The read loop's cleanup
// handles map removal and the disconnect callback.
func (w *Wire) Disconnect(peerUUID string) error {
	w.mu.RLock()
	connection, exists := w.connections[peerUUID]
	w.mu.RUnlock()

	if !exists {
		return fmt.Errorf("not connected to %s", peerUUID)
	}

	w.stopMu.Lock()
	if stopChan, ok := w.stopReading[peerUUID]; ok {
		select {
		case <-stopChan:
		default:
			close(stopChan)
		}
	}
	w.stopMu.Unlock()

	connection.conn.Close()
	return nil
}

// MTU returns the negotiated MTU for a peer, or zero if not connected.
func (w *Wire) MTU(peerUUID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if connection, exists := w.connections[peerUUID]; exists {
		return connection.mtu
	}
	return 0
}

// IsConnected checks if we're connected to a peer.
func (w *Wire) IsConnected(peerUUID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, exists := w.connections[peerUUID]
	return exists
}

// ConnectedPeers returns the hardware UUIDs of all connected peers.
func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.connections))
	for uuid := range w.connections {
		peers = append(peers, uuid)
	}
	return peers
}

// SetConnectCallback sets the callback for established connections.
func (w *Wire) SetConnectCallback(cb func(peerUUID string, role ConnectionRole)) {
	w.callbackMu.Lock()
	w.connectCallback = cb
	w.callbackMu.Unlock()
}

// SetDisconnectCallback sets the callback for lost connections.
func (w *Wire) SetDisconnectCallback(cb func(peerUUID string)) {
	w.callbackMu.Lock()
	w.disconnectCallback = cb
	w.callbackMu.Unlock()
}

// SetMessageCallback sets the callback for incoming channel messages.
func (w *Wire) SetMessageCallback(cb func(peerUUID string, msg *ChannelMessage)) {
	w.callbackMu.Lock()
	w.messageCallback = cb
	w.callbackMu.Unlock()
}

// SetPowerCallback sets the callback for radio state transitions.
func (w *Wire) SetPowerCallback(cb func(state radio.State)) {
	w.callbackMu.Lock()
	w.powerCallback = cb
	w.callbackMu.Unlock()
}

func (w *Wire) closeAllConnections() {
	w.mu.RLock()
	conns := make([]*Connection, 0, len(w.connections))
	for _, c := range w.connections {
		conns = append(conns, c)
	}
	w.mu.RUnlock()

	w.stopMu.Lock()
	for _, stopChan := range w.stopReading {
		select {
		case <-stopChan:
		default:
			close(stopChan)
		}
	}
	w.stopMu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

func (w *Wire) logPrefix() string {
	return fmt.Sprintf("%s Wire", short(w.hardwareUUID))
}

// negotiateMTU picks the connection MTU: the smaller of what the dialer
// asked for and what we support, clamped to the legal range.
func negotiateMTU(dialerMax, ourMax int) int {
	mtu := dialerMax
	if ourMax < mtu {
		mtu = ourMax
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu
}

// short safely returns up to the first 8 characters of an identifier.
func short(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// randomDelay returns a random duration between min and max.
func randomDelay(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
