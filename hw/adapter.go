// Package hw backs a session manager with a real Bluetooth adapter via
// the tinygo bluetooth stack. It speaks the same Link surface as the
// simulated wire, so a Host or Joiner runs unchanged on either.
//
// Known stack limitations, accepted for this backend: peripheral-side
// notifications fan out to every subscriber of a characteristic rather
// than one link, and a peripheral cannot sever an individual central.
// The session layer's capacity checks still hold; targeted host sends
// are only truly targeted on the simulated wire.
package hw

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/session"
	"github.com/tandemloop/blelink/wire"
)

var errNotStarted = errors.New("adapter not started")

var _ session.Link = (*Adapter)(nil)

// Adapter implements session.Link over tinygo.org/x/bluetooth.
type Adapter struct {
	adapter *bluetooth.Adapter
	service ServiceLayout
	prefix  string

	mu          sync.RWMutex
	started     bool
	power       radio.State
	acceptLimit int
	addr        string
	adv         *bluetooth.Advertisement
	advertising bool
	scanning    bool

	// Peripheral side: local characteristics and connected centrals.
	localChars map[string]*bluetooth.Characteristic // char uuid -> handle
	centrals   map[string]bool                      // address -> connected
	binds      map[bluetooth.Connection]string      // GATT connection -> address

	// Central side: one connected peripheral at most.
	book       map[string]bluetooth.Address // discovered address string -> address
	device     *bluetooth.Device
	devAddr    string
	remoteChar map[string]bluetooth.DeviceCharacteristic // char uuid -> remote handle

	connectCallback    func(peerUUID string, role wire.ConnectionRole)
	disconnectCallback func(peerUUID string)
	messageCallback    func(peerUUID string, msg *wire.ChannelMessage)
	powerCallback      func(state radio.State)
}

// ServiceLayout names the GATT service and its three channels. The
// session package supplies its fixed UUIDs here.
type ServiceLayout struct {
	Service string
	Write   string
	Notify  string
	Info    string
}

// NewAdapter wraps the platform's default Bluetooth adapter.
func NewAdapter(layout ServiceLayout) *Adapter {
	return &Adapter{
		adapter:    bluetooth.DefaultAdapter,
		service:    layout,
		prefix:     "hw",
		power:      radio.StateUnknown,
		localChars: make(map[string]*bluetooth.Characteristic),
		centrals:   make(map[string]bool),
		binds:      make(map[bluetooth.Connection]string),
		book:       make(map[string]bluetooth.Address),
		remoteChar: make(map[string]bluetooth.DeviceCharacteristic),
	}
}

// HardwareUUID returns the adapter's own address once started.
func (a *Adapter) HardwareUUID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.addr != "" {
		return a.addr
	}
	return "hw-adapter"
}

// Start enables the adapter and registers the GATT service. On
// platforms with a power watcher (see PowerWatcher) the reported state
// follows the controller; elsewhere a successful enable is taken as
// powered on.
func (a *Adapter) Start() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}
	if mac, err := a.adapter.Address(); err == nil {
		a.mu.Lock()
		a.addr = mac.String()
		a.mu.Unlock()
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.handleLink(device.Address.String(), connected)
	})

	if err := a.registerService(); err != nil {
		return err
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.SetPowerState(radio.StatePoweredOn)
	logger.Info(a.prefix, "Adapter %s up", a.HardwareUUID())
	return nil
}

func (a *Adapter) registerService() error {
	svcUUID, err := bluetooth.ParseUUID(a.service.Service)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	var configs []bluetooth.CharacteristicConfig
	for _, def := range []struct {
		uuid  string
		flags bluetooth.CharacteristicPermissions
	}{
		{a.service.Write, bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission},
		{a.service.Notify, bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission},
		{a.service.Info, bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission | bluetooth.CharacteristicNotifyPermission},
	} {
		charUUID, err := bluetooth.ParseUUID(def.uuid)
		if err != nil {
			return fmt.Errorf("characteristic uuid %s: %w", def.uuid, err)
		}
		handle := &bluetooth.Characteristic{}
		a.localChars[def.uuid] = handle
		uuidStr := def.uuid
		configs = append(configs, bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Flags:  def.flags,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				a.handleWrite(client, uuidStr, value)
			},
		})
	}
	err = a.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: configs,
	})
	if err != nil {
		return fmt.Errorf("registering service: %w", err)
	}
	return nil
}

// Stop powers the reported state down. The underlying stack keeps the
// controller; there is no disable call to mirror Enable.
func (a *Adapter) Stop() {
	a.ClearAdvertisingData()
	a.mu.Lock()
	if a.scanning {
		a.scanning = false
		a.mu.Unlock()
		a.adapter.StopScan()
		a.mu.Lock()
	}
	dev := a.device
	a.device = nil
	a.started = false
	a.mu.Unlock()
	if dev != nil {
		dev.Disconnect()
	}
}

// PowerState returns the last observed controller state.
func (a *Adapter) PowerState() radio.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.power
}

// SetPowerState records a controller state change and forwards it. The
// linux PowerWatcher feeds this from BlueZ.
func (a *Adapter) SetPowerState(state radio.State) {
	a.mu.Lock()
	if a.power == state {
		a.mu.Unlock()
		return
	}
	a.power = state
	cb := a.powerCallback
	a.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// SetAcceptLimit caps how many centrals are treated as peers. The stack
// cannot refuse a link at the radio, so surplus centrals are ignored:
// their writes and subscriptions never reach the message callback.
func (a *Adapter) SetAcceptLimit(n int) {
	a.mu.Lock()
	a.acceptLimit = n
	a.mu.Unlock()
}

// WriteAdvertisingData starts advertising the service.
func (a *Adapter) WriteAdvertisingData(data *wire.AdvertisingData) error {
	svcUUID, err := bluetooth.ParseUUID(a.service.Service)
	if err != nil {
		return err
	}
	adv := a.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    data.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	})
	if err != nil {
		return fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("starting advertisement: %w", err)
	}
	a.mu.Lock()
	a.adv = adv
	a.advertising = true
	a.mu.Unlock()
	return nil
}

// ClearAdvertisingData stops advertising. Safe when not advertising.
func (a *Adapter) ClearAdvertisingData() {
	a.mu.Lock()
	adv := a.adv
	active := a.advertising
	a.advertising = false
	a.mu.Unlock()
	if active && adv != nil {
		adv.Stop()
	}
}

// StartDiscovery scans for peripherals advertising the given service.
// Each result is remembered so Connect can resolve the address later.
func (a *Adapter) StartDiscovery(serviceUUID string, onFound func(wire.Discovery)) (stop func()) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		logger.Error(a.prefix, "Bad service uuid %s: %v", serviceUUID, err)
		return func() {}
	}

	a.mu.Lock()
	a.scanning = true
	a.mu.Unlock()

	go func() {
		err := a.adapter.Scan(func(ad *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(svcUUID) {
				return
			}
			handle := res.Address.String()
			a.mu.Lock()
			a.book[handle] = res.Address
			a.mu.Unlock()
			onFound(wire.Discovery{
				Handle:        handle,
				Name:          res.LocalName(),
				ServiceUUIDs:  []string{serviceUUID},
				IsConnectable: true,
			})
		})
		if err != nil {
			logger.Warn(a.prefix, "Scan ended: %v", err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.scanning = false
			a.mu.Unlock()
			a.adapter.StopScan()
		})
	}
}

// Connect dials a peripheral previously seen by StartDiscovery and
// discovers the service's three channels. Notifications are not enabled
// here; the subscribe op does that.
func (a *Adapter) Connect(peerUUID string) error {
	a.mu.RLock()
	addr, known := a.book[peerUUID]
	started := a.started
	a.mu.RUnlock()
	if !started {
		return errNotStarted
	}
	if !known {
		return fmt.Errorf("address %s was never discovered", peerUUID)
	}

	dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", peerUUID, err)
	}

	if err := a.discoverChannels(dev); err != nil {
		dev.Disconnect()
		return err
	}

	a.mu.Lock()
	a.device = &dev
	a.devAddr = peerUUID
	cb := a.connectCallback
	a.mu.Unlock()
	if cb != nil {
		cb(peerUUID, wire.RoleCentral)
	}
	return nil
}

func (a *Adapter) discoverChannels(dev bluetooth.Device) error {
	svcUUID, err := bluetooth.ParseUUID(a.service.Service)
	if err != nil {
		return err
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("service %s not found: %w", a.service.Service, err)
	}

	want := make(map[bluetooth.UUID]string)
	var uuids []bluetooth.UUID
	for _, raw := range []string{a.service.Write, a.service.Notify, a.service.Info} {
		u, err := bluetooth.ParseUUID(raw)
		if err != nil {
			return err
		}
		want[u] = raw
		uuids = append(uuids, u)
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return fmt.Errorf("discovering channels: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range chars {
		if raw, ok := want[c.UUID()]; ok {
			a.remoteChar[raw] = c
		}
	}
	for _, raw := range []string{a.service.Write, a.service.Notify, a.service.Info} {
		if _, ok := a.remoteChar[raw]; !ok {
			return fmt.Errorf("channel %s not found on peripheral", raw)
		}
	}
	return nil
}

// Disconnect severs the central-side link. On the peripheral side the
// stack offers no per-central disconnect; the request is logged and the
// session layer simply stops treating the central as a peer.
func (a *Adapter) Disconnect(peerUUID string) error {
	a.mu.Lock()
	if a.devAddr == peerUUID && a.device != nil {
		dev := a.device
		a.device = nil
		a.devAddr = ""
		a.mu.Unlock()
		return dev.Disconnect()
	}
	a.mu.Unlock()
	logger.Debug(a.prefix, "Cannot sever central %s from the peripheral side", peerUUID)
	return nil
}

// MTU reports the usable payload size for the link. The central side
// asks the remote characteristic; the peripheral side has no per-client
// query and reports the protocol floor.
func (a *Adapter) MTU(peerUUID string) int {
	a.mu.RLock()
	c, central := a.remoteChar[a.service.Write]
	isDev := a.devAddr == peerUUID
	a.mu.RUnlock()
	if central && isDev {
		if mtu, err := c.GetMTU(); err == nil && int(mtu) >= wire.DefaultMTU {
			return int(mtu)
		}
	}
	return wire.DefaultMTU
}

// Send maps a channel message onto the stack. A central writes to the
// remote characteristic; a peripheral updates its local characteristic,
// which notifies subscribers.
func (a *Adapter) Send(peerUUID string, msg *wire.ChannelMessage) error {
	a.mu.RLock()
	started := a.started
	isDev := a.devAddr == peerUUID
	remote, haveRemote := a.remoteChar[msg.CharUUID]
	local := a.localChars[msg.CharUUID]
	a.mu.RUnlock()
	if !started {
		return errNotStarted
	}

	switch msg.Op {
	case wire.OpWrite:
		if !isDev || !haveRemote {
			return fmt.Errorf("no writable channel %s to %s", msg.CharUUID, peerUUID)
		}
		_, err := remote.WriteWithoutResponse(msg.Data)
		return err
	case wire.OpNotify:
		if local == nil {
			return fmt.Errorf("no local channel %s", msg.CharUUID)
		}
		_, err := local.Write(msg.Data)
		return err
	case wire.OpSubscribe:
		if !isDev || !haveRemote {
			return fmt.Errorf("no channel %s to subscribe on %s", msg.CharUUID, peerUUID)
		}
		charUUID := msg.CharUUID
		return remote.EnableNotifications(func(value []byte) {
			buf := make([]byte, len(value))
			copy(buf, value)
			a.deliver(peerUUID, &wire.ChannelMessage{
				Op:         wire.OpNotify,
				CharUUID:   charUUID,
				Data:       buf,
				SenderUUID: peerUUID,
			})
		})
	case wire.OpUnsubscribe:
		// Not expressible with this stack; disconnecting withdraws it.
		return nil
	default:
		return fmt.Errorf("unknown op %q", msg.Op)
	}
}

func (a *Adapter) SetConnectCallback(cb func(peerUUID string, role wire.ConnectionRole)) {
	a.mu.Lock()
	a.connectCallback = cb
	a.mu.Unlock()
}

func (a *Adapter) SetDisconnectCallback(cb func(peerUUID string)) {
	a.mu.Lock()
	a.disconnectCallback = cb
	a.mu.Unlock()
}

func (a *Adapter) SetMessageCallback(cb func(peerUUID string, msg *wire.ChannelMessage)) {
	a.mu.Lock()
	a.messageCallback = cb
	a.mu.Unlock()
}

func (a *Adapter) SetPowerCallback(cb func(state radio.State)) {
	a.mu.Lock()
	a.powerCallback = cb
	a.mu.Unlock()
}

// handleLink tracks central links on the peripheral side and the
// peripheral link on the central side.
func (a *Adapter) handleLink(address string, connected bool) {
	a.mu.Lock()
	var disconnect func(string)
	var connect func(string, wire.ConnectionRole)
	if connected {
		if a.devAddr != address {
			if a.acceptLimit > 0 && len(a.centrals) >= a.acceptLimit {
				a.mu.Unlock()
				logger.Warn(a.prefix, "Ignoring surplus central %s", address)
				return
			}
			a.centrals[address] = true
			connect = a.connectCallback
		}
	} else {
		if a.devAddr == address {
			a.device = nil
			a.devAddr = ""
			disconnect = a.disconnectCallback
		} else if a.centrals[address] {
			delete(a.centrals, address)
			for conn, bound := range a.binds {
				if bound == address {
					delete(a.binds, conn)
				}
			}
			disconnect = a.disconnectCallback
		}
	}
	a.mu.Unlock()

	if connect != nil {
		connect(address, wire.RolePeripheral)
	}
	if disconnect != nil {
		disconnect(address)
	}
}

// handleWrite attributes an incoming GATT write to a central. The write
// event carries only an opaque connection token, so the token is bound
// to a central address on first sight: with one central the binding is
// exact, with several it is first-unbound, which is the best this stack
// allows.
func (a *Adapter) handleWrite(client bluetooth.Connection, charUUID string, value []byte) {
	a.mu.Lock()
	address, bound := a.binds[client]
	if !bound {
		for addr := range a.centrals {
			inUse := false
			for _, b := range a.binds {
				if b == addr {
					inUse = true
					break
				}
			}
			if !inUse {
				address = addr
				a.binds[client] = addr
				bound = true
				break
			}
		}
	}
	a.mu.Unlock()
	if !bound {
		logger.Debug(a.prefix, "Write on %s from unknown central dropped", charUUID)
		return
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	a.deliver(address, &wire.ChannelMessage{
		Op:         wire.OpWrite,
		CharUUID:   charUUID,
		Data:       buf,
		SenderUUID: address,
	})

	// The stack raises no event when a central enables notifications,
	// so the info write that immediately precedes the subscription in
	// the join sequence stands in for it.
	if charUUID == a.service.Info {
		a.deliver(address, &wire.ChannelMessage{
			Op:         wire.OpSubscribe,
			CharUUID:   a.service.Notify,
			SenderUUID: address,
		})
	}
}

func (a *Adapter) deliver(peerUUID string, msg *wire.ChannelMessage) {
	a.mu.RLock()
	cb := a.messageCallback
	a.mu.RUnlock()
	if cb != nil {
		cb(peerUUID, msg)
	}
}
