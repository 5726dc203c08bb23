package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemloop/blelink/config"
	"github.com/tandemloop/blelink/frame"
	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/peer"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/wire"
)

// Joiner is the central-side connection manager. It scans for hosts
// advertising the party service, connects to exactly one, subscribes to
// its notify channel, and exchanges packets with it.
//
// One Joiner serves one joined session. Create a fresh instance per
// session; Close releases everything.
type Joiner struct {
	cfg    *config.Config
	link   Link
	events Events
	prefix string

	mon *radio.Monitor
	seq *frame.Sequencer
	asm *frame.Assembler

	mu          sync.Mutex
	displayName string
	scanStop    func()
	scanTimer   *time.Timer
	seen        map[string]bool // handles reported this scan
	hostHandle  string
	hostPeer    *peer.Peer
	closed      bool

	eventq chan func()
	done   chan struct{}
}

// NewJoiner creates a joiner manager on the given link and starts it.
// The link's callbacks are owned by the joiner from this point on.
func NewJoiner(cfg *config.Config, link Link, displayName string, events Events) (*Joiner, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	j := &Joiner{
		cfg:         cfg,
		link:        link,
		events:      events,
		prefix:      "joiner-" + short(link.HardwareUUID()),
		seq:         &frame.Sequencer{},
		asm:         frame.NewAssembler(),
		displayName: displayName,
		eventq:      make(chan func(), 64),
		done:        make(chan struct{}),
	}
	j.mon = radio.NewMonitor(j.prefix)
	j.mon.OnRadioLost(j.handleRadioLost)

	link.SetPowerCallback(func(state radio.State) {
		j.enqueue(func() { j.mon.SetState(state) })
	})
	link.SetDisconnectCallback(func(peerUUID string) {
		j.enqueue(func() { j.handleLinkDown(peerUUID) })
	})
	link.SetMessageCallback(func(peerUUID string, msg *wire.ChannelMessage) {
		j.enqueue(func() { j.handleMessage(peerUUID, msg) })
	})

	if err := link.Start(); err != nil {
		return nil, fmt.Errorf("starting link: %w", err)
	}
	go j.run()
	return j, nil
}

func (j *Joiner) run() {
	gc := time.NewTicker(j.cfg.ReassemblyTimeout.Std())
	defer gc.Stop()
	for {
		select {
		case fn := <-j.eventq:
			fn()
		case <-gc.C:
			if n := j.asm.GC(j.cfg.ReassemblyTimeout.Std()); n > 0 {
				logger.Warn(j.prefix, "Discarded %d stale reassembly buffer(s)", n)
			}
		case <-j.done:
			return
		}
	}
}

func (j *Joiner) enqueue(fn func()) {
	select {
	case j.eventq <- fn:
	case <-j.done:
	}
}

// do runs fn on the event goroutine and waits for it, so engine
// callbacks it raises share the goroutine inbound traffic uses. Runs
// inline once the loop has exited.
func (j *Joiner) do(fn func()) {
	ran := make(chan struct{})
	select {
	case j.eventq <- func() { fn(); close(ran) }:
		<-ran
	case <-j.done:
		fn()
	}
}

// StartScanning looks for hosts advertising the party service and
// reports each distinct one once per scan via onFound. A zero duration
// scans until StopScanning. If the radio is not yet powered on the scan
// is parked and starts the moment it is; a newer request replaces an
// older parked one.
func (j *Joiner) StartScanning(duration time.Duration, onFound func(wire.Discovery)) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	j.mon.RequestWhenReady(func() {
		j.mu.Lock()
		if j.scanStop != nil {
			j.mu.Unlock()
			j.StopScanning()
			j.mu.Lock()
		}
		seen := make(map[string]bool)
		j.seen = seen
		stop := j.link.StartDiscovery(ServiceUUID, func(d wire.Discovery) {
			j.mu.Lock()
			// A late report from a stopped scan carries the old map.
			if j.seen == nil || seen[d.Handle] {
				j.mu.Unlock()
				return
			}
			seen[d.Handle] = true
			j.mu.Unlock()
			logger.Info(j.prefix, "Found host %q (%s)", d.Name, short(d.Handle))
			if onFound != nil {
				onFound(d)
			}
		})
		j.scanStop = stop
		if duration > 0 {
			j.scanTimer = time.AfterFunc(duration, j.StopScanning)
		}
		j.mu.Unlock()
		logger.Info(j.prefix, "Scanning for %s", ServiceUUID)
	})
}

// StopScanning halts an active scan and cancels a parked scan request.
// Safe to call whether or not scanning is active.
func (j *Joiner) StopScanning() {
	j.mon.ClearPending()

	j.mu.Lock()
	stop := j.scanStop
	timer := j.scanTimer
	j.scanStop = nil
	j.scanTimer = nil
	j.seen = nil
	j.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		stop()
	}
}

// Connect joins the host described by a scan result. Scanning is
// stopped first. The connect, info exchange, and notify subscription
// must all complete inside ConnectTimeout; any failure surfaces as a
// terminal error with no half-initialized connection left behind.
func (j *Joiner) Connect(d wire.Discovery) error {
	j.StopScanning()

	if j.mon.State() != radio.StatePoweredOn {
		return fmt.Errorf("%w: radio is %s", ErrRadioUnavailable, j.mon.State())
	}

	j.mu.Lock()
	if j.hostHandle != "" {
		already := j.hostHandle
		j.mu.Unlock()
		return fmt.Errorf("%w: already connected to %s", ErrConnectionFailed, short(already))
	}
	j.mu.Unlock()

	if !containsService(d.ServiceUUIDs, ServiceUUID) {
		return fmt.Errorf("%w: %s does not offer the party service", ErrConnectionFailed, short(d.Handle))
	}

	errC := make(chan error, 1)
	go func() { errC <- j.link.Connect(d.Handle) }()
	select {
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	case <-time.After(j.cfg.ConnectTimeout.Std()):
		// The dial keeps running after we give up. Reap its eventual
		// success so no orphan link survives on either side.
		go func() {
			if err := <-errC; err == nil {
				j.link.Disconnect(d.Handle)
			}
		}()
		return ErrConnectionTimeout
	}

	if err := j.initializeHost(d); err != nil {
		j.link.Disconnect(d.Handle)
		return err
	}
	return nil
}

// initializeHost runs the post-connect sequence: push our info, then
// subscribe to the notify channel, then register the host peer and tell
// the engine. Subscribing is the step that makes the host consider this
// device a peer, so it comes last.
func (j *Joiner) initializeHost(d wire.Discovery) error {
	info, err := encodePeerInfo(peerInfo{
		DisplayName:     j.displayName,
		Role:            peer.RoleJoiner,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	err = j.link.Send(d.Handle, &wire.ChannelMessage{
		Op:       wire.OpWrite,
		CharUUID: InfoCharUUID,
		Data:     info,
	})
	if err != nil {
		return fmt.Errorf("%w: info write: %v", ErrConnectionFailed, err)
	}
	err = j.link.Send(d.Handle, &wire.ChannelMessage{
		Op:       wire.OpSubscribe,
		CharUUID: NotifyCharUUID,
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrConnectionFailed, err)
	}

	name := d.Name
	if name == "" {
		name = "Host-" + short(d.Handle)
	}
	p := &peer.Peer{
		ID:          uuid.NewString(),
		DisplayName: name,
		Role:        peer.RoleHost,
		ConnectedAt: time.Now(),
	}

	j.mu.Lock()
	j.hostHandle = d.Handle
	j.hostPeer = p
	j.mu.Unlock()

	logger.Info(j.prefix, "Connected to host %s as peer %s (mtu %d)",
		short(d.Handle), p.ID, j.link.MTU(d.Handle))
	j.enqueue(func() { j.events.peerConnected(p.ID, name) })
	return nil
}

// Host returns the connected host peer, or nil when not connected.
func (j *Joiner) Host() *peer.Peer {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.hostPeer
}

// Send delivers a packet to the host. TargetPeerID is ignored: a joiner
// has exactly one peer. The payload is fragmented against this
// connection's negotiated MTU.
func (j *Joiner) Send(pkt Packet) error {
	if j.mon.State() != radio.StatePoweredOn {
		return fmt.Errorf("%w: radio is %s", ErrRadioUnavailable, j.mon.State())
	}
	j.mu.Lock()
	handle := j.hostHandle
	j.mu.Unlock()
	if handle == "" {
		return ErrNotConnected
	}

	mtu := j.link.MTU(handle)
	frags, err := frame.Split(pkt.Payload, mtu, j.seq.Next())
	if err != nil {
		return fmt.Errorf("fragmenting %d bytes for mtu %d: %w", len(pkt.Payload), mtu, err)
	}
	go j.emit(handle, frags)
	return nil
}

func (j *Joiner) emit(handle string, frags []*frame.Fragment) {
	delay := j.cfg.InterFragmentDelay.Std()
	for i, f := range frags {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		err := j.link.Send(handle, &wire.ChannelMessage{
			Op:       wire.OpWrite,
			CharUUID: WriteCharUUID,
			Data:     f.Marshal(),
		})
		if err != nil {
			logger.Warn(j.prefix, "Dropping packet %d at fragment %d/%d: %v",
				f.PacketID, f.Index+1, f.Count, err)
			return
		}
	}
}

// Disconnect leaves the session: withdraws the subscription, tears down
// the connection, and raises OnPeerDisconnected. Safe to call at any
// time, including mid-reassembly; partial packets are discarded.
func (j *Joiner) Disconnect() {
	j.mu.Lock()
	handle := j.hostHandle
	j.mu.Unlock()
	if handle == "" {
		return
	}
	j.link.Send(handle, &wire.ChannelMessage{
		Op:       wire.OpUnsubscribe,
		CharUUID: NotifyCharUUID,
	})
	j.link.Disconnect(handle)
	j.do(func() { j.handleLinkDown(handle) })
}

// Close ends the session and stops the event loop. The link is stopped
// too; the joiner instance cannot be reused.
func (j *Joiner) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	j.StopScanning()
	j.Disconnect()
	close(j.done)
	j.link.Stop()
}

func (j *Joiner) handleMessage(handle string, msg *wire.ChannelMessage) {
	j.mu.Lock()
	known := handle == j.hostHandle
	p := j.hostPeer
	j.mu.Unlock()
	if !known {
		logger.Debug(j.prefix, "Message from unknown %s dropped", short(handle))
		return
	}

	switch {
	case msg.Op == wire.OpNotify && msg.CharUUID == NotifyCharUUID:
		payload, done, err := j.asm.Feed(handle, msg.Data)
		if err != nil {
			logger.Warn(j.prefix, "Bad fragment from host: %v", err)
			return
		}
		if done {
			j.events.dataReceived(p.ID, payload)
		}
	case msg.Op == wire.OpNotify && msg.CharUUID == InfoCharUUID:
		info, err := decodePeerInfo(msg.Data)
		if err != nil {
			logger.Warn(j.prefix, "Bad host info: %v", err)
			return
		}
		if info.DisplayName != "" {
			j.mu.Lock()
			j.hostPeer.DisplayName = info.DisplayName
			j.mu.Unlock()
		}
	default:
		logger.Debug(j.prefix, "Ignoring %s on %s from host", msg.Op, short(msg.CharUUID))
	}
}

func (j *Joiner) handleLinkDown(handle string) {
	j.mu.Lock()
	if handle != j.hostHandle || j.hostHandle == "" {
		j.mu.Unlock()
		return
	}
	p := j.hostPeer
	j.hostHandle = ""
	j.hostPeer = nil
	j.mu.Unlock()

	if n := j.asm.DropSender(handle); n > 0 {
		logger.Debug(j.prefix, "Discarded %d partial packet(s) from host", n)
	}
	logger.Info(j.prefix, "Host %s disconnected", p.ID)
	j.events.peerDisconnected(p.ID)
}

// handleRadioLost fails the host connection. A parked scan request is
// left in place: the intent replays if power returns.
func (j *Joiner) handleRadioLost() {
	j.mu.Lock()
	stop := j.scanStop
	handle := j.hostHandle
	j.scanStop = nil
	j.seen = nil
	j.mu.Unlock()

	if stop != nil {
		stop()
	}
	if handle != "" {
		j.handleLinkDown(handle)
	}
}

func containsService(uuids []string, target string) bool {
	for _, u := range uuids {
		if u == target {
			return true
		}
	}
	return false
}
