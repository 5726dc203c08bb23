package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/tandemloop/blelink/config"
	"github.com/tandemloop/blelink/frame"
	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/peer"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/wire"
)

// Host is the peripheral-side connection manager. It advertises the
// party service, accepts joiner subscriptions up to the configured
// capacity, and moves packets to and from every subscribed peer.
//
// One Host serves one hosted session. Create a fresh instance per
// session; Close releases everything.
type Host struct {
	cfg    *config.Config
	link   Link
	events Events
	prefix string

	mon   *radio.Monitor
	peers *peer.Registry
	asm   *frame.Assembler

	mu          sync.Mutex
	displayName string
	advertising bool
	infoCache   map[string]peerInfo         // handle -> info received before subscribe
	seqs        map[string]*frame.Sequencer // handle -> that peer's packet id counter
	closed      bool

	// All platform callbacks are funneled through this queue so state
	// transitions are observed one at a time, in arrival order.
	eventq chan func()
	done   chan struct{}
}

// NewHost creates a host manager on the given link and starts it. The
// link's callbacks are owned by the host from this point on.
func NewHost(cfg *config.Config, link Link, displayName string, events Events) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{
		cfg:         cfg,
		link:        link,
		events:      events,
		prefix:      "host-" + short(link.HardwareUUID()),
		peers:       peer.NewRegistry(cfg.MaxPeers),
		asm:         frame.NewAssembler(),
		displayName: displayName,
		infoCache:   make(map[string]peerInfo),
		seqs:        make(map[string]*frame.Sequencer),
		eventq:      make(chan func(), 64),
		done:        make(chan struct{}),
	}
	h.mon = radio.NewMonitor(h.prefix)
	h.mon.OnRadioLost(h.handleRadioLost)

	link.SetAcceptLimit(cfg.MaxPeers)
	link.SetPowerCallback(func(state radio.State) {
		h.enqueue(func() { h.mon.SetState(state) })
	})
	link.SetConnectCallback(func(peerUUID string, role wire.ConnectionRole) {
		logger.Debug(h.prefix, "Link up from %s, waiting for subscribe", short(peerUUID))
	})
	link.SetDisconnectCallback(func(peerUUID string) {
		h.enqueue(func() { h.handleLinkDown(peerUUID) })
	})
	link.SetMessageCallback(func(peerUUID string, msg *wire.ChannelMessage) {
		h.enqueue(func() { h.handleMessage(peerUUID, msg) })
	})

	if err := link.Start(); err != nil {
		return nil, fmt.Errorf("starting link: %w", err)
	}
	go h.run()
	return h, nil
}

// run is the host's single event goroutine. Reassembly garbage
// collection rides the same loop so it never races a fragment feed.
func (h *Host) run() {
	gc := time.NewTicker(h.cfg.ReassemblyTimeout.Std())
	defer gc.Stop()
	for {
		select {
		case fn := <-h.eventq:
			fn()
		case <-gc.C:
			if n := h.asm.GC(h.cfg.ReassemblyTimeout.Std()); n > 0 {
				logger.Warn(h.prefix, "Discarded %d stale reassembly buffer(s)", n)
			}
		case <-h.done:
			return
		}
	}
}

func (h *Host) enqueue(fn func()) {
	select {
	case h.eventq <- fn:
	case <-h.done:
	}
}

// do runs fn on the event goroutine and waits for it, so engine
// callbacks it raises share the goroutine inbound traffic uses. Runs
// inline once the loop has exited.
func (h *Host) do(fn func()) {
	ran := make(chan struct{})
	select {
	case h.eventq <- func() { fn(); close(ran) }:
		<-ran
	case <-h.done:
		fn()
	}
}

// StartAdvertising makes the host discoverable under localName. If the
// radio is not yet powered on, the request is parked and executed the
// moment it is; a newer request replaces an older parked one.
func (h *Host) StartAdvertising(localName string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if localName != "" {
		h.displayName = localName
	}
	name := h.displayName
	h.mu.Unlock()

	h.mon.RequestWhenReady(func() {
		err := h.link.WriteAdvertisingData(&wire.AdvertisingData{
			DeviceName:    name,
			ServiceUUIDs:  []string{ServiceUUID},
			IsConnectable: true,
		})
		if err != nil {
			logger.Error(h.prefix, "Advertising failed: %v", err)
			return
		}
		h.mu.Lock()
		h.advertising = true
		h.mu.Unlock()
		logger.Info(h.prefix, "Advertising %s", ServiceUUID)
	})
}

// StopAdvertising tears the hosted session down: stops advertising,
// cancels any parked advertising request, and disconnects every peer,
// raising OnPeerDisconnected for each before the connection is released.
// Safe to call repeatedly and at any time.
func (h *Host) StopAdvertising() {
	h.mon.ClearPending()
	h.link.ClearAdvertisingData()

	h.mu.Lock()
	h.advertising = false
	h.mu.Unlock()

	h.do(func() {
		for _, handle := range h.peers.Handles() {
			h.handleLinkDown(handle)
			h.link.Disconnect(handle)
		}
	})
}

// Advertising reports whether the service is currently discoverable.
func (h *Host) Advertising() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advertising
}

// Peers returns a snapshot of the connected peers.
func (h *Host) Peers() []*peer.Peer {
	var out []*peer.Peer
	for _, handle := range h.peers.Handles() {
		if p, ok := h.peers.Get(handle); ok {
			out = append(out, p)
		}
	}
	return out
}

// Send delivers a packet. An empty TargetPeerID broadcasts to every
// subscribed peer; otherwise only the named peer receives it. The
// payload is fragmented per recipient against that connection's own
// negotiated MTU.
func (h *Host) Send(pkt Packet) error {
	if h.mon.State() != radio.StatePoweredOn {
		return fmt.Errorf("%w: radio is %s", ErrRadioUnavailable, h.mon.State())
	}

	var handles []string
	if pkt.TargetPeerID != "" {
		handle, ok := h.peers.HandleFor(pkt.TargetPeerID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, pkt.TargetPeerID)
		}
		handles = []string{handle}
	} else {
		handles = h.peers.Handles()
	}
	if len(handles) == 0 {
		return ErrNotConnected
	}

	for _, handle := range handles {
		mtu := h.link.MTU(handle)
		frags, err := frame.Split(pkt.Payload, mtu, h.nextPacketID(handle))
		if err != nil {
			return fmt.Errorf("fragmenting %d bytes for mtu %d: %w", len(pkt.Payload), mtu, err)
		}
		go h.emit(handle, NotifyCharUUID, frags)
	}
	return nil
}

// nextPacketID draws from the recipient's own id counter, so packet
// ids each peer observes stay monotonic regardless of how traffic is
// split across targeted sends.
func (h *Host) nextPacketID(handle string) uint16 {
	h.mu.Lock()
	s, ok := h.seqs[handle]
	if !ok {
		s = &frame.Sequencer{}
		h.seqs[handle] = s
	}
	h.mu.Unlock()
	return s.Next()
}

// emit writes a packet's fragments in index order with a small pacing
// delay between them. Runs off the event loop so a large payload never
// stalls callback handling; ordering per peer is preserved by the wire's
// per-connection write lock.
func (h *Host) emit(handle, charUUID string, frags []*frame.Fragment) {
	delay := h.cfg.InterFragmentDelay.Std()
	for i, f := range frags {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		err := h.link.Send(handle, &wire.ChannelMessage{
			Op:       wire.OpNotify,
			CharUUID: charUUID,
			Data:     f.Marshal(),
		})
		if err != nil {
			logger.Warn(h.prefix, "Dropping packet %d to %s at fragment %d/%d: %v",
				f.PacketID, short(handle), f.Index+1, f.Count, err)
			return
		}
	}
}

// Close ends the session and stops the event loop. The link is stopped
// too; the host instance cannot be reused.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.StopAdvertising()
	close(h.done)
	h.link.Stop()
}

func (h *Host) handleMessage(handle string, msg *wire.ChannelMessage) {
	switch {
	case msg.Op == wire.OpSubscribe && msg.CharUUID == NotifyCharUUID:
		h.handleSubscribe(handle)
	case msg.Op == wire.OpUnsubscribe && msg.CharUUID == NotifyCharUUID:
		h.handleLinkDown(handle)
		h.link.Disconnect(handle)
	case msg.Op == wire.OpWrite && msg.CharUUID == WriteCharUUID:
		h.handleData(handle, msg.Data)
	case msg.Op == wire.OpWrite && msg.CharUUID == InfoCharUUID:
		h.handleInfo(handle, msg.Data)
	default:
		logger.Debug(h.prefix, "Ignoring %s on %s from %s", msg.Op, short(msg.CharUUID), short(handle))
	}
}

// handleSubscribe registers the joiner and announces it to the engine.
// The joiner becomes a peer the moment it subscribes to the notify
// channel, not when the link came up.
func (h *Host) handleSubscribe(handle string) {
	h.mu.Lock()
	info, haveInfo := h.infoCache[handle]
	delete(h.infoCache, handle)
	name := h.displayName
	h.mu.Unlock()

	display := info.DisplayName
	if !haveInfo || display == "" {
		display = "Player-" + short(handle)
	}

	p, err := h.peers.Add(handle, display, peer.RoleJoiner)
	if err != nil {
		// The accept limit already refuses surplus links during the
		// handshake; anything that still lands here is dropped without
		// ever reaching the engine.
		logger.Warn(h.prefix, "Rejecting subscriber %s: %v", short(handle), err)
		h.link.Disconnect(handle)
		return
	}

	reply, err := encodePeerInfo(peerInfo{
		DisplayName:     name,
		Role:            peer.RoleHost,
		ProtocolVersion: ProtocolVersion,
	})
	if err == nil {
		err = h.link.Send(handle, &wire.ChannelMessage{
			Op:       wire.OpNotify,
			CharUUID: InfoCharUUID,
			Data:     reply,
		})
	}
	if err != nil {
		logger.Warn(h.prefix, "Info push to %s failed: %v", short(handle), err)
	}

	logger.Info(h.prefix, "Peer %s connected as %q (%s)", p.ID, display, short(handle))
	h.events.peerConnected(p.ID, display)
}

func (h *Host) handleData(handle string, data []byte) {
	p, ok := h.peers.Get(handle)
	if !ok {
		logger.Debug(h.prefix, "Write from unregistered %s dropped", short(handle))
		return
	}
	payload, done, err := h.asm.Feed(handle, data)
	if err != nil {
		logger.Warn(h.prefix, "Bad fragment from %s: %v", short(handle), err)
		return
	}
	if done {
		h.events.dataReceived(p.ID, payload)
	}
}

func (h *Host) handleInfo(handle string, data []byte) {
	info, err := decodePeerInfo(data)
	if err != nil {
		logger.Warn(h.prefix, "Bad peer info from %s: %v", short(handle), err)
		return
	}
	if _, ok := h.peers.Get(handle); ok {
		h.peers.SetDisplayName(handle, info.DisplayName)
		return
	}
	// Info usually lands before the subscribe; hold it for registration.
	h.mu.Lock()
	h.infoCache[handle] = info
	h.mu.Unlock()
}

func (h *Host) handleLinkDown(handle string) {
	h.mu.Lock()
	delete(h.infoCache, handle)
	delete(h.seqs, handle)
	h.mu.Unlock()

	p, ok := h.peers.Remove(handle)
	if !ok {
		return
	}
	if n := h.asm.DropSender(handle); n > 0 {
		logger.Debug(h.prefix, "Discarded %d partial packet(s) from %s", n, p.ID)
	}
	logger.Info(h.prefix, "Peer %s disconnected", p.ID)
	h.events.peerDisconnected(p.ID)
}

// handleRadioLost fails every live peer individually and drops the
// advertising flag. The parked-request slot is left alone: an intent
// queued before the loss still replays if power returns.
func (h *Host) handleRadioLost() {
	h.mu.Lock()
	h.advertising = false
	h.mu.Unlock()

	for _, handle := range h.peers.Handles() {
		h.handleLinkDown(handle)
	}
}
