package session

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tandemloop/blelink/config"
	"github.com/tandemloop/blelink/frame"
	"github.com/tandemloop/blelink/peer"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for: %s", msg)
}

// recorder collects engine-facing callbacks for assertions.
type recorder struct {
	mu           sync.Mutex
	connected    []string // display names in arrival order
	disconnected []string // peer ids
	packets      [][]byte
	packetPeers  []string
}

func (r *recorder) events() Events {
	return Events{
		OnPeerConnected: func(peerID, displayName string) {
			r.mu.Lock()
			r.connected = append(r.connected, displayName)
			r.mu.Unlock()
		},
		OnPeerDisconnected: func(peerID string) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, peerID)
			r.mu.Unlock()
		},
		OnDataReceived: func(peerID string, data []byte) {
			r.mu.Lock()
			r.packets = append(r.packets, data)
			r.packetPeers = append(r.packetPeers, peerID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recorder) disconnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *recorder) packetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *recorder) packet(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets[i]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.InterFragmentDelay = config.Duration(time.Millisecond)
	return cfg
}

func startHost(t *testing.T, cfg *config.Config, name string, rec *recorder) (*Host, *wire.Wire) {
	t.Helper()
	w := wire.NewWire("host-" + name)
	h, err := NewHost(cfg, w, name, rec.events())
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(h.Close)
	waitFor(t, time.Second, func() bool {
		return w.PowerState() == radio.StatePoweredOn
	}, "host radio power")
	return h, w
}

func startJoiner(t *testing.T, cfg *config.Config, name string, rec *recorder) (*Joiner, *wire.Wire) {
	t.Helper()
	w := wire.NewWire("joiner-" + name)
	j, err := NewJoiner(cfg, w, name, rec.events())
	if err != nil {
		t.Fatalf("NewJoiner: %v", err)
	}
	t.Cleanup(j.Close)
	waitFor(t, time.Second, func() bool {
		return w.PowerState() == radio.StatePoweredOn
	}, "joiner radio power")
	return j, w
}

// discoverHost scans until the advertised host shows up.
func discoverHost(t *testing.T, j *Joiner) wire.Discovery {
	t.Helper()
	found := make(chan wire.Discovery, 1)
	j.StartScanning(0, func(d wire.Discovery) {
		select {
		case found <- d:
		default:
		}
	})
	select {
	case d := <-found:
		j.StopScanning()
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out scanning for host")
		return wire.Discovery{}
	}
}

func TestHostJoinerExchange(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec, joinRec := &recorder{}, &recorder{}

	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")
	joiner, jw := startJoiner(t, cfg, "bob", joinRec)

	d := discoverHost(t, joiner)
	if d.Name != "alice" {
		t.Fatalf("Discovered name = %q, want alice", d.Name)
	}
	if err := joiner.Connect(d); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return hostRec.connectedCount() == 1 && joinRec.connectedCount() == 1
	}, "both sides to see the peer")
	hostRec.mu.Lock()
	joinerName := hostRec.connected[0]
	hostRec.mu.Unlock()
	if joinerName != "bob" {
		t.Fatalf("Host saw joiner as %q, want bob", joinerName)
	}

	// Large payload upstream: spans many fragments at the negotiated MTU.
	up := bytes.Repeat([]byte("tick"), 2000)
	if err := joiner.Send(Packet{Payload: up}); err != nil {
		t.Fatalf("Joiner send: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return hostRec.packetCount() == 1 }, "host to reassemble the payload")
	if !bytes.Equal(hostRec.packet(0), up) {
		t.Fatal("Host payload does not match what the joiner sent")
	}

	// Broadcast downstream.
	down := bytes.Repeat([]byte("state"), 500)
	if err := host.Send(Packet{Payload: down}); err != nil {
		t.Fatalf("Host send: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return joinRec.packetCount() == 1 }, "joiner to reassemble the payload")
	if !bytes.Equal(joinRec.packet(0), down) {
		t.Fatal("Joiner payload does not match what the host sent")
	}

	if jw.MTU("host-alice") < 23 {
		t.Fatalf("Negotiated MTU below floor: %d", jw.MTU("host-alice"))
	}
}

func TestTargetedSendReachesOnlyThatPeer(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	recs := make([]*recorder, 2)
	for i := range recs {
		recs[i] = &recorder{}
		j, _ := startJoiner(t, cfg, fmt.Sprintf("p%d", i), recs[i])
		if err := j.Connect(discoverHost(t, j)); err != nil {
			t.Fatalf("Joiner %d connect: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return hostRec.connectedCount() == 2 }, "host to see both joiners")

	var target *peer.Peer
	for _, p := range host.Peers() {
		if p.DisplayName == "p0" {
			target = p
		}
	}
	if target == nil {
		t.Fatal("Host does not know joiner p0")
	}

	payload := []byte("only for p0")
	if err := host.Send(Packet{TargetPeerID: target.ID, Payload: payload}); err != nil {
		t.Fatalf("Targeted send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return recs[0].packetCount() == 1 }, "p0 to receive")
	time.Sleep(100 * time.Millisecond)
	if recs[1].packetCount() != 0 {
		t.Fatalf("p1 received %d packet(s), want 0", recs[1].packetCount())
	}

	if err := host.Send(Packet{TargetPeerID: "no-such-peer", Payload: payload}); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Send to unknown peer = %v, want ErrUnknownPeer", err)
	}
}

func TestCapacityRefusesExtraJoiner(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	for i := 0; i < cfg.MaxPeers; i++ {
		rec := &recorder{}
		j, _ := startJoiner(t, cfg, fmt.Sprintf("p%d", i), rec)
		if err := j.Connect(discoverHost(t, j)); err != nil {
			t.Fatalf("Joiner %d connect: %v", i, err)
		}
	}
	waitFor(t, 3*time.Second, func() bool {
		return hostRec.connectedCount() == cfg.MaxPeers
	}, "host to register all joiners")

	lateRec := &recorder{}
	late, _ := startJoiner(t, cfg, "late", lateRec)
	err := late.Connect(discoverHost(t, late))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Late joiner connect = %v, want ErrConnectionFailed", err)
	}
	if lateRec.connectedCount() != 0 {
		t.Fatal("Refused joiner still saw OnPeerConnected")
	}
	time.Sleep(100 * time.Millisecond)
	if got := hostRec.connectedCount(); got != cfg.MaxPeers {
		t.Fatalf("Host registered %d peers, want %d", got, cfg.MaxPeers)
	}
}

// A peer dropping mid-packet must discard its partial reassembly, never
// deliver it. Drives the host with a raw link speaking the channel
// protocol directly so the fragment stream can be cut at will.
func TestDisconnectMidReassemblyDiscards(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	raw := wire.NewWire("raw-joiner")
	if err := raw.Start(); err != nil {
		t.Fatalf("Starting raw wire: %v", err)
	}
	t.Cleanup(raw.Stop)
	waitFor(t, time.Second, func() bool {
		return raw.PowerState() == radio.StatePoweredOn
	}, "raw wire power")

	if err := raw.Connect("host-alice"); err != nil {
		t.Fatalf("Raw connect: %v", err)
	}
	if err := raw.Send("host-alice", &wire.ChannelMessage{Op: wire.OpSubscribe, CharUUID: NotifyCharUUID}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return hostRec.connectedCount() == 1 }, "host to register raw joiner")

	// Two of three fragments, then the link dies.
	frags, err := frame.Split(bytes.Repeat([]byte("x"), 50), 23, 7)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(frags))
	}
	for _, f := range frags[:2] {
		if err := raw.Send("host-alice", &wire.ChannelMessage{Op: wire.OpWrite, CharUUID: WriteCharUUID, Data: f.Marshal()}); err != nil {
			t.Fatalf("Fragment write: %v", err)
		}
	}
	raw.Disconnect("host-alice")

	waitFor(t, 2*time.Second, func() bool { return hostRec.disconnectedCount() == 1 }, "host to drop the peer")
	time.Sleep(100 * time.Millisecond)
	if hostRec.packetCount() != 0 {
		t.Fatal("Partial packet was delivered after disconnect")
	}
}

func TestRadioLossFailsPeersIndividually(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, hw := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	joinRecs := make([]*recorder, 2)
	for i := range joinRecs {
		joinRecs[i] = &recorder{}
		j, _ := startJoiner(t, cfg, fmt.Sprintf("p%d", i), joinRecs[i])
		if err := j.Connect(discoverHost(t, j)); err != nil {
			t.Fatalf("Joiner %d connect: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return hostRec.connectedCount() == 2 }, "host to see both joiners")

	hw.SetPowerState(radio.StatePoweredOff)

	waitFor(t, 2*time.Second, func() bool { return hostRec.disconnectedCount() == 2 }, "host to fail each peer")
	for i, rec := range joinRecs {
		waitFor(t, 2*time.Second, func() bool { return rec.disconnectedCount() == 1 },
			fmt.Sprintf("joiner %d to lose the host", i))
	}

	if err := host.Send(Packet{Payload: []byte("x")}); !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("Send with radio off = %v, want ErrRadioUnavailable", err)
	}
	if host.Advertising() {
		t.Fatal("Host still reports advertising after radio loss")
	}
}

// An advertising request issued while the radio is off is parked and
// replayed on power-up, not dropped and not executed early.
func TestAdvertisingParkedUntilPowerOn(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, hw := startHost(t, cfg, "alice", hostRec)

	hw.SetPowerState(radio.StatePoweredOff)
	waitFor(t, time.Second, func() bool {
		return host.mon.State() == radio.StatePoweredOff
	}, "host monitor to observe power loss")

	host.StartAdvertising("alice")
	time.Sleep(50 * time.Millisecond)
	if host.Advertising() {
		t.Fatal("Advertising started while the radio was off")
	}

	hw.SetPowerState(radio.StatePoweredOn)
	waitFor(t, time.Second, host.Advertising, "parked advertising request to replay")
}

func TestStopAdvertisingCancelsParkedRequest(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, hw := startHost(t, cfg, "alice", hostRec)

	hw.SetPowerState(radio.StatePoweredOff)
	waitFor(t, time.Second, func() bool {
		return host.mon.State() == radio.StatePoweredOff
	}, "host monitor to observe power loss")

	host.StartAdvertising("alice")
	host.StopAdvertising()
	hw.SetPowerState(radio.StatePoweredOn)

	time.Sleep(100 * time.Millisecond)
	if host.Advertising() {
		t.Fatal("Cancelled advertising request still replayed")
	}
}

func TestConnectRejectsForeignService(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	rec := &recorder{}
	j, _ := startJoiner(t, cfg, "bob", rec)

	err := j.Connect(wire.Discovery{
		Handle:       "not-a-party-host",
		Name:         "printer",
		ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"},
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect to foreign service = %v, want ErrConnectionFailed", err)
	}
	if rec.connectedCount() != 0 {
		t.Fatal("Failed connect still raised OnPeerConnected")
	}
}

func TestJoinerDisconnectRaisesPeerDisconnected(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec, joinRec := &recorder{}, &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	j, _ := startJoiner(t, cfg, "bob", joinRec)
	if err := j.Connect(discoverHost(t, j)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return hostRec.connectedCount() == 1 && joinRec.connectedCount() == 1
	}, "both sides to see the peer")

	j.Disconnect()
	j.Disconnect() // idempotent

	waitFor(t, 2*time.Second, func() bool { return joinRec.disconnectedCount() == 1 }, "joiner to release the host peer")
	waitFor(t, 2*time.Second, func() bool { return hostRec.disconnectedCount() == 1 }, "host to drop the joiner")

	if err := j.Send(Packet{Payload: []byte("x")}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	rec := &recorder{}
	j, _ := startJoiner(t, cfg, "bob", rec)

	if err := j.Send(Packet{Payload: []byte("x")}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestScanningDeduplicatesHosts(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	rec := &recorder{}
	j, _ := startJoiner(t, cfg, "bob", rec)

	var mu sync.Mutex
	var reports int
	j.StartScanning(0, func(d wire.Discovery) {
		mu.Lock()
		reports++
		mu.Unlock()
	})
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reports >= 1
	}, "scan to find the host")

	// Several discovery polls pass; the same host must not repeat.
	time.Sleep(250 * time.Millisecond)
	j.StopScanning()
	mu.Lock()
	defer mu.Unlock()
	if reports != 1 {
		t.Fatalf("Host reported %d times in one scan, want 1", reports)
	}
}

// A connect that outlives its deadline must not leave a half-open
// link: the dial that lands late is torn down on both sides and the
// joiner stays fully disconnected.
func TestConnectTimeoutLeavesNoLink(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	hostRec := &recorder{}
	host, hw := startHost(t, testConfig(), "alice", hostRec)
	host.StartAdvertising("alice")

	// Well under the simulated dial latency, so the deadline always
	// fires first.
	joinCfg := testConfig()
	joinCfg.ConnectTimeout = config.Duration(time.Millisecond)
	joinRec := &recorder{}
	j, jw := startJoiner(t, joinCfg, "bob", joinRec)

	err := j.Connect(discoverHost(t, j))
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("Connect = %v, want ErrConnectionTimeout", err)
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatal("ErrConnectionTimeout must classify as a connection failure")
	}

	// Give the abandoned dial time to complete, then require that its
	// connection was reaped rather than left live.
	time.Sleep(50 * time.Millisecond)
	waitFor(t, 2*time.Second, func() bool {
		return !jw.IsConnected("host-alice") && !hw.IsConnected("joiner-bob")
	}, "late connect to be torn down on both sides")

	if j.Host() != nil {
		t.Fatal("Timed-out connect still registered a host peer")
	}
	if joinRec.connectedCount() != 0 || hostRec.connectedCount() != 0 {
		t.Fatal("Timed-out connect raised OnPeerConnected")
	}
	if err := j.Send(Packet{Payload: []byte("x")}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after timeout = %v, want ErrNotConnected", err)
	}
}

// Each peer has its own packet id counter on the host side: targeted
// traffic to one peer must not advance the ids another peer observes.
// Raw links speaking the channel protocol directly expose the ids.
func TestTargetedSendsUsePerPeerPacketIDs(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	hostRec := &recorder{}
	host, _ := startHost(t, cfg, "alice", hostRec)
	host.StartAdvertising("alice")

	var mu sync.Mutex
	ids := make(map[string][]uint16) // wire uuid -> packet ids in arrival order
	subscriber := func(uuid string) *wire.Wire {
		w := wire.NewWire(uuid)
		w.SetMessageCallback(func(peerUUID string, msg *wire.ChannelMessage) {
			if msg.Op != wire.OpNotify || msg.CharUUID != NotifyCharUUID {
				return
			}
			f, err := frame.Unmarshal(msg.Data)
			if err != nil {
				return
			}
			mu.Lock()
			ids[uuid] = append(ids[uuid], f.PacketID)
			mu.Unlock()
		})
		if err := w.Start(); err != nil {
			t.Fatalf("Starting %s: %v", uuid, err)
		}
		t.Cleanup(w.Stop)
		waitFor(t, time.Second, func() bool {
			return w.PowerState() == radio.StatePoweredOn
		}, uuid+" power")
		if err := w.Connect("host-alice"); err != nil {
			t.Fatalf("%s connect: %v", uuid, err)
		}
		if err := w.Send("host-alice", &wire.ChannelMessage{Op: wire.OpSubscribe, CharUUID: NotifyCharUUID}); err != nil {
			t.Fatalf("%s subscribe: %v", uuid, err)
		}
		return w
	}
	subscriber("raw-a")
	subscriber("raw-b")
	waitFor(t, 2*time.Second, func() bool { return hostRec.connectedCount() == 2 }, "host to register both links")

	var targetA string
	for _, p := range host.Peers() {
		if p.DisplayName == "Player-raw-a" {
			targetA = p.ID
		}
	}
	if targetA == "" {
		t.Fatal("Host does not know the raw-a peer")
	}

	// Three packets only raw-a sees, then one for everyone.
	for i := 0; i < 3; i++ {
		if err := host.Send(Packet{TargetPeerID: targetA, Payload: []byte("a-only")}); err != nil {
			t.Fatalf("Targeted send %d: %v", i, err)
		}
	}
	if err := host.Send(Packet{Payload: []byte("all")}); err != nil {
		t.Fatalf("Broadcast send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids["raw-a"]) == 4 && len(ids["raw-b"]) == 1
	}, "all packets to arrive")

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids["raw-a"] {
		if id != uint16(i) {
			t.Fatalf("raw-a packet ids = %v, want 0 1 2 3", ids["raw-a"])
		}
	}
	if ids["raw-b"][0] != 0 {
		t.Fatalf("raw-b first packet id = %d, want 0: targeted traffic advanced another peer's counter", ids["raw-b"][0])
	}
}

// Every engine callback fires from the manager's event goroutine, so
// none of them may ever run concurrently, including the disconnects a
// session teardown raises mid-traffic.
func TestEngineCallbacksNeverOverlap(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()

	var inFlight, overlapped int32
	var connected, disconnected, received int32
	guard := func(counter *int32) {
		if !atomic.CompareAndSwapInt32(&inFlight, 0, 1) {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(200 * time.Microsecond)
		atomic.AddInt32(counter, 1)
		atomic.StoreInt32(&inFlight, 0)
	}

	hw := wire.NewWire("host-alice")
	host, err := NewHost(cfg, hw, "alice", Events{
		OnPeerConnected:    func(string, string) { guard(&connected) },
		OnPeerDisconnected: func(string) { guard(&disconnected) },
		OnDataReceived:     func(string, []byte) { guard(&received) },
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(host.Close)
	waitFor(t, time.Second, func() bool {
		return hw.PowerState() == radio.StatePoweredOn
	}, "host radio power")
	host.StartAdvertising("alice")

	joinRec := &recorder{}
	j, _ := startJoiner(t, cfg, "bob", joinRec)
	if err := j.Connect(discoverHost(t, j)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&connected) == 1 }, "host to register the joiner")

	// Flood upstream packets and tear the session down mid-stream.
	go func() {
		for i := 0; i < 50; i++ {
			if j.Send(Packet{Payload: []byte("tick")}) != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&received) >= 5 }, "traffic to flow")
	host.StopAdvertising()

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&disconnected) == 1 }, "teardown to raise the disconnect")
	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatal("Engine callbacks ran concurrently")
	}
}

func TestScanDurationExpires(t *testing.T) {
	t.Setenv("BLELINK_DIR", t.TempDir())
	cfg := testConfig()
	rec := &recorder{}
	j, _ := startJoiner(t, cfg, "bob", rec)

	j.StartScanning(50*time.Millisecond, nil)
	waitFor(t, time.Second, func() bool {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.scanStop == nil
	}, "scan to expire on its own")
	j.StopScanning() // still safe afterwards
}
