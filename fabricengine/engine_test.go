package fabricengine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/nixl-go/nixl/backend"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/telemetry"
)

// bareEngine builds an Engine with just enough state for the
// connection-bookkeeping and notification-gating logic to run, without
// opening any rail (those paths never touch e.rm).
func bareEngine(localAgent string) *Engine {
	return &Engine{
		Base:           backend.NewBase(localAgent, false),
		telemetry:      telemetry.NewEmitter(nil, nil, nil, nil),
		conns:          make(map[string]*connection),
		pendingByXfer:  make(map[uint32]nixl.Notification),
		completedXfers: make(map[uint32]bool),
	}
}

func TestConnectionByAgentLooksUpByName(t *testing.T) {
	e := bareEngine("local")
	conn := newConnection("peer")
	e.conns["peer"] = conn

	got, ok := e.connectionByAgent("peer")
	if !ok || got != conn {
		t.Fatalf("connectionByAgent(peer) = %v, %v; want %v, true", got, ok, conn)
	}
	if _, ok := e.connectionByAgent("nobody"); ok {
		t.Fatalf("connectionByAgent(nobody) should miss")
	}
}

func TestHandleConnectionAckMatchesByAgentName(t *testing.T) {
	e := bareEngine("local")
	connA := newConnection("peer-a")
	connB := newConnection("peer-b")
	e.conns["peer-a"] = connA
	e.conns["peer-b"] = connB

	e.handleConnectionAck(0, []byte("peer-b"))

	if connB.getState() != nixl.Connected {
		t.Fatalf("peer-b state = %v, want Connected", connB.getState())
	}
	if connA.getState() == nixl.Connected {
		t.Fatalf("peer-a should be untouched by an ack naming peer-b")
	}
}

func TestHandleDisconnectOnlyMarksNamedPeer(t *testing.T) {
	e := bareEngine("local")
	connA := newConnection("peer-a")
	connB := newConnection("peer-b")
	connA.setState(nixl.Connected)
	connB.setState(nixl.Connected)
	e.conns["peer-a"] = connA
	e.conns["peer-b"] = connB

	e.handleDisconnect(0, []byte("peer-a"))

	if connA.getState() != nixl.Disconnected {
		t.Fatalf("peer-a state = %v, want Disconnected", connA.getState())
	}
	if connB.getState() != nixl.Connected {
		t.Fatalf("peer-b should remain Connected; handleDisconnect must not affect other peers")
	}
}

func TestHandleNotificationPayloadDeliversImmediatelyWhenAlreadyComplete(t *testing.T) {
	e := bareEngine("local")
	e.completedXfers[7] = true

	n := nixl.Notification{AgentName: "peer", Message: []byte("done"), XferIDs: []uint32{7}}
	payload, err := n.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.handleNotificationPayload(0, payload)

	notifs, err := e.GetNotifs()
	if err != nil {
		t.Fatalf("GetNotifs: %v", err)
	}
	if len(notifs) != 1 || string(notifs[0].Message) != "done" {
		t.Fatalf("notifs = %v, want one notification with message %q", notifs, "done")
	}
}

func TestHandleNotificationPayloadGatesOnPendingXferID(t *testing.T) {
	e := bareEngine("local")

	n := nixl.Notification{AgentName: "peer", Message: []byte("done"), XferIDs: []uint32{42}}
	payload, err := n.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.handleNotificationPayload(0, payload)

	if notifs, _ := e.GetNotifs(); len(notifs) != 0 {
		t.Fatalf("notification should be withheld until xfer 42 completes, got %v", notifs)
	}

	e.handleXferComplete(nil, true, nixl.ImmediateWord(0, 42))

	notifs, err := e.GetNotifs()
	if err != nil {
		t.Fatalf("GetNotifs: %v", err)
	}
	if len(notifs) != 1 || string(notifs[0].Message) != "done" {
		t.Fatalf("notifs = %v, want the notification released after xfer 42 completed", notifs)
	}
}

func TestHandleNotificationPayloadWaitsForEveryGatingID(t *testing.T) {
	e := bareEngine("local")

	n := nixl.Notification{AgentName: "peer", Message: []byte("done"), XferIDs: []uint32{1, 2}}
	payload, err := n.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.handleNotificationPayload(0, payload)
	e.handleXferComplete(nil, true, nixl.ImmediateWord(0, 1))

	if notifs, _ := e.GetNotifs(); len(notifs) != 0 {
		t.Fatalf("notification should still be withheld, only xfer 1 of 2 completed, got %v", notifs)
	}

	e.handleXferComplete(nil, true, nixl.ImmediateWord(0, 2))
	notifs, err := e.GetNotifs()
	if err != nil {
		t.Fatalf("GetNotifs: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("notifs = %v, want exactly one notification once both gating ids completed", notifs)
	}
}

func TestGetNotifsDrainsOnce(t *testing.T) {
	e := bareEngine("local")
	e.notifs = []nixl.Notification{{AgentName: "peer", Message: []byte("x")}}

	first, err := e.GetNotifs()
	if err != nil || len(first) != 1 {
		t.Fatalf("first GetNotifs = %v, %v; want one notification", first, err)
	}
	second, err := e.GetNotifs()
	if err != nil || len(second) != 0 {
		t.Fatalf("second GetNotifs = %v, %v; want none (already drained)", second, err)
	}
}

func TestPrepXferRejectsDescriptorLengthMismatch(t *testing.T) {
	e := bareEngine("local")
	e.conns["peer"] = newConnection("peer")
	local := []backend.XferDescriptor{{Addr: 0, Length: 10}}
	remote := []backend.XferDescriptor{{Addr: 0, Length: 20}}

	_, err := e.PrepXfer(nixl.OpWrite, local, remote, "peer")
	if err == nil {
		t.Fatalf("expected an error for mismatched descriptor lengths")
	}
	var nerr *nixl.Error
	if !errors.As(err, &nerr) || nerr.Kind != nixl.KindMismatch {
		t.Fatalf("err = %v, want KindMismatch", err)
	}
}

func TestPrepXferRejectsUnknownAgent(t *testing.T) {
	e := bareEngine("local")
	local := []backend.XferDescriptor{{Addr: 0, Length: 10}}
	remote := []backend.XferDescriptor{{Addr: 0, Length: 10}}

	_, err := e.PrepXfer(nixl.OpWrite, local, remote, "stranger")
	if err == nil {
		t.Fatalf("expected an error for an agent with no loaded connection")
	}
	var nerr *nixl.Error
	if !errors.As(err, &nerr) || nerr.Kind != nixl.KindNotFound {
		t.Fatalf("err = %v, want KindNotFound", err)
	}
}

func TestPrepXferStagesDescriptorsForAKnownAgent(t *testing.T) {
	e := bareEngine("local")
	e.conns["peer"] = newConnection("peer")
	local := []backend.XferDescriptor{{Addr: 100, Length: 10}}
	remote := []backend.XferDescriptor{{Addr: 200, Length: 10}}

	req, err := e.PrepXfer(nixl.OpRead, local, remote, "peer")
	if err != nil {
		t.Fatalf("PrepXfer: %v", err)
	}
	rh, ok := req.(*reqHandle)
	if !ok {
		t.Fatalf("PrepXfer returned %T, want *reqHandle", req)
	}
	if rh.op != nixl.OpRead || rh.remoteAgent != "peer" || len(rh.local) != 1 || len(rh.remote) != 1 {
		t.Fatalf("reqHandle = %+v, unexpected staged fields", rh)
	}
}

func TestCheckXferReportsInProgressThenSuccess(t *testing.T) {
	rh := &reqHandle{submitted: 2}
	e := bareEngine("local")

	status, err := e.CheckXfer(rh)
	if err != nil || status != nixl.StatusInProgress {
		t.Fatalf("CheckXfer = %v, %v; want StatusInProgress, nil", status, err)
	}

	rh.completed = 2
	status, err = e.CheckXfer(rh)
	if err != nil || status != nixl.StatusSuccess {
		t.Fatalf("CheckXfer = %v, %v; want StatusSuccess, nil", status, err)
	}
}

func TestCheckXferSurfacesFailure(t *testing.T) {
	wantErr := errors.New("boom")
	rh := &reqHandle{submitted: 1, failed: wantErr}
	e := bareEngine("local")

	_, err := e.CheckXfer(rh)
	if !errors.Is(err, wantErr) {
		t.Fatalf("CheckXfer err = %v, want %v", err, wantErr)
	}
}

// TestSelfConnectHandshake exercises the full engine lifecycle, including
// real libfabric endpoints, gated behind LIBFABRIC_TEST_RAIL_NIC the way
// rail_test.go gates its hardware tests.
func TestSelfConnectHandshake(t *testing.T) {
	nic := os.Getenv("LIBFABRIC_TEST_RAIL_NIC")
	if nic == "" {
		t.Skip("rail hardware tests require LIBFABRIC_TEST_RAIL_NIC")
	}

	dataRail, err := rail.Open(0, rail.Config{NicName: nic}, rail.Callbacks{})
	if err != nil {
		t.Fatalf("open data rail: %v", err)
	}
	defer dataRail.Close()
	ctrlRail, err := rail.Open(1, rail.Config{NicName: nic}, rail.Callbacks{})
	if err != nil {
		t.Fatalf("open control rail: %v", err)
	}
	defer ctrlRail.Close()

	e, err := New(Config{
		LocalAgent:   "self",
		DataRails:    []*rail.Rail{dataRail},
		ControlRails: []*rail.Rail{ctrlRail},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.Connect(context.Background(), "self"); err != nil {
			t.Errorf("Connect(self): %v", err)
		}
	}()
	wg.Wait()

	if _, ok := e.connectionByAgent("self"); !ok {
		t.Fatalf("expected a self connection to exist")
	}
}
