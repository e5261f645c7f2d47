package multiengine

import (
	"context"
	"errors"
	"testing"

	"github.com/nixl-go/nixl/backend"
	"github.com/nixl-go/nixl/nixl"
)

// fakeEngine is a minimal in-memory backend.Engine double, enough to drive
// Router's routing logic without any hardware.
type fakeEngine struct {
	idx int

	registered  []nixl.MemoryDescriptor
	connected   map[string]bool
	prepared    []prepCall
	posted      int
	notifSent   []string
	failConnect bool
}

type prepCall struct {
	op     nixl.OpKind
	local  []backend.XferDescriptor
	remote []backend.XferDescriptor
}

type fakeHandle struct{ tag string }

type fakeReq struct {
	cells  []prepCall
	status nixl.Status
}

func newFakeEngine(idx int) *fakeEngine {
	return &fakeEngine{idx: idx, connected: make(map[string]bool)}
}

func (f *fakeEngine) SupportsRemote() bool             { return true }
func (f *fakeEngine) SupportsLocal() bool              { return true }
func (f *fakeEngine) SupportsNotif() bool              { return true }
func (f *fakeEngine) SupportedMems() []nixl.MemoryKind { return []nixl.MemoryKind{nixl.MemoryHost, nixl.MemoryDevice} }

func (f *fakeEngine) RegisterMem(desc nixl.MemoryDescriptor, buf []byte) (backend.MemoryHandle, error) {
	f.registered = append(f.registered, desc)
	return &fakeHandle{tag: "local"}, nil
}

func (f *fakeEngine) DeregisterMem(handle backend.MemoryHandle) error { return nil }

func (f *fakeEngine) GetPublicData(handle backend.MemoryHandle) ([]byte, error) {
	return []byte("pubdata"), nil
}

func (f *fakeEngine) GetConnInfo() ([]byte, error) { return []byte("conninfo"), nil }

func (f *fakeEngine) LoadRemoteConnInfo(remoteAgent string, blob []byte) error { return nil }

func (f *fakeEngine) Connect(ctx context.Context, remoteAgent string) error {
	if f.failConnect {
		return nixl.New(nixl.KindBackend, "Connect", nil)
	}
	f.connected[remoteAgent] = true
	return nil
}

func (f *fakeEngine) Disconnect(remoteAgent string) error {
	delete(f.connected, remoteAgent)
	return nil
}

func (f *fakeEngine) LoadRemoteMD(remoteAgent string, blob []byte) (backend.MemoryHandle, error) {
	return &fakeHandle{tag: "remote"}, nil
}

func (f *fakeEngine) LoadLocalMD(handle backend.MemoryHandle) (backend.MemoryHandle, error) {
	return handle, nil
}

func (f *fakeEngine) UnloadMD(handle backend.MemoryHandle) error { return nil }

func (f *fakeEngine) PrepXfer(op nixl.OpKind, local, remote []backend.XferDescriptor, remoteAgent string) (backend.RequestHandle, error) {
	call := prepCall{op: op, local: local, remote: remote}
	f.prepared = append(f.prepared, call)
	return &fakeReq{cells: []prepCall{call}, status: nixl.StatusSuccess}, nil
}

func (f *fakeEngine) PostXfer(req backend.RequestHandle, optArgs *backend.PostArgs) (nixl.Status, error) {
	f.posted++
	fr := req.(*fakeReq)
	return fr.status, nil
}

func (f *fakeEngine) CheckXfer(req backend.RequestHandle) (nixl.Status, error) {
	fr := req.(*fakeReq)
	return fr.status, nil
}

func (f *fakeEngine) ReleaseReqH(req backend.RequestHandle) error { return nil }

func (f *fakeEngine) GetNotifs() ([]nixl.Notification, error) { return nil, nil }

func (f *fakeEngine) GenNotif(remoteAgent string, msg []byte) error {
	f.notifSent = append(f.notifSent, remoteAgent)
	return nil
}

func registerPair(t *testing.T, r *Router, deviceID int) (backend.MemoryHandle, backend.MemoryHandle) {
	t.Helper()
	local, err := r.RegisterMem(nixl.MemoryDescriptor{DeviceID: deviceID, Length: 16}, make([]byte, 16))
	if err != nil {
		t.Fatalf("RegisterMem: %v", err)
	}
	blob, err := r.GetPublicData(local)
	if err != nil {
		t.Fatalf("GetPublicData: %v", err)
	}
	remote, err := r.LoadRemoteMD("peer", blob)
	if err != nil {
		t.Fatalf("LoadRemoteMD: %v", err)
	}
	return local, remote
}

func TestRegisterMemRoutesByDeviceID(t *testing.T) {
	subs := []backend.Engine{newFakeEngine(0), newFakeEngine(1)}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h, err := r.RegisterMem(nixl.MemoryDescriptor{DeviceID: 1, Length: 8}, make([]byte, 8))
	if err != nil {
		t.Fatalf("RegisterMem: %v", err)
	}
	mh := h.(*memHandle)
	if mh.engineIdx != 1 {
		t.Fatalf("engineIdx = %d, want 1", mh.engineIdx)
	}
	if len(subs[1].(*fakeEngine).registered) != 1 {
		t.Fatalf("sub-engine 1 should have received the registration")
	}
	if len(subs[0].(*fakeEngine).registered) != 0 {
		t.Fatalf("sub-engine 0 should not have been touched")
	}
}

func TestGetPublicDataAndLoadRemoteMDRoundTripEngineIndex(t *testing.T) {
	subs := []backend.Engine{newFakeEngine(0), newFakeEngine(1)}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, remote := registerPair(t, r, 1)
	rmh := remote.(*memHandle)
	if rmh.engineIdx != 1 {
		t.Fatalf("remote engineIdx = %d, want 1", rmh.engineIdx)
	}
}

func TestPrepXferGroupsDescriptorsBySubEnginePair(t *testing.T) {
	subs := []backend.Engine{newFakeEngine(0), newFakeEngine(1)}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	local0, remote0 := registerPair(t, r, 0)
	local1, remote1 := registerPair(t, r, 1)

	local := []backend.XferDescriptor{
		{Addr: 1000, Length: 16, Handle: local0},
		{Addr: 2000, Length: 16, Handle: local1},
	}
	remote := []backend.XferDescriptor{
		{Addr: 3000, Length: 16, Handle: remote0},
		{Addr: 4000, Length: 16, Handle: remote1},
	}

	req, err := r.PrepXfer(nixl.OpWrite, local, remote, "peer")
	if err != nil {
		t.Fatalf("PrepXfer: %v", err)
	}
	rh := req.(*reqHandle)
	if len(rh.cells) != 2 {
		t.Fatalf("cells = %d, want 2 (one per device pairing)", len(rh.cells))
	}
	if len(subs[0].(*fakeEngine).prepared) != 1 || len(subs[1].(*fakeEngine).prepared) != 1 {
		t.Fatalf("each sub-engine should have prepared exactly one cell")
	}
}

func TestPrepXferRejectsLengthMismatchAcrossDescriptors(t *testing.T) {
	subs := []backend.Engine{newFakeEngine(0)}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local0, remote0 := registerPair(t, r, 0)

	local := []backend.XferDescriptor{{Addr: 0, Length: 16, Handle: local0}}
	remote := []backend.XferDescriptor{{Addr: 0, Length: 32, Handle: remote0}}

	_, err = r.PrepXfer(nixl.OpWrite, local, remote, "peer")
	if err == nil {
		t.Fatalf("expected a mismatch error")
	}
	var nerr *nixl.Error
	if !errors.As(err, &nerr) || nerr.Kind != nixl.KindMismatch {
		t.Fatalf("err = %v, want KindMismatch", err)
	}
}

func TestPostAndCheckXferAggregateAcrossCells(t *testing.T) {
	subs := []backend.Engine{newFakeEngine(0), newFakeEngine(1)}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	local0, remote0 := registerPair(t, r, 0)
	local1, remote1 := registerPair(t, r, 1)
	local := []backend.XferDescriptor{{Addr: 0, Length: 16, Handle: local0}, {Addr: 0, Length: 16, Handle: local1}}
	remote := []backend.XferDescriptor{{Addr: 0, Length: 16, Handle: remote0}, {Addr: 0, Length: 16, Handle: remote1}}

	req, err := r.PrepXfer(nixl.OpWrite, local, remote, "peer")
	if err != nil {
		t.Fatalf("PrepXfer: %v", err)
	}

	status, err := r.PostXfer(req, nil)
	if err != nil {
		t.Fatalf("PostXfer: %v", err)
	}
	if status != nixl.StatusSuccess {
		t.Fatalf("status = %v, want StatusSuccess since every fake cell completes immediately", status)
	}

	status, err = r.CheckXfer(req)
	if err != nil || status != nixl.StatusSuccess {
		t.Fatalf("CheckXfer = %v, %v; want StatusSuccess, nil", status, err)
	}
}

func TestPostXferDefersNotificationUntilCheckXferReportsSuccess(t *testing.T) {
	sub := newFakeEngine(0)
	subs := []backend.Engine{sub}
	r, err := New(Config{SubEngines: subs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local0, remote0 := registerPair(t, r, 0)
	local := []backend.XferDescriptor{{Addr: 0, Length: 16, Handle: local0}}
	remote := []backend.XferDescriptor{{Addr: 0, Length: 16, Handle: remote0}}

	req, err := r.PrepXfer(nixl.OpWrite, local, remote, "peer")
	if err != nil {
		t.Fatalf("PrepXfer: %v", err)
	}
	rh := req.(*reqHandle)
	for _, cellReq := range rh.cells {
		cellReq.(*fakeReq).status = nixl.StatusInProgress
	}

	status, err := r.PostXfer(req, &backend.PostArgs{NotifMessage: []byte("hi")})
	if err != nil {
		t.Fatalf("PostXfer: %v", err)
	}
	if status != nixl.StatusInProgress {
		t.Fatalf("status = %v, want StatusInProgress", status)
	}
	if len(sub.notifSent) != 0 {
		t.Fatalf("notification must not fire before the transfer completes")
	}

	for _, cellReq := range rh.cells {
		cellReq.(*fakeReq).status = nixl.StatusSuccess
	}
	status, err = r.CheckXfer(req)
	if err != nil || status != nixl.StatusSuccess {
		t.Fatalf("CheckXfer = %v, %v; want StatusSuccess, nil", status, err)
	}
	if len(sub.notifSent) != 1 || sub.notifSent[0] != "peer" {
		t.Fatalf("notifSent = %v, want exactly one notification to peer", sub.notifSent)
	}

	status, err = r.CheckXfer(req)
	if err != nil || status != nixl.StatusSuccess {
		t.Fatalf("second CheckXfer = %v, %v; want StatusSuccess, nil", status, err)
	}
	if len(sub.notifSent) != 1 {
		t.Fatalf("notification must not be sent twice, got %v", sub.notifSent)
	}
}

func TestConnectAggregatesSubEngineFailures(t *testing.T) {
	good := newFakeEngine(0)
	bad := newFakeEngine(1)
	bad.failConnect = true
	r, err := New(Config{SubEngines: []backend.Engine{good, bad}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Connect(context.Background(), "peer")
	if err == nil {
		t.Fatalf("expected an aggregated error from the failing sub-engine")
	}
	if !good.connected["peer"] {
		t.Fatalf("the healthy sub-engine should still have connected")
	}
}
