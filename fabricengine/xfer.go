package fabricengine

import (
	"fmt"
	"unsafe"

	"github.com/nixl-go/nixl/backend"
	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/requestpool"
)

func (e *Engine) dataRailIDs() []int {
	ids := make([]int, len(e.dataRails))
	for i, r := range e.dataRails {
		ids[i] = r.ID()
	}
	return ids
}

// regionAddress returns region's registered buffer address as a wire-
// transmissible integer. The binding copies user buffers into its own
// C-allocated registration on RegisterMemory, so this is the copy's
// address, not the caller's original buffer's.
func regionAddress(region *fi.MemoryRegion) uint64 {
	buf := region.Bytes()
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// RegisterMem registers buf on every rail proximate to desc, succeeding as
// long as at least one rail's registration succeeds.
func (e *Engine) RegisterMem(desc nixl.MemoryDescriptor, buf []byte) (backend.MemoryHandle, error) {
	rails := e.rm.SelectRails(desc)
	regions, err := e.rm.RegisterMemory(rails, buf, fi.MRAccessLocal)
	if len(regions) == 0 {
		return nil, fmt.Errorf("fabricengine: register memory: %w", err)
	}
	return &memHandle{desc: desc, rails: rails, regions: regions}, nil
}

// DeregisterMem releases every rail region backing handle.
func (e *Engine) DeregisterMem(handle backend.MemoryHandle) error {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nixl.New(nixl.KindInvalidParam, "DeregisterMem", nil)
	}
	return e.rm.DeregisterMemory(mh.rails, mh.regions)
}

// GetPublicData encodes handle's per-rail registration keys into a blob a
// remote agent can load via LoadRemoteMD. The remote RMA target address is
// carried out of band in each XferDescriptor.Addr the caller builds from
// this engine's own memHandle.desc, not in this blob, so no address needs
// encoding here.
func (e *Engine) GetPublicData(handle backend.MemoryHandle) ([]byte, error) {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nil, nixl.New(nixl.KindInvalidParam, "GetPublicData", nil)
	}
	s := nixl.NewSerDes()
	s.AddUint64("length", mh.desc.Length)
	for railID, region := range mh.regions {
		s.AddUint64(fmt.Sprintf("key_%d", railID), region.Key())
	}
	return s.Bytes(), nil
}

// LoadRemoteMD parses a GetPublicData blob from remoteAgent into a handle
// usable as a PrepXfer remote descriptor.
func (e *Engine) LoadRemoteMD(remoteAgent string, blob []byte) (backend.MemoryHandle, error) {
	s, err := nixl.ParseSerDes(blob)
	if err != nil {
		return nil, fmt.Errorf("fabricengine: parse remote metadata: %w", err)
	}
	keys := make(map[int]uint64)
	for _, railID := range e.dataRailIDs() {
		key, err := s.GetUint64(fmt.Sprintf("key_%d", railID))
		if err != nil {
			continue
		}
		keys[railID] = key
	}
	if len(keys) == 0 {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadRemoteMD", fmt.Errorf("no rail keys present in blob"))
	}
	return &remoteMemHandle{agent: remoteAgent, keys: keys}, nil
}

// LoadLocalMD re-derives a remoteMemHandle for handle as though it had been
// received from a peer, enabling loopback transfers against the self
// connection.
func (e *Engine) LoadLocalMD(handle backend.MemoryHandle) (backend.MemoryHandle, error) {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadLocalMD", nil)
	}
	keys := make(map[int]uint64, len(mh.regions))
	for railID, region := range mh.regions {
		keys[railID] = region.Key()
	}
	return &remoteMemHandle{agent: e.Base.LocalAgent, keys: keys}, nil
}

// UnloadMD releases a remoteMemHandle. LoadRemoteMD/LoadLocalMD allocate no
// fabric-side resource of their own, so there is nothing to free beyond
// ordinary garbage collection.
func (e *Engine) UnloadMD(handle backend.MemoryHandle) error {
	if _, ok := handle.(*remoteMemHandle); !ok {
		return nixl.New(nixl.KindInvalidParam, "UnloadMD", nil)
	}
	return nil
}

// PrepXfer validates a transfer's descriptor lists and stages them into a
// RequestHandle without posting anything to the fabric.
func (e *Engine) PrepXfer(op nixl.OpKind, local, remote []backend.XferDescriptor, remoteAgent string) (backend.RequestHandle, error) {
	if len(local) != len(remote) {
		return nil, nixl.New(nixl.KindMismatch, "PrepXfer", fmt.Errorf("descriptor list length mismatch: %d local, %d remote", len(local), len(remote)))
	}
	for i := range local {
		if local[i].Length != remote[i].Length {
			return nil, nixl.New(nixl.KindMismatch, "PrepXfer", fmt.Errorf("descriptor %d size mismatch: local %d, remote %d", i, local[i].Length, remote[i].Length))
		}
	}
	if _, ok := e.connectionByAgent(remoteAgent); !ok {
		return nil, nixl.New(nixl.KindNotFound, "PrepXfer", fmt.Errorf("no connection to %s", remoteAgent))
	}
	return &reqHandle{
		op:          op,
		remoteAgent: remoteAgent,
		local:       append([]backend.XferDescriptor(nil), local...),
		remote:      append([]backend.XferDescriptor(nil), remote...),
	}, nil
}

// PostXfer posts every descriptor pair staged by PrepXfer, striping each one
// across the local descriptor's proximate rails when it is large enough.
// When optArgs carries a notification message, it is sent once
// every chunk this call posts has completed, gated on their XFER-IDs so the
// remote agent only observes it after the data has actually landed.
func (e *Engine) PostXfer(req backend.RequestHandle, optArgs *backend.PostArgs) (nixl.Status, error) {
	rh, ok := req.(*reqHandle)
	if !ok {
		return 0, nixl.New(nixl.KindInvalidParam, "PostXfer", nil)
	}
	conn, ok := e.connectionByAgent(rh.remoteAgent)
	if !ok || conn.getState() != nixl.Connected {
		return 0, nixl.New(nixl.KindBackend, "PostXfer", fmt.Errorf("not connected to %s", rh.remoteAgent))
	}

	rh.mu.Lock()
	if optArgs != nil && optArgs.NotifMessage != nil {
		rh.notifMessage = optArgs.NotifMessage
	}
	rh.mu.Unlock()

	onSubmit := func(railID int, chunkOffset uint64) {
		rh.mu.Lock()
		rh.submitted++
		rh.mu.Unlock()
	}
	onComplete := func(r *requestpool.Request) {
		e.onReqChunkComplete(rh, r.XferID)
	}

	for i := range rh.local {
		lh, ok := rh.local[i].Handle.(*memHandle)
		if !ok {
			return 0, nixl.New(nixl.KindInvalidParam, "PostXfer", fmt.Errorf("descriptor %d: local handle is not a registered memory handle", i))
		}
		remH, ok := rh.remote[i].Handle.(*remoteMemHandle)
		if !ok {
			return 0, nixl.New(nixl.KindInvalidParam, "PostXfer", fmt.Errorf("descriptor %d: remote handle is not a loaded remote metadata handle", i))
		}

		dests := make(map[int]fi.Address, len(lh.rails))
		for idx, r := range e.dataRails {
			if _, ok := lh.regions[r.ID()]; !ok {
				continue
			}
			if idx < len(conn.dataAddrs) {
				dests[r.ID()] = conn.dataAddrs[idx]
			}
		}

		err := e.rm.PrepareAndSubmit(lh.rails, rh.op, dests, lh.regions, remH.keys, rh.remote[i].Addr, rh.local[i].Length, onSubmit, onComplete)
		if err != nil {
			rh.mu.Lock()
			rh.failed = err
			rh.mu.Unlock()
			wrapped := fmt.Errorf("fabricengine: post transfer descriptor %d: %w", i, err)
			e.telemetry.Metrics.XferFailed(wrapped, e.xferAttrs(rh))
			return 0, wrapped
		}
	}
	e.telemetry.Metrics.XferPosted(e.xferAttrs(rh))
	return nixl.StatusInProgress, nil
}

func (e *Engine) xferAttrs(rh *reqHandle) map[string]string {
	return e.metricAttrs("agent", rh.remoteAgent, "operation", rh.op.String())
}

// onReqChunkComplete records one posted chunk's completion against rh and,
// once every chunk it posted has completed, fires its notification (if
// any) gated on the set of XFER-IDs it just finished.
func (e *Engine) onReqChunkComplete(rh *reqHandle, xferID uint32) {
	rh.mu.Lock()
	rh.completed++
	rh.xferIDs = append(rh.xferIDs, xferID)
	done := rh.completed >= rh.submitted
	msg := rh.notifMessage
	xferIDs := rh.xferIDs
	alreadyNotified := rh.notified
	if done && msg != nil && !alreadyNotified {
		rh.notified = true
	}
	rh.mu.Unlock()

	if done {
		e.telemetry.Metrics.XferCompleted(e.xferAttrs(rh))
	}
	if !done || msg == nil || alreadyNotified {
		return
	}
	conn, ok := e.connectionByAgent(rh.remoteAgent)
	if !ok {
		return
	}
	n := nixl.Notification{AgentName: e.Base.LocalAgent, Message: msg, XferIDs: xferIDs}
	payload, err := n.Encode()
	if err != nil {
		return
	}
	_ = e.rm.PostControlMessage(e.controlRails[0].ID(), conn.controlAddrs[0], nixl.ControlNotification, payload, false)
}

// CheckXfer reports whether every descriptor PostXfer submitted for req has
// completed.
func (e *Engine) CheckXfer(req backend.RequestHandle) (nixl.Status, error) {
	rh, ok := req.(*reqHandle)
	if !ok {
		return 0, nixl.New(nixl.KindInvalidParam, "CheckXfer", nil)
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if rh.failed != nil {
		return 0, rh.failed
	}
	if rh.completed < rh.submitted {
		return nixl.StatusInProgress, nil
	}
	return nixl.StatusSuccess, nil
}

// ReleaseReqH releases req's bookkeeping. Valid once CheckXfer reports
// StatusSuccess or to abandon a request early.
func (e *Engine) ReleaseReqH(req backend.RequestHandle) error {
	if _, ok := req.(*reqHandle); !ok {
		return nixl.New(nixl.KindInvalidParam, "ReleaseReqH", nil)
	}
	return nil
}

// GetNotifs drains every notification received since the last call.
func (e *Engine) GetNotifs() ([]nixl.Notification, error) {
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	if len(e.notifs) == 0 {
		return nil, nil
	}
	out := e.notifs
	e.notifs = nil
	return out, nil
}

// GenNotif sends msg to remoteAgent outside of any transfer, as a
// ControlNotification control message carrying no gating XFER-IDs.
func (e *Engine) GenNotif(remoteAgent string, msg []byte) error {
	conn, ok := e.connectionByAgent(remoteAgent)
	if !ok || conn.getState() != nixl.Connected {
		return nixl.New(nixl.KindNotFound, "GenNotif", fmt.Errorf("not connected to %s", remoteAgent))
	}
	n := nixl.Notification{AgentName: e.Base.LocalAgent, Message: msg}
	payload, err := n.Encode()
	if err != nil {
		return fmt.Errorf("fabricengine: encode notification: %w", err)
	}
	return e.rm.PostControlMessage(e.controlRails[0].ID(), conn.controlAddrs[0], nixl.ControlNotification, payload, false)
}

// handleNotificationPayload decodes an inbound ControlNotification record
// and either appends it immediately, or — when it names XFER-IDs this agent
// has not yet observed completing — holds it until handleXferComplete
// clears the last of them.
func (e *Engine) handleNotificationPayload(railID int, payload []byte) {
	n, err := nixl.DecodeNotification(payload)
	if err != nil {
		return
	}

	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	ready := true
	for _, id := range n.XferIDs {
		if !e.completedXfers[id] {
			ready = false
			break
		}
	}
	if ready {
		e.notifs = append(e.notifs, n)
		e.telemetry.Metrics.NotificationDelivered(e.metricAttrs("agent", n.AgentName))
		return
	}
	for _, id := range n.XferIDs {
		if !e.completedXfers[id] {
			e.pendingByXfer[id] = n
		}
	}
}

// handleXferComplete updates the aggregate transfer counters and, when a
// pending notification was gated on this completion's XFER-ID, releases it
// once every other id it depends on has also completed.
func (e *Engine) handleXferComplete(req *requestpool.Request, hasData bool, immediate uint32) {
	e.countersMu.Lock()
	e.total++
	e.completed++
	e.countersMu.Unlock()

	if !hasData {
		return
	}
	_, xferIDLow := nixl.SplitImmediateWord(immediate)
	xferID := uint32(xferIDLow)

	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	e.completedXfers[xferID] = true
	n, pending := e.pendingByXfer[xferID]
	if !pending {
		return
	}
	for _, id := range n.XferIDs {
		if !e.completedXfers[id] {
			return
		}
	}
	for _, id := range n.XferIDs {
		delete(e.pendingByXfer, id)
	}
	e.notifs = append(e.notifs, n)
	e.telemetry.Metrics.NotificationDelivered(e.metricAttrs("agent", n.AgentName))
}
