// Package multiengine implements a multi-instance engine: a backend.Engine
// that fans calls out across N device-scoped sub-engines, the way
// railmanager fans a transfer out across rails, rather than a hierarchy of
// engine subclasses.
package multiengine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/nixl-go/nixl/backend"
	"github.com/nixl-go/nixl/nixl"
)

// Config configures a Router.
type Config struct {
	// SubEngines is one backend.Engine per device, index i owning device
	// id i. Required, non-empty.
	SubEngines []backend.Engine
	// NumGPUs is used only to size the effective worker count, capped by
	// max(len(SubEngines), NumGPUs); it does not itself create engines.
	NumGPUs int
}

// memHandle tags a sub-engine's MemoryHandle with the index of the
// sub-engine that produced it, so later calls know which sub-engine to
// route back to.
type memHandle struct {
	engineIdx int
	inner     backend.MemoryHandle
}

// cellKey identifies one (local sub-engine, remote sub-engine) pairing in
// the prep_xfer dlist matrix.
type cellKey struct {
	localIdx  int
	remoteIdx int
}

// reqHandle is the concrete RequestHandle Router hands out: one prepared
// sub-request per non-empty matrix cell.
type reqHandle struct {
	op          nixl.OpKind
	remoteAgent string
	cells       map[cellKey]backend.RequestHandle

	mu           sync.Mutex
	notifMessage []byte
	notified     bool
}

// Router implements backend.Engine by routing every operation to the
// sub-engine (or sub-engines) owning the memory/device involved.
type Router struct {
	subs []backend.Engine
}

var _ backend.Engine = (*Router)(nil)

// New constructs a Router over cfg.SubEngines. The effective worker count
// is capped by max(len(SubEngines), NumGPUs); since SubEngines are
// already-constructed engines, NumGPUs can only ever reduce this to
// len(SubEngines) itself, so it is accepted for parity with the
// configuration surface but does not change which sub-engines exist.
func New(cfg Config) (*Router, error) {
	if len(cfg.SubEngines) == 0 {
		return nil, nixl.New(nixl.KindInvalidParam, "New", fmt.Errorf("at least one sub-engine required"))
	}
	return &Router{subs: append([]backend.Engine(nil), cfg.SubEngines...)}, nil
}

func (r *Router) subEngineFor(deviceID int) (int, backend.Engine, error) {
	n := len(r.subs)
	idx := deviceID % n
	if idx < 0 {
		idx += n
	}
	return idx, r.subs[idx], nil
}

// SupportsRemote reports whether every sub-engine supports remote memory.
func (r *Router) SupportsRemote() bool { return r.allSubs(backend.Engine.SupportsRemote) }

// SupportsLocal reports whether every sub-engine supports loopback transfers.
func (r *Router) SupportsLocal() bool { return r.allSubs(backend.Engine.SupportsLocal) }

// SupportsNotif reports whether every sub-engine supports notifications.
func (r *Router) SupportsNotif() bool { return r.allSubs(backend.Engine.SupportsNotif) }

func (r *Router) allSubs(pred func(backend.Engine) bool) bool {
	for _, s := range r.subs {
		if !pred(s) {
			return false
		}
	}
	return true
}

// SupportedMems is the intersection of every sub-engine's supported kinds.
func (r *Router) SupportedMems() []nixl.MemoryKind {
	counts := make(map[nixl.MemoryKind]int)
	for _, s := range r.subs {
		for _, k := range s.SupportedMems() {
			counts[k]++
		}
	}
	var out []nixl.MemoryKind
	for k, n := range counts {
		if n == len(r.subs) {
			out = append(out, k)
		}
	}
	return out
}

// RegisterMem routes registration to the sub-engine whose index equals the
// device id of the region, modulo the number of sub-engines.
func (r *Router) RegisterMem(desc nixl.MemoryDescriptor, buf []byte) (backend.MemoryHandle, error) {
	idx, sub, err := r.subEngineFor(desc.DeviceID)
	if err != nil {
		return nil, err
	}
	inner, err := sub.RegisterMem(desc, buf)
	if err != nil {
		return nil, fmt.Errorf("multiengine: register on sub-engine %d: %w", idx, err)
	}
	return &memHandle{engineIdx: idx, inner: inner}, nil
}

// DeregisterMem routes to the owning sub-engine.
func (r *Router) DeregisterMem(handle backend.MemoryHandle) error {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nixl.New(nixl.KindInvalidParam, "DeregisterMem", nil)
	}
	return r.subs[mh.engineIdx].DeregisterMem(mh.inner)
}

// GetPublicData tags the owning sub-engine's blob with its index so a
// remote Router can route LoadRemoteMD back to the matching sub-engine.
func (r *Router) GetPublicData(handle backend.MemoryHandle) ([]byte, error) {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nil, nixl.New(nixl.KindInvalidParam, "GetPublicData", nil)
	}
	inner, err := r.subs[mh.engineIdx].GetPublicData(mh.inner)
	if err != nil {
		return nil, err
	}
	s := nixl.NewSerDes()
	s.AddUint64("engine_idx", uint64(mh.engineIdx))
	s.AddBytes("inner", inner)
	return s.Bytes(), nil
}

// LoadRemoteMD parses the engine_idx tag and forwards to the matching
// sub-engine (the peer's device-index space, not this Router's own — the
// two are assumed symmetric, one sub-engine per device, across agents).
func (r *Router) LoadRemoteMD(remoteAgent string, blob []byte) (backend.MemoryHandle, error) {
	s, err := nixl.ParseSerDes(blob)
	if err != nil {
		return nil, fmt.Errorf("multiengine: parse remote metadata: %w", err)
	}
	idxU64, err := s.GetUint64("engine_idx")
	if err != nil {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadRemoteMD", err)
	}
	idx := int(idxU64)
	if idx < 0 || idx >= len(r.subs) {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadRemoteMD", fmt.Errorf("engine index %d out of range", idx))
	}
	inner, ok := s.GetBytes("inner")
	if !ok {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadRemoteMD", fmt.Errorf("missing inner blob"))
	}
	innerHandle, err := r.subs[idx].LoadRemoteMD(remoteAgent, inner)
	if err != nil {
		return nil, err
	}
	return &memHandle{engineIdx: idx, inner: innerHandle}, nil
}

// LoadLocalMD re-derives handle's metadata on its owning sub-engine for
// loopback transfers.
func (r *Router) LoadLocalMD(handle backend.MemoryHandle) (backend.MemoryHandle, error) {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nil, nixl.New(nixl.KindInvalidParam, "LoadLocalMD", nil)
	}
	inner, err := r.subs[mh.engineIdx].LoadLocalMD(mh.inner)
	if err != nil {
		return nil, err
	}
	return &memHandle{engineIdx: mh.engineIdx, inner: inner}, nil
}

// UnloadMD routes to the owning sub-engine.
func (r *Router) UnloadMD(handle backend.MemoryHandle) error {
	mh, ok := handle.(*memHandle)
	if !ok {
		return nixl.New(nixl.KindInvalidParam, "UnloadMD", nil)
	}
	return r.subs[mh.engineIdx].UnloadMD(mh.inner)
}

// GetConnInfo concatenates every sub-engine's own connection blob, tagged
// by index.
func (r *Router) GetConnInfo() ([]byte, error) {
	s := nixl.NewSerDes()
	for i, sub := range r.subs {
		blob, err := sub.GetConnInfo()
		if err != nil {
			return nil, fmt.Errorf("multiengine: sub-engine %d: %w", i, err)
		}
		s.AddBytes(fmt.Sprintf("sub_%d", i), blob)
	}
	return s.Bytes(), nil
}

// LoadRemoteConnInfo distributes each tagged segment to the matching
// sub-engine.
func (r *Router) LoadRemoteConnInfo(remoteAgent string, blob []byte) error {
	s, err := nixl.ParseSerDes(blob)
	if err != nil {
		return fmt.Errorf("multiengine: parse remote conn info: %w", err)
	}
	var errs error
	for i, sub := range r.subs {
		segment, ok := s.GetBytes(fmt.Sprintf("sub_%d", i))
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("sub-engine %d: no connection segment in blob", i))
			continue
		}
		if err := sub.LoadRemoteConnInfo(remoteAgent, segment); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sub-engine %d: %w", i, err))
		}
	}
	return errs
}

// Connect connects every sub-engine to remoteAgent, continuing past
// individual failures and reporting all of them together.
func (r *Router) Connect(ctx context.Context, remoteAgent string) error {
	var errs error
	for i, sub := range r.subs {
		if err := sub.Connect(ctx, remoteAgent); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sub-engine %d: %w", i, err))
		}
	}
	return errs
}

// Disconnect tears down every sub-engine's connection to remoteAgent.
func (r *Router) Disconnect(remoteAgent string) error {
	var errs error
	for i, sub := range r.subs {
		if err := sub.Disconnect(remoteAgent); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sub-engine %d: %w", i, err))
		}
	}
	return errs
}

// PrepXfer builds the (L x R) dlist matrix keyed by
// (local_md.engine_idx, remote_md.engine_idx) and prepares each non-empty
// cell on its own sub-engine.
func (r *Router) PrepXfer(op nixl.OpKind, local, remote []backend.XferDescriptor, remoteAgent string) (backend.RequestHandle, error) {
	if len(local) != len(remote) {
		return nil, nixl.New(nixl.KindMismatch, "PrepXfer", fmt.Errorf("descriptor list length mismatch: %d local, %d remote", len(local), len(remote)))
	}

	type cellDescs struct {
		local, remote []backend.XferDescriptor
	}
	cells := make(map[cellKey]*cellDescs)

	for i := range local {
		if local[i].Length != remote[i].Length {
			return nil, nixl.New(nixl.KindMismatch, "PrepXfer", fmt.Errorf("descriptor %d size mismatch: local %d, remote %d", i, local[i].Length, remote[i].Length))
		}
		lh, ok := local[i].Handle.(*memHandle)
		if !ok {
			return nil, nixl.New(nixl.KindInvalidParam, "PrepXfer", fmt.Errorf("descriptor %d: local handle not registered through this router", i))
		}
		rh, ok := remote[i].Handle.(*memHandle)
		if !ok {
			return nil, nixl.New(nixl.KindInvalidParam, "PrepXfer", fmt.Errorf("descriptor %d: remote handle not loaded through this router", i))
		}

		key := cellKey{localIdx: lh.engineIdx, remoteIdx: rh.engineIdx}
		cell, ok := cells[key]
		if !ok {
			cell = &cellDescs{}
			cells[key] = cell
		}
		cell.local = append(cell.local, backend.XferDescriptor{Addr: local[i].Addr, Length: local[i].Length, Handle: lh.inner})
		cell.remote = append(cell.remote, backend.XferDescriptor{Addr: remote[i].Addr, Length: remote[i].Length, Handle: rh.inner})
	}

	prepared := make(map[cellKey]backend.RequestHandle, len(cells))
	for key, cell := range cells {
		req, err := r.subs[key.localIdx].PrepXfer(op, cell.local, cell.remote, remoteAgent)
		if err != nil {
			return nil, fmt.Errorf("multiengine: prepare cell (%d,%d): %w", key.localIdx, key.remoteIdx, err)
		}
		prepared[key] = req
	}

	return &reqHandle{op: op, remoteAgent: remoteAgent, cells: prepared}, nil
}

// PostXfer posts every prepared cell. If any sub-result is InProgress the
// overall result is InProgress and the notification (if any) is deferred to
// CheckXfer, since independent sub-engines cannot piggy-back a notification
// atomically onto whichever of them finishes last. A nil optArgs
// means no notification on every branch, matching every other PostXfer path
// in this module.
func (r *Router) PostXfer(req backend.RequestHandle, optArgs *backend.PostArgs) (nixl.Status, error) {
	rh, ok := req.(*reqHandle)
	if !ok {
		return 0, nixl.New(nixl.KindInvalidParam, "PostXfer", nil)
	}

	overall := nixl.StatusSuccess
	for key, cellReq := range rh.cells {
		st, err := r.subs[key.localIdx].PostXfer(cellReq, nil)
		if err != nil {
			return 0, fmt.Errorf("multiengine: post cell (%d,%d): %w", key.localIdx, key.remoteIdx, err)
		}
		if st != nixl.StatusSuccess {
			overall = nixl.StatusInProgress
		}
	}

	rh.mu.Lock()
	if optArgs != nil {
		rh.notifMessage = optArgs.NotifMessage
	}
	msg := rh.notifMessage
	notified := rh.notified
	if overall == nixl.StatusSuccess && msg != nil && !notified {
		rh.notified = true
	}
	rh.mu.Unlock()

	if overall == nixl.StatusSuccess && msg != nil && !notified {
		if err := r.notify(rh.remoteAgent, msg); err != nil {
			return 0, err
		}
	}
	return overall, nil
}

// CheckXfer polls every prepared cell, releasing a deferred notification
// once the last of them reports Success.
func (r *Router) CheckXfer(req backend.RequestHandle) (nixl.Status, error) {
	rh, ok := req.(*reqHandle)
	if !ok {
		return 0, nixl.New(nixl.KindInvalidParam, "CheckXfer", nil)
	}

	overall := nixl.StatusSuccess
	for key, cellReq := range rh.cells {
		st, err := r.subs[key.localIdx].CheckXfer(cellReq)
		if err != nil {
			return 0, fmt.Errorf("multiengine: check cell (%d,%d): %w", key.localIdx, key.remoteIdx, err)
		}
		if st != nixl.StatusSuccess {
			overall = nixl.StatusInProgress
		}
	}

	rh.mu.Lock()
	msg := rh.notifMessage
	notified := rh.notified
	if overall == nixl.StatusSuccess && msg != nil && !notified {
		rh.notified = true
	}
	rh.mu.Unlock()

	if overall == nixl.StatusSuccess && msg != nil && !notified {
		if err := r.notify(rh.remoteAgent, msg); err != nil {
			return 0, err
		}
	}
	return overall, nil
}

// ReleaseReqH releases every prepared cell, continuing past individual
// failures.
func (r *Router) ReleaseReqH(req backend.RequestHandle) error {
	rh, ok := req.(*reqHandle)
	if !ok {
		return nixl.New(nixl.KindInvalidParam, "ReleaseReqH", nil)
	}
	var errs error
	for key, cellReq := range rh.cells {
		if err := r.subs[key.localIdx].ReleaseReqH(cellReq); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cell (%d,%d): %w", key.localIdx, key.remoteIdx, err))
		}
	}
	return errs
}

// GetNotifs aggregates notifications observed by every sub-engine.
func (r *Router) GetNotifs() ([]nixl.Notification, error) {
	var all []nixl.Notification
	for i, sub := range r.subs {
		n, err := sub.GetNotifs()
		if err != nil {
			return nil, fmt.Errorf("multiengine: sub-engine %d: %w", i, err)
		}
		all = append(all, n...)
	}
	return all, nil
}

// GenNotif sends msg out of band, via whichever sub-engine accepts it
// first.
func (r *Router) GenNotif(remoteAgent string, msg []byte) error {
	return r.notify(remoteAgent, msg)
}

func (r *Router) notify(remoteAgent string, msg []byte) error {
	var errs error
	for i, sub := range r.subs {
		if !sub.SupportsNotif() {
			continue
		}
		if err := sub.GenNotif(remoteAgent, msg); err == nil {
			return nil
		} else {
			errs = multierr.Append(errs, fmt.Errorf("sub-engine %d: %w", i, err))
		}
	}
	if errs == nil {
		errs = nixl.New(nixl.KindNotSupported, "GenNotif", fmt.Errorf("no sub-engine accepted the notification"))
	}
	return errs
}
