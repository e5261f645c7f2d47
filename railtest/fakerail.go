// Package railtest provides a software loopback double for rail.Interface,
// grounded on rail.Rail's own Post/Progress contract but backed by a plain
// in-memory queue instead of a real libfabric CQ, so railmanager's rail
// selection, striping, and pooling logic can be exercised in
// CI without hardware, per property tests 5-8 and scenarios S1-S6.
package railtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/requestpool"
)

// FakeRail implements rail.Interface entirely in software. Posted data
// requests sit in an internal queue until Progress is called, so a test
// controls exactly when each one "completes" rather than racing a real
// completion queue; control sends are only recorded.
type FakeRail struct {
	id      int
	nicName string

	dataPool *requestpool.Pool

	mu          sync.Mutex
	pending     []*requestpool.Request
	sentControl []sentControl
	regions     map[*fi.MemoryRegion]struct{}
	// FailProgress, when non-nil, is returned by the next Progress call and
	// then cleared, letting a test simulate a transient CQ read error.
	FailProgress error
}

type sentControl struct {
	Dest         fi.Address
	Tag          nixl.ControlTag
	Payload      []byte
	Immediate    uint32
	HasImmediate bool
}

var _ rail.Interface = (*FakeRail)(nil)

// NewFakeRail returns a FakeRail with id and nicName, and capacity data
// request slots (requestpool.DefaultDataCapacity if capacity is 0).
func NewFakeRail(id int, nicName string, capacity int) *FakeRail {
	if capacity == 0 {
		capacity = requestpool.DefaultDataCapacity
	}
	return &FakeRail{
		id:       id,
		nicName:  nicName,
		dataPool: requestpool.NewDataPool(capacity, &nixl.XferIDAllocator{}),
		regions:  make(map[*fi.MemoryRegion]struct{}),
	}
}

func (f *FakeRail) ID() int          { return f.id }
func (f *FakeRail) NicName() string  { return f.nicName }
func (f *FakeRail) Name() ([]byte, error) {
	return []byte(fmt.Sprintf("fake-%d-%s", f.id, f.nicName)), nil
}

// RegisterMemory returns a zero-value MemoryRegion; buf is not recorded. FakeRail
// never moves real bytes, so no registration key or provider descriptor is
// needed, only an identity to pair with DeregisterMemory.
func (f *FakeRail) RegisterMemory(buf []byte, access fi.MRAccessFlag) (*fi.MemoryRegion, error) {
	region := &fi.MemoryRegion{}
	f.mu.Lock()
	f.regions[region] = struct{}{}
	f.mu.Unlock()
	return region, nil
}

// DeregisterMemory returns an error if region was never returned by this
// FakeRail's RegisterMemory, the same "unknown region" failure a real
// domain would report.
func (f *FakeRail) DeregisterMemory(region *fi.MemoryRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regions[region]; !ok {
		return fmt.Errorf("railtest: region not registered on rail %d", f.id)
	}
	delete(f.regions, region)
	return nil
}

// PostControlSend records the message for later inspection via
// SentControl; it never completes asynchronously since control sends have
// no test-visible completion path of their own in this package.
func (f *FakeRail) PostControlSend(dest fi.Address, tag nixl.ControlTag, payload []byte, immediate uint32, hasImmediate bool) error {
	cp := append([]byte(nil), payload...)
	f.mu.Lock()
	f.sentControl = append(f.sentControl, sentControl{Dest: dest, Tag: tag, Payload: cp, Immediate: immediate, HasImmediate: hasImmediate})
	f.mu.Unlock()
	return nil
}

// SentControl returns every control message posted so far, in post order.
func (f *FakeRail) SentControl() []sentControl {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentControl, len(f.sentControl))
	copy(out, f.sentControl)
	return out
}

// PostData allocates a pool slot exactly as rail.Rail.PostData does and
// queues it as pending; the request only actually "completes" — invoking
// OnComplete — once Progress is called, so a test can post several
// chunks and control when each is observed to finish.
func (f *FakeRail) PostData(p rail.DataRequestParams) (*requestpool.Request, error) {
	req, err := f.dataPool.AllocateData(p.Op)
	if err != nil {
		return nil, err
	}
	req.RailID = f.id
	req.ChunkOffset = p.ChunkOffset
	req.ChunkSize = p.Length
	req.RemoteKey = p.RemoteKey
	req.RemoteAddr = p.RemoteOffset
	req.OnComplete = p.OnComplete
	if p.BuildImmediate != nil {
		p.BuildImmediate(req.XferID)
	}

	f.mu.Lock()
	f.pending = append(f.pending, req)
	f.mu.Unlock()
	return req, nil
}

// Progress dispatches every currently pending request's OnComplete callback
// and releases it back to the pool, mirroring rail.Rail.Progress draining a
// CQ down to empty on each call. If FailProgress is set it is returned once
// instead, leaving pending requests untouched, then cleared.
func (f *FakeRail) Progress(blocking bool, idleDelay time.Duration) (int, error) {
	f.mu.Lock()
	if f.FailProgress != nil {
		err := f.FailProgress
		f.FailProgress = nil
		f.mu.Unlock()
		return 0, err
	}
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, req := range batch {
		if req.OnComplete != nil {
			req.OnComplete(req)
		}
		f.dataPool.Release(req)
	}
	if len(batch) == 0 && blocking {
		time.Sleep(idleDelay)
	}
	return len(batch), nil
}

// PendingCount reports how many posted data requests have not yet been
// progressed.
func (f *FakeRail) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
