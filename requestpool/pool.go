// Package requestpool implements fixed-capacity control and data request
// pools, indexed by a raw completion-context pointer so a fabric
// completion can resolve back to its pool slot without an allocation on
// the hot path.
package requestpool

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nixl-go/nixl/nixl"
)

// ControlBufferSize is the fixed size of the pre-registered buffer slice
// handed to every control request at init time.
const ControlBufferSize = 2048

// DefaultControlCapacity is the number of control requests per rail.
const DefaultControlCapacity = 256

// DefaultDataCapacity is the number of data requests per rail.
const DefaultDataCapacity = 1024

// Request is one pool slot. A request is either free on the pool's index
// stack, or in-flight on exactly one rail; the pool is the sole owner of
// the backing array.
type Request struct {
	Index int

	// Context is the raw pointer handed to the fabric at post time and
	// used by FindByContext to resolve a completion back to this slot.
	Context unsafe.Pointer

	RailID int
	XferID uint32

	// Buffer is the control request's 2 KiB slice of the rail's
	// pre-registered chunk. Nil for data requests.
	Buffer []byte

	Op           nixl.OpKind
	ChunkOffset  uint64
	ChunkSize    uint64
	OnComplete   func(*Request)
	LocalAddr    uint64
	RemoteAddr   uint64
	LocalHandle  any
	RemoteKey    uint64

	inUse bool
}

// Pool is a fixed-vector, free-index-stack request pool shared by a rail's
// control and data paths.
type Pool struct {
	mu        sync.Mutex
	requests  []*Request
	free      []int
	byContext map[unsafe.Pointer]*Request
	isControl bool
}

// NewDataPool allocates a data request pool of the given capacity, each
// slot pre-assigned a unique XFER-ID from alloc.
func NewDataPool(capacity int, alloc *nixl.XferIDAllocator) *Pool {
	return newPool(capacity, alloc, nil)
}

// NewControlPool allocates a control request pool. buffers must contain
// exactly capacity slices, each ControlBufferSize bytes, carved from a
// single pre-registered chunk owned by the caller (the rail), never
// registered per message.
func NewControlPool(buffers [][]byte, alloc *nixl.XferIDAllocator) (*Pool, error) {
	for i, b := range buffers {
		if len(b) != ControlBufferSize {
			return nil, nixl.New(nixl.KindBackend, "NewControlPool", fmt.Errorf("buffer %d is %d bytes, want %d", i, len(b), ControlBufferSize))
		}
	}
	return newPool(len(buffers), alloc, buffers), nil
}

func newPool(capacity int, alloc *nixl.XferIDAllocator, buffers [][]byte) *Pool {
	p := &Pool{
		requests:  make([]*Request, capacity),
		free:      make([]int, capacity),
		byContext: make(map[unsafe.Pointer]*Request, capacity),
		isControl: buffers != nil,
	}
	for i := 0; i < capacity; i++ {
		req := &Request{Index: i, XferID: alloc.Next()}
		if buffers != nil {
			req.Buffer = buffers[i]
		}
		p.requests[i] = req
		p.free[i] = capacity - 1 - i
	}
	return p
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int {
	if p == nil {
		return 0
	}
	return len(p.requests)
}

// ActiveCount returns the number of requests currently in flight.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests) - len(p.free)
}

// AllocateData acquires a free request for a data operation of the given
// kind. It returns nixl.KindBackend if the pool is exhausted.
func (p *Pool) AllocateData(op nixl.OpKind) (*Request, error) {
	req, err := p.acquire()
	if err != nil {
		return nil, err
	}
	req.Op = op
	return req, nil
}

// AllocateControl acquires a free control request whose pre-registered
// buffer is at least needed bytes. It fails with a Backend error if needed
// exceeds ControlBufferSize.
func (p *Pool) AllocateControl(needed int) (*Request, error) {
	if needed > ControlBufferSize {
		return nil, nixl.New(nixl.KindBackend, "AllocateControl", fmt.Errorf("requested %d bytes exceeds control buffer size %d", needed, ControlBufferSize))
	}
	return p.acquire()
}

func (p *Pool) acquire() (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, nixl.New(nixl.KindBackend, "acquire", fmt.Errorf("request pool exhausted"))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	req := p.requests[idx]
	req.inUse = true
	return req, nil
}

// BindContext associates ctx with req so a later FindByContext resolves it.
// Callers must call this exactly once per acquire before posting.
func (p *Pool) BindContext(req *Request, ctx unsafe.Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Context = ctx
	if ctx != nil {
		p.byContext[ctx] = req
	}
}

// FindByContext resolves a raw completion-context pointer back to its
// owning request.
func (p *Pool) FindByContext(ctx unsafe.Pointer) (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byContext[ctx]
	return req, ok
}

// Release returns req to the free stack. Releasing a data request never
// touches memory registration state; it is O(1).
func (p *Pool) Release(req *Request) {
	if req == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !req.inUse {
		return
	}
	if req.Context != nil {
		delete(p.byContext, req.Context)
	}
	req.Context = nil
	req.Op = 0
	req.ChunkOffset = 0
	req.ChunkSize = 0
	req.OnComplete = nil
	req.LocalAddr = 0
	req.RemoteAddr = 0
	req.LocalHandle = nil
	req.RemoteKey = 0
	req.inUse = false
	p.free = append(p.free, req.Index)
}
