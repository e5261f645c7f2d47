// Package rail wraps one libfabric RDM endpoint — the unit the rail manager
// stripes transfers across. It uses a connectionless RDM endpoint rather
// than a connection-oriented one: the peer handshake runs as an
// application-level control exchange over the rail instead of libfabric's
// own connection management.
package rail

import (
	"fmt"
	"sync"
	"time"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/requestpool"
)

// Callbacks groups the five dispatch targets a Rail invokes out of Progress,
// one per completion class a rail can observe.
type Callbacks struct {
	// OnNotification fires when a control SEND tagged ControlNotification is
	// received. payload excludes the leading tag byte.
	OnNotification func(railID int, payload []byte)
	// OnConnectionRequest fires on ControlConnectionReq.
	OnConnectionRequest func(railID int, payload []byte)
	// OnConnectionAck fires on ControlConnectionAck.
	OnConnectionAck func(railID int, payload []byte)
	// OnDisconnect fires on ControlDisconnectReq.
	OnDisconnect func(railID int, payload []byte)
	// OnXferComplete fires when a data request (send/recv/read/write)
	// completes, whether or not it carried immediate data. immediate is
	// valid only when hasData is true.
	OnXferComplete func(req *requestpool.Request, hasData bool, immediate uint32)
}

// Config controls how a Rail opens its underlying endpoint.
type Config struct {
	NicName          string
	Provider         string
	ControlCapacity  int
	DataCapacity     int
	CompletionQDepth int
}

// Rail owns one libfabric RDM endpoint: its fabric/domain/CQ/AV handles, its
// control and data request pools, and the memory regions it has registered.
type Rail struct {
	id       int
	nicName  string
	fabric   *fi.Fabric
	domain   *fi.Domain
	endpoint *fi.Endpoint
	cq       *fi.CompletionQueue
	av       *fi.AddressVector

	desc fi.Descriptor

	controlPool   *requestpool.Pool
	controlRegion *fi.MemoryRegion
	dataPool      *requestpool.Pool

	xferAlloc nixl.XferIDAllocator

	cbMu sync.RWMutex
	cb   Callbacks

	mu      sync.Mutex
	regions map[uint64]*fi.MemoryRegion // keyed by registration key
}

// SetCallbacks replaces the rail's dispatch callbacks. The owner (typically
// a fabricengine.Engine, which does not exist yet when the rail itself is
// opened) calls this once, right after construction.
func (r *Rail) SetCallbacks(cb Callbacks) {
	r.cbMu.Lock()
	r.cb = cb
	r.cbMu.Unlock()
}

func (r *Rail) callbacks() Callbacks {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	return r.cb
}

// Open discovers a libfabric provider for nicName, brings up an RDM
// endpoint bound to a CQ and an AV, and allocates its control and data
// request pools. The rail is ready to InsertAddress and post operations
// once this returns.
func Open(id int, cfg Config, cb Callbacks) (*Rail, error) {
	if cfg.ControlCapacity == 0 {
		cfg.ControlCapacity = requestpool.DefaultControlCapacity
	}
	if cfg.DataCapacity == 0 {
		cfg.DataCapacity = requestpool.DefaultDataCapacity
	}
	if cfg.CompletionQDepth == 0 {
		cfg.CompletionQDepth = cfg.ControlCapacity + cfg.DataCapacity
	}

	opts := []fi.DiscoverOption{
		fi.WithEndpointType(fi.EndpointTypeRDM),
		fi.WithDomain(cfg.NicName),
	}
	if cfg.Provider != "" {
		opts = append(opts, fi.WithProvider(cfg.Provider))
	}

	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("rail %d: discover: %w", id, err)
	}
	defer discovery.Close()

	descs := discovery.Descriptors()
	if len(descs) == 0 {
		return nil, fmt.Errorf("rail %d: no RDM descriptors for nic %q", id, cfg.NicName)
	}
	desc := descs[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("rail %d: open fabric: %w", id, err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("rail %d: open domain: %w", id, err)
	}
	cq, err := domain.OpenCompletionQueue(&fi.CompletionQueueAttr{
		Size:   cfg.CompletionQDepth,
		Format: fi.CQFormatData,
	})
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: open cq: %w", id, err)
	}
	av, err := domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: open av: %w", id, err)
	}
	endpoint, err := desc.OpenEndpoint(domain)
	if err != nil {
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: open endpoint: %w", id, err)
	}
	if err := endpoint.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		endpoint.Close()
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: bind cq: %w", id, err)
	}
	if err := endpoint.BindAddressVector(av, 0); err != nil {
		endpoint.Close()
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: bind av: %w", id, err)
	}
	if err := endpoint.Enable(); err != nil {
		endpoint.Close()
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: enable: %w", id, err)
	}

	dataPool := requestpool.NewDataPool(cfg.DataCapacity, &nixl.XferIDAllocator{})

	controlChunk := cfg.ControlCapacity * requestpool.ControlBufferSize
	region, err := domain.RegisterMemory(make([]byte, controlChunk), fi.MRAccessLocal)
	if err != nil {
		endpoint.Close()
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: register control chunk: %w", id, err)
	}
	buffers := make([][]byte, cfg.ControlCapacity)
	backing := region.Bytes()
	for i := range buffers {
		start := i * requestpool.ControlBufferSize
		buffers[i] = backing[start : start+requestpool.ControlBufferSize]
	}
	controlPool, err := requestpool.NewControlPool(buffers, &nixl.XferIDAllocator{})
	if err != nil {
		region.Close()
		endpoint.Close()
		av.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("rail %d: control pool: %w", id, err)
	}

	r := &Rail{
		id:             id,
		nicName:        cfg.NicName,
		fabric:         fabric,
		domain:         domain,
		endpoint:       endpoint,
		cq:             cq,
		av:             av,
		desc:           desc,
		controlPool:    controlPool,
		controlRegion:  region,
		dataPool:       dataPool,
		cb:             cb,
		regions: make(map[uint64]*fi.MemoryRegion),
	}

	// Half the control pool is kept posted as RECVs so a peer's SEND always
	// has a matching buffer to land in; the other half stays free for this
	// rail's own PostControlSend calls.
	initialRecvs := cfg.ControlCapacity / 2
	if initialRecvs == 0 {
		initialRecvs = 1
	}
	for i := 0; i < initialRecvs; i++ {
		if err := r.PostControlRecv(); err != nil {
			r.Close()
			return nil, fmt.Errorf("rail %d: post initial control recv: %w", id, err)
		}
	}
	return r, nil
}

// ID returns the rail's index within its rail manager.
func (r *Rail) ID() int { return r.id }

// NicName returns the NIC this rail is bound to.
func (r *Rail) NicName() string { return r.nicName }

// Close tears down the endpoint and every resource it owns.
func (r *Rail) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	for key, mr := range r.regions {
		mr.Close()
		delete(r.regions, key)
	}
	r.mu.Unlock()
	r.controlRegion.Close()
	r.endpoint.Close()
	r.av.Close()
	r.cq.Close()
	r.domain.Close()
	return r.fabric.Close()
}

// Name returns the endpoint's provider-specific address, exchanged out of
// band during the connection handshake.
func (r *Rail) Name() ([]byte, error) {
	return r.endpoint.Name()
}

// InsertAddress adds a peer's raw endpoint address to this rail's address
// vector and returns the fi_addr_t used to address it in future posts.
func (r *Rail) InsertAddress(raw []byte) (fi.Address, error) {
	return r.av.InsertRaw(raw, 0)
}

// RemoveAddress removes a peer address from the address vector.
func (r *Rail) RemoveAddress(addr fi.Address) error {
	return r.av.Remove([]fi.Address{addr}, 0)
}

// RegisterMemory registers user memory for remote RMA access and tracks it
// for bulk deregistration on Close.
func (r *Rail) RegisterMemory(buf []byte, access fi.MRAccessFlag) (*fi.MemoryRegion, error) {
	region, err := r.domain.RegisterMemory(buf, access|fi.MRAccessRemoteRead|fi.MRAccessRemoteWrite)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.regions[region.Key()] = region
	r.mu.Unlock()
	return region, nil
}

// DeregisterMemory releases a previously registered region.
func (r *Rail) DeregisterMemory(region *fi.MemoryRegion) error {
	if region == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.regions, region.Key())
	r.mu.Unlock()
	return region.Close()
}

// PostControlSend allocates a control request, copies tag+payload into its
// pre-registered buffer, and posts a SEND, optionally carrying an immediate
// word (used to advertise the sender's agent index on a connection request).
func (r *Rail) PostControlSend(dest fi.Address, tag nixl.ControlTag, payload []byte, immediate uint32, hasImmediate bool) error {
	req, err := r.controlPool.AllocateControl(len(payload) + 1)
	if err != nil {
		return err
	}
	req.Buffer[0] = byte(tag)
	copy(req.Buffer[1:], payload)
	buf := req.Buffer[:len(payload)+1]

	ctx, err := fi.NewCompletionContext()
	if err != nil {
		r.controlPool.Release(req)
		return err
	}
	ctx.SetValue(req)
	req.RailID = r.id

	sendReq := &fi.SendRequest{Buffer: buf, Dest: dest, Context: ctx, ImmediateData: uint64(immediate), HasImmediateData: hasImmediate}
	if _, err := r.endpoint.PostSend(sendReq); err != nil {
		r.controlPool.Release(req)
		return err
	}
	return nil
}

// PostControlRecv allocates a control request and posts a matching RECV so
// an inbound control message can be classified and dispatched from Progress.
func (r *Rail) PostControlRecv() error {
	req, err := r.controlPool.AllocateControl(requestpool.ControlBufferSize)
	if err != nil {
		return err
	}
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		r.controlPool.Release(req)
		return err
	}
	ctx.SetValue(req)
	req.RailID = r.id

	if _, err := r.endpoint.PostRecv(&fi.RecvRequest{Buffer: req.Buffer, Context: ctx}); err != nil {
		r.controlPool.Release(req)
		return err
	}
	return nil
}

// DataRequestParams carries everything needed to post one data-path
// operation: destination, registered region, and chunk bounds, minus
// buffers already registered in a MemoryRegion.
type DataRequestParams struct {
	Op           nixl.OpKind
	Dest         fi.Address
	LocalRegion  *fi.MemoryRegion
	RemoteKey    uint64
	RemoteOffset uint64
	Length       uint64
	ChunkOffset  uint64
	Immediate    uint32
	HasImmediate bool
	// BuildImmediate, when set, overrides Immediate/HasImmediate: it is
	// called once the request's pool-assigned XferID is known, letting
	// the caller pack the agent index and XferID into the wire immediate
	// word via nixl.ImmediateWord without needing to allocate the request
	// itself first.
	BuildImmediate func(xferID uint32) (word uint32, ok bool)
	OnComplete     func(*requestpool.Request)
}

// PostData allocates a data request and posts the corresponding libfabric
// operation (write, read, send, or recv).
func (r *Rail) PostData(p DataRequestParams) (*requestpool.Request, error) {
	req, err := r.dataPool.AllocateData(p.Op)
	if err != nil {
		return nil, err
	}
	req.RailID = r.id
	req.ChunkOffset = p.ChunkOffset
	req.ChunkSize = p.Length
	req.RemoteKey = p.RemoteKey
	req.RemoteAddr = p.RemoteOffset
	req.OnComplete = p.OnComplete

	immediate, hasImmediate := p.Immediate, p.HasImmediate
	if p.BuildImmediate != nil {
		immediate, hasImmediate = p.BuildImmediate(req.XferID)
	}

	ctx, err := fi.NewCompletionContext()
	if err != nil {
		r.dataPool.Release(req)
		return nil, err
	}
	ctx.SetValue(req)

	var buf []byte
	if p.LocalRegion != nil {
		buf = p.LocalRegion.Bytes()
		if p.Length > 0 && uint64(len(buf)) >= p.Length {
			buf = buf[:p.Length]
		}
	}

	switch p.Op {
	case nixl.OpWrite:
		_, err = r.endpoint.PostWrite(&fi.RMARequest{
			Buffer: buf, Region: p.LocalRegion, Key: p.RemoteKey, Offset: p.RemoteOffset,
			Address: p.Dest, Context: ctx, ImmediateData: uint64(immediate), HasImmediateData: hasImmediate,
		})
	case nixl.OpRead:
		_, err = r.endpoint.PostRead(&fi.RMARequest{
			Buffer: buf, Region: p.LocalRegion, Key: p.RemoteKey, Offset: p.RemoteOffset,
			Address: p.Dest, Context: ctx,
		})
	case nixl.OpSend:
		_, err = r.endpoint.PostSend(&fi.SendRequest{
			Buffer: buf, Region: p.LocalRegion, Dest: p.Dest, Context: ctx,
			ImmediateData: uint64(immediate), HasImmediateData: hasImmediate,
		})
	case nixl.OpRecv:
		_, err = r.endpoint.PostRecv(&fi.RecvRequest{Buffer: buf, Region: p.LocalRegion, Context: ctx})
	default:
		err = fmt.Errorf("rail: unknown op kind %v", p.Op)
	}
	if err != nil {
		r.dataPool.Release(req)
		return nil, err
	}
	return req, nil
}

// Progress drains every completion currently available on the rail's CQ,
// dispatching each to the registered callback. The fi.CompletionQueue
// binding exposes only a non-blocking read, so when blocking is true and
// the queue was empty, Progress sleeps once for idleDelay before
// returning — the caller's progress loop is expected to call Progress
// again immediately after. err carries the last repost failure seen while
// draining, if any; draining itself still continues past it.
func (r *Rail) Progress(blocking bool, idleDelay time.Duration) (drained int, err error) {
	for {
		event, readErr := r.cq.ReadContext()
		if readErr != nil {
			if drained == 0 && blocking {
				time.Sleep(idleDelay)
			}
			return drained, err
		}
		drained++
		if derr := r.dispatch(event); derr != nil {
			err = derr
		}
	}
}

// dispatch classifies one completion and routes it. A control-pool request
// completes either as the local SEND departing (just release it back to
// the pool) or as an inbound RECV landing (parse it, dispatch the matching
// callback, release the slot, then repost a RECV so the credit isn't
// lost). The two cases share the same buffer-bearing request shape, so
// event.Flags is what tells them apart.
func (r *Rail) dispatch(event *fi.CompletionEvent) error {
	ctx, err := event.Resolve()
	if err != nil {
		return nil
	}
	value := ctx.Value()

	req, ok := value.(*requestpool.Request)
	if !ok {
		return nil
	}
	if req.Buffer != nil && len(req.Buffer) > 0 {
		isRecv := event.Flags&uint64(fi.BindRecv) != 0
		if isRecv {
			r.dispatchControl(req, event)
		}
		r.controlPool.Release(req)
		if isRecv {
			return r.PostControlRecv()
		}
		return nil
	}
	if req.OnComplete != nil {
		req.OnComplete(req)
	}
	if cb := r.callbacks(); cb.OnXferComplete != nil {
		cb.OnXferComplete(req, event.HasData(), uint32(event.Data))
	}
	r.dataPool.Release(req)
	return nil
}

func (r *Rail) dispatchControl(req *requestpool.Request, event *fi.CompletionEvent) {
	if event.Length == 0 {
		return
	}
	length := event.Length
	if length > uint64(len(req.Buffer)) {
		length = uint64(len(req.Buffer))
	}
	if length == 0 {
		return
	}
	tag := nixl.ControlTag(req.Buffer[0])
	payload := req.Buffer[1:length]
	cb := r.callbacks()
	switch tag {
	case nixl.ControlNotification:
		if cb.OnNotification != nil {
			cb.OnNotification(r.id, payload)
		}
	case nixl.ControlConnectionReq:
		if cb.OnConnectionRequest != nil {
			cb.OnConnectionRequest(r.id, payload)
		}
	case nixl.ControlConnectionAck:
		if cb.OnConnectionAck != nil {
			cb.OnConnectionAck(r.id, payload)
		}
	case nixl.ControlDisconnectReq:
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(r.id, payload)
		}
	}
}
