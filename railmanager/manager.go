// Package railmanager owns every rail on an agent plus the topology used to
// pick rails for a transfer, and drives rail selection, striping, and
// control-message framing across them.
package railmanager

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/requestpool"
	"github.com/nixl-go/nixl/topology"
)

// StripeThreshold is the minimum transfer size, in bytes, above which a
// transfer is split across multiple rails rather than posted whole on one.
const StripeThreshold = 512 * 1024

// Manager owns a fixed set of rails, the topology used to select among
// them, and each rail's set of live peer addresses.
type Manager struct {
	rails      []rail.Interface
	nicToRail  map[string]int
	topo       *topology.Topology
	agentIndex uint16

	// rrCursor rotates round-robin sub-threshold transfers across the
	// rails selected for a given piece of memory, so sequential writes to
	// the same memory don't all land on the same rail.
	rrCursor atomic.Uint64

	mu         sync.Mutex
	activeData map[int]int // rail id -> in-flight data request count
}

// New wraps an already-open set of rails (one per NIC) under a single
// manager, using topo to drive per-memory rail selection.
func New(rails []rail.Interface, topo *topology.Topology, agentIndex uint16) *Manager {
	nicToRail := make(map[string]int, len(rails))
	for _, r := range rails {
		nicToRail[r.NicName()] = r.ID()
	}
	return &Manager{
		rails:      rails,
		nicToRail:  nicToRail,
		topo:       topo,
		agentIndex: agentIndex,
		activeData: make(map[int]int, len(rails)),
	}
}

// Rails returns every managed rail, in rail-id order.
func (m *Manager) Rails() []rail.Interface {
	out := make([]rail.Interface, len(m.rails))
	copy(out, m.rails)
	return out
}

// SelectRails returns the rails proximate to desc, in a stable order, for
// use by a transfer touching that memory.
func (m *Manager) SelectRails(desc nixl.MemoryDescriptor) []rail.Interface {
	nics := m.topo.NicsForMemory(desc.DeviceID, desc.NumaNode, desc.Kind == nixl.MemoryDevice)
	var selected []rail.Interface
	for _, nic := range nics {
		if id, ok := m.nicToRail[nic]; ok {
			selected = append(selected, m.rails[id])
		}
	}
	if len(selected) == 0 {
		return m.Rails()
	}
	return selected
}

// ShouldUseStriping reports whether a transfer of the given size should be
// split across multiple rails rather than posted on a single one.
func ShouldUseStriping(size uint64) bool {
	return size > StripeThreshold
}

// ChunkSizes splits a transfer of total size bytes across n rails, giving
// ⌈S/N⌉ to the first (S mod N) rails and ⌊S/N⌋ to the rest, so
// every byte is covered exactly once and chunk sizes differ by at most one.
func ChunkSizes(size uint64, n int) []uint64 {
	if n <= 0 {
		return nil
	}
	base := size / uint64(n)
	rem := size % uint64(n)
	chunks := make([]uint64, n)
	for i := range chunks {
		chunks[i] = base
		if uint64(i) < rem {
			chunks[i]++
		}
	}
	return chunks
}

// RegisterMemory registers buf with every rail in rails, continuing past
// individual failures and reporting all of them together. If no rail
// succeeded, the aggregated error is returned with a nil region map;
// otherwise the partial region map and any errors are both returned so the
// caller can decide whether a partial registration is usable.
func (m *Manager) RegisterMemory(rails []rail.Interface, buf []byte, access fi.MRAccessFlag) (map[int]*fi.MemoryRegion, error) {
	regions := make(map[int]*fi.MemoryRegion, len(rails))
	var errs error
	for _, r := range rails {
		region, err := r.RegisterMemory(buf, access)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rail %d: %w", r.ID(), err))
			continue
		}
		regions[r.ID()] = region
	}
	if len(regions) == 0 && errs != nil {
		return nil, errs
	}
	return regions, errs
}

// DeregisterMemory deregisters every region in regions from its owning
// rail, continuing past individual failures.
func (m *Manager) DeregisterMemory(rails []rail.Interface, regions map[int]*fi.MemoryRegion) error {
	byID := make(map[int]rail.Interface, len(rails))
	for _, r := range rails {
		byID[r.ID()] = r
	}
	var errs error
	for railID, region := range regions {
		r, ok := byID[railID]
		if !ok {
			continue
		}
		if err := r.DeregisterMemory(region); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rail %d: %w", railID, err))
		}
	}
	return errs
}

// PostControlMessage posts a tagged control SEND on rail railID, optionally
// carrying the agent's own index as immediate data (used by the connection
// request/ack exchange so the remote peer learns this agent's index for
// addressing it back).
func (m *Manager) PostControlMessage(railID int, dest fi.Address, tag nixl.ControlTag, payload []byte, withAgentIndex bool) error {
	if railID < 0 || railID >= len(m.rails) {
		return fmt.Errorf("railmanager: invalid rail id %d", railID)
	}
	return m.rails[railID].PostControlSend(dest, tag, payload, uint32(m.agentIndex), withAgentIndex)
}

// PrepareAndSubmit stripes or single-posts a data transfer across the given
// rails, assigning each chunk an immediate word packing this agent's index
// and the rail-owned request's XFER-ID. Destination addresses and
// remote keys are supplied keyed by rail ID rather than shared across
// rails, since each rail registers the same user buffer independently on
// its own domain and so sees its own registration key for it; remoteAddr
// is the absolute remote virtual address every rail targets, with each
// chunk's share of it offset by where that chunk starts. onComplete, when
// set, is invoked with the low-level request each time one chunk's
// completion is dispatched, letting the caller recover its XFER-ID.
func (m *Manager) PrepareAndSubmit(rails []rail.Interface, op nixl.OpKind, dests map[int]fi.Address, localRegions map[int]*fi.MemoryRegion, remoteKeys map[int]uint64, remoteAddr uint64, size uint64, onSubmit func(railID int, chunkOffset uint64), onComplete func(req *requestpool.Request)) error {
	if len(rails) == 0 {
		return fmt.Errorf("railmanager: no rails selected")
	}

	var targets []rail.Interface
	var sizes []uint64
	if ShouldUseStriping(size) && len(rails) > 1 {
		targets = rails
		sizes = ChunkSizes(size, len(rails))
	} else {
		next := m.rrCursor.Add(1) - 1
		targets = []rail.Interface{rails[next%uint64(len(rails))]}
		sizes = []uint64{size}
	}

	var offset uint64
	for i, r := range targets {
		chunkSize := sizes[i]
		if chunkSize == 0 {
			continue
		}
		chunkOffset := offset
		railID := r.ID()

		dest, ok := dests[railID]
		if !ok {
			return fmt.Errorf("railmanager: no destination address for rail %d", railID)
		}
		key, ok := remoteKeys[railID]
		if !ok {
			return fmt.Errorf("railmanager: no remote key for rail %d", railID)
		}

		_, err := r.PostData(rail.DataRequestParams{
			Op:           op,
			Dest:         dest,
			LocalRegion:  localRegions[railID],
			RemoteKey:    key,
			RemoteOffset: remoteAddr + chunkOffset,
			Length:       chunkSize,
			ChunkOffset:  chunkOffset,
			BuildImmediate: func(xferID uint32) (uint32, bool) {
				return nixl.ImmediateWord(m.agentIndex, xferID), true
			},
			OnComplete: func(req *requestpool.Request) {
				m.ClearActive(railID)
				if onComplete != nil {
					onComplete(req)
				}
			},
		})
		if err != nil {
			return fmt.Errorf("rail %d: %w", r.ID(), err)
		}
		m.markActive(r.ID())
		if onSubmit != nil {
			onSubmit(r.ID(), chunkOffset)
		}
		offset += chunkSize
	}
	return nil
}

func (m *Manager) markActive(railID int) {
	m.mu.Lock()
	m.activeData[railID]++
	m.mu.Unlock()
}

// ClearActive records that a data request on railID has completed.
func (m *Manager) ClearActive(railID int) {
	m.mu.Lock()
	if m.activeData[railID] > 0 {
		m.activeData[railID]--
	}
	m.mu.Unlock()
}

// ActiveCount reports the number of in-flight data requests across every
// rail.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.activeData {
		total += n
	}
	return total
}

// ProgressActiveDataRails advances CQ processing on every rail with at
// least one in-flight data request. onError, when non-nil, is invoked with
// any per-rail error Progress returns, letting the caller surface it as
// telemetry without this package depending on a telemetry implementation.
func (m *Manager) ProgressActiveDataRails(onError func(railID int, err error)) int {
	m.mu.Lock()
	active := make([]int, 0, len(m.activeData))
	for id, n := range m.activeData {
		if n > 0 {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	total := 0
	for _, id := range active {
		n, err := m.rails[id].Progress(false, 0)
		if err != nil && onError != nil {
			onError(id, err)
		}
		total += n
	}
	return total
}

// ProgressAllControlRails advances CQ processing on every rail regardless
// of activity, since control messages (connection handshakes,
// notifications) can arrive on an otherwise idle rail.
func (m *Manager) ProgressAllControlRails(onError func(railID int, err error)) int {
	total := 0
	for _, r := range m.rails {
		n, err := r.Progress(false, 0)
		if err != nil && onError != nil {
			onError(r.ID(), err)
		}
		total += n
	}
	return total
}

// SerializeMemoryKeys packs each rail's registration key for a memory
// region into a wire blob a remote peer can parse with
// DeserializeMemoryKeys.
func (m *Manager) SerializeMemoryKeys(regions map[int]*fi.MemoryRegion) []byte {
	s := nixl.NewSerDes()
	for railID, region := range regions {
		s.AddUint64(fmt.Sprintf("key_%d", railID), region.Key())
	}
	return s.Bytes()
}

// DeserializeMemoryKeys parses a blob produced by SerializeMemoryKeys back
// into a rail-id -> key map.
func DeserializeMemoryKeys(blob []byte, railIDs []int) (map[int]uint64, error) {
	s, err := nixl.ParseSerDes(blob)
	if err != nil {
		return nil, err
	}
	out := make(map[int]uint64, len(railIDs))
	for _, id := range railIDs {
		key, err := s.GetUint64(fmt.Sprintf("key_%d", id))
		if err != nil {
			continue
		}
		out[id] = key
	}
	return out, nil
}

// SerializeConnectionInfo packs every rail's provider-specific endpoint
// name into a wire blob exchanged during the connection handshake.
func (m *Manager) SerializeConnectionInfo() ([]byte, error) {
	s := nixl.NewSerDes()
	for _, r := range m.rails {
		name, err := r.Name()
		if err != nil {
			return nil, fmt.Errorf("rail %d: %w", r.ID(), err)
		}
		s.AddBytes(fmt.Sprintf("ep_%d", r.ID()), name)
	}
	return s.Bytes(), nil
}

// DeserializeConnectionInfo parses a blob produced by SerializeConnectionInfo
// into a rail-id -> raw endpoint name map.
func DeserializeConnectionInfo(blob []byte, numRails int) (map[int][]byte, error) {
	s, err := nixl.ParseSerDes(blob)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]byte, numRails)
	for i := 0; i < numRails; i++ {
		name, ok := s.GetBytes(fmt.Sprintf("ep_%d", i))
		if !ok {
			continue
		}
		out[i] = name
	}
	return out, nil
}
