package requestpool

import (
	"testing"
	"unsafe"

	"github.com/nixl-go/nixl/nixl"
)

func makeControlBuffers(n int) [][]byte {
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, ControlBufferSize)
	}
	return bufs
}

func TestDataPoolConservation(t *testing.T) {
	var alloc nixl.XferIDAllocator
	p := NewDataPool(4, &alloc)

	var acquired []*Request
	for i := 0; i < 4; i++ {
		req, err := p.AllocateData(nixl.OpWrite)
		if err != nil {
			t.Fatalf("AllocateData %d: %v", i, err)
		}
		acquired = append(acquired, req)
	}

	if _, err := p.AllocateData(nixl.OpWrite); err == nil {
		t.Fatal("expected exhaustion error on 5th allocate")
	}

	for _, req := range acquired {
		p.Release(req)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount after full release = %d, want 0", got)
	}

	// Every slot must be reusable after release (no leaked capacity).
	for i := 0; i < 4; i++ {
		if _, err := p.AllocateData(nixl.OpRead); err != nil {
			t.Fatalf("re-AllocateData %d: %v", i, err)
		}
	}
}

func TestXferIDsAreUnique(t *testing.T) {
	var alloc nixl.XferIDAllocator
	p := NewDataPool(8, &alloc)
	seen := make(map[uint32]bool)
	for _, req := range p.requests {
		if seen[req.XferID] {
			t.Fatalf("duplicate XferID %d", req.XferID)
		}
		seen[req.XferID] = true
	}
}

func TestControlPoolRejectsOversizedAllocation(t *testing.T) {
	var alloc nixl.XferIDAllocator
	p, err := NewControlPool(makeControlBuffers(2), &alloc)
	if err != nil {
		t.Fatalf("NewControlPool: %v", err)
	}
	if _, err := p.AllocateControl(ControlBufferSize + 1); err == nil {
		t.Fatal("expected error allocating more than ControlBufferSize")
	}
	req, err := p.AllocateControl(ControlBufferSize)
	if err != nil {
		t.Fatalf("AllocateControl at limit: %v", err)
	}
	if len(req.Buffer) != ControlBufferSize {
		t.Fatalf("Buffer len = %d, want %d", len(req.Buffer), ControlBufferSize)
	}
}

func TestNewControlPoolRejectsWrongBufferSize(t *testing.T) {
	var alloc nixl.XferIDAllocator
	bufs := makeControlBuffers(2)
	bufs[1] = make([]byte, 10)
	if _, err := NewControlPool(bufs, &alloc); err == nil {
		t.Fatal("expected error for mis-sized buffer")
	}
}

func TestFindByContextRoundTrip(t *testing.T) {
	var alloc nixl.XferIDAllocator
	p := NewDataPool(2, &alloc)
	req, err := p.AllocateData(nixl.OpSend)
	if err != nil {
		t.Fatalf("AllocateData: %v", err)
	}
	var token int
	ctx := unsafe.Pointer(&token)
	p.BindContext(req, ctx)

	found, ok := p.FindByContext(ctx)
	if !ok || found != req {
		t.Fatalf("FindByContext = %v, %v; want %v, true", found, ok, req)
	}

	p.Release(req)
	if _, ok := p.FindByContext(ctx); ok {
		t.Fatal("expected context to be unbound after release")
	}
}
