package railmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/railtest"
	"github.com/nixl-go/nixl/requestpool"
)

func newTestManager(t *testing.T, fakes []*railtest.FakeRail) (*Manager, []rail.Interface) {
	t.Helper()
	rails := make([]rail.Interface, len(fakes))
	for i, f := range fakes {
		rails[i] = f
	}
	return New(rails, nil, 0), rails
}

func TestPrepareAndSubmitSplitsAcrossRailsWhenAboveThreshold(t *testing.T) {
	f0 := railtest.NewFakeRail(0, "fake0", 0)
	f1 := railtest.NewFakeRail(1, "fake1", 0)
	m, rails := newTestManager(t, []*railtest.FakeRail{f0, f1})

	size := StripeThreshold + 100
	region0, _ := f0.RegisterMemory(make([]byte, size), fi.MRAccessLocal)
	region1, _ := f1.RegisterMemory(make([]byte, size), fi.MRAccessLocal)
	localRegions := map[int]*fi.MemoryRegion{0: region0, 1: region1}
	dests := map[int]fi.Address{0: 1, 1: 2}
	remoteKeys := map[int]uint64{0: 10, 1: 11}

	var mu sync.Mutex
	var completedOffsets []uint64
	err := m.PrepareAndSubmit(rails, nixl.OpWrite, dests, localRegions, remoteKeys, 0, uint64(size), nil, func(req *requestpool.Request) {
		mu.Lock()
		completedOffsets = append(completedOffsets, req.ChunkOffset)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PrepareAndSubmit: %v", err)
	}

	if f0.PendingCount() != 1 || f1.PendingCount() != 1 {
		t.Fatalf("expected one chunk posted to each rail, got pending %d/%d", f0.PendingCount(), f1.PendingCount())
	}
	if got := m.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}

	if n, err := f0.Progress(false, 0); err != nil || n != 1 {
		t.Fatalf("f0.Progress = %d, %v", n, err)
	}
	if n, err := f1.Progress(false, 0); err != nil || n != 1 {
		t.Fatalf("f1.Progress = %d, %v", n, err)
	}

	if len(completedOffsets) != 2 {
		t.Fatalf("completedOffsets = %v, want 2 entries", completedOffsets)
	}
	if got := m.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount after both chunks complete = %d, want 0", got)
	}
}

func TestPrepareAndSubmitPostsWholeOnOneRailBelowThreshold(t *testing.T) {
	f0 := railtest.NewFakeRail(0, "fake0", 0)
	f1 := railtest.NewFakeRail(1, "fake1", 0)
	m, rails := newTestManager(t, []*railtest.FakeRail{f0, f1})

	region0, _ := f0.RegisterMemory(make([]byte, 4096), fi.MRAccessLocal)
	localRegions := map[int]*fi.MemoryRegion{0: region0}
	dests := map[int]fi.Address{0: 1}
	remoteKeys := map[int]uint64{0: 10}

	err := m.PrepareAndSubmit(rails, nixl.OpWrite, dests, localRegions, remoteKeys, 0, 4096, nil, nil)
	if err != nil {
		t.Fatalf("PrepareAndSubmit: %v", err)
	}
	if f0.PendingCount() != 1 {
		t.Fatalf("f0.PendingCount = %d, want 1", f0.PendingCount())
	}
	if f1.PendingCount() != 0 {
		t.Fatalf("f1.PendingCount = %d, want 0 — a sub-threshold transfer must not stripe", f1.PendingCount())
	}
}

func TestPrepareAndSubmitRotatesRoundRobinAcrossRails(t *testing.T) {
	fakes := make([]*railtest.FakeRail, 4)
	localRegions := make(map[int]*fi.MemoryRegion)
	dests := make(map[int]fi.Address)
	remoteKeys := make(map[int]uint64)
	for i := range fakes {
		fakes[i] = railtest.NewFakeRail(i, fmt.Sprintf("fake%d", i), 0)
		region, _ := fakes[i].RegisterMemory(make([]byte, 4096), fi.MRAccessLocal)
		localRegions[i] = region
		dests[i] = fi.Address(i + 1)
		remoteKeys[i] = uint64(i + 10)
	}
	m, rails := newTestManager(t, fakes)

	const writes = 100
	for i := 0; i < writes; i++ {
		if err := m.PrepareAndSubmit(rails, nixl.OpWrite, dests, localRegions, remoteKeys, 0, 4096, nil, nil); err != nil {
			t.Fatalf("PrepareAndSubmit[%d]: %v", i, err)
		}
	}
	for i, f := range fakes {
		want := writes / len(fakes)
		if got := f.PendingCount(); got != want {
			t.Errorf("rail %d PendingCount = %d, want %d", i, got, want)
		}
	}
}

func TestRegisterAndDeregisterMemoryAcrossRails(t *testing.T) {
	f0 := railtest.NewFakeRail(0, "fake0", 0)
	f1 := railtest.NewFakeRail(1, "fake1", 0)
	m, rails := newTestManager(t, []*railtest.FakeRail{f0, f1})

	regions, err := m.RegisterMemory(rails, make([]byte, 16), fi.MRAccessLocal)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("regions = %v, want one entry per rail", regions)
	}

	if err := m.DeregisterMemory(rails, regions); err != nil {
		t.Fatalf("DeregisterMemory: %v", err)
	}
	if err := m.DeregisterMemory(rails, regions); err == nil {
		t.Fatalf("expected an aggregated error deregistering already-released regions twice")
	}
}

func TestProgressActiveDataRailsSurfacesOnError(t *testing.T) {
	f0 := railtest.NewFakeRail(0, "fake0", 0)
	m, rails := newTestManager(t, []*railtest.FakeRail{f0})

	region0, _ := f0.RegisterMemory(make([]byte, 16), fi.MRAccessLocal)
	dests := map[int]fi.Address{0: 1}
	remoteKeys := map[int]uint64{0: 10}
	localRegions := map[int]*fi.MemoryRegion{0: region0}

	if err := m.PrepareAndSubmit(rails, nixl.OpWrite, dests, localRegions, remoteKeys, 0, 16, nil, nil); err != nil {
		t.Fatalf("PrepareAndSubmit: %v", err)
	}

	wantErr := errors.New("cq read failed")
	f0.FailProgress = wantErr

	var gotRailID int
	var gotErr error
	n := m.ProgressActiveDataRails(func(railID int, err error) {
		gotRailID, gotErr = railID, err
	})
	if n != 0 {
		t.Fatalf("ProgressActiveDataRails drained %d, want 0 on a failing rail", n)
	}
	if gotRailID != 0 || gotErr != wantErr {
		t.Fatalf("onError(railID=%d, err=%v), want (0, %v)", gotRailID, gotErr, wantErr)
	}
}
