package rail

import (
	"time"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/requestpool"
)

// Interface is the subset of *Rail that railmanager.Manager drives: post,
// progress, and the per-rail identity/registration calls needed for
// striping and pooling. Split out so a software double (railtest.FakeRail)
// can stand in for a real, fi-backed rail in tests that exercise the
// manager's selection and striping logic without hardware.
type Interface interface {
	ID() int
	NicName() string
	Name() ([]byte, error)
	RegisterMemory(buf []byte, access fi.MRAccessFlag) (*fi.MemoryRegion, error)
	DeregisterMemory(region *fi.MemoryRegion) error
	PostControlSend(dest fi.Address, tag nixl.ControlTag, payload []byte, immediate uint32, hasImmediate bool) error
	PostData(p DataRequestParams) (*requestpool.Request, error)
	Progress(blocking bool, idleDelay time.Duration) (drained int, err error)
}

var _ Interface = (*Rail)(nil)
