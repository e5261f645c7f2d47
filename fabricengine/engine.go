// Package fabricengine implements an RDMA transport Engine: the connection
// state machine, the self-connection bootstrap, and the prepare/post/check
// transfer lifecycle, built atop this module's railmanager and requestpool
// packages.
package fabricengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nixl-go/nixl/backend"
	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/railmanager"
	"github.com/nixl-go/nixl/telemetry"
	"github.com/nixl-go/nixl/topology"
)

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero. A
// negative Config.ConnectTimeout makes Connect wait without a bound.
const DefaultConnectTimeout = 30 * time.Second

// Config controls Engine construction.
type Config struct {
	LocalAgent      string
	DataRails       []*rail.Rail
	ControlRails    []*rail.Rail
	EnableTelemetry bool
	// ConnectTimeout bounds how long Connect waits for the handshake to
	// complete. Zero selects DefaultConnectTimeout; a negative value means
	// unbounded, kept as a distinct sentinel from zero so "unset" and
	// "explicitly unbounded" are never confused.
	ConnectTimeout time.Duration
	// ProgressIdleDelay is how long the progress goroutine sleeps between
	// empty drains of the active data rails.
	ProgressIdleDelay time.Duration
	// Telemetry receives connection, transfer, and rail-error events. A
	// zero value disables every hook (telemetry.NewEmitter's defaults).
	Telemetry telemetry.Emitter
}

type connection struct {
	remoteAgent  string
	agentIndex   uint16
	dataAddrs    []fi.Address
	controlAddrs []fi.Address

	mu    sync.Mutex
	cond  *sync.Cond
	state nixl.ConnState
}

func newConnection(remoteAgent string) *connection {
	c := &connection{remoteAgent: remoteAgent, state: nixl.Disconnected}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *connection) setState(s nixl.ConnState) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *connection) getState() nixl.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// memHandle is the concrete MemoryHandle this engine hands out.
type memHandle struct {
	desc    nixl.MemoryDescriptor
	rails   []rail.Interface
	regions map[int]*fi.MemoryRegion
}

// remoteMemHandle is the concrete MemoryHandle produced by LoadRemoteMD. The
// remote RMA target address is not carried here: fi.Domain.RegisterMemory
// copies the caller's buffer into new backing memory per rail, so there is
// no single shared address for a region across rails, and the absolute
// remote address is instead carried directly in each XferDescriptor.Addr.
type remoteMemHandle struct {
	agent string
	keys  map[int]uint64
}

// reqHandle is the concrete RequestHandle this engine hands out.
type reqHandle struct {
	op           nixl.OpKind
	remoteAgent  string
	local        []backend.XferDescriptor
	remote       []backend.XferDescriptor
	notifMessage []byte

	mu        sync.Mutex
	submitted int
	completed int
	xferIDs   []uint32
	notified  bool
	failed    error
}

// Engine implements backend.Engine over this module's rail/railmanager
// stack.
type Engine struct {
	*backend.Base

	rm             *railmanager.Manager
	dataRails      []*rail.Rail
	controlRails   []*rail.Rail
	connectTimeout time.Duration
	progressDelay  time.Duration
	telemetry      telemetry.Emitter

	// instanceID identifies this engine process uniquely across runs, so
	// connection-state log lines from concurrent processes on the same
	// host can be told apart.
	instanceID uuid.UUID

	agentMu    sync.Mutex
	agentNames []string // index -> agent name, this agent's own assignment

	connMu sync.Mutex
	conns  map[string]*connection

	notifMu        sync.Mutex
	notifs         []nixl.Notification
	pendingByXfer  map[uint32]nixl.Notification // notifications gated on an xfer id not yet completed
	completedXfers map[uint32]bool

	countersMu sync.Mutex
	total      uint64
	completed  uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New constructs an Engine and performs the self-connection bootstrap: the
// local agent is always reachable by its own name, looped back through its
// own endpoint addresses, so single-process transfers and tests need no
// peer at all.
func New(cfg Config) (*Engine, error) {
	if len(cfg.DataRails) == 0 {
		return nil, nixl.New(nixl.KindInvalidParam, "New", fmt.Errorf("at least one data rail required"))
	}
	if len(cfg.ControlRails) == 0 {
		return nil, nixl.New(nixl.KindInvalidParam, "New", fmt.Errorf("at least one control rail required"))
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	delay := cfg.ProgressIdleDelay
	if delay == 0 {
		delay = time.Millisecond
	}

	allRails := append(append([]*rail.Rail{}, cfg.DataRails...), cfg.ControlRails...)
	rmRails := make([]rail.Interface, len(allRails))
	for i, r := range allRails {
		rmRails[i] = r
	}
	e := &Engine{
		Base:           backend.NewBase(cfg.LocalAgent, cfg.EnableTelemetry),
		dataRails:      cfg.DataRails,
		controlRails:   cfg.ControlRails,
		connectTimeout: timeout,
		progressDelay:  delay,
		telemetry:      telemetry.NewEmitter(cfg.Telemetry.Logger, cfg.Telemetry.SLogger, cfg.Telemetry.Tracer, cfg.Telemetry.Metrics),
		instanceID:     uuid.New(),
		agentNames:     []string{cfg.LocalAgent},
		conns:          make(map[string]*connection),
		pendingByXfer:  make(map[uint32]nixl.Notification),
		completedXfers: make(map[uint32]bool),
		stopCh:         make(chan struct{}),
	}
	e.rm = railmanager.New(rmRails, topology.Discover(), 0)

	cb := rail.Callbacks{
		OnNotification:      e.handleNotificationPayload,
		OnConnectionRequest: e.handleConnectionRequest,
		OnConnectionAck:     e.handleConnectionAck,
		OnDisconnect:        e.handleDisconnect,
		OnXferComplete:      e.handleXferComplete,
	}
	for _, r := range allRails {
		r.SetCallbacks(cb)
	}

	if err := e.selfConnect(); err != nil {
		return nil, err
	}

	e.wg.Add(2)
	go e.runControlProgress()
	go e.runDataProgress()
	return e, nil
}

// Close stops the progress goroutines. It does not close the underlying
// rails, which the caller opened and owns.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()
	return nil
}

func (e *Engine) selfConnect() error {
	e.agentMu.Lock()
	agentIdx := uint16(0)
	e.agentMu.Unlock()

	conn := newConnection(e.Base.LocalAgent)
	conn.agentIndex = agentIdx
	for _, r := range e.dataRails {
		name, err := r.Name()
		if err != nil {
			return fmt.Errorf("fabricengine: self-connect data rail %d: %w", r.ID(), err)
		}
		addr, err := r.InsertAddress(name)
		if err != nil {
			return fmt.Errorf("fabricengine: self-connect insert address: %w", err)
		}
		conn.dataAddrs = append(conn.dataAddrs, addr)
	}
	for _, r := range e.controlRails {
		name, err := r.Name()
		if err != nil {
			return fmt.Errorf("fabricengine: self-connect control rail %d: %w", r.ID(), err)
		}
		addr, err := r.InsertAddress(name)
		if err != nil {
			return fmt.Errorf("fabricengine: self-connect insert address: %w", err)
		}
		conn.controlAddrs = append(conn.controlAddrs, addr)
	}
	conn.setState(nixl.Connected)

	e.connMu.Lock()
	e.conns[e.Base.LocalAgent] = conn
	e.connMu.Unlock()
	return nil
}

func (e *Engine) runControlProgress() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if e.rm.ProgressAllControlRails(e.onRailProgressError) == 0 {
			select {
			case <-e.stopCh:
				return
			case <-time.After(e.progressDelay):
			}
		}
	}
}

func (e *Engine) runDataProgress() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if e.rm.ProgressActiveDataRails(e.onRailProgressError) == 0 {
			select {
			case <-e.stopCh:
				return
			case <-time.After(e.progressDelay):
			}
		}
	}
}

func (e *Engine) metricAttrs(keyvals ...string) map[string]string {
	attrs := make(map[string]string, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		attrs[keyvals[i]] = keyvals[i+1]
	}
	return attrs
}

func (e *Engine) onRailProgressError(railID int, err error) {
	e.telemetry.Log("rail progress error", telemetry.KV("rail_id", railID), telemetry.KV("error", err.Error()))
	e.telemetry.Metrics.RailProgressError(railID, "cq_error", err, e.metricAttrs("agent", e.Base.LocalAgent))
}

// SupportsRemote reports that this engine can address memory on other
// agents.
func (e *Engine) SupportsRemote() bool { return true }

// SupportsLocal reports that this engine can also complete loopback
// transfers against the self-connection.
func (e *Engine) SupportsLocal() bool { return true }

// SupportsNotif reports that GetNotifs/GenNotif are implemented.
func (e *Engine) SupportsNotif() bool { return true }

// SupportedMems reports host and device memory support.
func (e *Engine) SupportedMems() []nixl.MemoryKind {
	return []nixl.MemoryKind{nixl.MemoryHost, nixl.MemoryDevice}
}
