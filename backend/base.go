package backend

import (
	"sync"
	"time"

	"github.com/nixl-go/nixl/nixl"
)

// MaxTelemetryQueueSize bounds the in-memory telemetry event queue any
// Base-embedding engine keeps. Once full, new events are dropped rather
// than evicting old ones.
const MaxTelemetryQueueSize = 1000

// TelemetryEvent is one backend-emitted timing/counter sample.
type TelemetryEvent struct {
	Timestamp time.Time
	Name      string
	Value     uint64
}

// Base supplies the bookkeeping every concrete Engine shares: init
// parameters with duplicate-key rejection, and a bounded telemetry event
// queue. A concrete engine embeds Base and implements the rest of the
// Engine interface itself.
type Base struct {
	LocalAgent      string
	EnableTelemetry bool

	paramsMu sync.Mutex
	params   map[string]string

	telemetryMu sync.Mutex
	telemetry   []TelemetryEvent
}

// NewBase constructs a Base for localAgent.
func NewBase(localAgent string, enableTelemetry bool) *Base {
	return &Base{
		LocalAgent:      localAgent,
		EnableTelemetry: enableTelemetry,
		params:          make(map[string]string),
	}
}

// SetInitParam records a custom init parameter, failing with
// nixl.KindNotAllowed if key was already set — engine construction is the
// only place these are written, and a duplicate means two conflicting
// configuration sources raced.
func (b *Base) SetInitParam(key, value string) error {
	b.paramsMu.Lock()
	defer b.paramsMu.Unlock()
	if _, exists := b.params[key]; exists {
		return nixl.New(nixl.KindNotAllowed, "SetInitParam", nil)
	}
	b.params[key] = value
	return nil
}

// GetInitParam looks up a previously set init parameter.
func (b *Base) GetInitParam(key string) (string, error) {
	b.paramsMu.Lock()
	defer b.paramsMu.Unlock()
	value, ok := b.params[key]
	if !ok {
		return "", nixl.New(nixl.KindInvalidParam, "GetInitParam", nil)
	}
	return value, nil
}

// AddTelemetryEvent appends a sample if telemetry is enabled and the queue
// has not reached MaxTelemetryQueueSize.
func (b *Base) AddTelemetryEvent(name string, value uint64) {
	if !b.EnableTelemetry {
		return
	}
	b.telemetryMu.Lock()
	defer b.telemetryMu.Unlock()
	if len(b.telemetry) >= MaxTelemetryQueueSize {
		return
	}
	b.telemetry = append(b.telemetry, TelemetryEvent{Timestamp: time.Now(), Name: name, Value: value})
}

// DrainTelemetryEvents returns and clears every queued telemetry event.
func (b *Base) DrainTelemetryEvents() []TelemetryEvent {
	b.telemetryMu.Lock()
	defer b.telemetryMu.Unlock()
	if len(b.telemetry) == 0 {
		return nil
	}
	out := b.telemetry
	b.telemetry = nil
	return out
}
