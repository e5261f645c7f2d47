package telemetry

import "testing"

func TestNewEmitterDefaultsToNoop(t *testing.T) {
	e := NewEmitter(nil, nil, nil, nil)
	e.Logger.Debugf("hello %d", 1)
	e.SLogger.Debugw("hello", "k", "v")
	e.Metrics.ConnectionEstablished(map[string]string{"agent": "a"})
	span := e.Tracer.StartSpan("op")
	span.AddEvent("step")
	span.End(nil)
}

type recordingLogger struct {
	lastMsg string
	lastKVs []any
}

func (r *recordingLogger) Debugw(msg string, keyvals ...any) {
	r.lastMsg = msg
	r.lastKVs = keyvals
}

func TestEmitterLogPassesKeyValuePairs(t *testing.T) {
	rl := &recordingLogger{}
	e := NewEmitter(nil, rl, nil, nil)
	e.Log("xfer posted", KV("agent", "peer-1"), KV("rail_id", 3))

	if rl.lastMsg != "xfer posted" {
		t.Fatalf("msg = %q, want %q", rl.lastMsg, "xfer posted")
	}
	want := []any{"agent", "peer-1", "rail_id", 3}
	if len(rl.lastKVs) != len(want) {
		t.Fatalf("kvs = %v, want %v", rl.lastKVs, want)
	}
	for i, v := range want {
		if rl.lastKVs[i] != v {
			t.Fatalf("kv[%d] = %v, want %v", i, rl.lastKVs[i], v)
		}
	}
}

func TestNewEmitterKeepsProvidedImplementations(t *testing.T) {
	rl := &recordingLogger{}
	e := NewEmitter(nil, rl, nil, nil)
	if e.SLogger != StructuredLogger(rl) {
		t.Fatalf("expected provided structured logger to be kept")
	}
	if _, ok := e.Logger.(noopLogger); !ok {
		t.Fatalf("expected unset logger to default to noop")
	}
	if _, ok := e.Metrics.(noopMetrics); !ok {
		t.Fatalf("expected unset metrics to default to noop")
	}
}
