package rail

import (
	"os"
	"testing"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/requestpool"
)

// TestDispatchControlClassifiesByTag exercises the classification logic
// without any hardware: a control request's buffer is tagged exactly the
// way PostControlSend lays it out, and dispatchControl must route it to the
// matching callback with the tag byte stripped.
func TestDispatchControlClassifiesByTag(t *testing.T) {
	var gotNotif, gotReq, gotAck, gotDisc []byte
	r := &Rail{
		id: 3,
		cb: Callbacks{
			OnNotification:      func(railID int, p []byte) { gotNotif = p },
			OnConnectionRequest: func(railID int, p []byte) { gotReq = p },
			OnConnectionAck:     func(railID int, p []byte) { gotAck = p },
			OnDisconnect:        func(railID int, p []byte) { gotDisc = p },
		},
	}

	cases := []struct {
		tag  nixl.ControlTag
		want *[]byte
	}{
		{nixl.ControlNotification, &gotNotif},
		{nixl.ControlConnectionReq, &gotReq},
		{nixl.ControlConnectionAck, &gotAck},
		{nixl.ControlDisconnectReq, &gotDisc},
	}
	for _, c := range cases {
		buf := make([]byte, requestpool.ControlBufferSize)
		buf[0] = byte(c.tag)
		copy(buf[1:], []byte("payload"))
		req := &requestpool.Request{Buffer: buf}
		event := &fi.CompletionEvent{Length: 8}
		r.dispatchControl(req, event)
		if string(*c.want) != "payload" {
			t.Fatalf("tag %v: got payload %q, want %q", c.tag, *c.want, "payload")
		}
	}
}

func TestDispatchControlIgnoresEmptyLength(t *testing.T) {
	called := false
	r := &Rail{cb: Callbacks{OnNotification: func(int, []byte) { called = true }}}
	buf := make([]byte, requestpool.ControlBufferSize)
	buf[0] = byte(nixl.ControlNotification)
	r.dispatchControl(&requestpool.Request{Buffer: buf}, &fi.CompletionEvent{Length: 0})
	if called {
		t.Fatal("expected no dispatch on zero-length completion")
	}
}

// TestOpenRequiresHardware is skipped unless a real libfabric provider is
// configured via the environment.
func TestOpenRequiresHardware(t *testing.T) {
	if os.Getenv("LIBFABRIC_TEST_RAIL_NIC") == "" {
		t.Skip("rail hardware tests require LIBFABRIC_TEST_RAIL_NIC")
	}
	r, err := Open(0, Config{NicName: os.Getenv("LIBFABRIC_TEST_RAIL_NIC")}, Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Name(); err != nil {
		t.Fatalf("Name: %v", err)
	}
}
