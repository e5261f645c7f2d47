package nixl

import (
	"bytes"
	"testing"
)

func TestNotificationRoundTrip(t *testing.T) {
	n := Notification{
		AgentName: "agent-a",
		Message:   []byte("done"),
		XferIDs:   []uint32{2, 0, 1},
	}

	buf, err := n.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != NotificationRecordSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), NotificationRecordSize)
	}

	got, err := DecodeNotification(buf)
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if got.AgentName != n.AgentName {
		t.Errorf("AgentName = %q, want %q", got.AgentName, n.AgentName)
	}
	if !bytes.Equal(got.Message, n.Message) {
		t.Errorf("Message = %v, want %v", got.Message, n.Message)
	}
	if len(got.XferIDs) != len(n.XferIDs) {
		t.Fatalf("XferIDs len = %d, want %d", len(got.XferIDs), len(n.XferIDs))
	}
	for i := range n.XferIDs {
		if got.XferIDs[i] != n.XferIDs[i] {
			t.Errorf("XferIDs[%d] = %d, want %d", i, got.XferIDs[i], n.XferIDs[i])
		}
	}
}

func TestNotificationRejectsWrongLength(t *testing.T) {
	if _, err := DecodeNotification(make([]byte, NotificationRecordSize-1)); err == nil {
		t.Fatal("expected error for short payload")
	}
	if _, err := DecodeNotification(make([]byte, NotificationRecordSize+1)); err == nil {
		t.Fatal("expected error for long payload")
	}
}

func TestNotificationRejectsOversizedFields(t *testing.T) {
	long := bytes.Repeat([]byte("x"), NotificationMessageSize+1)
	n := Notification{AgentName: "a", Message: long}
	if _, err := n.Encode(); err == nil {
		t.Fatal("expected error for oversized message")
	}

	tooManyIDs := make([]uint32, MaxXferIDsPerNotification+1)
	n2 := Notification{AgentName: "a", XferIDs: tooManyIDs}
	if _, err := n2.Encode(); err == nil {
		t.Fatal("expected error for too many xfer ids")
	}
}

func TestImmediateWordRoundTrip(t *testing.T) {
	word := ImmediateWord(0x1234, 0xABCD0001)
	agent, low := SplitImmediateWord(word)
	if agent != 0x1234 {
		t.Errorf("agent = %x, want %x", agent, 0x1234)
	}
	if low != 0x0001 {
		t.Errorf("low = %x, want %x", low, 0x0001)
	}
}
