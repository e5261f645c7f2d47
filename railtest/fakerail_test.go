package railtest

import (
	"errors"
	"testing"

	"github.com/nixl-go/nixl/fi"
	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/rail"
	"github.com/nixl-go/nixl/requestpool"
)

func TestRegisterAndDeregisterMemory(t *testing.T) {
	f := NewFakeRail(0, "fake0", 0)
	region, err := f.RegisterMemory(make([]byte, 16), fi.MRAccessLocal)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if err := f.DeregisterMemory(region); err != nil {
		t.Fatalf("DeregisterMemory: %v", err)
	}
	if err := f.DeregisterMemory(region); err == nil {
		t.Fatalf("expected an error deregistering an already-released region")
	}
}

func TestPostDataCompletesOnlyAfterProgress(t *testing.T) {
	f := NewFakeRail(0, "fake0", 0)
	var completedXferID uint32
	completed := false
	_, err := f.PostData(rail.DataRequestParams{
		Op:     nixl.OpWrite,
		Length: 64,
		BuildImmediate: func(xferID uint32) (uint32, bool) {
			return nixl.ImmediateWord(0, xferID), true
		},
		OnComplete: func(req *requestpool.Request) {
			completed = true
			completedXferID = req.XferID
		},
	})
	if err != nil {
		t.Fatalf("PostData: %v", err)
	}
	if completed {
		t.Fatalf("OnComplete must not fire before Progress")
	}
	if f.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", f.PendingCount())
	}

	n, err := f.Progress(false, 0)
	if err != nil || n != 1 {
		t.Fatalf("Progress = %d, %v; want 1, nil", n, err)
	}
	if !completed {
		t.Fatalf("OnComplete should have fired after Progress")
	}
	_ = completedXferID
	if f.PendingCount() != 0 {
		t.Fatalf("PendingCount after drain = %d, want 0", f.PendingCount())
	}
}

func TestProgressSurfacesFailProgressOnce(t *testing.T) {
	f := NewFakeRail(0, "fake0", 0)
	wantErr := errors.New("cq error")
	f.FailProgress = wantErr

	_, err := f.PostData(rail.DataRequestParams{Op: nixl.OpWrite, Length: 1})
	if err != nil {
		t.Fatalf("PostData: %v", err)
	}

	_, err = f.Progress(false, 0)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Progress err = %v, want %v", err, wantErr)
	}
	if f.PendingCount() != 1 {
		t.Fatalf("a failed Progress call must not drop the pending request")
	}

	n, err := f.Progress(false, 0)
	if err != nil || n != 1 {
		t.Fatalf("second Progress = %d, %v; want 1, nil (FailProgress clears after firing once)", n, err)
	}
}

func TestPostControlSendRecordsMessages(t *testing.T) {
	f := NewFakeRail(1, "fake1", 0)
	if err := f.PostControlSend(42, nixl.ControlNotification, []byte("hi"), 7, true); err != nil {
		t.Fatalf("PostControlSend: %v", err)
	}
	sent := f.SentControl()
	if len(sent) != 1 || string(sent[0].Payload) != "hi" || sent[0].Tag != nixl.ControlNotification {
		t.Fatalf("sentControl = %+v, unexpected contents", sent)
	}
}
