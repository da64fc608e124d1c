package worker

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/roelfdiedericks/healerd/internal/store"
)

func TestPayloadFraming(t *testing.T) {
	var buf bytes.Buffer
	blob1 := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	blob2 := []byte("request text")

	if err := EncodePayloads(&buf, blob1, blob2); err != nil {
		t.Fatalf("EncodePayloads failed: %v", err)
	}
	got1, got2, err := DecodePayloads(&buf)
	if err != nil {
		t.Fatalf("DecodePayloads failed: %v", err)
	}
	if !bytes.Equal(got1, blob1) {
		t.Errorf("blob1 mismatch: got %v", got1)
	}
	if !bytes.Equal(got2, blob2) {
		t.Errorf("blob2 mismatch: got %v", got2)
	}
}

func TestPayloadFramingEmptyBlob(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePayloads(&buf, nil, []byte{1}); err != nil {
		t.Fatalf("EncodePayloads failed: %v", err)
	}
	got1, got2, err := DecodePayloads(&buf)
	if err != nil {
		t.Fatalf("DecodePayloads failed: %v", err)
	}
	if len(got1) != 0 {
		t.Errorf("blob1 should be empty, got %v", got1)
	}
	if !bytes.Equal(got2, []byte{1}) {
		t.Errorf("blob2 mismatch: got %v", got2)
	}
}

func TestPayloadFramingTruncated(t *testing.T) {
	var buf bytes.Buffer
	EncodePayloads(&buf, []byte{1, 2, 3}, []byte{4})
	truncated := bytes.NewReader(buf.Bytes()[:5])
	if _, _, err := DecodePayloads(truncated); err == nil {
		t.Error("expected error on truncated input")
	}
}

func TestRunCompletesAtDeadline(t *testing.T) {
	f, err := os.CreateTemp("", "healerd_worker_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	defer os.Remove(dbPath)

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	avatar, _ := st.CreateAvatar("alice", []byte{1}, "x")
	ic, _ := st.CreateIC("wave", []byte{9})
	sess := &store.Session{
		AvatarID:  &avatar.ID,
		ICID:      &ic.ID,
		Kind:      store.KindICSession,
		StartTime: time.Now().UTC().Add(-2 * time.Minute),
		Status:    store.StatusScheduled,
	}
	if err := st.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	st.SetSessionRunning(sess.ID, 12345)
	st.Close()

	// Deadline already passed: the loop exits on its first check
	deadline := time.Now().UTC().Add(-1 * time.Minute)
	var stdin bytes.Buffer
	EncodePayloads(&stdin, []byte{1}, []byte{9})

	wk, err := New(Options{
		SessionID: sess.ID,
		DBPath:    dbPath,
		Deadline:  &deadline,
	}, &stdin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if code := wk.Run(); code != 0 {
		t.Errorf("exit code: got %d, want 0", code)
	}

	st, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status: got %s, want completed", got.Status)
	}
	if got.WorkerPID != nil {
		t.Error("worker must clear its pid with the terminal status")
	}
}
