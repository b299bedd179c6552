package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestHistoryRoundTrip(t *testing.T) {
	l := openTestLog(t)

	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	want := Entry{
		FileName:  "photo.jpg",
		Path:      "/home/pi/.bluedrop/uploads/photo.jpg",
		Size:      1025,
		Checksum:  0xDEADBEEF,
		Direction: DirectionReceived,
		Status:    StatusCompleted,
		At:        at,
	}
	if err := l.Record(want); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	e := got[0]
	if e.ID == 0 {
		t.Fatal("entry came back without a row id")
	}
	if e.FileName != want.FileName || e.Path != want.Path || e.Size != want.Size {
		t.Fatalf("entry = %+v", e)
	}
	if e.Checksum != want.Checksum {
		t.Fatalf("checksum = %08x, want %08x", e.Checksum, want.Checksum)
	}
	if e.Direction != DirectionReceived || e.Status != StatusCompleted {
		t.Fatalf("entry = %+v", e)
	}
	if e.At.Unix() != at.Unix() {
		t.Fatalf("at = %v, want %v", e.At, at)
	}
}

func TestHistoryRecentOrderAndLimit(t *testing.T) {
	l := openTestLog(t)

	for _, name := range []string{"first", "second", "third"} {
		err := l.Record(Entry{
			FileName:  name,
			Size:      1,
			Direction: DirectionReceived,
			Status:    StatusFailed,
			Detail:    "checksum mismatch",
		})
		if err != nil {
			t.Fatalf("record %s: %v", name, err)
		}
	}

	got, err := l.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].FileName != "third" || got[1].FileName != "second" {
		t.Fatalf("order = [%s, %s], want newest first", got[0].FileName, got[1].FileName)
	}
	if got[0].Detail != "checksum mismatch" {
		t.Fatalf("detail = %q", got[0].Detail)
	}
}

func TestHistoryZeroTimeIsStamped(t *testing.T) {
	l := openTestLog(t)
	if err := l.Record(Entry{FileName: "x", Direction: DirectionSent, Status: StatusCompleted}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := l.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got[0].At.IsZero() {
		t.Fatal("zero At was stored unstamped")
	}
}
