package receiver

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/bluedrop/frame"
	"github.com/user/bluedrop/history"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/transport"
)

type fakePeripheral struct{}

func (p *fakePeripheral) Start(h transport.PeripheralHandler) error { return nil }
func (p *fakePeripheral) Stop()                                     {}

func newTestReceiver(t *testing.T, idle time.Duration) (*Receiver, *DiskStore, <-chan status.Event, *history.Log) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewDiskStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := status.NewBus()
	events, cancel := bus.Subscribe()
	t.Cleanup(cancel)
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	r := New(&fakePeripheral{}, Config{Store: store, Bus: bus, History: hist, IdleTimeout: idle})
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(r.Close)
	return r, store, events, hist
}

func waitEvent(t *testing.T, ch <-chan status.Event, typ string) status.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func uploadsEmpty(t *testing.T, store *DiskStore) {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("uploads dir not empty: %v", names)
	}
}

func TestReceiverEndToEnd(t *testing.T) {
	r, _, events, hist := newTestReceiver(t, 0)
	codec := frame.NewCodec(512)
	data := assemblerPayload(1025)
	crc := frame.ChecksumBytes(data)

	r.CentralConnected("C1")
	md, _ := codec.EncodeMetadata("photo.jpg", 1025, crc)
	r.DataWritten("C1", md)
	waitEvent(t, events, status.TypeReceiveStarted)

	for i, chunk := range [][]byte{data[:512], data[512:1024], data[1024:]} {
		buf, _ := codec.EncodeData(uint32(i+1), chunk)
		r.DataWritten("C1", buf)
	}
	r.DataWritten("C1", codec.EncodeEnd(4, crc))

	evt := waitEvent(t, events, status.TypeReceiveCompleted)
	path, _ := evt.Data["path"].(string)
	if path == "" {
		t.Fatalf("completed event without a path: %v", evt.Data)
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("stored bytes differ from the sent file")
	}

	entries, err := hist.Recent(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != history.StatusCompleted || e.FileName != "photo.jpg" || e.Size != 1025 || e.Checksum != crc {
		t.Fatalf("history entry = %+v", e)
	}
}

func TestReceiverIdleTimeoutDiscardsPartial(t *testing.T) {
	r, store, events, hist := newTestReceiver(t, 30*time.Millisecond)
	codec := frame.NewCodec(512)

	r.CentralConnected("C1")
	md, _ := codec.EncodeMetadata("stalled.bin", 4096, 0)
	r.DataWritten("C1", md)
	waitEvent(t, events, status.TypeReceiveStarted)

	evt := waitEvent(t, events, status.TypeReceiveFailed)
	if evt.Data["error"] != "idle timeout" {
		t.Fatalf("failure = %v", evt.Data)
	}
	uploadsEmpty(t, store)

	entries, err := hist.Recent(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != history.StatusFailed || entries[0].Detail != "idle timeout" {
		t.Fatalf("history = %+v", entries)
	}
}

func TestReceiverLinkDropDiscardsPartial(t *testing.T) {
	r, store, events, _ := newTestReceiver(t, 0)
	codec := frame.NewCodec(512)
	data := assemblerPayload(1024)

	r.CentralConnected("C1")
	md, _ := codec.EncodeMetadata("half.bin", 1024, frame.ChecksumBytes(data))
	r.DataWritten("C1", md)
	buf, _ := codec.EncodeData(1, data[:512])
	r.DataWritten("C1", buf)
	waitEvent(t, events, status.TypeReceiveProgress)

	r.CentralDisconnected("C1")
	evt := waitEvent(t, events, status.TypeReceiveFailed)
	if evt.Data["error"] != "link lost" {
		t.Fatalf("failure = %v", evt.Data)
	}
	uploadsEmpty(t, store)
}

func TestReceiverRecoversAfterViolation(t *testing.T) {
	r, _, events, _ := newTestReceiver(t, 0)
	codec := frame.NewCodec(512)
	data := assemblerPayload(1024)
	crc := frame.ChecksumBytes(data)

	r.CentralConnected("C1")
	md, _ := codec.EncodeMetadata("f.bin", 1024, crc)
	r.DataWritten("C1", md)
	bad, _ := codec.EncodeData(2, data[:512]) // skips seq 1
	r.DataWritten("C1", bad)

	evt := waitEvent(t, events, status.TypeReceiveFailed)
	msg, _ := evt.Data["error"].(string)
	if !strings.Contains(msg, "out of order") {
		t.Fatalf("failure = %q", msg)
	}

	// The same link carries the retry from scratch.
	r.DataWritten("C1", md)
	for i, chunk := range [][]byte{data[:512], data[512:]} {
		buf, _ := codec.EncodeData(uint32(i+1), chunk)
		r.DataWritten("C1", buf)
	}
	r.DataWritten("C1", codec.EncodeEnd(3, crc))
	waitEvent(t, events, status.TypeReceiveCompleted)
}

func TestReceiverTracksUnannouncedCentral(t *testing.T) {
	r, _, events, _ := newTestReceiver(t, 0)
	codec := frame.NewCodec(512)
	data := assemblerPayload(16)
	crc := frame.ChecksumBytes(data)

	// No CentralConnected: the write itself establishes tracking.
	md, _ := codec.EncodeMetadata("tiny.bin", 16, crc)
	r.DataWritten("ghost", md)
	buf, _ := codec.EncodeData(1, data)
	r.DataWritten("ghost", buf)
	r.DataWritten("ghost", codec.EncodeEnd(2, crc))

	waitEvent(t, events, status.TypeReceiveCompleted)
}
