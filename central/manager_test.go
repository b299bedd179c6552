package central

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/bluedrop/frame"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/transport"
)

const testDeviceID = "D4:3A:12:8F:01:CC"

// fakeCentral is a scriptable transport. Tests play the radio role by
// calling the Manager's transport.CentralHandler methods directly;
// the fake records outgoing calls, counts outstanding writes, and in
// autoAck mode acknowledges every write on its own.
type fakeCentral struct {
	mu              sync.Mutex
	handler         transport.CentralHandler
	chunk           int
	autoAck         bool
	connectErr      error
	writeErr        error
	scanning        bool
	scanFilter      []string
	connects        []string
	disconnects     []string
	svcDiscoveries  []string
	charDiscoveries [][2]string
	writes          [][]byte
	outstanding     int
	maxOutstanding  int

	// When set, every write is mirrored here so manual-mode tests can
	// sequence their own acks.
	writeSignal chan []byte
}

var _ transport.Central = (*fakeCentral)(nil)

func newFakeCentral() *fakeCentral {
	return &fakeCentral{chunk: 512}
}

func (f *fakeCentral) Start(h transport.CentralHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeCentral) Stop() {}

func (f *fakeCentral) StartScan(serviceUUIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = true
	f.scanFilter = serviceUUIDs
	return nil
}

func (f *fakeCentral) StopScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
}

func (f *fakeCentral) Connect(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, deviceID)
	return f.connectErr
}

func (f *fakeCentral) Disconnect(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, deviceID)
}

func (f *fakeCentral) DiscoverServices(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.svcDiscoveries = append(f.svcDiscoveries, deviceID)
	return nil
}

func (f *fakeCentral) DiscoverCharacteristics(deviceID, serviceUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charDiscoveries = append(f.charDiscoveries, [2]string{deviceID, serviceUUID})
	return nil
}

func (f *fakeCentral) Write(deviceID, charUUID string, data []byte) error {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.outstanding++
	if f.outstanding > f.maxOutstanding {
		f.maxOutstanding = f.outstanding
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	sig := f.writeSignal
	auto := f.autoAck
	h := f.handler
	f.mu.Unlock()

	if sig != nil {
		sig <- cp
	}
	if auto {
		go func() {
			f.mu.Lock()
			f.outstanding--
			f.mu.Unlock()
			h.WriteCompleted(deviceID, charUUID, nil)
		}()
	}
	return nil
}

func (f *fakeCentral) ChunkSize(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunk
}

// ack acknowledges one outstanding write in manual mode.
func (f *fakeCentral) ack(deviceID, charUUID string) {
	f.mu.Lock()
	f.outstanding--
	h := f.handler
	f.mu.Unlock()
	h.WriteCompleted(deviceID, charUUID, nil)
}

func (f *fakeCentral) isScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *fakeCentral) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

func (f *fakeCentral) snapshotWrites() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeCentral) maxOut() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOutstanding
}

type recorder struct {
	scans    chan ScanState
	found    chan Device
	updated  chan Device
	conns    chan Connection
	progress chan Job
	finished chan Job
}

func newRecorder() *recorder {
	return &recorder{
		scans:    make(chan ScanState, 64),
		found:    make(chan Device, 64),
		updated:  make(chan Device, 64),
		conns:    make(chan Connection, 64),
		progress: make(chan Job, 256),
		finished: make(chan Job, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		ScanStateChanged:  func(s ScanState) { r.scans <- s },
		DeviceDiscovered:  func(d Device) { r.found <- d },
		DeviceUpdated:     func(d Device) { r.updated <- d },
		ConnectionChanged: func(c Connection) { r.conns <- c },
		TransferProgress:  func(j Job) { r.progress <- j },
		TransferDone:      func(j Job) { r.finished <- j },
	}
}

func waitScan(t *testing.T, rec *recorder, want ScanState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-rec.scans:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for scan state %s", want)
		}
	}
}

func waitConn(t *testing.T, rec *recorder, want ConnState) Connection {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-rec.conns:
			if c.State == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connection state %s", want)
		}
	}
}

func waitDevice(t *testing.T, ch chan Device) Device {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a device event")
		return Device{}
	}
}

func waitJob(t *testing.T, ch chan Job) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job event")
		return Job{}
	}
}

func startManager(t *testing.T, fake *fakeCentral, rec *recorder, to Timeouts) *Manager {
	t.Helper()
	m := NewManager(fake, rec.callbacks())
	m.Timeouts = to
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func discoverDevice(t *testing.T, m *Manager, rec *recorder) {
	t.Helper()
	m.AdapterStateChanged(transport.AdapterPoweredOn)
	waitScan(t, rec, ScanIdle)
	m.StartScan()
	waitScan(t, rec, ScanScanning)
	m.DeviceDiscovered(transport.Advertisement{DeviceID: testDeviceID, LocalName: "pi-shelf", RSSI: -42})
	waitDevice(t, rec.found)
}

func connectReady(t *testing.T, m *Manager, rec *recorder) Connection {
	t.Helper()
	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.DeviceConnected(testDeviceID)
	waitConn(t, rec, ConnDiscoveringServices)
	m.ServicesDiscovered(testDeviceID, []string{ServiceUUID}, nil)
	waitConn(t, rec, ConnDiscoveringCharacteristics)
	m.CharacteristicsDiscovered(testDeviceID, ServiceUUID, []transport.Characteristic{
		{UUID: IngestCharUUID, Writable: true},
	}, nil)
	return waitConn(t, rec, ConnReady)
}

func TestManagerScanLifecycle(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	m.ScanFilter = nil

	// Before the adapter reports powered on, scanning is refused.
	m.StartScan()
	if s := m.ScanState(); s != ScanPoweredOff {
		t.Fatalf("scan state = %s, want PoweredOff", s)
	}
	if fake.isScanning() {
		t.Fatal("transport scanning before the adapter was powered")
	}

	m.AdapterStateChanged(transport.AdapterPoweredOn)
	waitScan(t, rec, ScanIdle)
	m.StartScan()
	waitScan(t, rec, ScanScanning)
	if !fake.isScanning() {
		t.Fatal("transport not scanning")
	}

	m.DeviceDiscovered(transport.Advertisement{DeviceID: "AA", LocalName: "one", RSSI: -50})
	waitDevice(t, rec.found)
	m.DeviceDiscovered(transport.Advertisement{DeviceID: "AA", LocalName: "one", RSSI: -45})
	waitDevice(t, rec.updated)
	m.DeviceDiscovered(transport.Advertisement{DeviceID: "BB", LocalName: "two", RSSI: -70})
	waitDevice(t, rec.found)

	devs := m.Devices()
	if len(devs) != 2 || devs[0].Identifier != "AA" || devs[1].Identifier != "BB" {
		t.Fatalf("devices = %+v", devs)
	}
	if devs[0].SignalStrength != -45 {
		t.Fatalf("rssi not refreshed: %d", devs[0].SignalStrength)
	}

	m.StopScan()
	waitScan(t, rec, ScanIdle)
	if fake.isScanning() {
		t.Fatal("transport still scanning after StopScan")
	}

	// Sightings outside a scan session are ignored.
	m.DeviceDiscovered(transport.Advertisement{DeviceID: "CC", RSSI: -80})
	if got := len(m.Devices()); got != 2 {
		t.Fatalf("device table grew to %d while idle", got)
	}
}

func TestManagerConnectReady(t *testing.T) {
	fake := newFakeCentral()
	fake.chunk = 247
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)

	conn := connectReady(t, m, rec)
	if conn.WritableCharacteristic != IngestCharUUID {
		t.Fatalf("selected %s, want %s", conn.WritableCharacteristic, IngestCharUUID)
	}
	if conn.NegotiatedChunkSize != 247 {
		t.Fatalf("chunk = %d, want 247", conn.NegotiatedChunkSize)
	}
	if got, ok := m.ConnectionState(); !ok || got.State != ConnReady {
		t.Fatalf("snapshot = (%+v, %v)", got, ok)
	}
}

func TestManagerConnectGuards(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})

	if err := m.Connect(testDeviceID); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("connect while powered off = %v, want ErrAdapterUnavailable", err)
	}

	discoverDevice(t, m, rec)
	if err := m.Connect("never-seen"); err == nil {
		t.Fatal("connect to an unknown device succeeded")
	}
	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(testDeviceID); !errors.Is(err, ErrBusy) {
		t.Fatalf("second connect = %v, want ErrBusy", err)
	}
}

func TestManagerConnectTimeout(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{Connect: 25 * time.Millisecond})
	discoverDevice(t, m, rec)

	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := waitConn(t, rec, ConnFailed)
	if !errors.Is(conn.Err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", conn.Err)
	}
	if fake.disconnectCount() == 0 {
		t.Fatal("pending dial was not canceled")
	}
}

func TestManagerDiscoveryTimeout(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{Discover: 25 * time.Millisecond})
	discoverDevice(t, m, rec)

	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.DeviceConnected(testDeviceID)
	waitConn(t, rec, ConnDiscoveringServices)

	conn := waitConn(t, rec, ConnFailed)
	if !errors.Is(conn.Err, ErrDiscoveryTimeout) {
		t.Fatalf("err = %v, want ErrDiscoveryTimeout", conn.Err)
	}
}

func TestManagerNoWritableCharacteristic(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)

	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.DeviceConnected(testDeviceID)
	waitConn(t, rec, ConnDiscoveringServices)
	m.ServicesDiscovered(testDeviceID, []string{"1800"}, nil)
	waitConn(t, rec, ConnDiscoveringCharacteristics)
	m.CharacteristicsDiscovered(testDeviceID, "1800", []transport.Characteristic{
		{UUID: "2A05", Notify: true},
	}, nil)

	conn := waitConn(t, rec, ConnFailed)
	if !errors.Is(conn.Err, ErrNoWritableCharacteristic) {
		t.Fatalf("err = %v, want ErrNoWritableCharacteristic", conn.Err)
	}
	if fake.disconnectCount() == 0 {
		t.Fatal("useless link was not dropped")
	}
}

func TestManagerFallbackCharacteristicSelection(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)

	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.DeviceConnected(testDeviceID)
	waitConn(t, rec, ConnDiscoveringServices)
	m.ServicesDiscovered(testDeviceID, []string{"1800", "180A"}, nil)
	waitConn(t, rec, ConnDiscoveringCharacteristics)
	m.CharacteristicsDiscovered(testDeviceID, "1800", []transport.Characteristic{
		{UUID: "2A00", Writable: true},
	}, nil)
	m.CharacteristicsDiscovered(testDeviceID, "180A", []transport.Characteristic{
		{UUID: "2A29", Notify: true},
	}, nil)

	conn := waitConn(t, rec, ConnReady)
	if conn.WritableCharacteristic != "2A00" {
		t.Fatalf("selected %s, want first writable 2A00", conn.WritableCharacteristic)
	}
}

func TestManagerAdapterLossDuringSetup(t *testing.T) {
	fake := newFakeCentral()
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)

	if err := m.Connect(testDeviceID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.AdapterStateChanged(transport.AdapterPoweredOff)

	conn := waitConn(t, rec, ConnFailed)
	if !errors.Is(conn.Err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", conn.Err)
	}
	if s := m.ScanState(); s != ScanPoweredOff {
		t.Fatalf("scan state = %s, want PoweredOff", s)
	}
}

func TestManagerTransferEndToEnd(t *testing.T) {
	fake := newFakeCentral()
	fake.autoAck = true
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)
	connectReady(t, m, rec)

	data := sessionPayload(1025)
	crc := frame.ChecksumBytes(data)
	job, err := m.Begin(MemoryFile("notes.bin", data), testDeviceID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if job.Status != JobInProgress || job.TotalBytes != 1025 || job.Checksum != crc {
		t.Fatalf("job = %+v", job)
	}

	done := waitJob(t, rec.finished)
	if done.ID != job.ID || done.Status != JobCompleted || done.BytesSent != 1025 {
		t.Fatalf("done = %+v", done)
	}

	codec := frame.NewCodec(512)
	writes := fake.snapshotWrites()
	if len(writes) != 5 {
		t.Fatalf("wrote %d frames, want 5", len(writes))
	}
	var reassembled []byte
	for i, buf := range writes {
		f, err := codec.Decode(buf)
		if err != nil {
			t.Fatalf("frame %d undecodable: %v", i, err)
		}
		switch i {
		case 0:
			if f.Type != frame.TypeMetadata {
				t.Fatalf("frame 0 = %s, want METADATA", f.Type)
			}
		case 4:
			if f.Type != frame.TypeEnd || f.SequenceNumber != 4 {
				t.Fatalf("frame 4 = %s seq %d, want END seq 4", f.Type, f.SequenceNumber)
			}
		default:
			if f.Type != frame.TypeData || f.SequenceNumber != uint32(i) {
				t.Fatalf("frame %d = %s seq %d", i, f.Type, f.SequenceNumber)
			}
			reassembled = append(reassembled, f.Payload...)
		}
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("reassembled bytes differ from the file")
	}
	if max := fake.maxOut(); max != 1 {
		t.Fatalf("%d writes were outstanding at once, want 1", max)
	}
}

func waitBusEvent(t *testing.T, events <-chan status.Event, typ string) status.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s event", typ)
			return status.Event{}
		}
	}
}

func TestManagerPublishesStatusEvents(t *testing.T) {
	fake := newFakeCentral()
	fake.autoAck = true
	rec := newRecorder()
	m := NewManager(fake, rec.callbacks())
	bus := status.NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()
	m.Bus = bus
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Close)

	discoverDevice(t, m, rec)
	connectReady(t, m, rec)

	data := sessionPayload(1025)
	job, err := m.Begin(MemoryFile("notes.bin", data), testDeviceID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if done := waitJob(t, rec.finished); done.Status != JobCompleted {
		t.Fatalf("done = %+v", done)
	}

	// One subscriber channel preserves publish order, so sequential
	// waits double as an ordering check.
	waitBusEvent(t, events, status.TypeAdapterState)
	waitBusEvent(t, events, status.TypeScanStarted)
	found := waitBusEvent(t, events, status.TypeDeviceFound)
	if found.Data["device_id"] != testDeviceID {
		t.Fatalf("discovery event data = %v", found.Data)
	}
	for {
		evt := waitBusEvent(t, events, status.TypeConnectionState)
		if evt.Data["state"] == ConnReady.String() {
			break
		}
	}
	started := waitBusEvent(t, events, status.TypeTransferStarted)
	if started.Data["job_id"] != job.ID.String() || started.Data["file_name"] != "notes.bin" {
		t.Fatalf("start event data = %v", started.Data)
	}
	progress := waitBusEvent(t, events, status.TypeTransferProgress)
	if progress.Data["job_id"] != job.ID.String() {
		t.Fatalf("progress event data = %v", progress.Data)
	}
	completed := waitBusEvent(t, events, status.TypeTransferCompleted)
	if completed.Data["checksum"] != frame.ChecksumBytes(data) {
		t.Fatalf("completed event data = %v", completed.Data)
	}
}

func TestManagerTransferCancel(t *testing.T) {
	fake := newFakeCentral()
	fake.writeSignal = make(chan []byte, 16)
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)
	connectReady(t, m, rec)

	data := sessionPayload(2048)
	job, err := m.Begin(MemoryFile("big.bin", data), testDeviceID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	<-fake.writeSignal // METADATA
	fake.ack(testDeviceID, IngestCharUUID)
	<-fake.writeSignal // DATA 1

	if err := m.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	fake.ack(testDeviceID, IngestCharUUID)

	done := waitJob(t, rec.finished)
	if done.Status != JobAborted || done.BytesSent != 512 {
		t.Fatalf("done = %s sent %d, want Aborted sent 512", done.Status, done.BytesSent)
	}
	select {
	case buf := <-fake.writeSignal:
		t.Fatalf("unexpected write after abort: % x", buf[:frame.HeaderSize])
	case <-time.After(50 * time.Millisecond):
	}

	// The link survives a cancel; the next job may reuse it.
	if conn, ok := m.ConnectionState(); !ok || conn.State != ConnReady {
		t.Fatalf("connection after cancel = %+v", conn)
	}
}

func TestManagerWriteTimeout(t *testing.T) {
	fake := newFakeCentral()
	fake.writeSignal = make(chan []byte, 16)
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{WriteAck: 25 * time.Millisecond})
	discoverDevice(t, m, rec)
	connectReady(t, m, rec)

	if _, err := m.Begin(MemoryFile("f", sessionPayload(64)), testDeviceID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	<-fake.writeSignal // METADATA, never acked

	done := waitJob(t, rec.finished)
	if done.Status != JobFailed || !errors.Is(done.Err, ErrWriteTimeout) {
		t.Fatalf("done = %s err %v, want Failed with ErrWriteTimeout", done.Status, done.Err)
	}
	if fake.disconnectCount() == 0 {
		t.Fatal("stalled link was not torn down")
	}

	m.DeviceDisconnected(testDeviceID, nil)
	conn := waitConn(t, rec, ConnDisconnected)
	if !errors.Is(conn.Err, ErrWriteTimeout) {
		t.Fatalf("connection err = %v, want ErrWriteTimeout", conn.Err)
	}
}

func TestManagerLinkLossMidTransfer(t *testing.T) {
	fake := newFakeCentral()
	fake.writeSignal = make(chan []byte, 16)
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)
	connectReady(t, m, rec)

	if _, err := m.Begin(MemoryFile("f", sessionPayload(2048)), testDeviceID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	<-fake.writeSignal // METADATA
	fake.ack(testDeviceID, IngestCharUUID)
	<-fake.writeSignal // DATA 1

	m.DeviceDisconnected(testDeviceID, errors.New("connection reset by peer"))

	conn := waitConn(t, rec, ConnDisconnected)
	if !errors.Is(conn.Err, ErrLinkLost) {
		t.Fatalf("connection err = %v, want ErrLinkLost", conn.Err)
	}
	done := waitJob(t, rec.finished)
	if done.Status != JobFailed || !errors.Is(done.Err, ErrLinkLost) {
		t.Fatalf("done = %s err %v, want Failed with ErrLinkLost", done.Status, done.Err)
	}
}

func TestManagerBeginGuards(t *testing.T) {
	fake := newFakeCentral()
	fake.writeSignal = make(chan []byte, 16)
	rec := newRecorder()
	m := startManager(t, fake, rec, Timeouts{})
	discoverDevice(t, m, rec)

	if _, err := m.Begin(MemoryFile("f", sessionPayload(8)), testDeviceID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("begin without a connection = %v, want ErrNotReady", err)
	}

	connectReady(t, m, rec)
	if _, err := m.Begin(MemoryFile("f", sessionPayload(2048)), testDeviceID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.Begin(MemoryFile("g", sessionPayload(8)), testDeviceID); !errors.Is(err, ErrBusy) {
		t.Fatalf("second begin = %v, want ErrBusy", err)
	}
}
