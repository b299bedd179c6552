// Package central drives the sending side of a transfer: it scans for
// devices, walks one connection at a time from dial to a writable
// characteristic, and pushes files over the link one frame per
// acknowledged write.
//
// All state lives on a single goroutine. Transport callbacks, API
// calls and timer expiries are posted to that goroutine as closures,
// so none of the state machines need locks.
package central

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bluedrop/frame"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/transport"
	"github.com/user/bluedrop/util"
)

const logPrefix = "central"

// Timeouts bounds the suspension points of a connection and transfer.
// Zero fields take the package defaults.
type Timeouts struct {
	Connect  time.Duration
	Discover time.Duration
	WriteAck time.Duration
}

func (t Timeouts) orDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Discover <= 0 {
		t.Discover = DefaultDiscoverTimeout
	}
	if t.WriteAck <= 0 {
		t.WriteAck = DefaultWriteAckTimeout
	}
	return t
}

// Callbacks notify the application of state changes. Every field is
// optional. Callbacks run on the Manager's loop goroutine: return
// promptly, and never call Manager methods from inside one.
type Callbacks struct {
	ScanStateChanged  func(ScanState)
	DeviceDiscovered  func(Device)
	DeviceUpdated     func(Device)
	ConnectionChanged func(Connection)
	TransferProgress  func(Job)
	TransferDone      func(Job)
}

// Manager owns the sender role end to end. Construct with NewManager,
// set Timeouts and ScanFilter if needed, then Start. Methods are safe
// from any goroutine once Start has returned.
type Manager struct {
	// Set before Start.
	Timeouts   Timeouts
	ScanFilter []string
	Bus        *status.Bus // optional observer feed, mirrors the callbacks

	tr transport.Central
	cb Callbacks

	calls chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// Loop-owned state.
	t        Timeouts
	scan     *scanner
	conn     *Connection
	sess     *session
	timer    *time.Timer
	timerGen uint64
}

func NewManager(tr transport.Central, cb Callbacks) *Manager {
	return &Manager{
		tr:    tr,
		cb:    cb,
		calls: make(chan func(), 256),
		done:  make(chan struct{}),
		scan:  newScanner(),
	}
}

// Start launches the loop and the transport. Transport events may
// arrive before Start returns; they queue until the loop picks them
// up.
func (m *Manager) Start() error {
	m.t = m.Timeouts.orDefaults()
	m.wg.Add(1)
	go m.loop()
	if err := m.tr.Start(m); err != nil {
		m.shutdown()
		return fmt.Errorf("central: transport start: %w", err)
	}
	return nil
}

// Close stops the loop and the transport. Pending callbacks are
// dropped.
func (m *Manager) Close() {
	m.shutdown()
	m.tr.Stop()
}

func (m *Manager) shutdown() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.calls:
			f()
		case <-m.done:
			return
		}
	}
}

// post hands a closure to the loop goroutine. Drops it when the
// manager is closed, so a stale timer or transport callback can never
// block.
func (m *Manager) post(f func()) {
	select {
	case m.calls <- f:
	case <-m.done:
	}
}

// armTimer schedules f on the loop after d, replacing any armed
// timer. The generation check makes late firings harmless: only the
// newest armed timer can act.
func (m *Manager) armTimer(d time.Duration, f func()) {
	m.timerGen++
	gen := m.timerGen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		m.post(func() {
			if m.timerGen == gen {
				f()
			}
		})
	})
}

func (m *Manager) disarmTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// StartScan begins discovery if the adapter is powered and idle,
// resetting the device table. Any other state makes it a no-op.
func (m *Manager) StartScan() {
	m.post(func() {
		if !m.scan.startScan() {
			logger.Debug(logPrefix, "scan request ignored in state %s", m.scan.state)
			return
		}
		if err := m.tr.StartScan(m.ScanFilter); err != nil {
			m.scan.stopScan()
			logger.Warn(logPrefix, "scan failed to start: %v", err)
			return
		}
		logger.Info(logPrefix, "scanning started")
		m.emitScan()
		m.publish(status.TypeScanStarted, nil)
	})
}

// StopScan ends discovery. The device table stays readable until the
// next StartScan.
func (m *Manager) StopScan() {
	m.post(func() {
		if !m.scan.stopScan() {
			return
		}
		m.tr.StopScan()
		logger.Info(logPrefix, "scanning stopped")
		m.emitScan()
		m.publish(status.TypeScanStopped, nil)
	})
}

// Connect starts a connection attempt to a previously discovered
// device. One attempt at a time: a live connection must reach a
// terminal state before the next Connect.
func (m *Manager) Connect(deviceID string) error {
	reply := make(chan error, 1)
	m.post(func() { reply <- m.startConnect(deviceID) })
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrNotReady
	}
}

func (m *Manager) startConnect(deviceID string) error {
	if m.conn != nil && !m.conn.terminal() {
		return ErrBusy
	}
	switch m.scan.state {
	case ScanPoweredOff, ScanUnauthorized, ScanUnsupported:
		return ErrAdapterUnavailable
	}
	dev, ok := m.scan.lookup(deviceID)
	if !ok {
		return fmt.Errorf("central: unknown device %s", deviceID)
	}

	m.conn = newConnection(dev)
	m.sess = nil
	logger.Info(logPrefix, "connecting to %q (%s)", dev.AdvertisedName, util.ShortID(deviceID))
	m.emitConnection()

	if err := m.tr.Connect(deviceID); err != nil {
		m.conn.fail(fmt.Errorf("central: %w: %v", ErrConnectionFailed, err))
		m.emitConnection()
		return m.conn.Err
	}
	m.armTimer(m.t.Connect, func() {
		if m.conn == nil || m.conn.terminal() || m.conn.State != ConnConnecting {
			return
		}
		m.failConnection(fmt.Errorf("central: no connection after %s: %w", m.t.Connect, ErrConnectionFailed), true)
	})
	return nil
}

// Disconnect tears down the live connection, if any. The terminal
// state lands when the transport confirms the link is gone.
func (m *Manager) Disconnect() {
	m.post(func() {
		if m.conn == nil || m.conn.terminal() {
			return
		}
		m.conn.localClose = true
		m.tr.Disconnect(m.conn.Device.Identifier)
	})
}

// Begin checksums the file on the caller's goroutine, then starts a
// transfer job over the Ready connection to deviceID. Exactly one
// non-terminal job exists at a time.
func (m *Manager) Begin(f File, deviceID string) (Job, error) {
	r, err := f.Open()
	if err != nil {
		return Job{}, err
	}
	checksum, totalBytes, err := frame.Checksum(r)
	r.Close()
	if err != nil {
		return Job{}, fmt.Errorf("central: checksum %s: %w", f.Name(), err)
	}

	type result struct {
		job Job
		err error
	}
	reply := make(chan result, 1)
	m.post(func() {
		job, err := m.beginTransfer(f, deviceID, totalBytes, checksum)
		reply <- result{job, err}
	})
	select {
	case res := <-reply:
		return res.job, res.err
	case <-m.done:
		return Job{}, ErrNotReady
	}
}

func (m *Manager) beginTransfer(f File, deviceID string, totalBytes uint64, checksum uint32) (Job, error) {
	if m.conn == nil || m.conn.State != ConnReady || m.conn.Device.Identifier != deviceID {
		return Job{}, ErrNotReady
	}
	if m.sess != nil && !m.sess.job.terminal() {
		return Job{}, ErrBusy
	}

	sess := newSession(f, deviceID, m.conn.WritableCharacteristic, m.conn.NegotiatedChunkSize, totalBytes, checksum)
	buf, err := sess.start()
	if err != nil {
		return Job{}, err
	}
	m.sess = sess
	if err := m.writeFrame(buf); err != nil {
		cause := fmt.Errorf("central: write: %v", err)
		sess.fail(cause)
		if !m.conn.terminal() {
			m.conn.closeCause = cause
			m.tr.Disconnect(deviceID)
		}
		return Job{}, sess.job.Err
	}
	logger.Info(logPrefix, "transfer %s started: %q, %d bytes in %d chunks of %d",
		sess.job.ID, sess.job.FileName, totalBytes, sess.total, sess.chunk)
	m.publish(status.TypeTransferStarted, map[string]any{
		"job_id": sess.job.ID.String(), "file_name": sess.job.FileName, "total_bytes": totalBytes,
	})
	return sess.job, nil
}

// Cancel requests cooperative cancellation of the job. It takes
// effect at the next write acknowledgment; a job whose END was
// already acknowledged completes anyway. Canceling a terminal job is
// a no-op.
func (m *Manager) Cancel(jobID uuid.UUID) error {
	reply := make(chan error, 1)
	m.post(func() {
		if m.sess == nil || m.sess.job.ID != jobID {
			reply <- fmt.Errorf("central: unknown job %s", jobID)
			return
		}
		if !m.sess.job.terminal() {
			m.sess.requestCancel()
			logger.Info(logPrefix, "cancel requested for job %s", jobID)
		}
		reply <- nil
	})
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrNotReady
	}
}

// ScanState reports the scanner's current state.
func (m *Manager) ScanState() ScanState {
	reply := make(chan ScanState, 1)
	m.post(func() { reply <- m.scan.state })
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return ScanPoweredOff
	}
}

// Devices lists the current scan session's devices in first-sighting
// order.
func (m *Manager) Devices() []Device {
	reply := make(chan []Device, 1)
	m.post(func() { reply <- m.scan.snapshot() })
	select {
	case out := <-reply:
		return out
	case <-m.done:
		return nil
	}
}

// ConnectionState reports a snapshot of the current connection
// attempt, if one exists.
func (m *Manager) ConnectionState() (Connection, bool) {
	type result struct {
		conn Connection
		ok   bool
	}
	reply := make(chan result, 1)
	m.post(func() {
		if m.conn == nil {
			reply <- result{}
			return
		}
		reply <- result{*m.conn, true}
	})
	select {
	case res := <-reply:
		return res.conn, res.ok
	case <-m.done:
		return Connection{}, false
	}
}

// ActiveJob reports a snapshot of the most recent transfer job, if
// one exists.
func (m *Manager) ActiveJob() (Job, bool) {
	type result struct {
		job Job
		ok  bool
	}
	reply := make(chan result, 1)
	m.post(func() {
		if m.sess == nil {
			reply <- result{}
			return
		}
		reply <- result{m.sess.job, true}
	})
	select {
	case res := <-reply:
		return res.job, res.ok
	case <-m.done:
		return Job{}, false
	}
}

// transport.CentralHandler. These arrive on transport goroutines and
// are shuttled onto the loop.

var _ transport.CentralHandler = (*Manager)(nil)

func (m *Manager) AdapterStateChanged(state transport.AdapterState) {
	m.post(func() { m.handleAdapterState(state) })
}

func (m *Manager) DeviceDiscovered(adv transport.Advertisement) {
	m.post(func() { m.handleDiscovered(adv) })
}

func (m *Manager) DeviceConnected(deviceID string) {
	m.post(func() { m.handleConnected(deviceID) })
}

func (m *Manager) DeviceConnectFailed(deviceID string, err error) {
	m.post(func() { m.handleConnectFailed(deviceID, err) })
}

func (m *Manager) DeviceDisconnected(deviceID string, err error) {
	m.post(func() { m.handleDisconnected(deviceID, err) })
}

func (m *Manager) ServicesDiscovered(deviceID string, serviceUUIDs []string, err error) {
	m.post(func() { m.handleServices(deviceID, serviceUUIDs, err) })
}

func (m *Manager) CharacteristicsDiscovered(deviceID, serviceUUID string, chars []transport.Characteristic, err error) {
	m.post(func() { m.handleCharacteristics(deviceID, serviceUUID, chars, err) })
}

func (m *Manager) WriteCompleted(deviceID, charUUID string, err error) {
	m.post(func() { m.handleWriteCompleted(deviceID, charUUID, err) })
}

func (m *Manager) handleAdapterState(state transport.AdapterState) {
	prev, scanStopped := m.scan.setAdapter(state)
	logger.Info(logPrefix, "adapter %s, scan state %s", state, m.scan.state)
	m.publish(status.TypeAdapterState, map[string]any{"state": state.String()})
	if scanStopped {
		m.tr.StopScan()
		m.publish(status.TypeScanStopped, map[string]any{"reason": state.String()})
	}
	if m.scan.state != prev {
		m.emitScan()
	}
	if state != transport.AdapterPoweredOn && m.conn != nil && !m.conn.terminal() {
		m.failConnection(fmt.Errorf("central: %w: adapter %s", ErrAdapterUnavailable, state), false)
	}
}

func (m *Manager) handleDiscovered(adv transport.Advertisement) {
	if m.scan.state != ScanScanning {
		return
	}
	dev, isNew := m.scan.upsert(adv)
	data := map[string]any{
		"device_id": dev.Identifier,
		"name":      dev.AdvertisedName,
		"rssi":      dev.SignalStrength,
	}
	if isNew {
		logger.Debug(logPrefix, "discovered %q (%s) rssi %d", dev.AdvertisedName, util.ShortID(dev.Identifier), dev.SignalStrength)
		if m.cb.DeviceDiscovered != nil {
			m.cb.DeviceDiscovered(dev)
		}
		m.publish(status.TypeDeviceFound, data)
		return
	}
	if m.cb.DeviceUpdated != nil {
		m.cb.DeviceUpdated(dev)
	}
	m.publish(status.TypeDeviceUpdate, data)
}

func (m *Manager) handleConnected(deviceID string) {
	if !m.connMatches(deviceID) || m.conn.State != ConnConnecting {
		return
	}
	m.disarmTimer()
	m.conn.beginServiceDiscovery()
	logger.Info(logPrefix, "connected to %s, discovering services", util.ShortID(deviceID))
	m.emitConnection()
	if err := m.tr.DiscoverServices(deviceID); err != nil {
		m.failConnection(fmt.Errorf("central: %w: %v", ErrConnectionFailed, err), true)
		return
	}
	m.armTimer(m.t.Discover, m.onDiscoverTimeout)
}

func (m *Manager) handleConnectFailed(deviceID string, err error) {
	if !m.connMatches(deviceID) || m.conn.State != ConnConnecting {
		return
	}
	m.failConnection(fmt.Errorf("central: %w: %v", ErrConnectionFailed, err), false)
}

func (m *Manager) handleServices(deviceID string, serviceUUIDs []string, err error) {
	if !m.connMatches(deviceID) || m.conn.State != ConnDiscoveringServices {
		return
	}
	m.disarmTimer()
	if err != nil {
		m.failConnection(fmt.Errorf("central: %w: service discovery: %v", ErrConnectionFailed, err), true)
		return
	}
	probe := m.conn.setServices(serviceUUIDs)
	if probe == "" {
		m.failConnection(fmt.Errorf("central: device exposes no services: %w", ErrNoWritableCharacteristic), true)
		return
	}
	logger.Debug(logPrefix, "%d services on %s, probing %s first", len(serviceUUIDs), util.ShortID(deviceID), probe)
	m.emitConnection()
	if derr := m.tr.DiscoverCharacteristics(deviceID, probe); derr != nil {
		m.failConnection(fmt.Errorf("central: %w: characteristic discovery: %v", ErrConnectionFailed, derr), true)
		return
	}
	m.armTimer(m.t.Discover, m.onDiscoverTimeout)
}

func (m *Manager) handleCharacteristics(deviceID, serviceUUID string, chars []transport.Characteristic, err error) {
	if !m.connMatches(deviceID) || m.conn.State != ConnDiscoveringCharacteristics {
		return
	}
	m.disarmTimer()
	if err != nil {
		m.failConnection(fmt.Errorf("central: %w: characteristic discovery: %v", ErrConnectionFailed, err), true)
		return
	}

	ready, next := m.conn.offerCharacteristics(serviceUUID, chars)
	switch {
	case ready:
		chunk := m.tr.ChunkSize(deviceID)
		if chunk <= 0 {
			chunk = frame.DefaultChunkSize
		}
		m.conn.complete(chunk)
		logger.Info(logPrefix, "ready: %s char %s, chunk %d", util.ShortID(deviceID), m.conn.WritableCharacteristic, chunk)
		m.emitConnection()
	case next != "":
		if derr := m.tr.DiscoverCharacteristics(deviceID, next); derr != nil {
			m.failConnection(fmt.Errorf("central: %w: characteristic discovery: %v", ErrConnectionFailed, derr), true)
			return
		}
		m.armTimer(m.t.Discover, m.onDiscoverTimeout)
	default:
		m.failConnection(fmt.Errorf("central: %w", ErrNoWritableCharacteristic), true)
	}
}

func (m *Manager) handleDisconnected(deviceID string, err error) {
	if !m.connMatches(deviceID) {
		return
	}
	m.disarmTimer()

	var cause error
	switch {
	case m.conn.localClose:
		cause = nil
	case m.conn.closeCause != nil:
		cause = m.conn.closeCause
	case err != nil:
		cause = fmt.Errorf("central: %w: %v", ErrLinkLost, err)
	default:
		cause = fmt.Errorf("central: %w", ErrLinkLost)
	}

	wasReady := m.conn.State == ConnReady
	m.conn.disconnected(cause)
	if wasReady {
		logger.Info(logPrefix, "disconnected from %s: %v", util.ShortID(deviceID), cause)
	} else {
		logger.Warn(logPrefix, "link to %s lost during setup: %v", util.ShortID(deviceID), cause)
	}
	m.emitConnection()

	if cause == nil {
		cause = fmt.Errorf("central: %w", ErrLinkLost)
	}
	m.failActiveJob(cause)
}

func (m *Manager) handleWriteCompleted(deviceID, charUUID string, err error) {
	if m.sess == nil || m.sess.job.terminal() || deviceID != m.sess.deviceID || charUUID != m.sess.charUUID {
		return
	}
	m.disarmTimer()

	if err != nil {
		cause := fmt.Errorf("central: write rejected: %v", err)
		m.sess.fail(cause)
		if m.conn != nil && !m.conn.terminal() {
			m.conn.closeCause = cause
			m.tr.Disconnect(deviceID)
		}
		m.emitTransferDone()
		return
	}

	next, ackErr := m.sess.ack()
	if ackErr != nil {
		// A local read failure: the job dies, the link stays up.
		m.emitTransferDone()
		return
	}
	if next == nil {
		m.emitTransferDone()
		return
	}
	if m.cb.TransferProgress != nil {
		m.cb.TransferProgress(m.sess.job)
	}
	fraction := 1.0
	if m.sess.job.TotalBytes > 0 {
		fraction = float64(m.sess.job.BytesSent) / float64(m.sess.job.TotalBytes)
	}
	m.publish(status.TypeTransferProgress, map[string]any{
		"job_id": m.sess.job.ID.String(), "sent": m.sess.job.BytesSent,
		"total_bytes": m.sess.job.TotalBytes, "fraction": fraction,
	})
	if werr := m.writeFrame(next); werr != nil {
		cause := fmt.Errorf("central: write: %v", werr)
		m.sess.fail(cause)
		if m.conn != nil && !m.conn.terminal() {
			m.conn.closeCause = cause
			m.tr.Disconnect(deviceID)
		}
		m.emitTransferDone()
	}
}

func (m *Manager) onDiscoverTimeout() {
	if m.conn == nil || m.conn.terminal() {
		return
	}
	if m.conn.State != ConnDiscoveringServices && m.conn.State != ConnDiscoveringCharacteristics {
		return
	}
	m.failConnection(fmt.Errorf("central: no discovery result after %s: %w", m.t.Discover, ErrDiscoveryTimeout), true)
}

// writeFrame issues one frame and arms the ack timer. Exactly one
// write is ever outstanding.
func (m *Manager) writeFrame(buf []byte) error {
	if err := m.tr.Write(m.sess.deviceID, m.sess.charUUID, buf); err != nil {
		return err
	}
	m.armTimer(m.t.WriteAck, func() {
		if m.sess == nil || m.sess.job.terminal() {
			return
		}
		cause := fmt.Errorf("central: no write ack after %s: %w", m.t.WriteAck, ErrWriteTimeout)
		m.sess.fail(cause)
		if m.conn != nil && !m.conn.terminal() {
			m.conn.closeCause = cause
			m.tr.Disconnect(m.sess.deviceID)
		}
		m.emitTransferDone()
	})
	return nil
}

// failConnection moves the connection to Failed, drops the physical
// link when asked, and fails any job riding on it.
func (m *Manager) failConnection(cause error, dropLink bool) {
	m.disarmTimer()
	id := m.conn.Device.Identifier
	m.conn.fail(cause)
	logger.Warn(logPrefix, "connection to %s failed: %v", util.ShortID(id), cause)
	if dropLink {
		m.tr.Disconnect(id)
	}
	m.emitConnection()
	m.failActiveJob(cause)
}

func (m *Manager) failActiveJob(cause error) {
	if m.sess == nil || m.sess.job.terminal() {
		return
	}
	m.sess.fail(cause)
	m.emitTransferDone()
}

func (m *Manager) connMatches(deviceID string) bool {
	return m.conn != nil && !m.conn.terminal() && m.conn.Device.Identifier == deviceID
}

func (m *Manager) emitScan() {
	if m.cb.ScanStateChanged != nil {
		m.cb.ScanStateChanged(m.scan.state)
	}
}

func (m *Manager) emitConnection() {
	if m.cb.ConnectionChanged != nil {
		m.cb.ConnectionChanged(*m.conn)
	}
	data := map[string]any{
		"device_id": m.conn.Device.Identifier,
		"state":     m.conn.State.String(),
	}
	if m.conn.Err != nil {
		data["error"] = m.conn.Err.Error()
	}
	m.publish(status.TypeConnectionState, data)
}

func (m *Manager) emitTransferDone() {
	job := m.sess.job
	switch job.Status {
	case JobCompleted:
		logger.Info(logPrefix, "transfer %s completed: %q, %d bytes", job.ID, job.FileName, job.BytesSent)
		m.publish(status.TypeTransferCompleted, map[string]any{
			"job_id": job.ID.String(), "file_name": job.FileName,
			"total_bytes": job.TotalBytes, "checksum": job.Checksum,
		})
	case JobAborted:
		logger.Info(logPrefix, "transfer %s aborted after %d of %d bytes", job.ID, job.BytesSent, job.TotalBytes)
		m.publish(status.TypeTransferFailed, map[string]any{
			"job_id": job.ID.String(), "file_name": job.FileName, "error": "cancelled",
		})
	default:
		logger.Warn(logPrefix, "transfer %s failed after %d of %d bytes: %v", job.ID, job.BytesSent, job.TotalBytes, job.Err)
		data := map[string]any{"job_id": job.ID.String(), "file_name": job.FileName}
		if job.Err != nil {
			data["error"] = job.Err.Error()
		}
		m.publish(status.TypeTransferFailed, data)
	}
	if m.cb.TransferDone != nil {
		m.cb.TransferDone(job)
	}
}

func (m *Manager) publish(typ string, data map[string]any) {
	if m.Bus != nil {
		m.Bus.Publish(typ, data)
	}
}
