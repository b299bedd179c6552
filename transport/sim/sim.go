// Package sim is an in-memory BLE stack for tests and the demo binary:
// one simulated central linked to any number of simulated peripherals,
// with injectable connect failures, write failures, withheld write acks
// and in-flight frame corruption. All events flow through a single
// dispatch goroutine, so delivery order is deterministic: the data a
// write carries always reaches the peripheral before the central sees
// the write's ack.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/transport"
)

const (
	// DefaultChunkSize mirrors a 515-byte MTU link, the common case for
	// modern stacks.
	DefaultChunkSize = 512

	eventQueueDepth = 4096
)

// Service is one GATT service a simulated peripheral exposes.
type Service struct {
	UUID            string
	Characteristics []transport.Characteristic
}

// PeripheralConfig describes a simulated peripheral.
type PeripheralConfig struct {
	DeviceID  string // defaults to a fresh UUID
	LocalName string
	RSSI      int16 // defaults to -40 dBm
	ChunkSize int   // defaults to DefaultChunkSize
	Services  []Service
}

// Network owns the dispatch loop and the simulated devices.
type Network struct {
	mu          sync.Mutex
	central     *Central
	peripherals map[string]*Peripheral
	queue       chan func()
	quit        chan struct{}
	closeOnce   sync.Once
	latency     time.Duration
}

// NewNetwork creates a network with one central whose adapter starts
// powered on.
func NewNetwork() *Network {
	n := &Network{
		peripherals: make(map[string]*Peripheral),
		queue:       make(chan func(), eventQueueDepth),
		quit:        make(chan struct{}),
	}
	n.central = &Central{
		net:          n,
		id:           uuid.NewString(),
		adapterState: transport.AdapterPoweredOn,
		failAfter:    -1,
	}
	go n.dispatch()
	return n
}

// SetLatency adds a delay before each delivered event, for demos that
// want visible pacing. Zero (the default) keeps tests fast.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Central returns the network's central.
func (n *Network) Central() *Central {
	return n.central
}

// AddPeripheral registers a peripheral on the network. It is invisible
// to scans until its Start is called.
func (n *Network) AddPeripheral(cfg PeripheralConfig) *Peripheral {
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = -40
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	p := &Peripheral{net: n, cfg: cfg}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.peripherals[cfg.DeviceID] = p
	return p
}

// Close stops the dispatch loop. Pending events are dropped.
func (n *Network) Close() {
	n.closeOnce.Do(func() { close(n.quit) })
}

func (n *Network) dispatch() {
	for {
		select {
		case <-n.quit:
			return
		case fn := <-n.queue:
			n.mu.Lock()
			latency := n.latency
			n.mu.Unlock()
			if latency > 0 {
				time.Sleep(latency)
			}
			fn()
		}
	}
}

// post enqueues an event for ordered delivery. Posting never blocks:
// when the queue is full (a stalled consumer) the event is dropped with
// a warning, mirroring how a real radio drops what nobody services.
func (n *Network) post(fn func()) {
	select {
	case <-n.quit:
	case n.queue <- fn:
	default:
		logger.Warn("sim", "event queue full, dropping event")
	}
}

func (n *Network) peripheral(deviceID string) *Peripheral {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peripherals[deviceID]
}

// Central simulates the sender-side stack. The zero value is unusable;
// obtain one from Network.Central.
type Central struct {
	net *Network
	id  string

	mu             sync.Mutex
	handler        transport.CentralHandler
	adapterState   transport.AdapterState
	scanning       bool
	scanFilter     []string
	linkTo         string
	failConnect    error
	failAfter      int // writes with index >= failAfter complete with an error; -1 disables
	writesSeen     int
	withholdAcks   bool
	transformWrite func([]byte) []byte
}

var _ transport.Central = (*Central)(nil)

// Start registers the handler and reports the current adapter state.
func (c *Central) Start(h transport.CentralHandler) error {
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return fmt.Errorf("sim: central already started")
	}
	c.handler = h
	state := c.adapterState
	c.mu.Unlock()

	c.net.post(func() { h.AdapterStateChanged(state) })
	return nil
}

// Stop drops any link and stops scanning.
func (c *Central) Stop() {
	c.Disconnect(c.currentLink())
	c.StopScan()
}

// SetAdapterState drives a power/authorization change. Powering off
// kills scanning and any live link, as a real adapter does.
func (c *Central) SetAdapterState(state transport.AdapterState) {
	c.mu.Lock()
	c.adapterState = state
	h := c.handler
	linked := c.linkTo
	if state != transport.AdapterPoweredOn {
		c.scanning = false
		c.linkTo = ""
	}
	c.mu.Unlock()

	if h == nil {
		return
	}
	c.net.post(func() { h.AdapterStateChanged(state) })
	if state != transport.AdapterPoweredOn && linked != "" {
		c.dropLink(linked, fmt.Errorf("sim: adapter %s", state))
	}
}

// FailNextConnect makes the next Connect attempt fail with err.
func (c *Central) FailNextConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failConnect = err
}

// FailWritesAfter makes every write past the first n fail. Negative n
// disables injection.
func (c *Central) FailWritesAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAfter = n
	c.writesSeen = 0
}

// WithholdAcks delivers written data but never completes the write,
// which is how a dying link looks to a central.
func (c *Central) WithholdAcks(withhold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withholdAcks = withhold
}

// TransformWrites installs an in-flight corruption: every written frame
// passes through f before reaching the peripheral. nil restores clean
// delivery.
func (c *Central) TransformWrites(f func([]byte) []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transformWrite = f
}

func (c *Central) currentLink() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkTo
}

// StartScan begins advertising sightings for matching started
// peripherals.
func (c *Central) StartScan(serviceUUIDs []string) error {
	c.mu.Lock()
	if c.adapterState != transport.AdapterPoweredOn {
		state := c.adapterState
		c.mu.Unlock()
		return fmt.Errorf("sim: cannot scan, adapter %s", state)
	}
	c.scanning = true
	c.scanFilter = append([]string(nil), serviceUUIDs...)
	c.mu.Unlock()

	c.net.mu.Lock()
	peripherals := make([]*Peripheral, 0, len(c.net.peripherals))
	for _, p := range c.net.peripherals {
		peripherals = append(peripherals, p)
	}
	c.net.mu.Unlock()

	for _, p := range peripherals {
		p.announceIfVisible()
	}
	return nil
}

func (c *Central) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
}

func (c *Central) matchesFilter(p *Peripheral) bool {
	c.mu.Lock()
	filter := c.scanFilter
	c.mu.Unlock()

	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, svc := range p.cfg.Services {
			if svc.UUID == want {
				return true
			}
		}
	}
	return false
}

// Connect asynchronously establishes a link to a started peripheral.
func (c *Central) Connect(deviceID string) error {
	c.mu.Lock()
	if c.adapterState != transport.AdapterPoweredOn {
		state := c.adapterState
		c.mu.Unlock()
		return fmt.Errorf("sim: cannot connect, adapter %s", state)
	}
	h := c.handler
	injected := c.failConnect
	c.failConnect = nil
	c.mu.Unlock()

	if h == nil {
		return fmt.Errorf("sim: central not started")
	}

	if injected != nil {
		c.net.post(func() { h.DeviceConnectFailed(deviceID, injected) })
		return nil
	}

	p := c.net.peripheral(deviceID)
	if p == nil || !p.started() {
		c.net.post(func() { h.DeviceConnectFailed(deviceID, fmt.Errorf("sim: device %s unavailable", deviceID)) })
		return nil
	}

	c.mu.Lock()
	c.linkTo = deviceID
	c.mu.Unlock()
	p.setLinked(true)

	c.net.post(func() {
		if ph := p.currentHandler(); ph != nil {
			ph.CentralConnected(c.id)
		}
		h.DeviceConnected(deviceID)
	})
	return nil
}

// Disconnect drops the link cleanly (no error on either side).
func (c *Central) Disconnect(deviceID string) {
	if deviceID == "" {
		return
	}
	c.dropLink(deviceID, nil)
}

func (c *Central) dropLink(deviceID string, cause error) {
	c.mu.Lock()
	if c.linkTo == deviceID {
		c.linkTo = ""
	}
	h := c.handler
	c.mu.Unlock()

	p := c.net.peripheral(deviceID)
	if p != nil {
		p.setLinked(false)
	}

	c.net.post(func() {
		if p != nil {
			if ph := p.currentHandler(); ph != nil {
				ph.CentralDisconnected(c.id)
			}
		}
		if h != nil {
			h.DeviceDisconnected(deviceID, cause)
		}
	})
}

// DiscoverServices reports the peer's service UUIDs in table order.
func (c *Central) DiscoverServices(deviceID string) error {
	h, p, err := c.linkedPeer(deviceID)
	if err != nil {
		return err
	}

	uuids := make([]string, 0, len(p.cfg.Services))
	for _, svc := range p.cfg.Services {
		uuids = append(uuids, svc.UUID)
	}
	c.net.post(func() { h.ServicesDiscovered(deviceID, uuids, nil) })
	return nil
}

// DiscoverCharacteristics reports one service's characteristics in
// table order.
func (c *Central) DiscoverCharacteristics(deviceID, serviceUUID string) error {
	h, p, err := c.linkedPeer(deviceID)
	if err != nil {
		return err
	}

	for _, svc := range p.cfg.Services {
		if svc.UUID != serviceUUID {
			continue
		}
		chars := append([]transport.Characteristic(nil), svc.Characteristics...)
		c.net.post(func() { h.CharacteristicsDiscovered(deviceID, serviceUUID, chars, nil) })
		return nil
	}

	c.net.post(func() {
		h.CharacteristicsDiscovered(deviceID, serviceUUID, nil, fmt.Errorf("sim: no service %s on %s", serviceUUID, deviceID))
	})
	return nil
}

// Write delivers data to the peripheral's characteristic, then acks.
// Injection knobs can fail the write or withhold the ack instead. A
// write racing a link drop is lost in flight: no delivery and no
// completion. The disconnect notification explains the silence.
func (c *Central) Write(deviceID, charUUID string, data []byte) error {
	c.mu.Lock()
	h := c.handler
	linked := c.linkTo
	c.mu.Unlock()

	if h == nil {
		return fmt.Errorf("sim: central not started")
	}
	if linked != deviceID {
		return nil
	}
	p := c.net.peripheral(deviceID)
	if p == nil {
		return nil
	}

	char := p.findCharacteristic(charUUID)
	if char == nil || !char.Writable {
		c.net.post(func() {
			h.WriteCompleted(deviceID, charUUID, fmt.Errorf("sim: characteristic %s not writable", charUUID))
		})
		return nil
	}

	c.mu.Lock()
	idx := c.writesSeen
	c.writesSeen++
	failAfter := c.failAfter
	withhold := c.withholdAcks
	transform := c.transformWrite
	c.mu.Unlock()

	if failAfter >= 0 && idx >= failAfter {
		c.net.post(func() {
			h.WriteCompleted(deviceID, charUUID, fmt.Errorf("sim: write %d failed", idx+1))
		})
		return nil
	}

	buf := append([]byte(nil), data...)
	if transform != nil {
		buf = transform(buf)
	}

	c.net.post(func() {
		if ph := p.currentHandler(); ph != nil && p.isLinked() {
			ph.DataWritten(c.id, buf)
		}
	})
	if !withhold {
		c.net.post(func() { h.WriteCompleted(deviceID, charUUID, nil) })
	}
	return nil
}

// ChunkSize reports the peripheral's configured link chunk size.
func (c *Central) ChunkSize(deviceID string) int {
	p := c.net.peripheral(deviceID)
	if p == nil {
		return 0
	}
	return p.cfg.ChunkSize
}

func (c *Central) linkedPeer(deviceID string) (transport.CentralHandler, *Peripheral, error) {
	c.mu.Lock()
	h := c.handler
	linked := c.linkTo
	c.mu.Unlock()

	if h == nil {
		return nil, nil, fmt.Errorf("sim: central not started")
	}
	if linked != deviceID {
		return nil, nil, fmt.Errorf("sim: not connected to %s", deviceID)
	}
	p := c.net.peripheral(deviceID)
	if p == nil {
		return nil, nil, fmt.Errorf("sim: unknown device %s", deviceID)
	}
	return h, p, nil
}

// Peripheral simulates the receiver-side stack.
type Peripheral struct {
	net *Network
	cfg PeripheralConfig

	mu      sync.Mutex
	handler transport.PeripheralHandler
	linked  bool
}

var _ transport.Peripheral = (*Peripheral)(nil)

// Start begins advertising and delivering write events.
func (p *Peripheral) Start(h transport.PeripheralHandler) error {
	p.mu.Lock()
	if p.handler != nil {
		p.mu.Unlock()
		return fmt.Errorf("sim: peripheral already started")
	}
	p.handler = h
	p.mu.Unlock()

	p.announceIfVisible()
	return nil
}

// Stop ends advertising and drops a live link.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	p.handler = nil
	wasLinked := p.linked
	p.linked = false
	p.mu.Unlock()

	if wasLinked {
		p.net.central.dropLink(p.cfg.DeviceID, fmt.Errorf("sim: peripheral stopped"))
	}
}

// DeviceID returns the identifier centrals see in advertisements.
func (p *Peripheral) DeviceID() string {
	return p.cfg.DeviceID
}

// Announce re-advertises the peripheral: a scanning central sees one
// more sighting. Duplicate sightings are how the scanner's dedup
// invariant gets exercised.
func (p *Peripheral) Announce() {
	p.announceIfVisible()
}

// SetRSSI changes the advertised signal strength for later sightings.
func (p *Peripheral) SetRSSI(rssi int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.RSSI = rssi
}

// DropLink simulates a peer-side link loss (crash, walk-away).
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	wasLinked := p.linked
	p.mu.Unlock()

	if wasLinked {
		p.net.central.dropLink(p.cfg.DeviceID, fmt.Errorf("sim: connection reset by peer"))
	}
}

func (p *Peripheral) announceIfVisible() {
	if !p.started() {
		return
	}

	c := p.net.central
	c.mu.Lock()
	scanning := c.scanning
	h := c.handler
	c.mu.Unlock()

	if !scanning || h == nil || !c.matchesFilter(p) {
		return
	}

	p.mu.Lock()
	adv := transport.Advertisement{
		DeviceID:  p.cfg.DeviceID,
		LocalName: p.cfg.LocalName,
		RSSI:      p.cfg.RSSI,
		At:        time.Now(),
	}
	p.mu.Unlock()

	p.net.post(func() { h.DeviceDiscovered(adv) })
}

func (p *Peripheral) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

func (p *Peripheral) currentHandler() transport.PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Peripheral) setLinked(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linked = v
}

func (p *Peripheral) isLinked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linked
}

func (p *Peripheral) findCharacteristic(charUUID string) *transport.Characteristic {
	for _, svc := range p.cfg.Services {
		for i := range svc.Characteristics {
			if svc.Characteristics[i].UUID == charUUID {
				return &svc.Characteristics[i]
			}
		}
	}
	return nil
}
