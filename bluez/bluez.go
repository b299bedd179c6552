// Package bluez implements the sender transport on Linux over the
// BlueZ DBus API. Discovery results come from periodic ObjectManager
// sweeps; disconnects and adapter power flips arrive as
// PropertiesChanged signals.
package bluez

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/user/bluedrop/frame"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/transport"
)

const logPrefix = "bluez"

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService1 = "org.bluez.GattService1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	connectTimeout  = 10 * time.Second
	resolveTimeout  = 15 * time.Second
	sweepInterval   = 500 * time.Millisecond
	resolveInterval = 200 * time.Millisecond
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Central drives one BlueZ adapter as a GATT central. Construct with
// New, then Start. Devices are identified by their MAC address.
type Central struct {
	adapter string
	conn    *dbus.Conn
	handler transport.CentralHandler

	mu       sync.Mutex
	chunks   map[string]int             // deviceID -> negotiated chunk size
	chars    map[string]dbus.ObjectPath // deviceID|CHAR-UUID -> object path
	scanQuit chan struct{}

	writes chan writeReq
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type writeReq struct {
	deviceID string
	charUUID string
	path     dbus.ObjectPath
	data     []byte
}

func New(adapter string) *Central {
	if adapter == "" {
		adapter = "hci0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Central{
		adapter: adapter,
		chunks:  make(map[string]int),
		chars:   make(map[string]dbus.ObjectPath),
		writes:  make(chan writeReq, 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

var _ transport.Central = (*Central)(nil)

// Start connects to the system bus and begins watching signals. The
// current adapter state is reported before Start returns.
func (c *Central) Start(h transport.CentralHandler) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "bluez: system bus")
	}
	c.conn = conn
	c.handler = h

	rule := "type='signal',sender='" + bluezBus + "',interface='" + dbusProperties + "',member='PropertiesChanged'"
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return errors.Wrap(call.Err, "bluez: add signal match")
	}

	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	c.wg.Add(2)
	go c.signalLoop(sigCh)
	go c.writeLoop()

	h.AdapterStateChanged(c.adapterState())
	return nil
}

// Stop ends background work. The system bus connection is shared
// process-wide and stays open.
func (c *Central) Stop() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
	if c.conn != nil {
		c.StopScan()
	}
	c.wg.Wait()
}

func (c *Central) adapterState() transport.AdapterState {
	powered, err := getProperty[bool](c.conn, c.adapterPath(), bluezAdapter1, "Powered")
	if err != nil {
		logger.Warn(logPrefix, "adapter %s unavailable: %v", c.adapter, err)
		return transport.AdapterUnsupported
	}
	if !powered {
		return transport.AdapterPoweredOff
	}
	return transport.AdapterPoweredOn
}

// StartScan sets a low-energy discovery filter and starts discovery.
// Sightings are reported from a sweep loop until StopScan.
func (c *Central) StartScan(serviceUUIDs []string) error {
	adapter := c.conn.Object(bluezBus, c.adapterPath())

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if len(serviceUUIDs) > 0 {
		filter["UUIDs"] = dbus.MakeVariant(serviceUUIDs)
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return errors.Wrap(call.Err, "bluez: set discovery filter")
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return errors.Wrap(call.Err, "bluez: start discovery")
	}

	c.mu.Lock()
	if c.scanQuit != nil {
		close(c.scanQuit)
	}
	quit := make(chan struct{})
	c.scanQuit = quit
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop(quit, serviceUUIDs)
	return nil
}

func (c *Central) StopScan() {
	c.mu.Lock()
	if c.scanQuit != nil {
		close(c.scanQuit)
		c.scanQuit = nil
	}
	c.mu.Unlock()

	adapter := c.conn.Object(bluezBus, c.adapterPath())
	if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		logger.Debug(logPrefix, "stop discovery: %v", call.Err)
	}
}

func (c *Central) sweepLoop(quit chan struct{}, serviceUUIDs []string) {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-quit:
			return
		case <-ticker.C:
			c.sweep(serviceUUIDs)
		}
	}
}

// sweep walks the BlueZ object tree and reports every matching device
// under our adapter. Repeat sightings are fine; deduplication happens
// upstream.
func (c *Central) sweep(serviceUUIDs []string) {
	objects, err := c.getManagedObjects()
	if err != nil {
		logger.Warn(logPrefix, "sweep: %v", err)
		return
	}
	prefix := string(c.adapterPath()) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if len(serviceUUIDs) > 0 && !advertisesAny(props, serviceUUIDs) {
			continue
		}
		addr, ok := stringProp(props, "Address")
		if !ok {
			continue
		}
		name, _ := stringProp(props, "Name")
		if name == "" {
			name, _ = stringProp(props, "Alias")
		}
		var rssi int16
		if v, ok := props["RSSI"]; ok {
			rssi, _ = v.Value().(int16)
		}
		c.handler.DeviceDiscovered(transport.Advertisement{
			DeviceID:  addr,
			LocalName: name,
			RSSI:      rssi,
			At:        time.Now(),
		})
	}
}

// Connect dials the device in the background; the outcome arrives on
// the handler.
func (c *Central) Connect(deviceID string) error {
	path := devicePath(c.adapter, deviceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		device := c.conn.Object(bluezBus, path)
		ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
		defer cancel()
		if call := device.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
			c.handler.DeviceConnectFailed(deviceID, errors.Wrapf(call.Err, "bluez: connect %s", deviceID))
			return
		}
		c.cacheDeviceMTU(deviceID, path)
		c.handler.DeviceConnected(deviceID)
	}()
	return nil
}

func (c *Central) Disconnect(deviceID string) {
	path := devicePath(c.adapter, deviceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		device := c.conn.Object(bluezBus, path)
		if call := device.Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
			logger.Debug(logPrefix, "disconnect %s: %v", deviceID, call.Err)
		}
	}()
}

// DiscoverServices waits for BlueZ to resolve the device's GATT
// database, then reports the service UUIDs in object-path order.
func (c *Central) DiscoverServices(deviceID string) error {
	path := devicePath(c.adapter, deviceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.waitResolved(path); err != nil {
			c.handler.ServicesDiscovered(deviceID, nil, err)
			return
		}
		objects, err := c.getManagedObjects()
		if err != nil {
			c.handler.ServicesDiscovered(deviceID, nil, err)
			return
		}

		prefix := string(path) + "/"
		type svc struct{ path, uuid string }
		var svcs []svc
		for objPath, ifaces := range objects {
			props, ok := ifaces[bluezGattService1]
			if !ok || !strings.HasPrefix(string(objPath), prefix) {
				continue
			}
			if uuid, ok := stringProp(props, "UUID"); ok {
				svcs = append(svcs, svc{string(objPath), strings.ToUpper(uuid)})
			}
		}
		sort.Slice(svcs, func(i, j int) bool { return svcs[i].path < svcs[j].path })
		uuids := make([]string, len(svcs))
		for i, s := range svcs {
			uuids[i] = s.uuid
		}
		c.handler.ServicesDiscovered(deviceID, uuids, nil)
	}()
	return nil
}

func (c *Central) waitResolved(path dbus.ObjectPath) error {
	deadline := time.After(resolveTimeout)
	ticker := time.NewTicker(resolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return errors.New("bluez: transport stopped")
		case <-deadline:
			return errors.Errorf("bluez: services not resolved after %s", resolveTimeout)
		case <-ticker.C:
			resolved, err := getProperty[bool](c.conn, path, bluezDevice1, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

// DiscoverCharacteristics reports one service's characteristics in
// object-path order and caches their paths for Write.
func (c *Central) DiscoverCharacteristics(deviceID, serviceUUID string) error {
	devPath := devicePath(c.adapter, deviceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		objects, err := c.getManagedObjects()
		if err != nil {
			c.handler.CharacteristicsDiscovered(deviceID, serviceUUID, nil, err)
			return
		}

		devPrefix := string(devPath) + "/"
		var servicePath string
		for objPath, ifaces := range objects {
			props, ok := ifaces[bluezGattService1]
			if !ok || !strings.HasPrefix(string(objPath), devPrefix) {
				continue
			}
			if uuid, ok := stringProp(props, "UUID"); ok && strings.EqualFold(uuid, serviceUUID) {
				servicePath = string(objPath)
				break
			}
		}
		if servicePath == "" {
			c.handler.CharacteristicsDiscovered(deviceID, serviceUUID, nil,
				errors.Errorf("bluez: service %s not found on %s", serviceUUID, deviceID))
			return
		}

		svcPrefix := servicePath + "/"
		type entry struct {
			path dbus.ObjectPath
			char transport.Characteristic
			mtu  int
		}
		var found []entry
		for objPath, ifaces := range objects {
			props, ok := ifaces[bluezGattChar1]
			if !ok || !strings.HasPrefix(string(objPath), svcPrefix) {
				continue
			}
			char, ok := parseCharacteristic(props)
			if !ok {
				continue
			}
			mtu := 0
			if v, err := getProperty[uint16](c.conn, objPath, bluezGattChar1, "MTU"); err == nil {
				mtu = int(v)
			}
			found = append(found, entry{objPath, char, mtu})
		}
		sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })

		chars := make([]transport.Characteristic, 0, len(found))
		c.mu.Lock()
		for _, e := range found {
			c.chars[charKey(deviceID, e.char.UUID)] = e.path
			if e.mtu > 3 {
				c.chunks[deviceID] = e.mtu - 3
			}
			chars = append(chars, e.char)
		}
		c.mu.Unlock()
		c.handler.CharacteristicsDiscovered(deviceID, serviceUUID, chars, nil)
	}()
	return nil
}

// Write queues one write-with-response. The DBus reply is the
// link-layer acknowledgment and arrives as WriteCompleted.
func (c *Central) Write(deviceID, charUUID string, data []byte) error {
	c.mu.Lock()
	path, ok := c.chars[charKey(deviceID, charUUID)]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("bluez: characteristic %s not discovered on %s", charUUID, deviceID)
	}
	cp := append([]byte(nil), data...)
	select {
	case c.writes <- writeReq{deviceID: deviceID, charUUID: charUUID, path: path, data: cp}:
		return nil
	case <-c.done:
		return errors.New("bluez: transport stopped")
	}
}

func (c *Central) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.writes:
			obj := c.conn.Object(bluezBus, req.path)
			call := obj.Call(bluezGattChar1+".WriteValue", 0, req.data, map[string]dbus.Variant{
				"type": dbus.MakeVariant("request"),
			})
			err := call.Err
			if err != nil {
				err = errors.Wrap(err, "bluez: write")
			}
			c.handler.WriteCompleted(req.deviceID, req.charUUID, err)
		}
	}
}

func (c *Central) ChunkSize(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chunk, ok := c.chunks[deviceID]; ok && chunk > 0 {
		return chunk
	}
	return frame.DefaultChunkSize
}

func (c *Central) signalLoop(sigCh chan *dbus.Signal) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.conn.RemoveSignal(sigCh)
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			c.handleSignal(sig)
		}
	}
}

func (c *Central) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return
	}
	switch iface {
	case bluezAdapter1:
		if sig.Path != c.adapterPath() {
			return
		}
		v, ok := changed["Powered"]
		if !ok {
			return
		}
		powered, _ := v.Value().(bool)
		state := transport.AdapterPoweredOff
		if powered {
			state = transport.AdapterPoweredOn
		}
		logger.Info(logPrefix, "adapter %s powered=%v", c.adapter, powered)
		c.handler.AdapterStateChanged(state)
	case bluezDevice1:
		deviceID, ok := pathDeviceID(c.adapter, sig.Path)
		if !ok {
			return
		}
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, _ := v.Value().(bool); !connected {
			logger.Info(logPrefix, "device %s reported disconnected", deviceID)
			c.forgetDevice(deviceID)
			c.handler.DeviceDisconnected(deviceID, nil)
		}
	}
}

func (c *Central) forgetDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chunks, deviceID)
	prefix := deviceID + "|"
	for key := range c.chars {
		if strings.HasPrefix(key, prefix) {
			delete(c.chars, key)
		}
	}
}

func (c *Central) cacheDeviceMTU(deviceID string, path dbus.ObjectPath) {
	mtu, err := getProperty[uint16](c.conn, path, bluezDevice1, "MTU")
	if err != nil || int(mtu) <= 3 {
		return
	}
	c.mu.Lock()
	c.chunks[deviceID] = int(mtu) - 3
	c.mu.Unlock()
	logger.Debug(logPrefix, "device %s mtu %d", deviceID, mtu)
}

func (c *Central) getManagedObjects() (managedObjects, error) {
	var objects managedObjects
	call := c.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, errors.Wrap(call.Err, "bluez: managed objects")
	}
	if err := call.Store(&objects); err != nil {
		return nil, errors.Wrap(err, "bluez: decode managed objects")
	}
	return objects, nil
}

func (c *Central) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + c.adapter)
}

// devicePath maps "AA:BB:CC:DD:EE:FF" to
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter, deviceID string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(deviceID, ":", "_"))
}

// pathDeviceID inverts devicePath. Paths below the device node, like
// services and characteristics, are rejected.
func pathDeviceID(adapter string, path dbus.ObjectPath) (string, bool) {
	prefix := "/org/bluez/" + adapter + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(s, prefix)
	if rest == "" || strings.ContainsRune(rest, '/') {
		return "", false
	}
	return strings.ReplaceAll(rest, "_", ":"), true
}

func charKey(deviceID, charUUID string) string {
	return deviceID + "|" + strings.ToUpper(charUUID)
}

// parseCharacteristic folds BlueZ characteristic properties into the
// transport shape. Only write-with-response counts as writable: a
// write that cannot be acknowledged cannot carry frames.
func parseCharacteristic(props map[string]dbus.Variant) (transport.Characteristic, bool) {
	uuid, ok := stringProp(props, "UUID")
	if !ok {
		return transport.Characteristic{}, false
	}
	char := transport.Characteristic{UUID: strings.ToUpper(uuid)}
	if v, ok := props["Flags"]; ok {
		flags, _ := v.Value().([]string)
		for _, f := range flags {
			switch f {
			case "write":
				char.Writable = true
			case "notify", "indicate":
				char.Notify = true
			}
		}
	}
	return char, true
}

// getProperty reads one typed property through
// org.freedesktop.DBus.Properties.Get on an org.bluez object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + prop)
	if err != nil {
		return zero, errors.Wrapf(err, "bluez: get %s.%s on %s", iface, prop, path)
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, errors.Errorf("bluez: property %s.%s on %s has type %T", iface, prop, path, v.Value())
	}
	return val, nil
}

func stringProp(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func advertisesAny(props map[string]dbus.Variant, serviceUUIDs []string) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, ok := v.Value().([]string)
	if !ok {
		return false
	}
	for _, have := range uuids {
		for _, want := range serviceUUIDs {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}
