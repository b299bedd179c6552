// Package tinyble implements the receiver transport on top of the
// tinygo bluetooth stack: it registers the ingest GATT service, starts
// advertising and forwards characteristic writes to the handler.
package tinyble

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/transport"
)

const logPrefix = "tinyble"

// Config names the advertised identity and the GATT profile to expose.
// All fields are required.
type Config struct {
	LocalName   string
	ServiceUUID string
	CharUUID    string
}

// Peripheral advertises one service with one writable characteristic.
type Peripheral struct {
	cfg         Config
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID

	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
	handler transport.PeripheralHandler

	mu        sync.Mutex
	connected map[string]bool
	lastID    string
}

func New(cfg Config) (*Peripheral, error) {
	if cfg.LocalName == "" {
		return nil, errors.New("tinyble: local name required")
	}
	serviceUUID, err := bluetooth.ParseUUID(strings.ToLower(cfg.ServiceUUID))
	if err != nil {
		return nil, errors.Wrapf(err, "tinyble: service uuid %q", cfg.ServiceUUID)
	}
	charUUID, err := bluetooth.ParseUUID(strings.ToLower(cfg.CharUUID))
	if err != nil {
		return nil, errors.Wrapf(err, "tinyble: characteristic uuid %q", cfg.CharUUID)
	}
	return &Peripheral{
		cfg:         cfg,
		serviceUUID: serviceUUID,
		charUUID:    charUUID,
		connected:   make(map[string]bool),
	}, nil
}

var _ transport.Peripheral = (*Peripheral)(nil)

// Start enables the adapter, registers the service and begins
// advertising. A failure here means the host has no usable adapter and
// the caller should treat it as fatal.
func (p *Peripheral) Start(h transport.PeripheralHandler) error {
	p.handler = h
	p.adapter = bluetooth.DefaultAdapter
	if err := p.adapter.Enable(); err != nil {
		return errors.Wrap(err, "tinyble: enable adapter")
	}

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.trackCentral(device.Address.String(), connected)
	})

	var ingest bluetooth.Characteristic
	err := p.adapter.AddService(&bluetooth.Service{
		UUID: p.serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &ingest,
				UUID:   p.charUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					p.handler.DataWritten(p.centralFor(client), value)
				},
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "tinyble: add service")
	}

	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{p.serviceUUID},
	}); err != nil {
		return errors.Wrap(err, "tinyble: configure advertisement")
	}
	if err := adv.Start(); err != nil {
		return errors.Wrap(err, "tinyble: start advertising")
	}
	p.adv = adv
	logger.Info(logPrefix, "advertising %q, service %s", p.cfg.LocalName, p.cfg.ServiceUUID)
	return nil
}

func (p *Peripheral) Stop() {
	if p.adv == nil {
		return
	}
	if err := p.adv.Stop(); err != nil {
		logger.Debug(logPrefix, "stop advertising: %v", err)
	}
}

func (p *Peripheral) trackCentral(id string, connected bool) {
	p.mu.Lock()
	if connected {
		p.connected[id] = true
		p.lastID = id
	} else {
		delete(p.connected, id)
		if p.lastID == id {
			p.lastID = ""
			for other := range p.connected {
				p.lastID = other
				break
			}
		}
	}
	p.mu.Unlock()

	if connected {
		logger.Info(logPrefix, "central %s connected", id)
		p.handler.CentralConnected(id)
	} else {
		logger.Info(logPrefix, "central %s disconnected", id)
		p.handler.CentralDisconnected(id)
	}
}

// centralFor attributes a write to a central. BlueZ does not hand the
// originating device to write callbacks, so writes are credited to the
// most recently connected central, with a synthetic identifier when
// the connect event was missed.
func (p *Peripheral) centralFor(client bluetooth.Connection) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastID != "" {
		return p.lastID
	}
	return "central-" + strconv.Itoa(int(client))
}
