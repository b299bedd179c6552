// Demo: a full send/receive round trip over the simulated transport.
// Run it to watch both roles work without touching a radio:
//
//	go run .
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/bluedrop/central"
	"github.com/user/bluedrop/history"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/receiver"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/transport"
	"github.com/user/bluedrop/transport/sim"
)

const demoDeviceID = "D4:3A:12:8F:01:CC"

func main() {
	fmt.Println("=== bluedrop: simulated send/receive round trip ===")
	fmt.Println()

	dir, err := os.MkdirTemp("", "bluedrop-demo-")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	network := sim.NewNetwork()
	defer network.Close()
	network.SetLatency(2 * time.Millisecond)

	// Receiving side: a simulated Pi advertising the ingest service.
	per := network.AddPeripheral(sim.PeripheralConfig{
		DeviceID:  demoDeviceID,
		LocalName: "pi-bluedrop",
		ChunkSize: 244,
		Services: []sim.Service{{
			UUID: transport.ServiceUUID,
			Characteristics: []transport.Characteristic{
				{UUID: transport.IngestCharUUID, Writable: true},
			},
		}},
	})

	store, err := receiver.NewDiskStore(filepath.Join(dir, "uploads"))
	if err != nil {
		panic(err)
	}
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		panic(err)
	}
	defer hist.Close()

	bus := status.NewBus()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	received := make(chan status.Event, 4)
	go func() {
		for evt := range events {
			logger.Debug("status", "%s %v", evt.Type, evt.Data)
			if evt.Type == status.TypeReceiveCompleted || evt.Type == status.TypeReceiveFailed {
				received <- evt
			}
		}
	}()

	recv := receiver.New(per, receiver.Config{Store: store, Bus: bus, History: hist})
	if err := recv.Start(); err != nil {
		panic(err)
	}
	defer recv.Close()

	// Sending side: the phone pushing a photo.
	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	file := central.MemoryFile("sunset.jpg", payload)

	found := make(chan central.Device, 8)
	conns := make(chan central.Connection, 8)
	done := make(chan central.Job, 1)
	lastPct := -1
	m := central.NewManager(network.Central(), central.Callbacks{
		DeviceDiscovered: func(d central.Device) {
			select {
			case found <- d:
			default:
			}
		},
		ConnectionChanged: func(c central.Connection) {
			select {
			case conns <- c:
			default:
			}
		},
		TransferProgress: func(j central.Job) {
			pct := int(j.BytesSent * 100 / j.TotalBytes)
			if pct/10 > lastPct/10 {
				fmt.Printf("  sending... %3d%%\n", pct)
				lastPct = pct
			}
		},
		TransferDone: func(j central.Job) { done <- j },
	})
	m.ScanFilter = []string{central.ServiceUUID}
	m.Bus = bus // both roles feed the same status stream
	if err := m.Start(); err != nil {
		panic(err)
	}
	defer m.Close()

	m.StartScan()
	dev := <-found
	fmt.Printf("✓ discovered %q (%s)\n", dev.AdvertisedName, dev.Identifier)
	m.StopScan()

	if err := m.Connect(dev.Identifier); err != nil {
		panic(err)
	}
	var conn central.Connection
	for conn = range conns {
		if conn.State == central.ConnReady {
			break
		}
		if conn.State == central.ConnFailed || conn.State == central.ConnDisconnected {
			panic(conn.Err)
		}
	}
	fmt.Printf("✓ connected, chunk size %d\n", conn.NegotiatedChunkSize)

	if _, err := m.Begin(file, dev.Identifier); err != nil {
		panic(err)
	}
	final := <-done
	if final.Status != central.JobCompleted {
		panic(final.Err)
	}
	fmt.Printf("✓ sent %d bytes in %d frames, crc32 %08x\n",
		final.TotalBytes, final.NextSequenceNumber+1, final.Checksum)

	// The receiver commits on its own goroutine; wait for its word.
	select {
	case evt := <-received:
		if evt.Type != status.TypeReceiveCompleted {
			panic(fmt.Sprintf("receive failed: %v", evt.Data))
		}
		path, _ := evt.Data["path"].(string)
		got, err := os.ReadFile(path)
		if err != nil {
			panic(err)
		}
		if !bytes.Equal(got, payload) {
			panic("received file differs from the original")
		}
		fmt.Printf("✓ landed at %s, byte for byte identical\n", path)
	case <-time.After(5 * time.Second):
		panic("receiver never confirmed the file")
	}

	if entries, err := hist.Recent(1); err == nil && len(entries) == 1 {
		fmt.Printf("✓ history: %s %q (%d bytes)\n",
			entries[0].Status, entries[0].FileName, entries[0].Size)
	}

	fmt.Println()
	fmt.Println("=== Done ===")
}
