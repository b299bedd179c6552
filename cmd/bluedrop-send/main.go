// Command bluedrop-send pushes one file to a nearby bluedrop receiver:
// scan for the ingest service, connect, pick the ingest characteristic
// and stream the file in acknowledged chunks.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/bluedrop/bluez"
	"github.com/user/bluedrop/central"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/util"
)

const logPrefix = "send"

func main() {
	app := cli.NewApp()
	app.Name = "bluedrop-send"
	app.Usage = "send a file to a bluedrop receiver over BLE"
	app.Version = "1.0.0"
	app.ArgsUsage = "FILE"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "local BLE adapter"},
		cli.StringFlag{Name: "name, n", Usage: "target device name"},
		cli.StringFlag{Name: "address, a", Usage: "target device address"},
		cli.DurationFlag{Name: "timeout, t", Value: 30 * time.Second, Usage: "scan timeout"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error"},
	}
	app.Action = send
	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "list nearby bluedrop receivers",
			Action:  scan,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "local BLE adapter"},
				cli.DurationFlag{Name: "timeout, t", Value: 10 * time.Second, Usage: "scan duration"},
				cli.StringFlag{Name: "log-level", Value: "warn", Usage: "trace, debug, info, warn or error"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(logPrefix, "%v", err)
		os.Exit(1)
	}
}

// events carries Manager callbacks onto the main goroutine. Callbacks
// must not call back into the Manager, so all orchestration happens
// here.
type events struct {
	scans chan central.ScanState
	found chan central.Device
	conns chan central.Connection
	jobs  chan central.Job
	done  chan central.Job
}

func newEvents() *events {
	return &events{
		scans: make(chan central.ScanState, 8),
		found: make(chan central.Device, 64),
		conns: make(chan central.Connection, 16),
		jobs:  make(chan central.Job, 64),
		done:  make(chan central.Job, 1),
	}
}

func (ev *events) callbacks() central.Callbacks {
	return central.Callbacks{
		ScanStateChanged:  func(s central.ScanState) { push(ev.scans, s) },
		DeviceDiscovered:  func(d central.Device) { push(ev.found, d) },
		DeviceUpdated:     func(d central.Device) { push(ev.found, d) },
		ConnectionChanged: func(c central.Connection) { push(ev.conns, c) },
		TransferProgress:  func(j central.Job) { push(ev.jobs, j) },
		TransferDone:      func(j central.Job) { push(ev.done, j) },
	}
}

// push never blocks the Manager loop; stale snapshots are droppable
// because every later snapshot supersedes them.
func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func send(c *cli.Context) error {
	logger.SetLevel(logger.ParseLevel(c.String("log-level")))

	if c.NArg() != 1 {
		return errors.New("exactly one FILE argument required")
	}
	f, err := central.FileFromPath(c.Args().First())
	if err != nil {
		return err
	}

	ev := newEvents()
	m := central.NewManager(bluez.New(c.String("adapter")), ev.callbacks())
	m.ScanFilter = []string{central.ServiceUUID}
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	dev, err := findDevice(m, ev, sigs, c.String("name"), c.String("address"), c.Duration("timeout"))
	if err != nil {
		return err
	}
	m.StopScan()

	if err := m.Connect(dev.Identifier); err != nil {
		return err
	}
	conn, err := waitReady(ev, sigs)
	if err != nil {
		return err
	}
	logger.Info(logPrefix, "link ready, chunk size %d", conn.NegotiatedChunkSize)

	job, err := m.Begin(f, dev.Identifier)
	if err != nil {
		return err
	}

	final, err := waitDone(m, ev, sigs, job)
	if err != nil {
		return err
	}
	switch final.Status {
	case central.JobCompleted:
		fmt.Printf("sent %s (%d bytes, crc32 %08x) to %s\n",
			final.FileName, final.TotalBytes, final.Checksum, deviceLabel(dev))
		return nil
	case central.JobAborted:
		return errors.New("transfer aborted")
	default:
		return final.Err
	}
}

// findDevice scans until a device matches the target, the timeout
// passes or the user interrupts.
func findDevice(m *central.Manager, ev *events, sigs chan os.Signal, name, address string, timeout time.Duration) (central.Device, error) {
	m.StartScan()
	deadline := time.After(timeout)
	for {
		select {
		case dev := <-ev.found:
			if !matches(dev, name, address) {
				continue
			}
			logger.Info(logPrefix, "found %s (rssi %d)", deviceLabel(dev), dev.SignalStrength)
			return dev, nil
		case st := <-ev.scans:
			switch st {
			case central.ScanIdle:
				// Adapter came up after a late start; scan now.
				m.StartScan()
			case central.ScanUnsupported, central.ScanUnauthorized:
				return central.Device{}, errors.Errorf("adapter unavailable: %s", st)
			}
		case <-deadline:
			return central.Device{}, errors.Errorf("no matching device found within %s", timeout)
		case <-sigs:
			return central.Device{}, errors.New("interrupted")
		}
	}
}

// matches applies the target filters. With no filters, any receiver
// advertising the ingest service wins.
func matches(dev central.Device, name, address string) bool {
	if address != "" && !strings.EqualFold(dev.Identifier, address) {
		return false
	}
	if name != "" && dev.AdvertisedName != name {
		return false
	}
	return true
}

func waitReady(ev *events, sigs chan os.Signal) (central.Connection, error) {
	for {
		select {
		case conn := <-ev.conns:
			switch conn.State {
			case central.ConnReady:
				return conn, nil
			case central.ConnFailed, central.ConnDisconnected:
				return conn, conn.Err
			}
		case <-sigs:
			return central.Connection{}, errors.New("interrupted")
		}
	}
}

// waitDone pumps progress until the job reaches a terminal state. The
// first interrupt requests a cancel; the transfer then ends at the
// next chunk boundary.
func waitDone(m *central.Manager, ev *events, sigs chan os.Signal, job central.Job) (central.Job, error) {
	lastPct := -1
	for {
		select {
		case j := <-ev.jobs:
			if pct := percent(j); pct/10 > lastPct/10 {
				logger.Info(logPrefix, "%s: %d%% (%d/%d bytes)", j.FileName, pct, j.BytesSent, j.TotalBytes)
				lastPct = pct
			}
		case j := <-ev.done:
			return j, nil
		case <-sigs:
			logger.Warn(logPrefix, "cancelling transfer")
			if err := m.Cancel(job.ID); err != nil {
				return central.Job{}, err
			}
		}
	}
}

func percent(j central.Job) int {
	if j.TotalBytes == 0 {
		return 100
	}
	return int(j.BytesSent * 100 / j.TotalBytes)
}

func deviceLabel(dev central.Device) string {
	if dev.AdvertisedName != "" {
		return fmt.Sprintf("%q (%s)", dev.AdvertisedName, util.ShortID(dev.Identifier))
	}
	return util.ShortID(dev.Identifier)
}

func scan(c *cli.Context) error {
	logger.SetLevel(logger.ParseLevel(c.String("log-level")))

	ev := newEvents()
	m := central.NewManager(bluez.New(c.String("adapter")), ev.callbacks())
	m.ScanFilter = []string{central.ServiceUUID}
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Close()
	m.StartScan()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	fmt.Printf("%-17s  %5s  %s\n", "ADDRESS", "RSSI", "NAME")
	seen := make(map[string]string)
	deadline := time.After(c.Duration("timeout"))
	for {
		select {
		case dev := <-ev.found:
			if last, ok := seen[dev.Identifier]; ok && last == dev.AdvertisedName {
				continue
			}
			seen[dev.Identifier] = dev.AdvertisedName
			fmt.Printf("%-17s  %5d  %s\n", dev.Identifier, dev.SignalStrength, dev.AdvertisedName)
		case st := <-ev.scans:
			switch st {
			case central.ScanIdle:
				m.StartScan()
			case central.ScanUnsupported, central.ScanUnauthorized:
				return errors.Errorf("adapter unavailable: %s", st)
			}
		case <-deadline:
			return nil
		case <-sigs:
			return nil
		}
	}
}
