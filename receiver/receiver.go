// Package receiver implements the device role: it accepts frame
// writes from connected centrals, reassembles them into files, and
// lands verified results in a store.
package receiver

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/bluedrop/frame"
	"github.com/user/bluedrop/history"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/transport"
	"github.com/user/bluedrop/util"
)

const logPrefix = "receiver"

// DefaultIdleTimeout bounds the silence tolerated mid-transfer before
// the partial file is discarded.
const DefaultIdleTimeout = 30 * time.Second

// Config wires the receiver's collaborators. Store is required; Bus
// and History are optional.
type Config struct {
	Store       Store
	Bus         *status.Bus
	History     *history.Log
	ChunkSize   int           // decode bound, defaults to frame.DefaultChunkSize
	IdleTimeout time.Duration // defaults to DefaultIdleTimeout
}

// Receiver drives one assembler per connected central, all on a
// single goroutine. Transport callbacks are posted to that goroutine
// as closures.
type Receiver struct {
	pr  transport.Peripheral
	cfg Config

	calls chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// Loop-owned.
	links map[string]*link
}

type link struct {
	asm   *Assembler
	gen   uint64
	timer *time.Timer
}

func New(pr transport.Peripheral, cfg Config) *Receiver {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = frame.DefaultChunkSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Receiver{
		pr:    pr,
		cfg:   cfg,
		calls: make(chan func(), 256),
		done:  make(chan struct{}),
		links: make(map[string]*link),
	}
}

func (r *Receiver) Start() error {
	r.wg.Add(1)
	go r.loop()
	if err := r.pr.Start(r); err != nil {
		r.shutdown()
		return fmt.Errorf("receiver: transport start: %w", err)
	}
	return nil
}

// Close stops the loop and the transport, discarding any partial
// files.
func (r *Receiver) Close() {
	r.shutdown()
	r.pr.Stop()
}

func (r *Receiver) shutdown() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Receiver) loop() {
	defer r.wg.Done()
	defer func() {
		for id, l := range r.links {
			if l.timer != nil {
				l.timer.Stop()
			}
			if l.asm.Active() {
				logger.Warn(logPrefix, "shutdown discards partial %q from %s", l.asm.FileName(), util.ShortID(id))
				l.asm.Abort()
			}
		}
	}()
	for {
		select {
		case f := <-r.calls:
			f()
		case <-r.done:
			return
		}
	}
}

func (r *Receiver) post(f func()) {
	select {
	case r.calls <- f:
	case <-r.done:
	}
}

// transport.PeripheralHandler.

var _ transport.PeripheralHandler = (*Receiver)(nil)

func (r *Receiver) CentralConnected(centralID string) {
	r.post(func() {
		r.links[centralID] = &link{asm: NewAssembler(r.cfg.Store, r.cfg.ChunkSize)}
		logger.Info(logPrefix, "central %s connected", util.ShortID(centralID))
	})
}

func (r *Receiver) CentralDisconnected(centralID string) {
	r.post(func() {
		l, ok := r.links[centralID]
		if !ok {
			return
		}
		delete(r.links, centralID)
		if l.timer != nil {
			l.timer.Stop()
		}
		if !l.asm.Active() {
			logger.Info(logPrefix, "central %s disconnected", util.ShortID(centralID))
			return
		}
		name, received, total := l.asm.FileName(), l.asm.Received(), l.asm.Total()
		l.asm.Abort()
		logger.Warn(logPrefix, "central %s vanished mid-transfer, discarded %q (%d of %d bytes)",
			util.ShortID(centralID), name, received, total)
		r.record(history.Entry{
			FileName:  name,
			Size:      int64(total),
			Direction: history.DirectionReceived,
			Status:    history.StatusFailed,
			Detail:    "link lost",
		})
		r.publish(status.TypeReceiveFailed, map[string]any{"file_name": name, "error": "link lost"})
	})
}

func (r *Receiver) DataWritten(centralID string, data []byte) {
	// The transport may reuse the buffer once this returns.
	cp := append([]byte(nil), data...)
	r.post(func() { r.handleWrite(centralID, cp) })
}

func (r *Receiver) handleWrite(centralID string, data []byte) {
	l := r.links[centralID]
	if l == nil {
		// A write for a central the transport never announced. Track
		// it anyway so a missed connect callback cannot wedge ingest.
		l = &link{asm: NewAssembler(r.cfg.Store, r.cfg.ChunkSize)}
		r.links[centralID] = l
	}
	prevName, prevReceived, prevTotal := l.asm.FileName(), l.asm.Received(), l.asm.Total()

	evt, err := l.asm.Ingest(data)
	if err != nil {
		r.disarmIdle(l)
		logger.Warn(logPrefix, "ingest from %s: %v", util.ShortID(centralID), err)
		data := map[string]any{"error": err.Error()}
		if prevName != "" {
			data["file_name"] = prevName
			r.record(history.Entry{
				FileName:  prevName,
				Size:      int64(prevTotal),
				Direction: history.DirectionReceived,
				Status:    history.StatusFailed,
				Detail:    err.Error(),
			})
		}
		r.publish(status.TypeReceiveFailed, data)
		return
	}

	switch evt.Kind {
	case EventStarted:
		if evt.Restarted {
			logger.Warn(logPrefix, "new transfer from %s displaced partial %q (%d of %d bytes)",
				util.ShortID(centralID), prevName, prevReceived, prevTotal)
			r.record(history.Entry{
				FileName:  prevName,
				Size:      int64(prevTotal),
				Direction: history.DirectionReceived,
				Status:    history.StatusFailed,
				Detail:    "displaced by new transfer",
			})
			r.publish(status.TypeReceiveFailed, map[string]any{"file_name": prevName, "error": "displaced by new transfer"})
		}
		logger.Info(logPrefix, "receiving %q (%d bytes) from %s", evt.FileName, evt.Total, util.ShortID(centralID))
		r.publish(status.TypeReceiveStarted, map[string]any{"file_name": evt.FileName, "total_bytes": evt.Total})
		r.armIdle(centralID, l)
	case EventChunk:
		logger.Trace(logPrefix, "%q %d/%d bytes", evt.FileName, evt.Received, evt.Total)
		r.publish(status.TypeReceiveProgress, map[string]any{
			"file_name": evt.FileName, "received": evt.Received, "total_bytes": evt.Total,
		})
		r.armIdle(centralID, l)
	case EventCompleted:
		r.disarmIdle(l)
		logger.Info(logPrefix, "received %q (%d bytes) -> %s", evt.FileName, evt.Received, evt.Path)
		// Record before publishing so anyone reacting to the event sees
		// the history row.
		r.record(history.Entry{
			FileName:  evt.FileName,
			Path:      evt.Path,
			Size:      int64(evt.Total),
			Checksum:  evt.Checksum,
			Direction: history.DirectionReceived,
			Status:    history.StatusCompleted,
		})
		r.publish(status.TypeReceiveCompleted, map[string]any{
			"file_name": evt.FileName, "path": evt.Path, "total_bytes": evt.Total,
		})
	}
}

func (r *Receiver) armIdle(centralID string, l *link) {
	l.gen++
	gen := l.gen
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.post(func() { r.onIdle(centralID, gen) })
	})
}

func (r *Receiver) disarmIdle(l *link) {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (r *Receiver) onIdle(centralID string, gen uint64) {
	l, ok := r.links[centralID]
	if !ok || l.gen != gen || !l.asm.Active() {
		return
	}
	name, received, total := l.asm.FileName(), l.asm.Received(), l.asm.Total()
	l.asm.Abort()
	logger.Warn(logPrefix, "no frames from %s for %s, discarded partial %q (%d of %d bytes)",
		util.ShortID(centralID), r.cfg.IdleTimeout, name, received, total)
	r.record(history.Entry{
		FileName:  name,
		Size:      int64(total),
		Direction: history.DirectionReceived,
		Status:    history.StatusFailed,
		Detail:    "idle timeout",
	})
	r.publish(status.TypeReceiveFailed, map[string]any{"file_name": name, "error": "idle timeout"})
}

func (r *Receiver) publish(typ string, data map[string]any) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(typ, data)
	}
}

func (r *Receiver) record(e history.Entry) {
	if r.cfg.History == nil {
		return
	}
	if err := r.cfg.History.Record(e); err != nil {
		logger.Error(logPrefix, "history: %v", err)
	}
}
