package receiver

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/user/bluedrop/frame"
)

// Receive-side protocol violations. Any of them costs the whole
// in-flight job: the partial file is discarded and the sender must
// start over from METADATA.
var (
	ErrOutOfOrder       = errors.New("chunk out of order")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrUnexpectedFrame  = errors.New("frame outside any transfer")
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventChunk
	EventCompleted
)

// Event reports what one ingested frame did to the assembler.
type Event struct {
	Kind      EventKind
	FileName  string
	Received  uint64
	Total     uint64
	Checksum  uint32 // verified CRC, set when Kind == EventCompleted
	Path      string // stored path, set when Kind == EventCompleted
	Restarted bool   // a METADATA frame displaced an unfinished job
}

// Assembler rebuilds one file at a time from a stream of raw writes.
// It trusts nothing from the wire: framing, order, size and checksum
// are all verified, and any violation discards the partial file.
type Assembler struct {
	codec frame.Codec
	store Store
	cur   *incoming
}

type incoming struct {
	name     string
	total    uint64
	declared uint32 // checksum announced in METADATA
	next     uint32 // expected sequence number
	received uint64
	crc      hash.Hash32
	sink     Sink
}

func NewAssembler(store Store, chunkSize int) *Assembler {
	return &Assembler{codec: frame.NewCodec(chunkSize), store: store}
}

// Active reports whether a transfer is mid-flight.
func (a *Assembler) Active() bool { return a.cur != nil }

func (a *Assembler) FileName() string {
	if a.cur == nil {
		return ""
	}
	return a.cur.name
}

func (a *Assembler) Received() uint64 {
	if a.cur == nil {
		return 0
	}
	return a.cur.received
}

func (a *Assembler) Total() uint64 {
	if a.cur == nil {
		return 0
	}
	return a.cur.total
}

// Abort discards the partial file, if any. Used for link loss and
// idle timeouts.
func (a *Assembler) Abort() {
	if a.cur == nil {
		return
	}
	a.cur.sink.Discard()
	a.cur = nil
}

// Ingest applies one raw write. When it returns an error, the
// in-flight job, if there was one, has already been discarded.
func (a *Assembler) Ingest(data []byte) (Event, error) {
	f, err := a.codec.Decode(data)
	if err != nil {
		a.Abort()
		return Event{}, err
	}
	switch f.Type {
	case frame.TypeMetadata:
		return a.onMetadata(f)
	case frame.TypeData:
		return a.onData(f)
	default:
		return a.onEnd(f)
	}
}

func (a *Assembler) onMetadata(f frame.Frame) (Event, error) {
	md, err := f.Metadata()
	if err != nil {
		a.Abort()
		return Event{}, err
	}
	restarted := a.cur != nil
	a.Abort()

	sink, err := a.store.Create(md.FileName, md.TotalBytes)
	if err != nil {
		return Event{}, err
	}
	a.cur = &incoming{
		name:     md.FileName,
		total:    md.TotalBytes,
		declared: md.Checksum,
		next:     1,
		crc:      crc32.NewIEEE(),
		sink:     sink,
	}
	return Event{Kind: EventStarted, FileName: md.FileName, Total: md.TotalBytes, Restarted: restarted}, nil
}

func (a *Assembler) onData(f frame.Frame) (Event, error) {
	if a.cur == nil {
		return Event{}, fmt.Errorf("receiver: DATA seq %d: %w", f.SequenceNumber, ErrUnexpectedFrame)
	}
	if f.SequenceNumber != a.cur.next {
		err := fmt.Errorf("receiver: got seq %d, want %d: %w", f.SequenceNumber, a.cur.next, ErrOutOfOrder)
		a.Abort()
		return Event{}, err
	}
	if a.cur.received+uint64(len(f.Payload)) > a.cur.total {
		err := fmt.Errorf("receiver: %d bytes overflow announced size %d: %w",
			a.cur.received+uint64(len(f.Payload)), a.cur.total, frame.ErrMalformedFrame)
		a.Abort()
		return Event{}, err
	}
	if _, err := a.cur.sink.Write(f.Payload); err != nil {
		a.Abort()
		return Event{}, fmt.Errorf("receiver: store chunk %d: %w", f.SequenceNumber, err)
	}
	a.cur.crc.Write(f.Payload)
	a.cur.received += uint64(len(f.Payload))
	a.cur.next++
	return Event{Kind: EventChunk, FileName: a.cur.name, Received: a.cur.received, Total: a.cur.total}, nil
}

func (a *Assembler) onEnd(f frame.Frame) (Event, error) {
	if a.cur == nil {
		return Event{}, fmt.Errorf("receiver: END: %w", ErrUnexpectedFrame)
	}
	if f.SequenceNumber != a.cur.next {
		err := fmt.Errorf("receiver: END seq %d, want %d: %w", f.SequenceNumber, a.cur.next, ErrOutOfOrder)
		a.Abort()
		return Event{}, err
	}
	declared, err := f.EndChecksum()
	if err != nil {
		a.Abort()
		return Event{}, err
	}

	cur := a.cur
	if cur.received != cur.total {
		a.Abort()
		return Event{}, fmt.Errorf("receiver: END after %d of %d announced bytes: %w",
			cur.received, cur.total, ErrChecksumMismatch)
	}
	got := cur.crc.Sum32()
	if got != declared || got != cur.declared {
		a.Abort()
		return Event{}, fmt.Errorf("receiver: computed %08x, metadata said %08x, end said %08x: %w",
			got, cur.declared, declared, ErrChecksumMismatch)
	}

	path, err := cur.sink.Commit()
	a.cur = nil
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:     EventCompleted,
		FileName: cur.name,
		Received: cur.received,
		Total:    cur.total,
		Checksum: got,
		Path:     path,
	}, nil
}
