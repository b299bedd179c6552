package central

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/user/bluedrop/frame"
)

// JobStatus is the lifecycle of one transfer job. Completed, Aborted
// and Failed are terminal.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobInProgress
	JobCompleted
	JobAborted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobInProgress:
		return "InProgress"
	case JobCompleted:
		return "Completed"
	case JobAborted:
		return "Aborted"
	case JobFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Job is the externally visible record of a transfer. Counters move
// only when the link acknowledges a write, so BytesSent never counts
// bytes the peer might not have.
type Job struct {
	ID                 uuid.UUID
	FileName           string
	TotalBytes         uint64
	BytesSent          uint64
	NextSequenceNumber uint32
	Checksum           uint32
	Status             JobStatus
	Err                error
}

func (j Job) terminal() bool {
	return j.Status == JobCompleted || j.Status == JobAborted || j.Status == JobFailed
}

type sessionPhase int

const (
	phaseMetadata sessionPhase = iota // METADATA in flight
	phaseData                         // a DATA frame in flight
	phaseEnd                          // END in flight
	phaseDone
)

// session drives one job over an established connection, one frame in
// flight at a time. The checksum pass has already happened: the caller
// hands in the byte count and checksum the METADATA frame announces,
// and emission reads the file a second time in chunk-sized steps.
// Owned by the Manager loop.
type session struct {
	job      Job
	file     File
	reader   io.ReadCloser
	codec    frame.Codec
	deviceID string
	charUUID string
	chunk    int
	total    uint32 // DATA frame count
	buf      []byte
	inFlight uint64 // payload bytes of the unacked DATA frame
	cancel   bool
	phase    sessionPhase
}

func newSession(f File, deviceID, charUUID string, chunkSize int, totalBytes uint64, checksum uint32) *session {
	return &session{
		job: Job{
			ID:         uuid.New(),
			FileName:   f.Name(),
			TotalBytes: totalBytes,
			Checksum:   checksum,
			Status:     JobPending,
		},
		file:     f,
		codec:    frame.NewCodec(chunkSize),
		deviceID: deviceID,
		charUUID: charUUID,
		chunk:    chunkSize,
		total:    frame.ChunkCount(totalBytes, chunkSize),
		buf:      make([]byte, chunkSize),
	}
}

// start opens the emission reader and produces the METADATA frame.
func (s *session) start() ([]byte, error) {
	buf, err := s.codec.EncodeMetadata(s.job.FileName, s.job.TotalBytes, s.job.Checksum)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	r, err := s.file.Open()
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.reader = r
	s.job.Status = JobInProgress
	s.phase = phaseMetadata
	return buf, nil
}

// ack folds in the link acknowledgment for the frame in flight and
// produces the next frame. A nil frame with nil error means the job
// reached a terminal status; a non-nil error means it failed and the
// job already records why. Cancellation is honored here, between the
// ack and the next write, except after END is acked: an acknowledged
// END means the receiver has the whole file, so that job completes.
func (s *session) ack() ([]byte, error) {
	s.job.BytesSent += s.inFlight
	s.inFlight = 0

	if s.phase == phaseMetadata {
		// METADATA carries sequence 0; DATA numbering starts at 1
		// once it is acknowledged.
		s.job.NextSequenceNumber = 1
	}
	if s.phase == phaseEnd {
		s.phase = phaseDone
		s.job.Status = JobCompleted
		s.closeReader()
		return nil, nil
	}
	if s.cancel {
		s.phase = phaseDone
		s.job.Status = JobAborted
		s.closeReader()
		return nil, nil
	}

	if s.job.BytesSent == s.job.TotalBytes {
		s.phase = phaseEnd
		s.job.NextSequenceNumber = s.total + 1
		return s.codec.EncodeEnd(s.total+1, s.job.Checksum), nil
	}

	n := uint64(s.chunk)
	if remaining := s.job.TotalBytes - s.job.BytesSent; remaining < n {
		n = remaining
	}
	if _, err := io.ReadFull(s.reader, s.buf[:n]); err != nil {
		err = fmt.Errorf("central: %s shorter than announced %d bytes: %w", s.job.FileName, s.job.TotalBytes, err)
		s.fail(err)
		return nil, err
	}
	seq := s.job.NextSequenceNumber
	buf, err := s.codec.EncodeData(seq, s.buf[:n])
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.phase = phaseData
	s.inFlight = n
	s.job.NextSequenceNumber = seq + 1
	return buf, nil
}

// requestCancel arms cooperative cancellation. Takes effect at the
// next ack boundary.
func (s *session) requestCancel() {
	s.cancel = true
}

func (s *session) fail(err error) {
	s.phase = phaseDone
	s.job.Status = JobFailed
	s.job.Err = err
	s.closeReader()
}

func (s *session) closeReader() {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}
