// Package trace records hypervisor events (world switches, trapped faults,
// timer interrupts) into a compact binary stream for offline analysis.
// Recording is process-global and lock-free on the hot path: events go
// through a channel to a background writer so trap handlers never block on
// file IO.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x46565452 // "FVTR"
	Version uint32 = 1
)

type header struct {
	Magic            uint32
	Version          uint32
	EventKindsLength uint32
}

// EventID identifies a registered event kind.
type EventID uint32

const InvalidEventID = EventID(0)

// EventFlags classify which world an event's time was spent in.
type EventFlags uint32

const (
	FlagGuestTime EventFlags = 1 << iota
	FlagHostTime
)

func (f EventFlags) String() string {
	flags := []string{}
	if f&FlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&FlagHostTime != 0 {
		flags = append(flags, "host")
	}
	return strings.Join(flags, ",")
}

// EventInfo describes a registered kind.
type EventInfo struct {
	Name  string
	Flags EventFlags
}

var eventKinds = make(map[EventID]EventInfo)

// RegisterKind names a new event kind. Call it from package init only; the
// registry is not thread safe and is frozen into the stream header when
// recording starts.
func RegisterKind(name string, flags EventFlags) EventID {
	id := EventID(len(eventKinds) + 1)
	eventKinds[id] = EventInfo{Name: name, Flags: flags}
	return id
}

// record is the on-disk event layout: the kind, the guest identifier the
// event concerns (zero for host-only events), and the elapsed nanoseconds.
type record struct {
	ID       uint32
	Gasid    uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], rec.ID)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.Gasid)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// only one closer wins, and it must be the current writer
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("trace: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("trace: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Emit records one event. When no recording is active it is a cheap no-op,
// so call sites do not need to be guarded.
func Emit(id EventID, gasid uint8, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			ID:       uint32(id),
			Gasid:    uint32(gasid),
			Duration: duration.Nanoseconds(),
		}
	}
}

// Span starts timing an event and returns a func that emits it.
func Span(id EventID, gasid uint8) func() {
	start := time.Now()
	return func() { Emit(id, gasid, time.Since(start)) }
}

// StartRecording begins streaming events to w. The kind registry is written
// as the stream header, so kinds registered afterwards are unreadable.
func StartRecording(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("trace: already recording")
	}

	kinds, err := json.Marshal(eventKinds)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal event kinds: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:            Magic,
		Version:          Version,
		EventKindsLength: uint32(len(kinds)),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	off += binary.Size(header{})

	if _, err := w.Write(kinds); err != nil {
		return nil, fmt.Errorf("trace: write event kinds: %w", err)
	}
	off += len(kinds)

	// pad to 4096 so the records start aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("trace: write padding: %w", err)
		}
	}

	writer := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		return nil, fmt.Errorf("trace: already recording")
	}

	return writer, nil
}

// ReadAllRecords replays a recorded stream, calling fn for every event.
func ReadAllRecords(r io.Reader, fn func(name string, flags EventFlags, gasid uint8, duration time.Duration) error) error {
	var kinds map[EventID]EventInfo

	buf := bufio.NewReaderSize(r, 4096)

	var header header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return err
	}
	if header.Magic != Magic {
		return fmt.Errorf("trace: invalid magic")
	}
	if header.Version != Version {
		return fmt.Errorf("trace: invalid version")
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(header.EventKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	off := int(header.EventKindsLength) + binary.Size(header)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		id := EventID(rec.ID)
		if id == InvalidEventID {
			return fmt.Errorf("trace: invalid event id")
		}
		kind, ok := kinds[id]
		if !ok {
			return fmt.Errorf("trace: unknown event kind: %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, uint8(rec.Gasid), time.Duration(rec.Duration)); err != nil {
			return err
		}
	}

	return nil
}
