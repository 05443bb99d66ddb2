// Package stream extracts whole frames from an undelimited byte stream.
//
// Nothing in the transport marks frame boundaries, so the reassembler
// walks a small state machine: scan for a plausible frame start, accumulate
// until the header-declared length is satisfied, emit, repeat. On any
// implausible header it advances a single byte and rescans, so one
// corrupted frame can never stall ingestion.
package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/drblury/dltstream/internal/dlt"
)

// Framing selects how frame starts are recognized.
type Framing int

const (
	// FramingAuto inspects the first bytes of the stream: a storage
	// pattern switches to storage framing, anything else to wire framing.
	FramingAuto Framing = iota

	// FramingStorage synchronizes on the storage pattern that prefixes
	// every frame in a trace file.
	FramingStorage

	// FramingWire synchronizes on a plausible standard header, for bare
	// daemon streams that carry no storage headers.
	FramingWire
)

func (f Framing) String() string {
	switch f {
	case FramingStorage:
		return "storage"
	case FramingWire:
		return "wire"
	}
	return "auto"
}

const (
	stateSeekSync = iota
	stateReadBody
)

// readChunk is sized to pull a few typical frames per syscall.
const readChunk = 4096

// Reassembler turns an io.Reader into a sequence of raw frame buffers.
// It is not restartable: once Next has returned a non-recoverable error
// the stream is exhausted.
type Reassembler struct {
	r       io.Reader
	profile dlt.DecodingProfile
	framing Framing

	buf   []byte
	state int
	// target is the full frame size being accumulated in READ_BODY.
	target int

	syncLosses atomic.Uint64
	onSyncLoss func()
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithFraming fixes the framing instead of auto-detecting it.
func WithFraming(f Framing) Option {
	return func(r *Reassembler) { r.framing = f }
}

// WithSyncLossCallback installs a callback invoked once per lost
// synchronization, after the internal counter is incremented.
func WithSyncLossCallback(fn func()) Option {
	return func(r *Reassembler) { r.onSyncLoss = fn }
}

// New wraps the reader. The profile bounds plausible frame lengths and
// pins the accepted protocol version.
func New(r io.Reader, profile dlt.DecodingProfile, opts ...Option) *Reassembler {
	ra := &Reassembler{r: r, profile: profile}
	for _, opt := range opts {
		opt(ra)
	}
	return ra
}

// SyncLosses returns how many times frame alignment was lost and
// re-established by scanning.
func (ra *Reassembler) SyncLosses() uint64 { return ra.syncLosses.Load() }

// Next returns the next whole frame, storage header included when the
// stream is storage framed. The returned slice is only valid until the
// following call. It returns io.EOF once the upstream closes and all
// complete buffered frames have been emitted; ctx cancellation is checked
// between frames, never mid-frame.
func (ra *Reassembler) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if frame, ok := ra.extract(); ok {
			return frame, nil
		}

		if err := ra.fill(); err != nil {
			if err == io.EOF && ra.state == stateReadBody && len(ra.buf) > 0 {
				// Stream closed mid-frame: resync inside the remainder in
				// case a complete frame hides past the bad header.
				ra.loseSync()
				continue
			}
			return nil, err
		}
	}
}

func (ra *Reassembler) fill() error {
	chunk := make([]byte, readChunk)
	n, err := ra.r.Read(chunk)
	if n > 0 {
		ra.buf = append(ra.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// extract runs the state machine over the buffered bytes. It returns a
// frame when one is complete, or false when more input is required.
func (ra *Reassembler) extract() ([]byte, bool) {
	for {
		switch ra.state {
		case stateSeekSync:
			if !ra.seek() {
				return nil, false
			}
			ra.state = stateReadBody

		case stateReadBody:
			if len(ra.buf) < ra.target {
				return nil, false
			}
			frame := ra.buf[:ra.target]
			ra.buf = ra.buf[ra.target:]
			ra.state = stateSeekSync
			return frame, true
		}
	}
}

// seek discards bytes until the buffer starts with a plausible frame,
// setting target to its full size. Returns false when more input is
// needed to decide.
func (ra *Reassembler) seek() bool {
	for {
		if ra.framing == FramingAuto {
			if len(ra.buf) < len(dlt.StoragePattern) {
				return false
			}
			if bytes.HasPrefix(ra.buf, []byte(dlt.StoragePattern)) {
				ra.framing = FramingStorage
			} else {
				ra.framing = FramingWire
			}
		}

		switch ra.framing {
		case FramingStorage:
			// Align on the storage pattern first; everything before it is
			// garbage from a previous corruption.
			idx := bytes.Index(ra.buf, []byte(dlt.StoragePattern))
			if idx < 0 {
				// Keep a potential partial pattern at the tail.
				if keep := len(dlt.StoragePattern) - 1; len(ra.buf) > keep {
					ra.buf = ra.buf[len(ra.buf)-keep:]
				}
				return false
			}
			if idx > 0 {
				ra.buf = ra.buf[idx:]
				ra.loseSyncSilent()
			}
			if len(ra.buf) < dlt.StorageHeaderSize+dlt.StandardHeaderSize {
				return false
			}
			n, ok := ra.frameSize(ra.buf[dlt.StorageHeaderSize:])
			if !ok {
				ra.loseSync()
				continue
			}
			ra.target = dlt.StorageHeaderSize + n
			return true

		case FramingWire:
			if len(ra.buf) < dlt.StandardHeaderSize {
				return false
			}
			n, ok := ra.frameSize(ra.buf)
			if !ok {
				ra.loseSync()
				continue
			}
			ra.target = n
			return true
		}
	}
}

// frameSize validates the standard header at the start of buf and returns
// the declared frame length.
func (ra *Reassembler) frameSize(buf []byte) (int, bool) {
	if len(buf) < dlt.StandardHeaderSize {
		return 0, false
	}
	htyp := buf[0]
	if (htyp&0xe0)>>5 != ra.profile.Version {
		return 0, false
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < dlt.StandardHeaderSize {
		return 0, false
	}
	max := ra.profile.MaxFrameLen
	if max > 0 && length > max {
		return 0, false
	}
	return length, true
}

// loseSync advances one byte and returns to scanning.
func (ra *Reassembler) loseSync() {
	if len(ra.buf) > 0 {
		ra.buf = ra.buf[1:]
	}
	ra.state = stateSeekSync
	ra.syncLosses.Add(1)
	if ra.onSyncLoss != nil {
		ra.onSyncLoss()
	}
}

// loseSyncSilent counts a resync without consuming a byte, used when a
// scan already skipped ahead to the next marker.
func (ra *Reassembler) loseSyncSilent() {
	ra.syncLosses.Add(1)
	if ra.onSyncLoss != nil {
		ra.onSyncLoss()
	}
}
