package dlt

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Message is one fully decoded frame. It keeps the exact bytes it was
// decoded from, so persisting a message never re-serializes it.
type Message struct {
	// Storage is the trace-file framing header, nil for frames received
	// straight off the wire.
	Storage *StorageHeader

	Header   StandardHeader
	Extras   HeaderExtras
	Extended *ExtendedHeader

	// Arguments holds the decoded verbose payload.
	Arguments []Argument

	// MessageID and Data hold the non-verbose payload. The id selects an
	// entry in an external description table this package does not own.
	MessageID uint32
	Data      []byte

	// TrailingData is whatever followed the declared argument list inside
	// the declared frame length. Recorded as a diagnostic, not an error.
	TrailingData []byte

	hasMessageID bool
	raw          []byte
}

// AppID returns the application id, empty when no extended header is present.
func (m *Message) AppID() string {
	if m.Extended == nil {
		return ""
	}
	return m.Extended.AppID
}

// ContextID returns the context id, empty when no extended header is present.
func (m *Message) ContextID() string {
	if m.Extended == nil {
		return ""
	}
	return m.Extended.ContextID
}

// ECU returns the producer identifier, preferring the wire header over the
// storage header.
func (m *Message) ECU() string {
	if m.Header.HasECU() {
		return m.Extras.ECU
	}
	if m.Storage != nil {
		return m.Storage.ECU
	}
	return ""
}

// SessionID returns the producer session id, zero when absent.
func (m *Message) SessionID() uint32 { return m.Extras.SessionID }

// Counter returns the producer's mod-256 message counter.
func (m *Message) Counter() uint8 { return m.Header.Counter }

// Verbose reports whether the payload was decoded as typed arguments.
func (m *Message) Verbose() bool { return m.Extended != nil && m.Extended.Verbose() }

// Type returns the message classification, TypeLog when no extended header
// is present.
func (m *Message) Type() MessageType {
	if m.Extended == nil {
		return TypeLog
	}
	return m.Extended.Type()
}

// StorageTime returns the receive timestamp of the storage header, or the
// zero time for bare wire frames.
func (m *Message) StorageTime() time.Time {
	if m.Storage == nil {
		return time.Time{}
	}
	return m.Storage.Time()
}

// Raw returns the exact frame bytes this message was decoded from,
// including the storage header when one is present.
func (m *Message) Raw() []byte { return m.raw }

// PayloadText renders the payload the way trace viewers display it.
func (m *Message) PayloadText() string {
	if m.Verbose() {
		return PayloadText(m.Arguments)
	}
	if name := ServiceName(m.MessageID); m.Type() == TypeControl && name != "" {
		return fmt.Sprintf("[%s] %x", name, m.Data)
	}
	return fmt.Sprintf("[%d] %x", m.MessageID, m.Data)
}

func (m *Message) String() string {
	sub := ""
	if m.Extended != nil {
		sub = SubtypeString(m.Extended.Type(), m.Extended.Subtype())
	}
	return fmt.Sprintf("%s %s %s %s %s %s", m.ECU(), m.AppID(), m.ContextID(),
		m.Type(), sub, m.PayloadText())
}

// Match reports whether the message's id pair matches the given pair,
// where an empty component matches anything.
func (m *Message) Match(apid, ctid string) bool {
	return (apid == "" || apid == m.AppID()) && (ctid == "" || ctid == m.ContextID())
}

// payloadOrder returns the byte order declared by the standard header.
func (m *Message) payloadOrder() byteOrder {
	if m.Header.BigEndianPayload() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// AddStorageHeader stamps a wire frame with a synthesized storage header,
// the way a receiving client frames messages before writing a trace file.
// The ECU comes from the wire header when present, otherwise fallbackECU.
// Frames that already carry a storage header are left untouched.
func (m *Message) AddStorageHeader(at time.Time, fallbackECU string) {
	if m.Storage != nil {
		return
	}
	ecu := fallbackECU
	if m.Header.HasECU() {
		ecu = m.Extras.ECU
	}
	sh := &StorageHeader{
		Seconds:      uint32(at.Unix()),
		Microseconds: int32(at.Nanosecond() / 1000),
		ECU:          ecu,
	}
	framed := make([]byte, 0, StorageHeaderSize+len(m.raw))
	framed = sh.appendTo(framed)
	framed = append(framed, m.raw...)
	m.Storage = sh
	m.raw = framed
}

// Decode parses one complete frame, with or without a storage header. The
// returned message owns copies of every byte range it references, so the
// input buffer may be reused by the caller.
func Decode(raw []byte, profile DecodingProfile) (*Message, error) {
	m := &Message{}
	offset := 0

	if sh, ok := parseStorageHeader(raw); ok {
		m.Storage = &sh
		offset = StorageHeaderSize
	}

	h, ok := parseStandardHeader(raw[offset:])
	if !ok {
		return nil, truncated(offset, "standard header")
	}
	if h.Version() != profile.Version {
		return nil, &DecodeError{Kind: ErrUnknownVersion, Offset: offset,
			Detail: fmt.Sprintf("version %d", h.Version())}
	}
	m.Header = h

	frameLen := int(h.Length)
	if frameLen < h.HeaderSize() {
		return nil, truncated(offset, fmt.Sprintf("declared length %d below header size %d", frameLen, h.HeaderSize()))
	}
	if offset+frameLen > len(raw) {
		return nil, truncated(offset, fmt.Sprintf("declared length %d exceeds %d available bytes", frameLen, len(raw)-offset))
	}

	pos := offset + StandardHeaderSize
	if h.HasECU() {
		m.Extras.ECU = trimID(raw[pos : pos+IDSize])
		pos += IDSize
	}
	if h.HasSessionID() {
		m.Extras.SessionID = binary.BigEndian.Uint32(raw[pos : pos+4])
		pos += 4
	}
	if h.HasTimestamp() {
		m.Extras.Timestamp = binary.BigEndian.Uint32(raw[pos : pos+4])
		pos += 4
	}
	if h.HasExtendedHeader() {
		eh, _ := parseExtendedHeader(raw[pos : pos+ExtendedHeaderSize])
		m.Extended = &eh
		pos += ExtendedHeaderSize
	}

	payload := raw[pos : offset+frameLen]
	if err := m.decodePayload(payload, pos); err != nil {
		return nil, err
	}

	m.raw = append([]byte(nil), raw[:offset+frameLen]...)
	return m, nil
}

func (m *Message) decodePayload(payload []byte, base int) error {
	order := m.payloadOrder()

	if m.Verbose() {
		args, n, err := decodeArguments(payload, int(m.Extended.ArgumentCount), order, base)
		if err != nil {
			return err
		}
		m.Arguments = args
		if n < len(payload) {
			m.TrailingData = append([]byte(nil), payload[n:]...)
		}
		return nil
	}

	if len(payload) >= 4 {
		m.MessageID = order.Uint32(payload[:4])
		m.hasMessageID = true
		m.Data = append([]byte(nil), payload[4:]...)
	} else if len(payload) > 0 {
		m.Data = append([]byte(nil), payload...)
	}
	return nil
}

// Encode serializes a message back into frame bytes, recomputing the
// declared length. It is the exact inverse of Decode: for every message
// this package can decode, Decode(Encode(m)) yields m again.
func Encode(m *Message) ([]byte, error) {
	payload, err := m.encodePayload()
	if err != nil {
		return nil, err
	}

	h := m.Header
	h.Length = uint16(h.HeaderSize() + len(payload))

	buf := make([]byte, 0, StorageHeaderSize+int(h.Length))
	if m.Storage != nil {
		buf = m.Storage.appendTo(buf)
	}
	buf = h.appendTo(buf)
	if h.HasECU() {
		buf = appendID(buf, m.Extras.ECU)
	}
	if h.HasSessionID() {
		buf = binary.BigEndian.AppendUint32(buf, m.Extras.SessionID)
	}
	if h.HasTimestamp() {
		buf = binary.BigEndian.AppendUint32(buf, m.Extras.Timestamp)
	}
	if h.HasExtendedHeader() {
		if m.Extended == nil {
			return nil, malformed(0, "UEH flag set without extended header")
		}
		buf = m.Extended.appendTo(buf)
	}
	return append(buf, payload...), nil
}

func (m *Message) encodePayload() ([]byte, error) {
	order := m.payloadOrder()

	if m.Verbose() {
		if int(m.Extended.ArgumentCount) != len(m.Arguments) {
			return nil, malformed(0, fmt.Sprintf("argument count %d does not match %d arguments",
				m.Extended.ArgumentCount, len(m.Arguments)))
		}
		payload, err := encodeArguments(nil, m.Arguments, order)
		if err != nil {
			return nil, err
		}
		return append(payload, m.TrailingData...), nil
	}

	if !m.hasMessageID && m.MessageID == 0 {
		// Runt payloads shorter than the message id word.
		return append([]byte(nil), m.Data...), nil
	}
	payload := order.AppendUint32(nil, m.MessageID)
	return append(payload, m.Data...), nil
}

// NewVerbose builds a verbose log message programmatically, for tests and
// for injecting synthetic records. Header flags are derived from the
// populated fields.
func NewVerbose(ecu, apid, ctid string, args ...Argument) *Message {
	htyp := uint8(ProtocolVersion<<htypVersionShift) | htypUEH
	extras := HeaderExtras{}
	if ecu != "" {
		htyp |= htypWEID
		extras.ECU = ecu
	}
	return &Message{
		Header: StandardHeader{HTYP: htyp},
		Extras: extras,
		Extended: &ExtendedHeader{
			MSIN:          msinVERB | uint8(TypeLog)<<msinMSTPShift | 4<<msinMTINShift,
			ArgumentCount: uint8(len(args)),
			AppID:         apid,
			ContextID:     ctid,
		},
		Arguments: args,
	}
}
