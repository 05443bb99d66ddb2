package dlt

import (
	"bytes"
	"encoding/binary"
	"time"
)

// StorageHeader prefixes frames persisted to trace files. The receiving
// client stamps it with the local arrival time, so it is little-endian
// host data rather than network order.
type StorageHeader struct {
	Seconds      uint32
	Microseconds int32
	ECU          string
}

// Time returns the arrival timestamp carried by the header.
func (h StorageHeader) Time() time.Time {
	return time.Unix(int64(h.Seconds), int64(h.Microseconds)*1000)
}

func (h StorageHeader) appendTo(dst []byte) []byte {
	dst = append(dst, StoragePattern...)
	dst = binary.LittleEndian.AppendUint32(dst, h.Seconds)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(h.Microseconds))
	return appendID(dst, h.ECU)
}

func parseStorageHeader(buf []byte) (StorageHeader, bool) {
	if len(buf) < StorageHeaderSize || !bytes.Equal(buf[:len(StoragePattern)], []byte(StoragePattern)) {
		return StorageHeader{}, false
	}
	return StorageHeader{
		Seconds:      binary.LittleEndian.Uint32(buf[4:8]),
		Microseconds: int32(binary.LittleEndian.Uint32(buf[8:12])),
		ECU:          trimID(buf[12:16]),
	}, true
}

// StandardHeader is the fixed 4-byte header present in every frame,
// followed by the optional extras its flags declare. Network order.
type StandardHeader struct {
	HTYP    uint8
	Counter uint8
	Length  uint16
}

// Version extracts the protocol version bits.
func (h StandardHeader) Version() uint8 { return (h.HTYP & htypVersionMask) >> htypVersionShift }

// HasExtendedHeader reports whether an extended header follows the extras.
func (h StandardHeader) HasExtendedHeader() bool { return h.HTYP&htypUEH != 0 }

// BigEndianPayload reports whether payload data uses network order.
func (h StandardHeader) BigEndianPayload() bool { return h.HTYP&htypMSBF != 0 }

// HasECU reports whether the extras carry an ECU id.
func (h StandardHeader) HasECU() bool { return h.HTYP&htypWEID != 0 }

// HasSessionID reports whether the extras carry a session id.
func (h StandardHeader) HasSessionID() bool { return h.HTYP&htypWSID != 0 }

// HasTimestamp reports whether the extras carry an uptime timestamp.
func (h StandardHeader) HasTimestamp() bool { return h.HTYP&htypWTMS != 0 }

// ExtrasSize returns the byte count of the optional fields between the
// standard and extended headers.
func (h StandardHeader) ExtrasSize() int {
	n := 0
	if h.HasECU() {
		n += IDSize
	}
	if h.HasSessionID() {
		n += 4
	}
	if h.HasTimestamp() {
		n += 4
	}
	return n
}

// HeaderSize returns the total header length the HTYP flags declare,
// excluding any storage header.
func (h StandardHeader) HeaderSize() int {
	n := StandardHeaderSize + h.ExtrasSize()
	if h.HasExtendedHeader() {
		n += ExtendedHeaderSize
	}
	return n
}

func parseStandardHeader(buf []byte) (StandardHeader, bool) {
	if len(buf) < StandardHeaderSize {
		return StandardHeader{}, false
	}
	return StandardHeader{
		HTYP:    buf[0],
		Counter: buf[1],
		Length:  binary.BigEndian.Uint16(buf[2:4]),
	}, true
}

func (h StandardHeader) appendTo(dst []byte) []byte {
	dst = append(dst, h.HTYP, h.Counter)
	return binary.BigEndian.AppendUint16(dst, h.Length)
}

// HeaderExtras holds the optional standard-header fields. Zero values
// stand in for absent fields; the HTYP flags are authoritative.
type HeaderExtras struct {
	ECU       string
	SessionID uint32
	Timestamp uint32 // daemon uptime in 0.1 ms units
}

// TimestampSeconds converts the uptime timestamp to seconds.
func (e HeaderExtras) TimestampSeconds() float64 { return float64(e.Timestamp) / 10000.0 }

// ExtendedHeader carries message classification and the filterable
// application/context pair.
type ExtendedHeader struct {
	MSIN          uint8
	ArgumentCount uint8
	AppID         string
	ContextID     string
}

// Verbose reports whether the payload self-describes its arguments.
func (h ExtendedHeader) Verbose() bool { return h.MSIN&msinVERB != 0 }

// Type extracts the message type bits.
func (h ExtendedHeader) Type() MessageType { return MessageType((h.MSIN & msinMSTPMask) >> msinMSTPShift) }

// Subtype extracts the message type info bits.
func (h ExtendedHeader) Subtype() uint8 { return (h.MSIN & msinMTINMask) >> msinMTINShift }

func parseExtendedHeader(buf []byte) (ExtendedHeader, bool) {
	if len(buf) < ExtendedHeaderSize {
		return ExtendedHeader{}, false
	}
	return ExtendedHeader{
		MSIN:          buf[0],
		ArgumentCount: buf[1],
		AppID:         trimID(buf[2:6]),
		ContextID:     trimID(buf[6:10]),
	}, true
}

func (h ExtendedHeader) appendTo(dst []byte) []byte {
	dst = append(dst, h.MSIN, h.ArgumentCount)
	dst = appendID(dst, h.AppID)
	return appendID(dst, h.ContextID)
}

// appendID writes a 4-byte NUL-padded identifier.
func appendID(dst []byte, id string) []byte {
	for i := 0; i < IDSize; i++ {
		if i < len(id) {
			dst = append(dst, id[i])
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

// trimID drops NUL padding from a stored identifier.
func trimID(buf []byte) string {
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}
