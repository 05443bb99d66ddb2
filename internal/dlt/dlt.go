// Package dlt implements the binary frame format emitted by DLT
// (diagnostic log and trace) daemons: the storage header used in trace
// files, the standard header used on the wire, the optional extended
// header, and both verbose and non-verbose payload encodings.
//
// Decoding is pure: a raw frame plus a DecodingProfile deterministically
// produce a Message, and Encode is the exact inverse for every
// representable message.
package dlt

// StoragePattern prefixes every frame in a trace file.
const StoragePattern = "DLT\x01"

// Fixed structure sizes in bytes.
const (
	StorageHeaderSize  = 16
	StandardHeaderSize = 4
	ExtendedHeaderSize = 10
	IDSize             = 4
)

// ProtocolVersion is the standard-header version this package decodes.
// No daemon has ever shipped another one.
const ProtocolVersion = 1

// Standard header type flags (HTYP).
const (
	htypUEH         = 0x01 // extended header present
	htypMSBF        = 0x02 // payload is big-endian
	htypWEID        = 0x04 // ECU id present
	htypWSID        = 0x08 // session id present
	htypWTMS        = 0x10 // timestamp present
	htypVersionMask = 0xe0
	htypVersionShift = 5
)

// Message info flags (MSIN) of the extended header.
const (
	msinVERB      = 0x01
	msinMSTPMask  = 0x0e
	msinMSTPShift = 1
	msinMTINMask  = 0xf0
	msinMTINShift = 4
)

// MessageType classifies a message carrying an extended header.
type MessageType uint8

const (
	TypeLog      MessageType = 0
	TypeAppTrace MessageType = 1
	TypeNwTrace  MessageType = 2
	TypeControl  MessageType = 3
)

var messageTypeNames = [8]string{"log", "app_trace", "nw_trace", "control", "", "", "", ""}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) && messageTypeNames[t] != "" {
		return messageTypeNames[t]
	}
	return "unknown"
}

// Control message subtypes.
const (
	ControlRequest  = 1
	ControlResponse = 2
	ControlTime     = 3
)

var (
	logInfoNames     = [16]string{"", "fatal", "error", "warn", "info", "debug", "verbose"}
	traceTypeNames   = [16]string{"", "variable", "func_in", "func_out", "state", "vfb"}
	nwTraceTypeNames = [16]string{"", "ipc", "can", "flexray", "most", "vfb"}
	controlTypeNames = [16]string{"", "request", "response", "time"}
)

// SubtypeString renders the subtype of a message type the way trace
// viewers label it. Unknown combinations render as an empty string.
func SubtypeString(t MessageType, subtype uint8) string {
	var names *[16]string
	switch t {
	case TypeLog:
		names = &logInfoNames
	case TypeAppTrace:
		names = &traceTypeNames
	case TypeNwTrace:
		names = &nwTraceTypeNames
	case TypeControl:
		names = &controlTypeNames
	default:
		return ""
	}
	if int(subtype) < len(names) {
		return names[subtype]
	}
	return ""
}

// Control service identifiers that need special payload rendering.
const (
	ServiceGetSoftwareVersion = 0x13
	ServiceUnregisterContext  = 0xf01
	ServiceConnectionInfo     = 0xf02
	ServiceTimezone           = 0xf03
	ServiceMarker             = 0xf04
)

var serviceNames = []string{
	"", "set_log_level", "set_trace_status", "get_log_info",
	"get_default_log_level", "store_config", "reset_to_factory_default",
	"set_com_interface_status", "set_com_interface_max_bandwidth",
	"set_verbose_mode", "set_message_filtering", "set_timing_packets",
	"get_local_time", "use_ecu_id", "use_session_id", "use_timestamp",
	"use_extended_header", "set_default_log_level",
	"set_default_trace_status", "get_software_version",
	"message_buffer_overflow",
}

// ServiceName returns the label for a control service id, or an empty
// string for ids outside the standard range.
func ServiceName(id uint32) string {
	switch id {
	case ServiceUnregisterContext:
		return "unregister_context"
	case ServiceConnectionInfo:
		return "connection_info"
	case ServiceTimezone:
		return "timezone"
	case ServiceMarker:
		return "marker"
	}
	if id < uint32(len(serviceNames)) {
		return serviceNames[id]
	}
	return ""
}

// DecodingProfile fixes the version handling and size limits applied
// while decoding. A broker selects one profile at construction and never
// reloads it.
type DecodingProfile struct {
	// Version is the accepted standard-header version.
	Version uint8

	// MaxFrameLen bounds the declared frame length during reassembly.
	// Declared lengths above it are treated as lost synchronization.
	MaxFrameLen int

	// ECU is the fallback identifier for synthesized storage headers
	// when a wire frame does not carry its own ECU id.
	ECU string
}

// DefaultProfile returns the profile matching current daemons: version 1
// frames up to the 16-bit length limit.
func DefaultProfile() DecodingProfile {
	return DecodingProfile{
		Version:     ProtocolVersion,
		MaxFrameLen: StorageHeaderSize + 0xffff,
	}
}
