package dlt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type-info word layout of verbose arguments.
const (
	typeInfoTYLE = 0x0000000f
	typeInfoBOOL = 0x00000010
	typeInfoSINT = 0x00000020
	typeInfoUINT = 0x00000040
	typeInfoFLOA = 0x00000080
	typeInfoARAY = 0x00000100
	typeInfoSTRG = 0x00000200
	typeInfoRAWD = 0x00000400
	typeInfoVARI = 0x00000800
	typeInfoFIXP = 0x00001000
	typeInfoTRAI = 0x00002000
	typeInfoSTRU = 0x00004000
	typeInfoSCOD = 0x00038000

	scodASCII = 0x00000000
	scodUTF8  = 0x00008000

	tyle8Bit   = 1
	tyle16Bit  = 2
	tyle32Bit  = 3
	tyle64Bit  = 4
	tyle128Bit = 5
)

// ArgumentKind identifies the decoded representation of an argument.
type ArgumentKind uint8

const (
	KindBool ArgumentKind = iota
	KindSigned
	KindUnsigned
	KindFloat
	KindString
	KindRaw
)

func (k ArgumentKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindRaw:
		return "raw"
	}
	return "invalid"
}

// Argument is one decoded verbose-mode value. TypeInfo is kept verbatim
// so encoding reproduces the original wire bytes, including the VARI
// name/unit and FIXP quantization extras when present.
type Argument struct {
	TypeInfo uint32

	// Value holds bool, int64, uint64, float32, float64, string or
	// []byte depending on the type-info word.
	Value any

	// VARI extras.
	Name string
	Unit string

	// FIXP extras.
	Quantization float32
	Offset       int64
}

// Kind reports the argument's decoded representation.
func (a Argument) Kind() ArgumentKind {
	switch {
	case a.TypeInfo&typeInfoBOOL != 0:
		return KindBool
	case a.TypeInfo&typeInfoSINT != 0:
		return KindSigned
	case a.TypeInfo&typeInfoUINT != 0:
		return KindUnsigned
	case a.TypeInfo&typeInfoFLOA != 0:
		return KindFloat
	case a.TypeInfo&typeInfoSTRG != 0:
		return KindString
	}
	return KindRaw
}

// String renders the value the way trace viewers print payload text.
func (a Argument) String() string {
	switch v := a.Value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	case []byte:
		return hex.EncodeToString(v)
	}
	return ""
}

// Bool builds a boolean argument.
func Bool(v bool) Argument {
	return Argument{TypeInfo: typeInfoBOOL | tyle8Bit, Value: v}
}

// Signed builds a signed integer argument of the given bit width
// (8, 16, 32 or 64).
func Signed(v int64, bits int) Argument {
	return Argument{TypeInfo: typeInfoSINT | tyleFor(bits), Value: v}
}

// Unsigned builds an unsigned integer argument of the given bit width.
func Unsigned(v uint64, bits int) Argument {
	return Argument{TypeInfo: typeInfoUINT | tyleFor(bits), Value: v}
}

// Float32 builds a 32-bit float argument.
func Float32(v float32) Argument {
	return Argument{TypeInfo: typeInfoFLOA | tyle32Bit, Value: v}
}

// Float64 builds a 64-bit float argument.
func Float64(v float64) Argument {
	return Argument{TypeInfo: typeInfoFLOA | tyle64Bit, Value: v}
}

// String builds an ASCII string argument.
func StringArg(v string) Argument {
	return Argument{TypeInfo: typeInfoSTRG | scodASCII, Value: v}
}

// UTF8 builds a UTF-8 string argument.
func UTF8(v string) Argument {
	return Argument{TypeInfo: typeInfoSTRG | scodUTF8, Value: v}
}

// Raw builds a raw-data argument.
func Raw(v []byte) Argument {
	return Argument{TypeInfo: typeInfoRAWD, Value: v}
}

func tyleFor(bits int) uint32 {
	switch bits {
	case 8:
		return tyle8Bit
	case 16:
		return tyle16Bit
	case 64:
		return tyle64Bit
	default:
		return tyle32Bit
	}
}

// byteOrder reads and appends integers in the frame's declared order.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// payloadReader steps through verbose payload bytes in the frame's
// declared byte order, tracking the absolute offset for error reports.
type payloadReader struct {
	buf   []byte
	pos   int
	base  int
	order byteOrder
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.pos }

func (r *payloadReader) offset() int { return r.base + r.pos }

func (r *payloadReader) take(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

func (r *payloadReader) uint16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return r.order.Uint16(b), true
}

func (r *payloadReader) uint32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return r.order.Uint32(b), true
}

func (r *payloadReader) uint64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return r.order.Uint64(b), true
}

// counted string: a 16-bit length followed by that many bytes, the last
// of which is the terminating NUL that viewers strip.
func (r *payloadReader) countedString() (string, bool) {
	n, ok := r.uint16()
	if !ok {
		return "", false
	}
	if n == 0 {
		return "", true
	}
	b, ok := r.take(int(n))
	if !ok {
		return "", false
	}
	return string(b[:n-1]), true
}

func decodeArguments(buf []byte, count int, order byteOrder, base int) ([]Argument, int, error) {
	r := &payloadReader{buf: buf, base: base, order: order}
	args := make([]Argument, 0, count)
	for i := 0; i < count; i++ {
		arg, err := decodeArgument(r)
		if err != nil {
			return nil, r.pos, err
		}
		args = append(args, arg)
	}
	return args, r.pos, nil
}

func decodeArgument(r *payloadReader) (Argument, error) {
	start := r.offset()
	typeInfo, ok := r.uint32()
	if !ok {
		return Argument{}, truncated(start, "type info")
	}

	arg := Argument{TypeInfo: typeInfo}

	if typeInfo&(typeInfoARAY|typeInfoTRAI|typeInfoSTRU) != 0 {
		return Argument{}, malformed(start, fmt.Sprintf("unsupported type info %#x", typeInfo))
	}

	switch {
	case typeInfo&typeInfoSTRG != 0:
		scod := typeInfo & typeInfoSCOD
		if scod != scodASCII && scod != scodUTF8 {
			return Argument{}, malformed(start, fmt.Sprintf("unsupported string coding %#x", scod))
		}
		if typeInfo&typeInfoVARI != 0 {
			if arg.Name, ok = r.countedString(); !ok {
				return Argument{}, truncated(r.offset(), "variable name")
			}
		}
		s, ok := r.countedString()
		if !ok {
			return Argument{}, truncated(r.offset(), "string data")
		}
		arg.Value = s

	case typeInfo&typeInfoRAWD != 0:
		if typeInfo&typeInfoVARI != 0 {
			if arg.Name, ok = r.countedString(); !ok {
				return Argument{}, truncated(r.offset(), "variable name")
			}
		}
		n, ok := r.uint16()
		if !ok {
			return Argument{}, truncated(r.offset(), "raw length")
		}
		b, ok := r.take(int(n))
		if !ok {
			return Argument{}, truncated(r.offset(), "raw data")
		}
		data := make([]byte, n)
		copy(data, b)
		arg.Value = data

	case typeInfo&typeInfoBOOL != 0:
		if typeInfo&typeInfoVARI != 0 {
			if arg.Name, ok = r.countedString(); !ok {
				return Argument{}, truncated(r.offset(), "variable name")
			}
		}
		b, ok := r.take(1)
		if !ok {
			return Argument{}, truncated(r.offset(), "bool data")
		}
		arg.Value = b[0] != 0

	case typeInfo&typeInfoSINT != 0 || typeInfo&typeInfoUINT != 0:
		if err := decodeNumberExtras(r, &arg); err != nil {
			return Argument{}, err
		}
		if err := decodeInteger(r, &arg, start); err != nil {
			return Argument{}, err
		}

	case typeInfo&typeInfoFLOA != 0:
		if err := decodeNumberExtras(r, &arg); err != nil {
			return Argument{}, err
		}
		switch typeInfo & typeInfoTYLE {
		case tyle32Bit:
			v, ok := r.uint32()
			if !ok {
				return Argument{}, truncated(r.offset(), "float data")
			}
			arg.Value = math.Float32frombits(v)
		case tyle64Bit:
			v, ok := r.uint64()
			if !ok {
				return Argument{}, truncated(r.offset(), "float data")
			}
			arg.Value = math.Float64frombits(v)
		default:
			return Argument{}, malformed(start, fmt.Sprintf("unsupported float width %d", typeInfo&typeInfoTYLE))
		}

	default:
		return Argument{}, malformed(start, fmt.Sprintf("no data type in type info %#x", typeInfo))
	}

	return arg, nil
}

// decodeNumberExtras consumes the optional VARI name/unit and FIXP
// quantization/offset blocks that precede integer and float data.
func decodeNumberExtras(r *payloadReader, arg *Argument) error {
	if arg.TypeInfo&typeInfoVARI != 0 {
		nameLen, ok := r.uint16()
		if !ok {
			return truncated(r.offset(), "variable name length")
		}
		unitLen, ok := r.uint16()
		if !ok {
			return truncated(r.offset(), "variable unit length")
		}
		name, ok := r.take(int(nameLen))
		if !ok {
			return truncated(r.offset(), "variable name")
		}
		unit, ok := r.take(int(unitLen))
		if !ok {
			return truncated(r.offset(), "variable unit")
		}
		arg.Name = stripNUL(name)
		arg.Unit = stripNUL(unit)
	}
	if arg.TypeInfo&typeInfoFIXP != 0 {
		q, ok := r.uint32()
		if !ok {
			return truncated(r.offset(), "quantization")
		}
		arg.Quantization = math.Float32frombits(q)
		if arg.TypeInfo&typeInfoTYLE >= tyle64Bit {
			v, ok := r.uint64()
			if !ok {
				return truncated(r.offset(), "fixed point offset")
			}
			arg.Offset = int64(v)
		} else {
			v, ok := r.uint32()
			if !ok {
				return truncated(r.offset(), "fixed point offset")
			}
			arg.Offset = int64(int32(v))
		}
	}
	return nil
}

func decodeInteger(r *payloadReader, arg *Argument, start int) error {
	signed := arg.TypeInfo&typeInfoSINT != 0
	var raw uint64
	switch arg.TypeInfo & typeInfoTYLE {
	case tyle8Bit:
		b, ok := r.take(1)
		if !ok {
			return truncated(r.offset(), "integer data")
		}
		raw = uint64(b[0])
		if signed {
			arg.Value = int64(int8(b[0]))
			return nil
		}
	case tyle16Bit:
		v, ok := r.uint16()
		if !ok {
			return truncated(r.offset(), "integer data")
		}
		raw = uint64(v)
		if signed {
			arg.Value = int64(int16(v))
			return nil
		}
	case tyle32Bit:
		v, ok := r.uint32()
		if !ok {
			return truncated(r.offset(), "integer data")
		}
		raw = uint64(v)
		if signed {
			arg.Value = int64(int32(v))
			return nil
		}
	case tyle64Bit:
		v, ok := r.uint64()
		if !ok {
			return truncated(r.offset(), "integer data")
		}
		raw = v
		if signed {
			arg.Value = int64(v)
			return nil
		}
	case tyle128Bit:
		return malformed(start, "128-bit integers not supported")
	default:
		return malformed(start, fmt.Sprintf("invalid integer width %d", arg.TypeInfo&typeInfoTYLE))
	}
	arg.Value = raw
	return nil
}

// payloadWriter mirrors payloadReader for encoding.
type payloadWriter struct {
	buf   []byte
	order byteOrder
}

func (w *payloadWriter) uint16(v uint16) {
	w.buf = w.order.AppendUint16(w.buf, v)
}

func (w *payloadWriter) uint32(v uint32) {
	w.buf = w.order.AppendUint32(w.buf, v)
}

func (w *payloadWriter) uint64(v uint64) {
	w.buf = w.order.AppendUint64(w.buf, v)
}

func (w *payloadWriter) countedString(s string) {
	w.uint16(uint16(len(s) + 1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func encodeArguments(dst []byte, args []Argument, order byteOrder) ([]byte, error) {
	w := &payloadWriter{buf: dst, order: order}
	for i := range args {
		if err := encodeArgument(w, &args[i]); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

func encodeArgument(w *payloadWriter, arg *Argument) error {
	typeInfo := arg.TypeInfo
	w.uint32(typeInfo)

	switch {
	case typeInfo&typeInfoSTRG != 0:
		if typeInfo&typeInfoVARI != 0 {
			w.countedString(arg.Name)
		}
		s, ok := arg.Value.(string)
		if !ok {
			return malformed(0, "string argument requires a string value")
		}
		w.countedString(s)

	case typeInfo&typeInfoRAWD != 0:
		if typeInfo&typeInfoVARI != 0 {
			w.countedString(arg.Name)
		}
		b, ok := arg.Value.([]byte)
		if !ok {
			return malformed(0, "raw argument requires a byte slice value")
		}
		w.uint16(uint16(len(b)))
		w.buf = append(w.buf, b...)

	case typeInfo&typeInfoBOOL != 0:
		if typeInfo&typeInfoVARI != 0 {
			w.countedString(arg.Name)
		}
		v, ok := arg.Value.(bool)
		if !ok {
			return malformed(0, "bool argument requires a bool value")
		}
		if v {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}

	case typeInfo&typeInfoSINT != 0 || typeInfo&typeInfoUINT != 0:
		encodeNumberExtras(w, arg)
		return encodeInteger(w, arg)

	case typeInfo&typeInfoFLOA != 0:
		encodeNumberExtras(w, arg)
		switch v := arg.Value.(type) {
		case float32:
			w.uint32(math.Float32bits(v))
		case float64:
			w.uint64(math.Float64bits(v))
		default:
			return malformed(0, "float argument requires a float value")
		}

	default:
		return malformed(0, fmt.Sprintf("no data type in type info %#x", typeInfo))
	}
	return nil
}

func encodeNumberExtras(w *payloadWriter, arg *Argument) {
	if arg.TypeInfo&typeInfoVARI != 0 {
		w.uint16(uint16(len(arg.Name) + 1))
		w.uint16(uint16(len(arg.Unit) + 1))
		w.buf = append(w.buf, arg.Name...)
		w.buf = append(w.buf, 0)
		w.buf = append(w.buf, arg.Unit...)
		w.buf = append(w.buf, 0)
	}
	if arg.TypeInfo&typeInfoFIXP != 0 {
		w.uint32(math.Float32bits(arg.Quantization))
		if arg.TypeInfo&typeInfoTYLE >= tyle64Bit {
			w.uint64(uint64(arg.Offset))
		} else {
			w.uint32(uint32(int32(arg.Offset)))
		}
	}
}

func encodeInteger(w *payloadWriter, arg *Argument) error {
	var raw uint64
	switch v := arg.Value.(type) {
	case int64:
		raw = uint64(v)
	case uint64:
		raw = v
	default:
		return malformed(0, "integer argument requires an int64 or uint64 value")
	}
	switch arg.TypeInfo & typeInfoTYLE {
	case tyle8Bit:
		w.buf = append(w.buf, byte(raw))
	case tyle16Bit:
		w.uint16(uint16(raw))
	case tyle32Bit:
		w.uint32(uint32(raw))
	case tyle64Bit:
		w.uint64(raw)
	default:
		return malformed(0, fmt.Sprintf("invalid integer width %d", arg.TypeInfo&typeInfoTYLE))
	}
	return nil
}

// PayloadText joins rendered arguments the way DLT viewers display a
// verbose payload.
func PayloadText(args []Argument) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func stripNUL(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return string(b[:n-1])
	}
	return string(b)
}
