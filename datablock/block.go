package datablock

import (
	"encoding/binary"
	"fmt"
	"math"

	"dblink/logging"
)

// Address locates one field inside the block image. Bit is -1 for
// scalars; for booleans it is the bit position within the packed word
// at Offset. Bit addressing follows the controller's byte.bit scheme:
// bit i lives at byte Offset+i/8, bit i%8, so the low byte fills first.
type Address struct {
	Offset int
	Bit    int
	Type   uint16
	StrLen int
}

// Size returns the byte width of the addressed field. Booleans report
// the 2-byte word they share.
func (a Address) Size() int {
	if a.Bit >= 0 {
		return 2
	}
	if a.Type == TypeString {
		return 2 + a.StrLen
	}
	return TypeSize(a.Type)
}

// Block binds a layout to a byte buffer and provides name-indexed
// typed access. The buffer always holds exactly Layout.Size() bytes.
// Block does no internal locking; callers sharing one Block across
// goroutines must serialize access, since the bit read-modify-write on
// a packed word is not atomic.
type Block struct {
	layout *Layout
	index  map[string]Address
	names  []string
	buf    []byte
}

// New builds the name index and allocates a zero-filled buffer.
// Duplicate full field paths are a construction error.
func New(layout *Layout) (*Block, error) {
	b := &Block{
		layout: layout,
		index:  make(map[string]Address),
		buf:    make([]byte, layout.Size()),
	}
	for _, seg := range layout.Segments {
		if len(seg.Bools) > 0 {
			for bit, name := range seg.Bools {
				if err := b.addAddress(name, Address{Offset: seg.Offset, Bit: bit, Type: TypeBool}); err != nil {
					return nil, err
				}
			}
			continue
		}
		addr := Address{Offset: seg.Offset, Bit: -1, Type: seg.Type, StrLen: seg.StrLen}
		if err := b.addAddress(seg.Name, addr); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewFromBytes is New followed by LoadBytes.
func NewFromBytes(layout *Layout, data []byte) (*Block, error) {
	b, err := New(layout)
	if err != nil {
		return nil, err
	}
	b.LoadBytes(data)
	return b, nil
}

func (b *Block) addAddress(name string, addr Address) error {
	if _, exists := b.index[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	b.index[name] = addr
	b.names = append(b.names, name)
	return nil
}

// Layout returns the layout this block was built from.
func (b *Block) Layout() *Layout {
	return b.layout
}

// Size returns the block image size in bytes.
func (b *Block) Size() int {
	return len(b.buf)
}

// FieldNames returns every field path in layout order.
func (b *Block) FieldNames() []string {
	names := make([]string, len(b.names))
	copy(names, b.names)
	return names
}

// Address returns the physical address of a field.
func (b *Block) Address(name string) (Address, bool) {
	addr, ok := b.index[name]
	return addr, ok
}

// Bytes returns a copy of the current block image.
func (b *Block) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// LoadBytes replaces the block image. A short source zero-pads the
// remainder, a long source is truncated; either way the mismatch is
// logged and the load succeeds. Stale images from a previous layout
// revision are expected here.
func (b *Block) LoadBytes(data []byte) {
	if len(data) != len(b.buf) {
		logging.DebugLog("datablock", "%s: buffer size mismatch: got %d bytes, want %d (truncate/pad)",
			b.layout.Block, len(data), len(b.buf))
	}
	n := copy(b.buf, data)
	for i := n; i < len(b.buf); i++ {
		b.buf[i] = 0
	}
}

// Get reads the named field from the block image.
// Types decode as: Bool → bool; Int, DInt, Time → int64; Byte, Char,
// Word, DWord, S5Time, Date, Time_of_Day → uint64; Real, DReal →
// float64; String → string.
func (b *Block) Get(name string) (any, error) {
	addr, ok := b.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}

	if addr.Bit >= 0 {
		byt := b.buf[addr.Offset+addr.Bit/8]
		return byt&(1<<(addr.Bit%8)) != 0, nil
	}

	off := addr.Offset
	switch addr.Type {
	case TypeByte, TypeChar:
		return uint64(b.buf[off]), nil
	case TypeWord, TypeS5Time, TypeDate:
		return uint64(binary.BigEndian.Uint16(b.buf[off:])), nil
	case TypeInt:
		return int64(int16(binary.BigEndian.Uint16(b.buf[off:]))), nil
	case TypeDWord, TypeTimeOfDay: // TypeUDInt == TypeDWord
		return uint64(binary.BigEndian.Uint32(b.buf[off:])), nil
	case TypeDInt, TypeTime:
		return int64(int32(binary.BigEndian.Uint32(b.buf[off:]))), nil
	case TypeReal:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b.buf[off:]))), nil
	case TypeDReal:
		return math.Float64frombits(binary.BigEndian.Uint64(b.buf[off:])), nil
	case TypeString:
		cur := int(b.buf[off+1])
		if cur > addr.StrLen {
			cur = addr.StrLen
		}
		return string(b.buf[off+2 : off+2+cur]), nil
	default:
		return nil, fmt.Errorf("%w: %q has unknown type 0x%04X", ErrTypeMismatch, name, addr.Type)
	}
}

// Set writes the named field into the block image. Integer inputs wrap
// to the field width; incompatible values fail with ErrTypeMismatch
// and leave the buffer untouched. A boolean set touches only its own
// bit, never the co-packed booleans or adjacent scalars.
func (b *Block) Set(name string, value any) error {
	addr, ok := b.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}

	if addr.Bit >= 0 {
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %q is BOOL, got %T", ErrTypeMismatch, name, value)
		}
		idx := addr.Offset + addr.Bit/8
		mask := byte(1 << (addr.Bit % 8))
		if v {
			b.buf[idx] |= mask
		} else {
			b.buf[idx] &^= mask
		}
		return nil
	}

	off := addr.Offset
	switch addr.Type {
	case TypeByte:
		v, ok := toUint64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		b.buf[off] = byte(v)
	case TypeChar:
		v, ok := toChar(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		b.buf[off] = v
	case TypeWord, TypeS5Time, TypeDate:
		v, ok := toUint64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint16(b.buf[off:], uint16(v))
	case TypeInt:
		v, ok := toInt64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint16(b.buf[off:], uint16(int16(v)))
	case TypeDWord, TypeTimeOfDay:
		v, ok := toUint64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint32(b.buf[off:], uint32(v))
	case TypeDInt, TypeTime:
		v, ok := toInt64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint32(b.buf[off:], uint32(int32(v)))
	case TypeReal:
		v, ok := toFloat64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint32(b.buf[off:], math.Float32bits(float32(v)))
	case TypeDReal:
		v, ok := toFloat64(value)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		binary.BigEndian.PutUint64(b.buf[off:], math.Float64bits(v))
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return typeErr(name, addr.Type, value)
		}
		if len(v) > addr.StrLen {
			return fmt.Errorf("%w: %q holds at most %d chars, got %d", ErrTypeMismatch, name, addr.StrLen, len(v))
		}
		b.buf[off] = byte(addr.StrLen)
		b.buf[off+1] = byte(len(v))
		copy(b.buf[off+2:], v)
		for i := off + 2 + len(v); i < off+2+addr.StrLen; i++ {
			b.buf[i] = 0
		}
	default:
		return fmt.Errorf("%w: %q has unknown type 0x%04X", ErrTypeMismatch, name, addr.Type)
	}
	return nil
}

func typeErr(name string, typ uint16, value any) error {
	return fmt.Errorf("%w: %q is %s, got %T", ErrTypeMismatch, name, TypeName(typ), value)
}

// Numeric conversions accept any Go integer or float kind. Floats
// arriving for integer fields (JSON decoding produces float64 for all
// numbers) are truncated toward zero.

func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case int32:
		return uint64(v), true
	case int16:
		return uint64(v), true
	case int8:
		return uint64(v), true
	case int:
		return uint64(v), true
	case float64:
		return uint64(int64(v)), true
	case float32:
		return uint64(int64(v)), true
	default:
		return 0, false
	}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	default:
		return 0, false
	}
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		if i, ok := toInt64(value); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func toChar(value any) (byte, bool) {
	switch v := value.(type) {
	case string:
		if len(v) != 1 {
			return 0, false
		}
		return v[0], true
	default:
		if u, ok := toUint64(value); ok {
			return byte(u), true
		}
		return 0, false
	}
}
