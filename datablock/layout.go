package datablock

import "dblink/dbdef"

// Segment is one physical placement unit. A scalar segment has Name
// set; a packed boolean word has Bools set, bit i belonging to
// Bools[i]. A packed word always occupies 2 bytes regardless of how
// many of its 16 bits are used.
type Segment struct {
	Offset int
	Type   uint16
	Name   string
	StrLen int
	Bools  []string
}

// Width returns the byte width of the segment.
func (s Segment) Width() int {
	if len(s.Bools) > 0 {
		return 2
	}
	if s.Type == TypeString {
		return 2 + s.StrLen
	}
	return TypeSize(s.Type)
}

// Layout is the immutable binary image description of one data block:
// ordered segments plus the exact total size. All multi-byte scalars
// are big-endian.
type Layout struct {
	Block    string
	Segments []Segment
	size     int
}

// Size returns the total byte size of the block image. There is no
// trailing padding beyond the last segment.
func (l *Layout) Size() int {
	return l.size
}

// FieldNames returns every full field path in layout order.
func (l *Layout) FieldNames() []string {
	var names []string
	for _, seg := range l.Segments {
		if len(seg.Bools) > 0 {
			names = append(names, seg.Bools...)
			continue
		}
		names = append(names, seg.Name)
	}
	return names
}

// Load parses a definition export and compiles it into a Layout. No
// partial layout is returned on error.
func Load(src []byte) (*Layout, error) {
	def, err := dbdef.Parse(src)
	if err != nil {
		return nil, err
	}
	fields, err := ResolveFields(def)
	if err != nil {
		return nil, err
	}
	return Generate(def.BlockName, fields), nil
}

// Generate places the resolved fields. Consecutive booleans sharing a
// path prefix pack into one 16-bit word, bit positions in declaration
// order; a non-boolean field, a prefix change, or a full word starts a
// new placement.
func Generate(block string, fields []Field) *Layout {
	l := &Layout{Block: block}
	var pending []string
	var pendingPrefix string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		grp := make([]string, len(pending))
		copy(grp, pending)
		l.Segments = append(l.Segments, Segment{Offset: l.size, Type: TypeBool, Bools: grp})
		l.size += 2
		pending = pending[:0]
	}

	for _, f := range fields {
		if f.Type == TypeBool {
			if len(pending) > 0 && (f.Prefix != pendingPrefix || len(pending) == 16) {
				flush()
			}
			pending = append(pending, f.Path)
			pendingPrefix = f.Prefix
			continue
		}
		flush()
		seg := Segment{Offset: l.size, Type: f.Type, Name: f.Path, StrLen: f.StrLen}
		l.Segments = append(l.Segments, seg)
		l.size += seg.Width()
	}
	flush()
	return l
}
