package datablock

import (
	"bytes"
	"errors"
	"testing"
)

func newTestBlock(t *testing.T, src string) *Block {
	t.Helper()
	b, err := New(mustLoad(t, src))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestBlockRoundTrip(t *testing.T) {
	src := varBlock(`flag : Bool;
b : Byte;
c : Char;
w : Word;
i : Int;
dw : DWord;
di : DInt;
r : Real;
dr : DReal;
s5 : S5Time;
tm : Time;
dt : Date;
tod : Time_of_Day;
s : String[10];`)
	blk := newTestBlock(t, src)

	tests := []struct {
		field string
		in    any
		want  any
	}{
		{"flag", true, true},
		{"b", 200, uint64(200)},
		{"c", "Z", uint64('Z')},
		{"w", 0xBEEF, uint64(0xBEEF)},
		{"i", -1234, int64(-1234)},
		{"dw", uint32(0xDEADBEEF), uint64(0xDEADBEEF)},
		{"di", -123456, int64(-123456)},
		{"r", 3.25, float64(3.25)},
		{"dr", -2.5, float64(-2.5)},
		{"s5", 0x1234, uint64(0x1234)},
		{"tm", -5000, int64(-5000)},
		{"dt", 12000, uint64(12000)},
		{"tod", 86399999, uint64(86399999)},
		{"s", "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if err := blk.Set(tt.field, tt.in); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			got, err := blk.Get(tt.field)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestBlockIntegerWrapping(t *testing.T) {
	blk := newTestBlock(t, varBlock("b : Byte;\nw : Word;"))
	if err := blk.Set("b", 0x1FF); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := blk.Get("b"); got != uint64(0xFF) {
		t.Errorf("byte wraps to %v, want 0xFF", got)
	}
	if err := blk.Set("w", 0x12345); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := blk.Get("w"); got != uint64(0x2345) {
		t.Errorf("word wraps to %v, want 0x2345", got)
	}
}

func TestBlockBigEndianScalars(t *testing.T) {
	blk := newTestBlock(t, varBlock("w : Word;\ndi : DInt;"))
	if err := blk.Set("w", 0x0102); err != nil {
		t.Fatal(err)
	}
	if err := blk.Set("di", 0x03040506); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if got := blk.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("image = % X, want % X", got, want)
	}
}

func TestBlockScenarioFirstBoolSetsByteZero(t *testing.T) {
	// a,b,c share word 0; d is a big-endian INT at bytes 2-3.
	blk := newTestBlock(t, varBlock("a : Bool;\nb : Bool;\nc : Bool;\nd : Int;"))
	if blk.Size() != 4 {
		t.Fatalf("size = %d, want 4", blk.Size())
	}
	if err := blk.Set("a", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	img := blk.Bytes()
	if img[0] != 0x01 {
		t.Errorf("byte 0 = 0x%02X, want 0x01", img[0])
	}
	if img[1] != 0x00 {
		t.Errorf("byte 1 = 0x%02X, want 0x00", img[1])
	}
}

func TestBlockBitIndependence(t *testing.T) {
	body := ""
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		body += n + " : Bool;\n"
	}
	body += "x : Int;"
	blk := newTestBlock(t, varBlock(body))

	for _, n := range []string{"a", "c", "e", "g", "i"} {
		if err := blk.Set(n, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := blk.Set("x", -42); err != nil {
		t.Fatal(err)
	}
	if err := blk.Set("j", true); err != nil {
		t.Fatal(err)
	}
	if err := blk.Set("c", false); err != nil {
		t.Fatal(err)
	}

	wantTrue := map[string]bool{"a": true, "e": true, "g": true, "i": true, "j": true}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		got, err := blk.Get(n)
		if err != nil {
			t.Fatal(err)
		}
		if got != wantTrue[n] {
			t.Errorf("%s = %v, want %v", n, got, wantTrue[n])
		}
	}
	if got, _ := blk.Get("x"); got != int64(-42) {
		t.Errorf("adjacent scalar disturbed: x = %v, want -42", got)
	}
}

func TestBlockBoolsBeyondLowByte(t *testing.T) {
	// bit 8 lands in the second byte of the packed word
	body := ""
	for i := 0; i < 9; i++ {
		body += "b" + string(rune('0'+i)) + " : Bool;\n"
	}
	blk := newTestBlock(t, varBlock(body))
	if err := blk.Set("b8", true); err != nil {
		t.Fatal(err)
	}
	img := blk.Bytes()
	if img[0] != 0x00 || img[1] != 0x01 {
		t.Errorf("image = % X, want 00 01", img)
	}
	if got, _ := blk.Get("b8"); got != true {
		t.Error("b8 reads false after set")
	}
}

func TestBlockUnknownField(t *testing.T) {
	blk := newTestBlock(t, varBlock("a : Bool;\nd : Int;"))
	before := blk.Bytes()

	if _, err := blk.Get("nope"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Get error = %v, want ErrUnknownField", err)
	}
	if err := blk.Set("nope", 1); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Set error = %v, want ErrUnknownField", err)
	}
	if !bytes.Equal(blk.Bytes(), before) {
		t.Error("buffer mutated by failed access")
	}
}

func TestBlockTypeMismatch(t *testing.T) {
	blk := newTestBlock(t, varBlock("a : Bool;\nd : Int;\ns : String[4];"))
	before := blk.Bytes()

	tests := []struct {
		field string
		value any
	}{
		{"a", 1},          // non-bool to a bit field
		{"a", "true"},     // string to a bit field
		{"d", "12"},       // string to an integer
		{"s", 42},         // number to a string
		{"s", "too long"}, // exceeds declared maximum
	}
	for _, tt := range tests {
		if err := blk.Set(tt.field, tt.value); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Set(%s, %v) error = %v, want ErrTypeMismatch", tt.field, tt.value, err)
		}
	}
	if !bytes.Equal(blk.Bytes(), before) {
		t.Error("buffer mutated by rejected writes")
	}
}

func TestBlockStringEncoding(t *testing.T) {
	blk := newTestBlock(t, varBlock("s : String[6];"))
	if err := blk.Set("s", "abc"); err != nil {
		t.Fatal(err)
	}
	want := []byte{6, 3, 'a', 'b', 'c', 0, 0, 0}
	if got := blk.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("image = % X, want % X", got, want)
	}
	// shrinking clears stale content bytes
	if err := blk.Set("s", "xy"); err != nil {
		t.Fatal(err)
	}
	want = []byte{6, 2, 'x', 'y', 0, 0, 0, 0}
	if got := blk.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("image = % X, want % X", got, want)
	}
	if got, _ := blk.Get("s"); got != "xy" {
		t.Errorf("Get = %q, want xy", got)
	}
}

func TestBlockLoadBytesPadAndTruncate(t *testing.T) {
	layout := mustLoad(t, varBlock("w : Word;\ndi : DInt;"))

	blk, err := NewFromBytes(layout, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	want := []byte{0xAA, 0xBB, 0, 0, 0, 0}
	if got := blk.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("short load = % X, want % X", got, want)
	}

	long := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	blk.LoadBytes(long)
	if got := blk.Bytes(); !bytes.Equal(got, long[:6]) {
		t.Errorf("long load = % X, want % X", got, long[:6])
	}
}

func TestBlockDuplicateNames(t *testing.T) {
	fields := []Field{
		{Path: "x", Type: TypeInt},
		{Path: "x", Type: TypeBool},
	}
	_, err := New(Generate("DB", fields))
	if !errors.Is(err, ErrDuplicateField) {
		t.Errorf("error = %v, want ErrDuplicateField", err)
	}
}

func TestBlockFieldNamesOrder(t *testing.T) {
	blk := newTestBlock(t, varBlock("a : Bool;\nb : Bool;\nd : Int;\ns : String[2];"))
	want := []string{"a", "b", "d", "s"}
	got := blk.FieldNames()
	if len(got) != len(want) {
		t.Fatalf("got %d names, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}
