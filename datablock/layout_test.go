package datablock

import (
	"reflect"
	"testing"
)

func mustLoad(t *testing.T, src string) *Layout {
	t.Helper()
	layout, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return layout
}

func varBlock(body string) string {
	return "DATA_BLOCK \"DB\" VERSION : 0.1\nVAR\n" + body + "\nEND_VAR\nBEGIN\nEND_DATA_BLOCK"
}

func TestLayoutBoolWordBoundary(t *testing.T) {
	// 17 consecutive same-level booleans split 16 + 1.
	body := ""
	for i := 1; i <= 17; i++ {
		body += "b" + string(rune('0'+i/10)) + string(rune('0'+i%10)) + " : Bool;\n"
	}
	layout := mustLoad(t, varBlock(body))

	if len(layout.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(layout.Segments))
	}
	if n := len(layout.Segments[0].Bools); n != 16 {
		t.Errorf("first group holds %d bits, want 16", n)
	}
	if n := len(layout.Segments[1].Bools); n != 1 {
		t.Errorf("second group holds %d bits, want 1", n)
	}
	if layout.Segments[1].Offset != 2 {
		t.Errorf("second group offset = %d, want 2", layout.Segments[1].Offset)
	}
	if layout.Size() != 4 {
		t.Errorf("size = %d, want 4", layout.Size())
	}
}

func TestLayoutScalarSplitsBools(t *testing.T) {
	layout := mustLoad(t, varBlock("a : Bool;\nx : Byte;\nb : Bool;"))
	if len(layout.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(layout.Segments))
	}
	if layout.Segments[1].Name != "x" || layout.Segments[1].Offset != 2 {
		t.Errorf("x placed at %d, want 2", layout.Segments[1].Offset)
	}
	if layout.Segments[2].Offset != 3 {
		t.Errorf("second group offset = %d, want 3", layout.Segments[2].Offset)
	}
	if layout.Size() != 5 {
		t.Errorf("size = %d, want 5", layout.Size())
	}
}

func TestLayoutPrefixChangeSplitsBools(t *testing.T) {
	src := varBlock(`a : Bool;
inner : STRUCT
   b : Bool;
END_STRUCT;`)
	layout := mustLoad(t, src)
	if len(layout.Segments) != 2 {
		t.Fatalf("got %d segments, want 2: a and inner.b share no word", len(layout.Segments))
	}
	if layout.Size() != 4 {
		t.Errorf("size = %d, want 4", layout.Size())
	}
}

func TestLayoutBoolArraySplitsBools(t *testing.T) {
	// A bool array is its own group: its elements never pack into the
	// word of booleans declared beside it.
	layout := mustLoad(t, varBlock("a : Bool;\nFlags : Array[1..2] of Bool;\nw : Word;"))
	if len(layout.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(layout.Segments))
	}
	if !reflect.DeepEqual(layout.Segments[0].Bools, []string{"a"}) {
		t.Errorf("first group = %v, want [a]", layout.Segments[0].Bools)
	}
	if !reflect.DeepEqual(layout.Segments[1].Bools, []string{"Flags[1]", "Flags[2]"}) {
		t.Errorf("second group = %v, want [Flags[1] Flags[2]]", layout.Segments[1].Bools)
	}
	if layout.Segments[2].Name != "w" || layout.Segments[2].Offset != 4 {
		t.Errorf("w placed at %d, want 4", layout.Segments[2].Offset)
	}
	if layout.Size() != 6 {
		t.Errorf("size = %d, want 6", layout.Size())
	}
}

func TestLayoutScenarioBoolsThenInt(t *testing.T) {
	layout := mustLoad(t, varBlock("a : Bool;\nb : Bool;\nc : Bool;\nd : Int;"))
	if layout.Size() != 4 {
		t.Fatalf("size = %d, want 4", layout.Size())
	}
	if len(layout.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(layout.Segments))
	}
	grp := layout.Segments[0]
	if !reflect.DeepEqual(grp.Bools, []string{"a", "b", "c"}) {
		t.Errorf("group = %v, want [a b c]", grp.Bools)
	}
	if layout.Segments[1].Name != "d" || layout.Segments[1].Offset != 2 {
		t.Errorf("d placed at %d, want 2", layout.Segments[1].Offset)
	}
}

func TestLayoutScalarWidths(t *testing.T) {
	tests := []struct {
		decl string
		size int
	}{
		{"x : Byte;", 1},
		{"x : Char;", 1},
		{"x : Word;", 2},
		{"x : Int;", 2},
		{"x : S5Time;", 2},
		{"x : Date;", 2},
		{"x : DWord;", 4},
		{"x : DInt;", 4},
		{"x : UDInt;", 4},
		{"x : Real;", 4},
		{"x : Time;", 4},
		{"x : Time_of_Day;", 4},
		{"x : DReal;", 8},
		{"x : String[8];", 10},
		{"x : String;", 256},
		{"x : DTL;", 12},
	}
	for _, tt := range tests {
		t.Run(tt.decl, func(t *testing.T) {
			layout := mustLoad(t, varBlock(tt.decl))
			if layout.Size() != tt.size {
				t.Errorf("size = %d, want %d", layout.Size(), tt.size)
			}
		})
	}
}

func TestLayoutDeterministic(t *testing.T) {
	src := varBlock(`Run : Bool;
Stop : Bool;
Speed : Real;
Stamp : DTL;
Label : String[12];`)
	a := mustLoad(t, src)
	b := mustLoad(t, src)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical text produced different layouts")
	}
}

func TestLayoutFieldNames(t *testing.T) {
	layout := mustLoad(t, varBlock("a : Bool;\nb : Bool;\nd : Int;"))
	want := []string{"a", "b", "d"}
	if got := layout.FieldNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("FieldNames = %v, want %v", got, want)
	}
}
