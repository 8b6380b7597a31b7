package dbdef

import (
	"errors"
	"testing"
)

const sampleDefinition = `
TYPE "Sensor"
VERSION : 0.1
   STRUCT
      A : Bool;   // photo eye
      B : Int;
   END_STRUCT;
END_TYPE

DATA_BLOCK "DB_IO"
{ S7_Optimized_Access := 'FALSE' }
VERSION : 0.1
NON_RETAIN
   VAR
      Run : Bool := TRUE;
      "Speed Setpoint" : Real;
      Belt : Array[1..3] of "Sensor";
      Counters : STRUCT
         Good : DInt;
         Bad : DInt;
      END_STRUCT;
      Stamp : DTL;
      Label : String[16];
   END_VAR
BEGIN
   Run := TRUE;
END_DATA_BLOCK
`

func TestParseSampleDefinition(t *testing.T) {
	def, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if def.BlockName != "DB_IO" {
		t.Errorf("block name = %q, want DB_IO", def.BlockName)
	}
	if def.Version != "0.1" {
		t.Errorf("version = %q, want 0.1", def.Version)
	}
	if !def.NonRetain {
		t.Error("NON_RETAIN not recorded")
	}

	sensor, ok := def.Types["Sensor"]
	if !ok {
		t.Fatal("TYPE Sensor not recorded")
	}
	if len(sensor.Members) != 2 {
		t.Fatalf("Sensor has %d members, want 2", len(sensor.Members))
	}
	if sensor.Members[0].Name != "A" || sensor.Members[1].Name != "B" {
		t.Errorf("Sensor members = %q, %q, want A, B", sensor.Members[0].Name, sensor.Members[1].Name)
	}

	body, ok := def.Body.(*Struct)
	if !ok {
		t.Fatalf("body is %T, want *Struct", def.Body)
	}
	if len(body.Members) != 6 {
		t.Fatalf("body has %d members, want 6", len(body.Members))
	}

	if body.Members[1].Name != "Speed Setpoint" {
		t.Errorf("quoted identifier = %q, want Speed Setpoint", body.Members[1].Name)
	}

	arr, ok := body.Members[2].Type.(*Array)
	if !ok {
		t.Fatalf("Belt is %T, want *Array", body.Members[2].Type)
	}
	if arr.Lower != 1 || arr.Upper != 3 {
		t.Errorf("Belt bounds = %d..%d, want 1..3", arr.Lower, arr.Upper)
	}
	if ref, ok := arr.Elem.(TypeRef); !ok || ref.Name != "Sensor" {
		t.Errorf("Belt element = %#v, want TypeRef Sensor", arr.Elem)
	}

	if _, ok := body.Members[3].Type.(*Struct); !ok {
		t.Errorf("Counters is %T, want *Struct", body.Members[3].Type)
	}

	if p, ok := body.Members[4].Type.(Primitive); !ok || p.Name != "DTL" {
		t.Errorf("Stamp = %#v, want Primitive DTL", body.Members[4].Type)
	}

	if p, ok := body.Members[5].Type.(Primitive); !ok || p.Name != "String" || p.StrLen != 16 {
		t.Errorf("Label = %#v, want String[16]", body.Members[5].Type)
	}
}

func TestParseBodyVariants(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string // "struct" or type reference name
	}{
		{
			name: "struct body",
			src: `DATA_BLOCK "B" VERSION : 0.1
STRUCT x : Int; END_STRUCT;
BEGIN END_DATA_BLOCK`,
			want: "struct",
		},
		{
			name: "type reference body",
			src: `TYPE "T" VERSION : 0.1 STRUCT x : Int; END_STRUCT; END_TYPE
DATA_BLOCK "B" VERSION : 0.1
"T"
BEGIN END_DATA_BLOCK`,
			want: "T",
		},
		{
			name: "quoted array bounds",
			src: `DATA_BLOCK "B" VERSION : 0.1
VAR a : Array["1".."4"] of Bool; END_VAR
BEGIN END_DATA_BLOCK`,
			want: "struct",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			switch body := def.Body.(type) {
			case *Struct:
				if tt.want != "struct" {
					t.Errorf("body is struct, want reference to %q", tt.want)
				}
			case TypeRef:
				if body.Name != tt.want {
					t.Errorf("body references %q, want %q", body.Name, tt.want)
				}
			default:
				t.Errorf("unexpected body %T", def.Body)
			}
		})
	}
}

func TestParseDateMarker(t *testing.T) {
	// Some exports place a date marker, optionally with attributes,
	// before the field name. The marker is discarded.
	src := `DATA_BLOCK "B" VERSION : 0.1
VAR
   AA0202 x : Int;
   AA0203 { ExternalVisible := 'True' } "y z" : Bool;
   plain : Word;
END_VAR
BEGIN END_DATA_BLOCK`
	def, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	body := def.Body.(*Struct)
	if len(body.Members) != 3 {
		t.Fatalf("got %d members, want 3", len(body.Members))
	}
	want := []string{"x", "y z", "plain"}
	for i, name := range want {
		if body.Members[i].Name != name {
			t.Errorf("member %d = %q, want %q", i, body.Members[i].Name, name)
		}
	}
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	src := `data_block "B" version : 0.1
var
   x : bool;
   y : int;
end_var
begin
end_data_block`
	def, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	body := def.Body.(*Struct)
	if len(body.Members) != 2 {
		t.Errorf("got %d members, want 2", len(body.Members))
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantKind error
		wantLine int
	}{
		{
			name:     "missing END_VAR",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Int;\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrMalformed,
		},
		{
			name:     "missing END_DATA_BLOCK",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Int;\nEND_VAR\nBEGIN",
			wantKind: ErrMalformed,
		},
		{
			name:     "missing DATA_BLOCK",
			src:      "TYPE \"T\" VERSION : 0.1 STRUCT x : Int; END_STRUCT; END_TYPE",
			wantKind: ErrMalformed,
		},
		{
			name:     "unknown type keyword",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Float;\nEND_VAR\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrUnsupportedType,
			wantLine: 3,
		},
		{
			name:     "symbolic array bound",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Array[1..\"MAX\"] of Bool;\nEND_VAR\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrMalformed,
			wantLine: 3,
		},
		{
			name:     "unterminated array bounds",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Array[1..3 of Bool;\nEND_VAR\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrMalformed,
		},
		{
			name:     "missing semicolon",
			src:      "DATA_BLOCK \"B\" VERSION : 0.1\nVAR\n x : Int\n y : Int;\nEND_VAR\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrMalformed,
		},
		{
			name:     "multiple data blocks",
			src:      "DATA_BLOCK \"A\" VERSION : 0.1\nVAR x : Int; END_VAR\nBEGIN\nEND_DATA_BLOCK\nDATA_BLOCK \"B\" VERSION : 0.1\nVAR y : Int; END_VAR\nBEGIN\nEND_DATA_BLOCK",
			wantKind: ErrMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("error = %v, want kind %v", err, tt.wantKind)
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("error %T does not carry a line number", err)
			}
			if tt.wantLine != 0 && perr.Line != tt.wantLine {
				t.Errorf("error line = %d, want %d", perr.Line, tt.wantLine)
			}
		})
	}
}
