// Package datablock compiles parsed data block definitions into binary
// layouts and provides named, typed access to block buffers.
//
// The layout reproduces the controller's non-optimized placement rules:
// fields sit at their declared order, multi-byte scalars are big-endian,
// and consecutive booleans within one structure pack into shared 16-bit
// words.
package datablock

import (
	"fmt"
	"strings"
)

// Field type codes.
const (
	TypeBool      uint16 = 0x0001 // 1 bit, packed into 16-bit words
	TypeByte      uint16 = 0x0002 // 8 bits unsigned
	TypeChar      uint16 = 0x0003 // 8 bits character
	TypeWord      uint16 = 0x0004 // 16 bits unsigned
	TypeInt       uint16 = 0x0005 // 16 bits signed
	TypeDWord     uint16 = 0x0006 // 32 bits unsigned
	TypeUDInt     uint16 = 0x0006 // 32 bits unsigned (alias for DWORD)
	TypeDInt      uint16 = 0x0007 // 32 bits signed
	TypeReal      uint16 = 0x0008 // 32 bits IEEE 754 float
	TypeDReal     uint16 = 0x0009 // 64 bits IEEE 754 double
	TypeS5Time    uint16 = 0x000A // 16 bits BCD timer value
	TypeTime      uint16 = 0x000B // 32 bits signed (milliseconds)
	TypeDate      uint16 = 0x000C // 16 bits (days since 1990-01-01)
	TypeTimeOfDay uint16 = 0x000D // 32 bits (milliseconds since midnight)
	TypeString    uint16 = 0x000E // length-prefixed string (max 254 chars)
)

// TypeSize returns the byte size of the data type. Bool reports 0
// because booleans only exist inside packed words; String reports 0
// because its width depends on the declared maximum.
func TypeSize(dataType uint16) int {
	switch dataType {
	case TypeByte, TypeChar:
		return 1
	case TypeWord, TypeInt, TypeS5Time, TypeDate:
		return 2
	case TypeDWord, TypeDInt, TypeReal, TypeTime, TypeTimeOfDay: // TypeUDInt == TypeDWord
		return 4
	case TypeDReal:
		return 8
	default:
		return 0
	}
}

// TypeName returns a human-readable name for the data type.
func TypeName(dataType uint16) string {
	switch dataType {
	case TypeBool:
		return "BOOL"
	case TypeByte:
		return "BYTE"
	case TypeChar:
		return "CHAR"
	case TypeWord:
		return "WORD"
	case TypeInt:
		return "INT"
	case TypeDWord:
		return "DWORD"
	case TypeDInt:
		return "DINT"
	case TypeReal:
		return "REAL"
	case TypeDReal:
		return "DREAL"
	case TypeS5Time:
		return "S5TIME"
	case TypeTime:
		return "TIME"
	case TypeDate:
		return "DATE"
	case TypeTimeOfDay:
		return "TIME_OF_DAY"
	case TypeString:
		return "STRING"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", dataType)
	}
}

// TypeCodeFromName returns the type code for a definition-language type
// keyword. Returns (typeCode, true) if found, (0, false) otherwise.
func TypeCodeFromName(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL":
		return TypeBool, true
	case "BYTE":
		return TypeByte, true
	case "CHAR":
		return TypeChar, true
	case "WORD":
		return TypeWord, true
	case "INT":
		return TypeInt, true
	case "DWORD":
		return TypeDWord, true
	case "UDINT":
		return TypeUDInt, true
	case "DINT":
		return TypeDInt, true
	case "REAL":
		return TypeReal, true
	case "DREAL":
		return TypeDReal, true
	case "S5TIME":
		return TypeS5Time, true
	case "TIME":
		return TypeTime, true
	case "DATE":
		return TypeDate, true
	case "TIME_OF_DAY", "TOD":
		return TypeTimeOfDay, true
	case "STRING":
		return TypeString, true
	default:
		return 0, false
	}
}

// SupportedTypeNames returns the type keywords accepted in definitions.
func SupportedTypeNames() []string {
	return []string{
		"BOOL", "BYTE", "CHAR",
		"WORD", "INT",
		"DWORD", "DINT", "UDINT",
		"REAL", "DREAL",
		"S5TIME", "TIME", "DATE", "TIME_OF_DAY",
		"STRING", "DTL",
	}
}
