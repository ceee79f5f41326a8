package cbor

import (
	"errors"
	"fmt"
)

// Major types.
const (
	majorUint   byte = 0
	majorNegInt byte = 1
	majorBytes  byte = 2
	majorText   byte = 3
	majorArray  byte = 4
	majorMap    byte = 5
	majorTag    byte = 6
	majorSimple byte = 7
)

// Additional-information values of the initial byte.
const (
	infoUint8      byte = 24
	infoUint16     byte = 25
	infoUint32     byte = 26
	infoUint64     byte = 27
	infoIndefinite byte = 31
)

// Simple values.
const (
	simpleFalse     = 20
	simpleTrue      = 21
	simpleNull      = 22
	simpleUndefined = 23
)

const breakByte = 0xff

// MaxSafeInteger is the largest integer magnitude that survives a round trip
// through a float64 without loss.
const MaxSafeInteger = 1<<53 - 1

// maxDepth bounds recursion when skipping or decoding nested values.
const maxDepth = 256

var (
	ErrUnexpectedEOF = errors.New("cbor: unexpected end of data")
	ErrSyntax        = errors.New("cbor: malformed data")
	ErrType          = errors.New("cbor: unexpected type")
	ErrInvalidUTF8   = errors.New("cbor: invalid UTF-8 in text string")
	ErrIntegerRange  = errors.New("cbor: integer outside exact range")
	ErrMaxSize       = errors.New("cbor: maximum encoded size exceeded")
	ErrContainer     = errors.New("cbor: container length mismatch")
	ErrTrailingData  = errors.New("cbor: trailing data after top-level value")
)

// Kind identifies the type of the next value without consuming it.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint
	KindNegInt
	KindBytes
	KindText
	KindArray
	KindMap
	KindTag
	KindBool
	KindNull
	KindUndefined
	KindSimple
	KindFloat
	// KindEnd is reported when the current container has no more items.
	KindEnd
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindUint:      "unsigned integer",
	KindNegInt:    "negative integer",
	KindBytes:     "byte string",
	KindText:      "text string",
	KindArray:     "array",
	KindMap:       "map",
	KindTag:       "tag",
	KindBool:      "boolean",
	KindNull:      "null",
	KindUndefined: "undefined",
	KindSimple:    "simple value",
	KindFloat:     "float",
	KindEnd:       "end of container",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

type frameKind uint8

const (
	frameTop frameKind = iota
	frameArray
	frameMap
)

// frame is one open container. Map frames count keys and values as separate
// items, so a map of n pairs has length 2n.
type frame struct {
	kind   frameKind
	length int // -1 for indefinite
	pos    int
	tagged bool // writer: a tag header still owes its value
}

func (f frame) full() bool {
	return f.length >= 0 && f.pos >= f.length
}

func typeError(want Kind, got Kind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrType, want, got)
}
