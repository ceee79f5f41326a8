// Package wasmtest provides small wasm programs for exercising the
// executor and everything above it.
package wasmtest

// Programs are assembled by hand. Every program imports env.print
// (func 0) and env.abort (func 1), defines alloc (func 2) as a bump allocator
// over a global starting at 1024 and run (func 3) from the given body, and
// places data at offset 2048.

// DataOffset is where program data is placed in memory.
const DataOffset = 2048

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func section(id byte, items ...[]byte) []byte {
	var body []byte
	body = append(body, uleb(uint32(len(items)))...)
	for _, it := range items {
		body = append(body, it...)
	}
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

const (
	i32      = 0x7f
	opEnd    = 0x0b
	opCall   = 0x10
	opGetL   = 0x20
	opGetG   = 0x23
	opSetG   = 0x24
	opConst  = 0x41
	opAdd    = 0x6a
	opTrap   = 0x00
	opLoop   = 0x03
	opBr     = 0x0c
	voidType = 0x40
)

func i32const(v int32) []byte { return append([]byte{opConst}, sleb(v)...) }

func funcBody(code ...[]byte) []byte {
	body := cat(append([]byte{0x00}, cat(code...)...), []byte{opEnd})
	return append(uleb(uint32(len(body))), body...)
}

func buildProgram(run []byte, data []byte) []byte {
	types := section(1,
		[]byte{0x60, 2, i32, i32, 0},
		[]byte{0x60, 1, i32, 0},
		[]byte{0x60, 1, i32, 1, i32},
	)
	imports := section(2,
		cat(name("env"), name("print"), []byte{0x00, 0}),
		cat(name("env"), name("abort"), []byte{0x00, 1}),
	)
	funcs := section(3, []byte{2}, []byte{2})
	memory := section(5, []byte{0x00, 1})
	globals := section(6, cat([]byte{i32, 0x01}, i32const(1024), []byte{opEnd}))
	exports := section(7,
		cat(name("memory"), []byte{0x02, 0}),
		cat(name("alloc"), []byte{0x00, 2}),
		cat(name("run"), []byte{0x00, 3}),
	)
	alloc := funcBody(
		[]byte{opGetG, 0},
		[]byte{opGetG, 0, opGetL, 0, opAdd, opSetG, 0},
	)
	code := section(10, alloc, funcBody(run))
	parts := [][]byte{[]byte("\x00asm\x01\x00\x00\x00"), types, imports, funcs, memory, globals, exports, code}
	if data != nil {
		seg := cat([]byte{0x00}, i32const(DataOffset), []byte{opEnd}, uleb(uint32(len(data))), data)
		parts = append(parts, section(11, seg))
	}
	return cat(parts...)
}

// Test programs.
var (
	// Echo returns its descriptor: control and inputs come back as the
	// result.
	Echo = buildProgram([]byte{opGetL, 0}, nil)

	// Print prints "hello" then echoes.
	Print = buildProgram(cat(
		i32const(DataOffset), i32const(5), []byte{opCall, 0},
		[]byte{opGetL, 0},
	), []byte("hello"))

	// Abort calls abort("bad input").
	Abort = buildProgram(cat(
		i32const(DataOffset), []byte{opCall, 1},
		i32const(0),
	), []byte("bad input\x00"))

	// AbortNull calls abort(0).
	AbortNull = buildProgram(cat(
		i32const(0), []byte{opCall, 1},
		i32const(0),
	), nil)

	// Trap executes unreachable.
	Trap = buildProgram([]byte{opTrap}, nil)

	// BadDescriptor returns a descriptor far outside memory.
	BadDescriptor = buildProgram(i32const(0x7ffffff0), nil)

	// Spin loops until the instance is closed.
	Spin = buildProgram(cat(
		[]byte{opLoop, voidType, opBr, 0, opEnd},
		i32const(0),
	), nil)
)
