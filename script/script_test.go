package script

import "testing"

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// fakeTarget is an in-memory Executor recording every access for assertions.
type fakeTarget struct {
	mem   map[uint32]uint32
	calls []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{mem: map[uint32]uint32{}}
}

func (f *fakeTarget) ReadWord(addr uint32, width int) (uint32, error) {
	f.calls = append(f.calls, "read")
	return f.mem[addr], nil
}

func (f *fakeTarget) WriteWord(addr uint32, width int, value uint32) error {
	f.calls = append(f.calls, "write")
	f.mem[addr] = value
	return nil
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse("bad", "*", "RCC_AHB1ENR = 1 extra")
	assert(t, err != nil, "expected parse error for a 4-token line")
}

func TestFindMatchesWildcard(t *testing.T) {
	sc, err := Parse("noop", "*", "RCC_AHB1ENR = 0")
	assert(t, err == nil, "Parse error: %v", err)
	table := Table{sc}
	got, err := table.Find("noop", "AnythingAtAll", "")
	assert(t, err == nil, "Find error: %v", err)
	assert(t, got == sc, "expected the wildcard script to match")
}

func TestFindMatchesTrailingArchSuffix(t *testing.T) {
	sc, err := Parse("remap", "LPC43xx Cortex-M4", "LPC43_M4MEMMAP = 0")
	assert(t, err == nil, "Parse error: %v", err)
	table := Table{sc}

	_, err = table.Find("remap", "LPC43xx", "Cortex-M4")
	assert(t, err == nil, "expected family+arch match, got %v", err)

	_, err = table.Find("remap", "LPC43xx", "")
	assert(t, err == nil, "expected family-only match with suffix stripped, got %v", err)

	_, err = table.Find("remap", "LPC17xx", "Cortex-M3")
	assert(t, err != nil, "expected no match for a different family")
}

func TestRunAssignWritesDirectly(t *testing.T) {
	sc, err := Parse("t", "*", "0x40000000 = 0x1234")
	assert(t, err == nil, "Parse error: %v", err)
	target := newFakeTarget()

	err = Run(target, sc, nil)
	assert(t, err == nil, "Run error: %v", err)
	assert(t, target.mem[0x40000000] == 0x1234, "mem = %#x, want 0x1234", target.mem[0x40000000])
	assert(t, len(target.calls) == 1 && target.calls[0] == "write", "expected a single write, got %v", target.calls)
}

func TestRunOrEqReadsThenWrites(t *testing.T) {
	sc, err := Parse("t", "*", "0x40000000 | 0x02")
	assert(t, err == nil, "Parse error: %v", err)
	target := newFakeTarget()
	target.mem[0x40000000] = 0x01

	err = Run(target, sc, nil)
	assert(t, err == nil, "Run error: %v", err)
	assert(t, target.mem[0x40000000] == 0x03, "mem = %#x, want 0x03", target.mem[0x40000000])
	assert(t, len(target.calls) == 2 && target.calls[0] == "read" && target.calls[1] == "write",
		"expected read-then-write, got %v", target.calls)
}

func TestRunAndNotEqClearsBits(t *testing.T) {
	sc, err := Parse("t", "*", "0x40000000 ~ 0x02")
	assert(t, err == nil, "Parse error: %v", err)
	target := newFakeTarget()
	target.mem[0x40000000] = 0x03

	err = Run(target, sc, nil)
	assert(t, err == nil, "Run error: %v", err)
	assert(t, target.mem[0x40000000] == 0x01, "mem = %#x, want 0x01", target.mem[0x40000000])
}

func TestRunSubstitutesParameterAndResultSink(t *testing.T) {
	sc, err := Parse("t", "*", "0x40000000 = $1\n$ = 0x99")
	assert(t, err == nil, "Parse error: %v", err)
	target := newFakeTarget()
	params := []uint32{0, 0xAABB}

	err = Run(target, sc, params)
	assert(t, err == nil, "Run error: %v", err)
	assert(t, target.mem[0x40000000] == 0xAABB, "mem = %#x, want 0xAABB", target.mem[0x40000000])
	assert(t, params[0] == 0x99, "params[0] = %#x, want 0x99", params[0])
}

func TestRunUnknownRegisterFails(t *testing.T) {
	sc, err := Parse("t", "*", "NOT_A_REGISTER = 1")
	assert(t, err == nil, "Parse error: %v", err)
	target := newFakeTarget()

	err = Run(target, sc, nil)
	assert(t, err != nil, "expected Run to fail on an unresolved register")
}

func TestBuiltinSwoDeviceHasSixStatements(t *testing.T) {
	sc, err := Builtin.Find("swo-device", "STM32F4xx", "Cortex-M4")
	assert(t, err == nil, "Find error: %v", err)
	assert(t, len(sc.Body) == 6, "len(Body) = %d, want 6", len(sc.Body))
	assert(t, sc.Body[0].LHS.Name == "RCC_AHB1ENR", "Body[0].LHS = %q, want RCC_AHB1ENR", sc.Body[0].LHS.Name)
	assert(t, sc.Body[0].Op == OpOrEq, "Body[0].Op = %v, want OpOrEq", sc.Body[0].Op)
	assert(t, sc.Body[0].RHS.Value == 0x02, "Body[0].RHS = %#x, want 0x02", sc.Body[0].RHS.Value)
}
