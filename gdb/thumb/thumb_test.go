package thumb

import "testing"

// fakeMem is a flat halfword-addressable memory for Step tests.
type fakeMem map[uint32]uint16

func (m fakeMem) ReadHalfword(addr uint32) (uint16, error) { return m[addr], nil }

// fakeRegs is a fixed register file for Step tests.
type fakeRegs map[int]uint32

func (r fakeRegs) Read(idx int) (uint32, error) { return r[idx], nil }

func TestStepDefaultAdvancesByTwo(t *testing.T) {
	// cmp r3, r0 (0x4283) at pc=0x10a, spec scenario: next pc is 0x10c.
	mem := fakeMem{0x10a: 0x4283}
	regs := fakeRegs{}
	pc, err := Step(0x10a, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x10c {
		t.Fatalf("next pc = %#x, want 0x10c", pc)
	}
}

func TestStepConditionalBranchTaken(t *testing.T) {
	// beq +4 (cond=0x0, offset=2 halfwords) at pc=0x200.
	instr := uint16(0xd000) | uint16(2&0xff)
	mem := fakeMem{0x200: instr}
	regs := fakeRegs{rCPSR: 1 << flagZ}
	pc, err := Step(0x200, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if want := uint32(0x200 + 4 + 4); pc != want {
		t.Fatalf("next pc = %#x, want %#x", pc, want)
	}
}

func TestStepConditionalBranchNotTaken(t *testing.T) {
	instr := uint16(0xd000) | uint16(2&0xff)
	mem := fakeMem{0x200: instr}
	regs := fakeRegs{rCPSR: 0}
	pc, err := Step(0x200, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x202 {
		t.Fatalf("next pc = %#x, want 0x202", pc)
	}
}

func TestStepUnconditionalBranch(t *testing.T) {
	// b +6: offset field encodes (6/2)=3 halfwords.
	instr := uint16(0xe000) | uint16(3&0x07ff)
	mem := fakeMem{0x300: instr}
	regs := fakeRegs{}
	pc, err := Step(0x300, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if want := uint32(0x300 + 4 + 6); pc != want {
		t.Fatalf("next pc = %#x, want %#x", pc, want)
	}
}

func TestStepBL(t *testing.T) {
	// bl with a small positive offset: high=0 (first halfword 0xf000),
	// low=4 halfwords (second halfword 0xf800|4).
	first := uint16(0xf000)
	second := uint16(0xf800) | uint16(4)
	mem := fakeMem{0x400: first, 0x402: second}
	regs := fakeRegs{}
	pc, err := Step(0x400, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if want := uint32(0x400 + 4 + 8); pc != want {
		t.Fatalf("next pc = %#x, want %#x", pc, want)
	}
}

func TestStepBLMalformedPair(t *testing.T) {
	first := uint16(0xf000)
	second := uint16(0x0000) // missing the 0xf800 tag on the second halfword
	mem := fakeMem{0x400: first, 0x402: second}
	regs := fakeRegs{}
	if _, err := Step(0x400, mem, regs); err == nil {
		t.Fatal("expected error for malformed BL pair")
	}
}

func TestStepBX(t *testing.T) {
	// bx r1, target address has its Thumb bit set (odd) and must be cleared.
	instr := uint16(0x4700) | uint16(1<<3) // Rm = r1
	mem := fakeMem{0x500: instr}
	regs := fakeRegs{1: 0x1235}
	pc, err := Step(0x500, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x1234 {
		t.Fatalf("next pc = %#x, want 0x1234", pc)
	}
}

func TestStepBLX(t *testing.T) {
	instr := uint16(0x4780) | uint16(2<<3) // BLX r2
	mem := fakeMem{0x600: instr}
	regs := fakeRegs{2: 0x9001}
	pc, err := Step(0x600, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x9000 {
		t.Fatalf("next pc = %#x, want 0x9000", pc)
	}
}

func TestStepSWI(t *testing.T) {
	mem := fakeMem{0x700: 0xdf01}
	regs := fakeRegs{}
	pc, err := Step(0x700, mem, regs)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x702 {
		t.Fatalf("next pc = %#x, want 0x702", pc)
	}
}

func TestConditionHoldsTable(t *testing.T) {
	cases := []struct {
		cond uint16
		cpsr uint32
		want bool
	}{
		{0x0, 1 << flagZ, true},               // EQ
		{0x1, 1 << flagZ, false},              // NE
		{0x2, 1 << flagC, true},               // CS
		{0x3, 1 << flagC, false},              // CC
		{0x4, 1 << flagN, true},               // MI
		{0x5, 1 << flagN, false},              // PL
		{0x6, 1 << flagV, true},               // VS
		{0x7, 1 << flagV, false},              // VC
		{0x8, 1 << flagC, true},               // HI: C && !Z
		{0x9, 0, true},                        // LS: !C
		{0xa, 0, true},                        // GE: N==V (both 0)
		{0xb, 1 << flagN, true},               // LT: N!=V
		{0xc, 0, true},                        // GT: !Z && N==V
		{0xd, 1 << flagZ, true},               // LE: Z
		{0xe, 0, true},                        // AL
	}
	for _, c := range cases {
		if got := conditionHolds(c.cond, c.cpsr); got != c.want {
			t.Errorf("conditionHolds(%#x, %#x) = %v, want %v", c.cond, c.cpsr, got, c.want)
		}
	}
}
