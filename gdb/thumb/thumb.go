// Package thumb implements the bundled single-step emulator GdbServer uses
// to compute the instruction following the one at the current PC, so it
// can plant a temporary soft breakpoint there before resuming the target.
//
// The target chip always executes the stepped instruction for real once
// resumed (the breakpoint trap, not this package, produces the actual
// architectural effect); this emulator's only job is to decide where
// execution goes next. For the overwhelming majority of Thumb
// instructions that is simply pc+2; the cases that need real decoding are exactly the instructions that can
// redirect control flow: conditional branch, unconditional branch, BL,
// BX/BLX, and SWI (which the original treats as a breakpoint trap site,
// so it also just advances by one halfword).
package thumb

import "github.com/m3ice/icebridge/iceerr"

// Memory is the minimal instruction-fetch surface Step needs.
type Memory interface {
	ReadHalfword(addr uint32) (uint16, error)
}

// Registers is the minimal register-read surface Step needs: core
// register indices 0-15 in the usual ARM numbering (r0-r12, sp, lr, pc),
// plus 16 for the status register (xpsr/cpsr).
type Registers interface {
	Read(idx int) (uint32, error)
}

const (
	rSP   = 13
	rLR   = 14
	rPC   = 15
	rCPSR = 16
)

// CPSR condition flag bit positions within xpsr.
const (
	flagV = 28
	flagC = 29
	flagZ = 30
	flagN = 31
)

// Step decodes the single Thumb instruction at pc and returns the address
// execution will resume at. regs must reflect the chip's real register
// state at the time of the halt (Step only reads; it never writes).
func Step(pc uint32, mem Memory, regs Registers) (uint32, error) {
	instr, err := mem.ReadHalfword(pc)
	if err != nil {
		return 0, err
	}

	switch {
	case instr&0xf000 == 0xd000 && instr&0x0f00 != 0x0f00:
		// Format 16: conditional branch.
		cond := (instr >> 8) & 0xf
		offset := int32(int8(instr & 0xff))
		target := uint32(int64(pc) + 4 + int64(offset)*2)
		cpsr, err := regs.Read(rCPSR)
		if err != nil {
			return 0, err
		}
		if conditionHolds(cond, cpsr) {
			return target, nil
		}
		return pc + 2, nil

	case instr&0xff00 == 0xdf00:
		// Format 17: SWI (SVC). Falls straight through to the next
		// instruction; the trap itself is modeled by the soft-breakpoint
		// mechanism above this package, not by the emulator.
		return pc + 2, nil

	case instr&0xf800 == 0xe000:
		// Format 18: unconditional branch.
		offset := int32(instr&0x07ff) << 21 >> 20 // sign-extend 11-bit field, *2
		return uint32(int64(pc) + 4 + int64(offset)), nil

	case instr&0xf000 == 0xf000:
		// Format 19: BL, a 32-bit instruction split across two halfwords.
		second, err := mem.ReadHalfword(pc + 2)
		if err != nil {
			return 0, err
		}
		if instr&0x0800 != 0 || second&0xf800 != 0xf800 {
			return 0, &iceerr.FormatError{Reason: "malformed BL instruction pair"}
		}
		high := int32(instr&0x07ff) << 21 >> 9 // sign-extend to bit 11, shifted into position
		low := int32(second & 0x07ff)
		offset := high | (low << 1)
		return uint32(int64(pc) + 4 + int64(offset)), nil

	case instr&0xff80 == 0x4700, instr&0xff80 == 0x4780:
		// Format 5, BX/BLX Rm: op bits 9-8 == 11 (BX=0x4700 range, BLX has h1 set
		// at 0x4780); the target is read from the named register, ignoring
		// its Thumb bit since this target is always Thumb code.
		rm := (instr >> 3) & 0xf
		target, err := regs.Read(int(rm))
		if err != nil {
			return 0, err
		}
		return target &^ 1, nil

	default:
		return pc + 2, nil
	}
}

func conditionHolds(cond uint16, cpsr uint32) bool {
	n := cpsr>>flagN&1 != 0
	z := cpsr>>flagZ&1 != 0
	c := cpsr>>flagC&1 != 0
	v := cpsr>>flagV&1 != 0
	switch cond {
	case 0x0: // EQ
		return z
	case 0x1: // NE
		return !z
	case 0x2: // CS/HS
		return c
	case 0x3: // CC/LO
		return !c
	case 0x4: // MI
		return n
	case 0x5: // PL
		return !n
	case 0x6: // VS
		return v
	case 0x7: // VC
		return !v
	case 0x8: // HI
		return c && !z
	case 0x9: // LS
		return !c || z
	case 0xa: // GE
		return n == v
	case 0xb: // LT
		return n != v
	case 0xc: // GT
		return !z && n == v
	case 0xd: // LE
		return z || n != v
	case 0xe: // AL
		return true
	default:
		return true
	}
}
