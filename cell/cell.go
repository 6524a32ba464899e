// Package cell implements the bit-serial processing element of the
// simulated hypercube machine: one cell's worth of flags and addressable
// memory, plus the single truth-table-driven Execute instruction that the
// chip layer broadcasts to every cell in lock-step. Modeled on the
// teacher's cpu package (a single instruction-execution state machine per
// component), scaled down to cell's much smaller, side-effect-total
// contract.
package cell

import "github.com/rosezoe/libcm/bitword"

// MemoryBits is the size of a cell's bit-addressable memory (4096 bits = 512 bytes).
const MemoryBits = 4096

// MemoryBytes is MemoryBits in bytes.
const MemoryBytes = MemoryBits / 8

// Flag bit positions, as observed in the reference implementation. These
// are deliberately NOT a uniform 1<<(15-n) scheme: the shift constants used
// by the router and chip layers to touch specific flags (5, 11, 12, 7, 1)
// are inconsistent with any single indexing rule, and are reproduced here
// exactly rather than "corrected" to one.
const (
	FlagConstZero    = 0 // read-only: always 0
	FlagGlobalAssert = 1 // wire-OR global pulse output; bit 1<<14
	FlagDaisyIn      = 3 // read-only: daisy-chain input; bit 1<<3
	FlagRouterOut    = 4 // read-only: router-data wire, router -> processor; bit 1<<10
	FlagRouterIn     = 5 // router-data wire, processor -> router; bit 1<<10
	FlagCube         = 6 // read-only: cube flag
	FlagNewsIn       = 7 // read-only: NEWS neighbour input; bit 1<<8
	FlagRouterAck    = 11 // injection/delivery handshake ack; bit 1<<11
	FlagDaisyOut     = 12 // chip writes this on the successor cell; bit 1<<3 (same wire as FlagDaisyIn)
)

// readOnly is the set of flags cell.Execute may never write, per spec: the
// constant-zero, daisy-chain input, router-data-out, cube and NEWS input flags.
var readOnly = map[uint8]bool{0: true, 3: true, 4: true, 6: true, 7: true}

// bitFor maps a flag index to its bit position within the 16-bit flags
// word. Flags not listed here use the natural 1<<(15-flagIdx) position.
// The listed flags take the positions observed in the reference source
// (see the constants above); of those, flags 1, 5, 7 and 12 land on their
// natural position anyway, while 3 (shares bit 3 with 12), 4 (shares bit 10
// with 5) and 11 (bit 11 instead of 4) do not.
func bitFor(flagIdx uint8) uint {
	switch flagIdx {
	case FlagGlobalAssert:
		return 14
	case FlagDaisyIn, FlagDaisyOut:
		return 3
	case FlagRouterOut, FlagRouterIn:
		return 10
	case FlagNewsIn:
		return 8
	case FlagRouterAck:
		return 11
	default:
		return uint(15 - flagIdx)
	}
}

// Cell is one bit-serial processing element: a 16-bit flag word and a
// 4096-bit (512-byte) memory.
type Cell struct {
	Flags  uint16
	Memory [MemoryBytes]uint8
}

// New returns a freshly zeroed cell.
func New() *Cell {
	return &Cell{}
}

// Flag returns bit flagIdx of the cell's flag word.
func (c *Cell) Flag(flagIdx uint8) uint8 {
	return uint8((c.Flags >> bitFor(flagIdx)) & 1)
}

// SetFlag writes val (0 or 1) into bit flagIdx of the cell's flag word,
// regardless of whether flagIdx is one of the read-only roles. Callers
// outside Execute use it to drive the wire flags: chip's daisy-chain/NEWS
// plumbing and global-assert clearing, and router's FlagBus writes to the
// router-data and router-ack flags.
func (c *Cell) SetFlag(flagIdx uint8, val uint8) {
	mask := uint16(1) << bitFor(flagIdx)
	if val != 0 {
		c.Flags |= mask
	} else {
		c.Flags &^= mask
	}
}

// ClearFlag zeroes bit flagIdx of the cell's flag word.
func (c *Cell) ClearFlag(flagIdx uint8) {
	c.SetFlag(flagIdx, 0)
}

func (c *Cell) memBit(addr uint16) uint8 {
	return bitword.Bit(c.Memory[:], int(addr))
}

func (c *Cell) setMemBit(addr uint16, val uint8) {
	bitword.SetBit(c.Memory[:], int(addr), val)
}

// Execute runs one bit-serial ALU instruction against the cell.
//
// If flag flagC does not equal sense, the call is a no-op and returns 0.
// Otherwise it reads memory bits addrA/addrB and flag flagR, looks up the
// (A,B,F)-indexed entries of memTruth/flagTruth, unconditionally writes the
// memory result back to addrA, conditionally writes the flag result to
// flagW (only if flagW is not one of the read-only roles), and returns the
// flag result (which feeds the chip's daisy-chain/NEWS plumbing).
func (c *Cell) Execute(addrA, addrB uint16, flagR, flagW, flagC uint8, sense uint8, memTruth, flagTruth uint8) uint8 {
	if c.Flag(flagC) != sense {
		return 0
	}

	a := c.memBit(addrA)
	b := c.memBit(addrB)
	f := c.Flag(flagR)

	idx := bitword.TruthIndex(a, b, f)
	memV := bitword.TruthLookup(memTruth, idx)
	flagV := bitword.TruthLookup(flagTruth, idx)

	c.setMemBit(addrA, memV)

	if !readOnly[flagW] {
		c.SetFlag(flagW, flagV)
	}

	return flagV
}
