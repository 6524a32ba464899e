// Package chip aggregates 2^P cells and one router into a single hypercube
// node: it broadcasts the host's instruction to every local cell, wires
// the daisy-chain and NEWS neighbour networks from the per-cell results,
// and drives its router through the correct injection/forward/delivery
// phase for the current petit-clock. Modeled on the teacher's tia package
// (a position counter selecting per-tick behaviour) combined with
// pia6532's overall chip shape.
package chip

import (
	"github.com/rosezoe/libcm/cell"
	"github.com/rosezoe/libcm/instr"
	"github.com/rosezoe/libcm/params"
	"github.com/rosezoe/libcm/router"
)

// Chip is one hypercube node: its cells and the router that moves traffic
// between this node and its hypercube neighbours.
type Chip struct {
	cfg    params.Config
	cells  []*cell.Cell
	router *router.Router
}

// New builds a chip with 2^P fresh, zeroed cells and a router wired to
// read/write this chip's cell flags. Topology (outports/referer) is wired
// afterwards by the machine once every chip exists.
func New(cfg params.Config, id uint32) *Chip {
	c := &Chip{cfg: cfg}
	c.cells = make([]*cell.Cell, cfg.Processors())
	for i := range c.cells {
		c.cells[i] = cell.New()
	}
	c.router = router.New(cfg, id, c)
	return c
}

// Router exposes this chip's router so Machine can wire up hypercube
// topology and referer rings at construction time.
func (c *Chip) Router() *router.Router { return c.router }

// Cell returns the cell at local processor index i.
func (c *Chip) Cell(i int) *cell.Cell { return c.cells[i] }

// Flag implements flagbus.Bus, lent to this chip's own router.
func (c *Chip) Flag(proc int, flagIdx uint8) uint8 { return c.cells[proc].Flag(flagIdx) }

// SetFlag implements flagbus.Bus.
func (c *Chip) SetFlag(proc int, flagIdx uint8, val uint8) { c.cells[proc].SetFlag(flagIdx, val) }

// ClearFlag implements flagbus.Bus.
func (c *Chip) ClearFlag(proc int, flagIdx uint8) { c.cells[proc].ClearFlag(flagIdx) }

// Count implements flagbus.Bus.
func (c *Chip) Count() int { return len(c.cells) }

// phase names which router sub-operation chip.Execute and chip.Receive
// should drive this tick; decodePhase derives it from petitClock, per spec
// §4.2.
type phase int

const (
	phaseInject phase = iota
	phaseDimension
	phaseDeliver
)

func (c *Chip) decodePhase(petitClock int, slowMode bool) (ph phase, k int) {
	inj := c.cfg.InjectionPhaseLen()
	if petitClock < inj {
		return phaseInject, petitClock
	}
	k = petitClock - inj
	dimLen := c.cfg.DimensionPhaseLen(slowMode)
	if k >= dimLen {
		return phaseDeliver, k - dimLen
	}
	return phaseDimension, k
}

// Execute broadcasts instr to every local cell (collecting their flag
// results before any daisy-chain/NEWS update is applied, so no cell
// observes another cell's result for the same instruction), wires the
// daisy-chain and NEWS networks from those results, and then drives the
// router's phase for this petit-clock.
func (c *Chip) Execute(in instr.Instruction, petitClock int, shouldOr, slowMode bool) error {
	n := len(c.cells)
	results := make([]uint8, n)
	for i, cl := range c.cells {
		results[i] = cl.Execute(in.AddrA, in.AddrB, in.FlagR, in.FlagW, in.FlagC, in.Sense, in.MemTruth, in.FlagTruth)
	}

	for i := 0; i < n-1; i++ {
		c.cells[i+1].SetFlag(cell.FlagDaisyOut, results[i])
	}

	c.applyNews(results, in.NewsDir)

	ph, k := c.decodePhase(petitClock, slowMode)
	switch ph {
	case phaseInject:
		c.router.Inject(k)
	case phaseDeliver:
		c.router.Deliver(k, shouldOr)
	case phaseDimension:
		if !slowMode {
			c.router.Forward(k)
			return nil
		}
		stride := c.cfg.DimStride()
		if k%stride == 0 {
			c.router.Forward(k / stride)
		}
	}
	return nil
}

// applyNews wires flag 7 (NEWS input) on the cells that have a neighbour in
// direction newsDir from this instruction's results, arranged as a square
// of side 2^(P/2), per spec
// §4.2. The East branch's `i mod sqw == 0` condition (rather than != 0) is
// reproduced exactly as observed in the reference source (spec §9) — it is
// precisely the left-edge column, which is the opposite of what "read the
// processor to my west" would naturally mean, but is not silently
// corrected here. The reference reads results[-1] out of bounds for i==0,
// harmless UB on its stack layout; Go has no such out-of-bounds read, so
// i==0 is skipped here rather than indexing off the front of the slice.
func (c *Chip) applyNews(results []uint8, newsDir uint8) {
	n := len(c.cells)
	sqw := 1
	for sqw*sqw < n {
		sqw <<= 1
	}

	switch newsDir {
	case instr.North:
		for i := 0; i < n-sqw; i++ {
			c.cells[i].SetFlag(cell.FlagNewsIn, results[i+sqw])
		}
	case instr.South:
		for i := sqw; i < n; i++ {
			c.cells[i].SetFlag(cell.FlagNewsIn, results[i-sqw])
		}
	case instr.East:
		for i := 0; i < n; i++ {
			if i%sqw == 0 && i > 0 {
				c.cells[i].SetFlag(cell.FlagNewsIn, results[i-1])
			}
		}
	case instr.West:
		for i := 0; i < n; i++ {
			if i%sqw != sqw-1 {
				c.cells[i].SetFlag(cell.FlagNewsIn, results[i+1])
			}
		}
	}
}

// Receive drives the router's receive step for this petit-clock, mirroring
// the forward/dimension decoding in Execute. Must only be called after
// every chip in the machine has completed Execute for the same petitClock
// (spec §5's cross-chip ordering requirement).
func (c *Chip) Receive(petitClock int, slowMode bool) error {
	ph, k := c.decodePhase(petitClock, slowMode)
	if ph != phaseDimension {
		return nil
	}
	if !slowMode {
		return c.router.Receive(k)
	}
	stride := c.cfg.DimStride()
	if k%stride == 0 {
		return c.router.Receive(k / stride)
	}
	return nil
}

// DaisyInput seeds cell 0's daisy-chain input, which is not wired by
// Execute (it "enters the chip from outside" per spec §4.2) — useful for
// tests and for hosts that want to feed a non-zero value in at the head of
// the chain.
func (c *Chip) DaisyInput(val uint8) {
	c.cells[0].SetFlag(cell.FlagDaisyOut, val)
}

// GlobalAssertAny reports whether any local cell asserted the global pin
// (flag 1) this cycle, and clears it on every cell — the chip-local half of
// the machine-wide wire-OR reduction (spec §4.4 step 3).
func (c *Chip) GlobalAssertAny() uint8 {
	var any uint8
	for _, cl := range c.cells {
		any |= cl.Flag(cell.FlagGlobalAssert)
		cl.ClearFlag(cell.FlagGlobalAssert)
	}
	return any
}
