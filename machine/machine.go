// Package machine is the top-level orchestrator: it wires 2^D chips into a
// hypercube (including the overflow-referral ring), drives one big cycle of
// every chip in lock-step, reduces the wire-OR global pin, and exposes the
// host-facing API a caller drives the simulation through. Modeled on the
// teacher's atari2600 package (VCS): a top-level Init that wires several
// chips together and a single Tick-equivalent, Execute, that fans out to
// all of them in a fixed order every cycle.
package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/rosezoe/libcm/cell"
	"github.com/rosezoe/libcm/chip"
	"github.com/rosezoe/libcm/instr"
	"github.com/rosezoe/libcm/message"
	"github.com/rosezoe/libcm/params"
)

// ModeChangeError is returned when a mode setter (Or/fast-slow/dump) is
// called outside the one petit-clock it is valid at, mirroring the
// reference implementation's -1 sentinel return with a typed Go error.
type ModeChangeError struct {
	Setter string
}

func (e ModeChangeError) Error() string {
	return fmt.Sprintf("machine: %s may only be called at the start of a big cycle", e.Setter)
}

// InvalidTopology is returned by Build when cfg describes a degenerate
// hypercube (fewer than 1 dimension) that cannot be wired.
type InvalidTopology struct {
	D int
}

func (e InvalidTopology) Error() string {
	return fmt.Sprintf("machine: invalid dimensionality D=%d", e.D)
}

// Machine is the full simulated hypercube: every chip, the shared petit-
// cycle clock, and the three host-settable modes.
type Machine struct {
	cfg   params.Config
	chips []*chip.Chip

	petitCounter  int
	bigCycleCount uint64 // never wraps; gates dump mode like the reference's global `count`

	shouldOr bool
	slowMode bool
	dump     bool

	globalPin uint8

	debug bool // if true, Execute logs a Debug() summary every petit cycle
}

// SetDebug turns per-cycle debug logging on or off.
func (m *Machine) SetDebug(on bool) { m.debug = on }

// Build constructs a machine of the given size, wiring every chip's router
// into the full hypercube topology and the overflow-referral ring, the way
// cm_build wires chips before returning them to the host.
func Build(cfg params.Config) (*Machine, error) {
	if cfg.D < 1 {
		return nil, InvalidTopology{D: cfg.D}
	}

	m := &Machine{cfg: cfg}
	n := cfg.Chips()
	m.chips = make([]*chip.Chip, n)
	for i := 0; i < n; i++ {
		m.chips[i] = chip.New(cfg, uint32(i))
	}

	for i := 0; i < n; i++ {
		for dim := 0; dim < cfg.D; dim++ {
			neighbour := i ^ (1 << dim)
			m.chips[i].Router().Connect(cfg.D-1-dim, m.chips[neighbour].Router().Inport(cfg.D-1-dim))
		}
		m.chips[i].Router().SetReferer(m.chips[(i+1)%n].Router(), n)
	}

	return m, nil
}

// Destroy is a no-op placeholder kept for symmetry with the reference
// cm_build/cm_del pair (spec §6): Go's garbage collector owns the machine's
// memory, so nothing needs to be freed, but host code written against a
// Build/Destroy surface still compiles and reads the same way.
func (m *Machine) Destroy() {}

// Chip returns the chip at hypercube index i, for hosts inspecting or
// seeding state directly (tests, debugging tools).
func (m *Machine) Chip(i int) *chip.Chip { return m.chips[i] }

// Config returns the sizing this machine was built with.
func (m *Machine) Config() params.Config { return m.cfg }

// Execute runs one petit cycle of in across every chip: first every chip's
// Execute, then every chip's Receive (so no chip observes another chip's
// results mid-cycle), then the wire-OR reduction of the global pin, in
// exactly that order (spec §4.4, cm_exe).
func (m *Machine) Execute(in instr.Instruction) error {
	for _, c := range m.chips {
		if err := c.Execute(in, m.petitCounter, m.shouldOr, m.slowMode); err != nil {
			return err
		}
	}
	for _, c := range m.chips {
		if err := c.Receive(m.petitCounter, m.slowMode); err != nil {
			return err
		}
	}

	m.globalPin = 0
	for _, c := range m.chips {
		m.globalPin |= c.GlobalAssertAny()
	}

	if m.debug {
		log.Printf("machine: %s", m.Debug())
	}

	m.bigCycleCount++
	m.petitCounter++
	if m.petitCounter >= m.cfg.PetitCyclePeriod(m.slowMode) {
		m.petitCounter = 0
	}
	return nil
}

// Debug renders a short one-line summary of machine state, in the
// teacher's debug-bool-plus-Debug()-string convention.
func (m *Machine) Debug() string {
	return fmt.Sprintf("petitCounter=%d bigCycleCount=%d shouldOr=%v slowMode=%v dump=%v pin=%d",
		m.petitCounter, m.bigCycleCount, m.shouldOr, m.slowMode, m.dump, m.globalPin)
}

// SetShouldOr enables OR-mode delivery. Valid only at the start of a big
// cycle (petitCounter==0), matching the reference shouldOr()'s guard.
func (m *Machine) SetShouldOr() error {
	if m.petitCounter != 0 {
		return ModeChangeError{Setter: "SetShouldOr"}
	}
	m.shouldOr = true
	return nil
}

// SetShouldntOr disables OR-mode delivery (one-message-at-a-time, the
// default). Valid only at the start of a big cycle.
func (m *Machine) SetShouldntOr() error {
	if m.petitCounter != 0 {
		return ModeChangeError{Setter: "SetShouldntOr"}
	}
	m.shouldOr = false
	return nil
}

// SetSlowMode enables slow mode, where each dimension's forward/receive
// round is stretched out to DimStride() petit clocks (one fewer than the
// injection phase) instead of collapsing to one. Valid only at the start of
// a big cycle.
func (m *Machine) SetSlowMode() error {
	if m.petitCounter != 0 {
		return ModeChangeError{Setter: "SetSlowMode"}
	}
	m.slowMode = true
	return nil
}

// SetFastMode disables slow mode. Valid only at the start of a big cycle.
func (m *Machine) SetFastMode() error {
	if m.petitCounter != 0 {
		return ModeChangeError{Setter: "SetFastMode"}
	}
	m.slowMode = false
	return nil
}

// SetShouldDump enables per-cycle snapshotting. Valid only before the
// machine has executed its first big cycle, matching the reference
// shouldDump()'s guard on the lifetime `count`, not petitCounter.
func (m *Machine) SetShouldDump() error {
	if m.bigCycleCount != 0 {
		return ModeChangeError{Setter: "SetShouldDump"}
	}
	m.dump = true
	return nil
}

// SetShouldntDump disables per-cycle snapshotting. Valid only before the
// machine has executed its first big cycle.
func (m *Machine) SetShouldntDump() error {
	if m.bigCycleCount != 0 {
		return ModeChangeError{Setter: "SetShouldntDump"}
	}
	m.dump = false
	return nil
}

// Dumping reports whether SetShouldDump is in effect.
func (m *Machine) Dumping() bool { return m.dump }

// PetitSync drives no-op instructions (identity memTruth/flagTruth, flag 0
// as the condition flag) until petitCounter wraps back to 0. It does not
// flush routers in flight — callers that need a quiescent network must
// check NetworkEmpty first.
func (m *Machine) PetitSync() error {
	noop := instr.Instruction{
		FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF,
	}
	for m.petitCounter != 0 {
		if err := m.Execute(noop); err != nil {
			return err
		}
	}
	return nil
}

// GlobalPin returns the wire-OR reduction of flag 1 across every cell in
// the machine, as of the most recent Execute.
func (m *Machine) GlobalPin() uint8 { return m.globalPin }

// NetworkEmpty reports whether any router in the machine currently holds
// buffered traffic. The name is kept despite the apparent inversion
// because the reference network_empty has exactly this polarity — it
// returns true when the network has traffic, not when it's empty (spec
// §9). AnyTraffic is the same predicate under its actual meaning.
func (m *Machine) NetworkEmpty() bool {
	for _, c := range m.chips {
		if c.Router().AnyInFlight() {
			return true
		}
	}
	return false
}

// AnyTraffic is NetworkEmpty under the name that matches what it returns.
func (m *Machine) AnyTraffic() bool { return m.NetworkEmpty() }

// emptyMessageSentinel is the address written for a buffer/partial slot
// with no message, matching the reference dumper's sentinel Message with
// address 0xFF.
const emptyMessageSentinel = 0xFF

// Snapshot renders the full machine state in the byte layout of spec §6:
// per chip, every cell's flags+memory, cfg.B buffer-slot message records
// (sentinel address for empty slots), the 4 listening processor indices,
// 4 partial-message records (same sentinel convention), then a single
// trailing packed instruction. Writing this to disk or compressing it is
// the out-of-scope external dumper (spec §1 Non-goals); this only defines
// the format.
func (m *Machine) Snapshot(last instr.Instruction) []byte {
	var buf bytes.Buffer

	for _, c := range m.chips {
		for i := 0; i < m.cfg.Processors(); i++ {
			cl := c.Cell(i)
			binary.Write(&buf, binary.LittleEndian, cl.Flags)
			buf.Write(cl.Memory[:])
		}

		r := c.Router()
		writeMessages(&buf, m.cfg, r.Buffer(), m.cfg.B)

		for _, v := range r.Listening() {
			binary.Write(&buf, binary.LittleEndian, uint32(v))
		}

		partials := r.Partials()
		writeMessages(&buf, m.cfg, partials[:], 4)
	}

	binary.Write(&buf, binary.LittleEndian, last.Pack())
	return buf.Bytes()
}

// writeMessages writes exactly slots records: one per entry in msgs (up to
// slots), then empty-sentinel records for any remaining slots. msgs may be
// shorter than slots (a live buffer) or contain nil entries (partials).
func writeMessages(buf *bytes.Buffer, cfg params.Config, msgs []*message.Message, slots int) {
	for i := 0; i < slots; i++ {
		var m *message.Message
		if i < len(msgs) {
			m = msgs[i]
		}
		if m == nil {
			binary.Write(buf, binary.LittleEndian, uint32(emptyMessageSentinel))
			buf.Write(make([]uint8, cfg.M))
			buf.WriteByte(0)
			continue
		}
		binary.Write(buf, binary.LittleEndian, m.Address)
		payload := m.Payload
		if len(payload) < cfg.M {
			padded := make([]uint8, cfg.M)
			copy(padded, payload)
			payload = padded
		}
		buf.Write(payload)
		buf.WriteByte(m.Parity)
	}
}
