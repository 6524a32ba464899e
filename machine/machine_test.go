package machine

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
	"github.com/rosezoe/libcm/cell"
	"github.com/rosezoe/libcm/instr"
	"github.com/rosezoe/libcm/message"
	"github.com/rosezoe/libcm/params"
)

func smallConfig() params.Config {
	return params.Config{D: 3, P: 2, M: 2, B: 3}
}

func TestBuildWiresHypercubeTopology(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.chips) != cfg.Chips() {
		t.Fatalf("got %d chips, want %d", len(m.chips), cfg.Chips())
	}

	// Seed a message at chip 0's router (via the inport+Receive path, which
	// does not care which dimension it arrives on) destined for the chip
	// with every dimension bit set, then drive it hop by hop using only
	// Forward/Receive — exercising exactly the outport/inport wiring Build
	// set up via Connect.
	dest := uint32(cfg.Chips() - 1)
	mm := &message.Message{Address: dest << uint(cfg.P), Payload: make([]uint8, cfg.M)}
	m.Chip(0).Router().Inport(0).Msg = mm
	if err := m.Chip(0).Router().Receive(0); err != nil {
		t.Fatalf("seeding Receive: %v", err)
	}

	cur := 0
	for !message.AtRouter(mm.Address, uint(cfg.P)) {
		moved := false
		for dim := 0; dim < cfg.D; dim++ {
			if !message.NeedsDim(mm.Address, uint(cfg.AddrLen()), uint(dim)) {
				continue
			}
			neighbour := cur ^ (1 << (cfg.D - 1 - dim))
			m.Chip(cur).Router().Forward(dim)
			if err := m.Chip(neighbour).Router().Receive(dim); err != nil {
				t.Fatalf("Receive: %v", err)
			}
			cur = neighbour
			moved = true
			break
		}
		if !moved {
			t.Fatalf("forwarding did not progress; address %x stuck", mm.Address)
		}
	}

	if cur != int(dest) {
		t.Errorf("message ended at chip %d, want %d", cur, dest)
	}
}

func TestBuildRejectsInvalidTopology(t *testing.T) {
	_, err := Build(params.Config{D: 0, P: 2, M: 2, B: 3})
	if _, ok := err.(InvalidTopology); !ok {
		t.Fatalf("got error %v (%T), want InvalidTopology", err, err)
	}
}

func TestPetitCounterWrapsAfterFullCycle(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	noop := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}
	period := cfg.PetitCyclePeriod(false)
	for i := 0; i < period; i++ {
		if err := m.Execute(noop); err != nil {
			t.Fatalf("Execute at step %d: %v", i, err)
		}
	}
	if m.petitCounter != 0 {
		t.Errorf("petitCounter = %d after a full period, want 0 (state: %s)", m.petitCounter, spew.Sdump(m))
	}
}

func TestModeSettersOnlyValidAtCycleStart(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := m.SetShouldOr(); err != nil {
		t.Fatalf("SetShouldOr at petitCounter 0: %v", err)
	}

	noop := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}
	if err := m.Execute(noop); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := m.SetSlowMode(); err == nil {
		t.Error("SetSlowMode mid-cycle should fail")
	} else if _, ok := err.(ModeChangeError); !ok {
		t.Errorf("got error type %T, want ModeChangeError", err)
	}
}

func TestDumpModeOnlyValidBeforeFirstBigCycle(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	noop := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}
	if err := m.Execute(noop); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := m.SetShouldDump(); err == nil {
		t.Error("SetShouldDump after a big cycle has run should fail")
	}
}

func TestGlobalPinReducesAndClears(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m.Chip(2).Cell(1).SetFlag(cell.FlagGlobalAssert, 1)

	noop := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}
	if err := m.Execute(noop); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := m.GlobalPin(); got != 1 {
		t.Fatalf("GlobalPin = %d, want 1", got)
	}
	if got := m.Chip(2).Cell(1).Flag(cell.FlagGlobalAssert); got != 0 {
		t.Errorf("flag 1 not cleared after reduction, got %d", got)
	}

	if err := m.Execute(noop); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := m.GlobalPin(); got != 0 {
		t.Errorf("GlobalPin = %d on a cycle with no assertion, want 0", got)
	}
}

func TestNetworkEmptyReflectsRouterTraffic(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if m.NetworkEmpty() {
		t.Fatal("NetworkEmpty should report false (no traffic) on a fresh machine")
	}
	if m.AnyTraffic() {
		t.Fatal("AnyTraffic should report false on a fresh machine")
	}
}

func TestSnapshotLengthMatchesLayout(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	in := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}
	snap := m.Snapshot(in)

	cellRecord := 2 + cell.MemoryBytes
	messageRecord := 4 + cfg.M + 1
	perChip := cfg.Processors()*cellRecord + cfg.B*messageRecord + 4*4 + 4*messageRecord
	want := cfg.Chips()*perChip + 8

	if len(snap) != want {
		t.Errorf("Snapshot length = %d, want %d", len(snap), want)
	}
}

func TestSnapshotDiffersAfterMutation(t *testing.T) {
	cfg := smallConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	in := instr.Instruction{FlagC: cell.FlagConstZero, MemTruth: instr.IDM, FlagTruth: instr.IDF}

	before := m.Snapshot(in)
	m.Chip(0).Cell(0).SetFlag(cell.FlagGlobalAssert, 1)
	after := m.Snapshot(in)

	if diff := deep.Equal(before, after); diff == nil {
		t.Error("Snapshot did not change after mutating cell state")
	}
}
