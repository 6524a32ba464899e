// Package router implements the per-chip hypercube router: buffer
// management, dimension-order forward/receive, bit-serial injection from
// local processors, bit-serial delivery to local processors, and
// overflow-referral. This is the largest and most stateful component of
// the simulator core, and is modeled on the teacher's pia6532 package — a
// big chip with an internal handshake protocol driven bit-by-bit across
// many Tick-equivalent calls, using shadow/partial state until a framing
// condition completes the transaction.
package router

import (
	"fmt"

	"github.com/rosezoe/libcm/bitword"
	"github.com/rosezoe/libcm/cell"
	"github.com/rosezoe/libcm/flagbus"
	"github.com/rosezoe/libcm/message"
	"github.com/rosezoe/libcm/params"
)

// OverflowExhausted is returned when a message could not be placed in any
// router's buffer along the entire referer ring — the one fatal condition
// this core surfaces (spec §7).
type OverflowExhausted struct {
	OriginID uint32
}

func (e OverflowExhausted) Error() string {
	return fmt.Sprintf("router: overflow referral chain exhausted starting from router %d", e.OriginID)
}

// Router is one chip's hypercube router.
type Router struct {
	cfg     params.Config
	id      uint32
	flagBus flagbus.Bus

	inports  []*message.Slot // length D, owned by this router
	outports []*message.Slot // length D, each an alias of a neighbour's inports[d]

	buffer []*message.Message // ordered, len <= B

	listening [4]int
	partials  [4]*message.Message

	referer *Router
	ringLen int // number of routers on the referer ring, for bounding overflow search
}

// New returns a router with empty inports and no outports/referer wired up
// yet — Connect and SetReferer finish topology setup once every router in
// the machine exists.
func New(cfg params.Config, id uint32, bus flagbus.Bus) *Router {
	r := &Router{
		cfg:     cfg,
		id:      id,
		flagBus: bus,
	}
	r.inports = make([]*message.Slot, cfg.D)
	for i := range r.inports {
		r.inports[i] = &message.Slot{}
	}
	r.outports = make([]*message.Slot, cfg.D)
	for i := range r.listening {
		r.listening[i] = -1
	}
	return r
}

// ID returns this router's D-bit hypercube index.
func (r *Router) ID() uint32 { return r.id }

// Inport returns this router's inport slot for dimension dim, so a
// neighbour's Connect call can alias it as an outport.
func (r *Router) Inport(dim int) *message.Slot { return r.inports[dim] }

// Connect wires this router's outport for dimension dim to the given
// neighbour inport slot, per the topology invariant in spec §3.
func (r *Router) Connect(dim int, neighbourInport *message.Slot) {
	r.outports[dim] = neighbourInport
}

// SetReferer wires this router's overflow pressure valve and the length of
// the referer ring (used to bound the overflow search instead of recursing
// without end, as the reference C implementation effectively does).
func (r *Router) SetReferer(referer *Router, ringLen int) {
	r.referer = referer
	r.ringLen = ringLen
}

// Forward scans the buffer in insertion order for the first message that
// still needs to move along dimension dim, clears that dimension's address
// bit, and hands it to the neighbour's inport.
func (r *Router) Forward(dim int) {
	addrLen := uint(r.cfg.AddrLen())
	for i, m := range r.buffer {
		if !message.NeedsDim(m.Address, addrLen, uint(dim)) {
			continue
		}
		m.Address = message.ClearDim(m.Address, addrLen, uint(dim))
		r.outports[dim].Msg = m
		r.buffer = append(r.buffer[:i], r.buffer[i+1:]...)
		return
	}
}

// Receive drains inports[dim] (if occupied) into the buffer, referring the
// message onward if the buffer is full.
func (r *Router) Receive(dim int) error {
	slot := r.inports[dim]
	if slot.Msg == nil {
		return nil
	}
	m := slot.Msg
	slot.Msg = nil

	if len(r.buffer) >= r.cfg.B {
		return r.refer(m)
	}
	r.buffer = append(r.buffer, m)
	return nil
}

// refer offloads m to the referer ring: the first hop folds this router's
// id into the address (spec §4.3's "referring router XORs this.id"), then
// each subsequent router on the ring either accepts (folding its own id in
// at the point of acceptance) or passes it on. If the whole ring is
// saturated, the referral chain is exhausted and the simulation must treat
// this as fatal.
func (r *Router) refer(m *message.Message) error {
	m.Address ^= uint32(r.id) << uint(r.cfg.P)

	cur := r.referer
	for i := 0; i < r.ringLen; i++ {
		if len(cur.buffer) < cur.cfg.B {
			m.Address ^= uint32(cur.id) << uint(cur.cfg.P)
			cur.buffer = append(cur.buffer, m)
			return nil
		}
		cur = cur.referer
	}
	return OverflowExhausted{OriginID: r.id}
}

// forEachActivePartial applies the "while(i<4 && partials[i]!=NULL)" scan
// condition used throughout Inject: partials are filled contiguously from
// index 0, so stopping at the first nil entry visits exactly the active ones.
func (r *Router) forEachActivePartial(fn func(i int)) {
	for i := 0; i < 4; i++ {
		if r.partials[i] == nil {
			return
		}
		fn(i)
	}
}

// Inject drives one petit-clock of the 7-stage injection handshake against
// local processors' FlagRouterIn (flag 5) wire. See spec §4.3 for the full
// per-bit table.
func (r *Router) Inject(bit int) {
	addrLen := r.cfg.AddrLen()
	payloadBits := r.cfg.PayloadBits()

	switch {
	case bit == 0:
		free := r.cfg.B - len(r.buffer)
		accNo := free
		if accNo > 4 {
			accNo = 4
		}
		if accNo < 0 {
			accNo = 0
		}
		i := 0
		for j := 0; i < accNo && j < r.cfg.Processors(); j++ {
			if r.flagBus.Flag(j, cell.FlagRouterIn) == 1 {
				r.listening[i] = j
				r.partials[i] = message.New(r.cfg.M)
				i++
			}
		}
		for ; i < 4; i++ {
			r.partials[i] = nil
		}

	case bit >= 1 && bit <= addrLen:
		r.forEachActivePartial(func(i int) {
			flag := r.flagBus.Flag(r.listening[i], cell.FlagRouterIn)
			r.partials[i].Address |= uint32(flag) << uint(addrLen-bit)
		})

	case bit == addrLen+1:
		r.forEachActivePartial(func(i int) {
			flag := r.flagBus.Flag(r.listening[i], cell.FlagRouterIn)
			if flag == 0 {
				r.partials[i].Parity = message.ParityPoisoned
			}
		})

	case bit >= addrLen+2 && bit < addrLen+payloadBits+2:
		off := bit - addrLen - 2
		r.forEachActivePartial(func(i int) {
			flag := r.flagBus.Flag(r.listening[i], cell.FlagRouterIn)
			bitword.SetBit(r.partials[i].Payload, off, flag)
			r.partials[i].Parity ^= flag
		})

	case bit == addrLen+payloadBits+2:
		r.forEachActivePartial(func(i int) {
			flag := r.flagBus.Flag(r.listening[i], cell.FlagRouterIn)
			if flag == r.partials[i].Parity {
				r.flagBus.SetFlag(r.listening[i], cell.FlagRouterAck, 1)
				r.buffer = append(r.buffer, r.partials[i])
			}
			r.partials[i] = nil
		})

	case bit == addrLen+payloadBits+3:
		for j := 0; j < r.cfg.Processors(); j++ {
			r.flagBus.ClearFlag(j, cell.FlagRouterAck)
		}
	}

	for j := 0; j < r.cfg.Processors(); j++ {
		r.flagBus.ClearFlag(j, cell.FlagRouterIn)
	}
}

// Deliver drives one petit-clock of the 3-stage delivery handshake,
// producing FlagRouterOut (flag 4) on each local processor. See spec §4.3.
func (r *Router) Deliver(bit int, shouldOr bool) {
	procBits := uint(r.cfg.P)
	n := r.cfg.Processors()
	out := make([]uint8, n)
	payloadBits := r.cfg.PayloadBits()

	switch {
	case bit == 0:
		for _, m := range r.buffer {
			if message.AtRouter(m.Address, procBits) {
				out[message.DestProc(m.Address, procBits)] = 1
			}
		}

	case bit >= 1 && bit <= payloadBits:
		off := bit - 1
		for i := len(r.buffer) - 1; i >= 0; i-- {
			m := r.buffer[i]
			if !message.AtRouter(m.Address, procBits) {
				continue
			}
			val := bitword.Bit(m.Payload, off)
			dst := message.DestProc(m.Address, procBits)
			if shouldOr {
				out[dst] |= val
			} else {
				out[dst] = val
			}
		}

	case bit == payloadBits+1:
		for i := len(r.buffer) - 1; i >= 0; i-- {
			m := r.buffer[i]
			if !message.AtRouter(m.Address, procBits) {
				continue
			}
			dst := message.DestProc(m.Address, procBits)
			// The parity bit is computed then unconditionally forced back to
			// 0 in the reference implementation, suppressing parity
			// delivery entirely. Preserved as observed (spec §9).
			out[dst] = 0
		}
		r.freeDestined(shouldOr, procBits)
	}

	for j := 0; j < n; j++ {
		if out[j] != 0 {
			r.flagBus.SetFlag(j, cell.FlagRouterOut, 1)
		} else {
			r.flagBus.ClearFlag(j, cell.FlagRouterOut)
		}
	}
}

// freeDestined removes delivered messages from the buffer: in OR-mode every
// destined message is freed; otherwise at most one per destination
// processor is freed (earliest buffer slot wins), leaving the rest for the
// next big cycle.
func (r *Router) freeDestined(shouldOr bool, procBits uint) {
	if shouldOr {
		kept := r.buffer[:0]
		for _, m := range r.buffer {
			if !message.AtRouter(m.Address, procBits) {
				kept = append(kept, m)
			}
		}
		r.buffer = kept
		return
	}

	freedDest := make(map[int]bool)
	kept := r.buffer[:0]
	for _, m := range r.buffer {
		if message.AtRouter(m.Address, procBits) {
			dst := message.DestProc(m.Address, procBits)
			if !freedDest[dst] {
				freedDest[dst] = true
				continue // drop this one, it was just delivered
			}
		}
		kept = append(kept, m)
	}
	r.buffer = kept
}

// Empty reports whether the router's buffer holds no messages.
func (r *Router) Empty() bool {
	return len(r.buffer) == 0
}

// AnyInFlight reports whether the router currently holds any buffered
// message — the literal behaviour of the reference router_empty (which,
// despite its name, returns true on the first non-empty slot found).
func (r *Router) AnyInFlight() bool {
	return len(r.buffer) > 0
}

// AllEmpty is AnyInFlight's negation, named for what callers actually want
// to ask (spec §9's resolution of the router_empty polarity ambiguity).
func (r *Router) AllEmpty() bool {
	return !r.AnyInFlight()
}

// BufferLen returns the current number of buffered messages, for tests and
// diagnostics.
func (r *Router) BufferLen() int {
	return len(r.buffer)
}

// Buffer returns the router's buffered messages in insertion order, for
// Machine.Snapshot. Callers must not mutate the returned messages.
func (r *Router) Buffer() []*message.Message {
	return r.buffer
}

// Listening returns the processor indices recorded by the most recent
// injection start, for Machine.Snapshot. Slots that have never been
// assigned hold -1; slots are not reset when a handshake finishes or when a
// later injection start admits fewer processors, so they may hold stale
// indices.
func (r *Router) Listening() [4]int {
	return r.listening
}

// Partials returns the in-progress partial messages for an injection
// handshake (nil for unused slots), for Machine.Snapshot.
func (r *Router) Partials() [4]*message.Message {
	return r.partials
}
