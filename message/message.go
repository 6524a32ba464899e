// Package message defines the envelope that carries data through a
// hypercube's routers: a fixed-width hypercube address, a small payload,
// and a parity byte. It plays the same role for router/chip/machine that
// the teacher's memory package plays for cpu/pia6532/atari2600 — a small,
// dependency-free data type shared by every higher layer.
package message

// ParityPoisoned is the sentinel parity value used to mark a partial
// message that failed framing during injection (see Router.Inject). It can
// never be produced by a correct XOR-accumulated parity over a byte stream,
// so using it as a sentinel never collides with a legitimate value.
const ParityPoisoned = 2

// Slot is a single-message mailbox: a router's outport for dimension d
// holds a pointer to the neighbour's inports[d] Slot, so forwarding a
// message is just writing Slot.Msg.
type Slot struct {
	Msg *Message
}

// Message is the unit of hypercube traffic. Address is stored in the low
// ADDRLEN bits of a machine word: the upper D bits select the destination
// router, the low P bits select the destination processor within it.
type Message struct {
	Address uint32
	Payload []uint8
	Parity  uint8
}

// New allocates a zeroed message with a payload of the given length (in
// bytes). Parity starts at 0, which is correct parity for an all-zero
// payload until bits are accumulated into it.
func New(payloadLen int) *Message {
	return &Message{Payload: make([]uint8, payloadLen)}
}

// AtRouter reports whether m has arrived at its destination router, i.e.
// the upper addrLen-procBits bits of Address (the router-selecting bits)
// are all zero.
func AtRouter(addr uint32, procBits uint) bool {
	return addr>>procBits == 0
}

// DestProc extracts the destination processor index from an address that
// has already arrived at its router (the low procBits bits).
func DestProc(addr uint32, procBits uint) int {
	return int(addr & ((1 << procBits) - 1))
}

// NeedsDim reports whether addr still must move along hypercube dimension
// dim, given the address field is addrLen bits wide (router bits occupy the
// high dimBits of those addrLen bits, MSB-first).
func NeedsDim(addr uint32, addrLen uint, dim uint) bool {
	return (addr>>(addrLen-1-dim))&1 == 1
}

// ClearDim clears the bit in addr that selects dimension dim, as forwarding
// along that dimension does.
func ClearDim(addr uint32, addrLen uint, dim uint) uint32 {
	return addr &^ (1 << (addrLen - 1 - dim))
}
