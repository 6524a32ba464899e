// Package flagbus defines the capability a chip lends to its router for
// touching a single local processor's flag word. It exists so router never
// needs a raw pointer into cell state (the C source's array of
// uint16_t* flags): the chip owns the cells and hands out a narrow,
// per-processor read/write/clear capability instead.
package flagbus

// Bus lets a holder read, write and clear individual flag bits belonging to
// one of a chip's 2^P local processors, addressed by processor index.
type Bus interface {
	// Flag returns bit flagIdx (0 MSB .. 15 LSB) of processor proc's flag word.
	Flag(proc int, flagIdx uint8) uint8
	// SetFlag writes val (0 or 1) into bit flagIdx of processor proc's flag word.
	SetFlag(proc int, flagIdx uint8, val uint8)
	// ClearFlag zeroes bit flagIdx of processor proc's flag word.
	ClearFlag(proc int, flagIdx uint8)
	// Count returns the number of local processors (2^P) this bus covers.
	Count() int
}
