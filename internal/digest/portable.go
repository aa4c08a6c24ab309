package digest

import (
	"encoding"
	"encoding/binary"
	"errors"
	"hash"
	"math/bits"
)

// Initial hash values: first 32 bits of the fractional parts of the
// square roots of the first 8 primes.
var iv = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

// Round constants: first 32 bits of the fractional parts of the cube
// roots of the first 64 primes.
var roundK = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// portableDigest is a from-scratch SHA-256 state. It implements hash.Hash.
type portableDigest struct {
	h   [8]uint32
	x   [BlockSize]byte
	nx  int
	len uint64
}

func newPortable() *portableDigest {
	d := new(portableDigest)
	d.Reset()
	return d
}

var (
	_ hash.Hash                  = (*portableDigest)(nil)
	_ encoding.BinaryMarshaler   = (*portableDigest)(nil)
	_ encoding.BinaryUnmarshaler = (*portableDigest)(nil)
)

const (
	stateMagic = "psh\x01"
	stateSize  = len(stateMagic) + 8*4 + BlockSize + 8
)

var errBadState = errors.New("digest: invalid hash state")

// MarshalBinary saves the running state so a shared prefix can be
// absorbed once and resumed for every suffix.
func (d *portableDigest) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, stateSize)
	b = append(b, stateMagic...)
	for _, w := range d.h {
		b = binary.BigEndian.AppendUint32(b, w)
	}
	b = append(b, d.x[:d.nx]...)
	b = append(b, make([]byte, BlockSize-d.nx)...)
	b = binary.BigEndian.AppendUint64(b, d.len)
	return b, nil
}

// UnmarshalBinary restores a state saved by MarshalBinary.
func (d *portableDigest) UnmarshalBinary(b []byte) error {
	if len(b) != stateSize || string(b[:len(stateMagic)]) != stateMagic {
		return errBadState
	}
	b = b[len(stateMagic):]
	for i := range d.h {
		d.h[i] = binary.BigEndian.Uint32(b)
		b = b[4:]
	}
	copy(d.x[:], b[:BlockSize])
	d.len = binary.BigEndian.Uint64(b[BlockSize:])
	d.nx = int(d.len % BlockSize)
	return nil
}

func (d *portableDigest) Reset() {
	d.h = iv
	d.nx = 0
	d.len = 0
}

func (d *portableDigest) Size() int { return Size }

func (d *portableDigest) BlockSize() int { return BlockSize }

func (d *portableDigest) Write(p []byte) (int, error) {
	n := len(p)
	d.len += uint64(n)
	if d.nx > 0 {
		c := copy(d.x[d.nx:], p)
		d.nx += c
		if d.nx == BlockSize {
			compress(&d.h, d.x[:])
			d.nx = 0
		}
		p = p[c:]
	}
	if len(p) >= BlockSize {
		full := len(p) &^ (BlockSize - 1)
		compress(&d.h, p[:full])
		p = p[full:]
	}
	if len(p) > 0 {
		d.nx = copy(d.x[:], p)
	}
	return n, nil
}

// Sum appends the digest to in. The receiver keeps its state, so more
// data may be written afterwards.
func (d *portableDigest) Sum(in []byte) []byte {
	c := *d
	words := c.finish()
	var out [Size]byte
	for i, w := range words {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return append(in, out[:]...)
}

// finish pads the message and returns the final hash words.
// Padding is a single 0x80 byte, zeros up to 56 mod 64, then the message
// length in bits as a 64-bit big-endian integer.
func (d *portableDigest) finish() [8]uint32 {
	bitLen := d.len << 3

	var pad [BlockSize]byte
	pad[0] = 0x80
	rem := d.len % BlockSize
	if rem < 56 {
		d.Write(pad[:56-rem])
	} else {
		d.Write(pad[:BlockSize+56-rem])
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], bitLen)
	d.Write(length[:])

	if d.nx != 0 {
		panic("digest: padding left a partial block")
	}
	return d.h
}

// portableHex hashes msg in one shot and renders the eight words as
// zero-padded 8-digit lowercase hex.
func portableHex(msg []byte) string {
	d := newPortable()
	d.Write(msg)
	words := d.finish()

	out := make([]byte, 0, HexSize)
	for _, w := range words {
		out = appendWordHex(out, w)
	}
	return string(out)
}

const hexDigits = "0123456789abcdef"

func appendWordHex(dst []byte, w uint32) []byte {
	for shift := 28; shift >= 0; shift -= 4 {
		dst = append(dst, hexDigits[(w>>uint(shift))&0xf])
	}
	return dst
}

// compress runs the SHA-256 compression function over every full block in p.
func compress(state *[8]uint32, p []byte) {
	var w [64]uint32
	h0, h1, h2, h3, h4, h5, h6, h7 := state[0], state[1], state[2], state[3], state[4], state[5], state[6], state[7]

	for len(p) >= BlockSize {
		for i := 0; i < 16; i++ {
			w[i] = binary.BigEndian.Uint32(p[i*4:])
		}
		for i := 16; i < 64; i++ {
			w[i] = smallSigma1(w[i-2]) + w[i-7] + smallSigma0(w[i-15]) + w[i-16]
		}

		a, b, c, d, e, f, g, h := h0, h1, h2, h3, h4, h5, h6, h7

		for i := 0; i < 64; i++ {
			t1 := h + bigSigma1(e) + choose(e, f, g) + roundK[i] + w[i]
			t2 := bigSigma0(a) + majority(a, b, c)

			h = g
			g = f
			f = e
			e = d + t1
			d = c
			c = b
			b = a
			a = t1 + t2
		}

		h0 += a
		h1 += b
		h2 += c
		h3 += d
		h4 += e
		h5 += f
		h6 += g
		h7 += h

		p = p[BlockSize:]
	}

	state[0], state[1], state[2], state[3], state[4], state[5], state[6], state[7] = h0, h1, h2, h3, h4, h5, h6, h7
}

func rotr(x uint32, n int) uint32 { return bits.RotateLeft32(x, -n) }

func smallSigma0(x uint32) uint32 { return rotr(x, 7) ^ rotr(x, 18) ^ (x >> 3) }

func smallSigma1(x uint32) uint32 { return rotr(x, 17) ^ rotr(x, 19) ^ (x >> 10) }

func bigSigma0(x uint32) uint32 { return rotr(x, 2) ^ rotr(x, 13) ^ rotr(x, 22) }

func bigSigma1(x uint32) uint32 { return rotr(x, 6) ^ rotr(x, 11) ^ rotr(x, 25) }

func choose(x, y, z uint32) uint32 { return (x & y) ^ (^x & z) }

func majority(x, y, z uint32) uint32 { return (x & y) ^ (x & z) ^ (y & z) }
