package wire

import (
	"encoding/json"
	"fmt"
)

// Bitmap is a fixed-length bitset recording which chunk indices a device
// holds. The zero value is unusable; construct with NewBitmap or FromBytes.
type Bitmap struct {
	n    int
	bits []byte
}

// NewBitmap creates an empty bitmap for n chunks.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{n: n, bits: make([]byte, (n+7)/8)}
}

// FullBitmap creates a bitmap for n chunks with every bit set.
func FullBitmap(n int) *Bitmap {
	b := NewBitmap(n)
	for i := 0; i < n; i++ {
		b.Set(i)
	}
	return b
}

// BitmapFromBytes reconstructs a bitmap from its raw byte form.
func BitmapFromBytes(n int, raw []byte) (*Bitmap, error) {
	want := (n + 7) / 8
	if len(raw) != want {
		return nil, fmt.Errorf("bitmap length %d does not match chunk count %d", len(raw), n)
	}
	bits := make([]byte, want)
	copy(bits, raw)
	return &Bitmap{n: n, bits: bits}, nil
}

// Len returns the chunk count the bitmap covers.
func (b *Bitmap) Len() int { return b.n }

// Set marks index i as held. Out-of-range indices are ignored.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits[i/8] |= 1 << uint(i%8)
}

// Clear unmarks index i.
func (b *Bitmap) Clear(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits[i/8] &^= 1 << uint(i%8)
}

// Has reports whether index i is held.
func (b *Bitmap) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// Count returns the number of held indices.
func (b *Bitmap) Count() int {
	c := 0
	for i := 0; i < b.n; i++ {
		if b.Has(i) {
			c++
		}
	}
	return c
}

// Complete reports whether every index in [0, Len) is held.
func (b *Bitmap) Complete() bool { return b.Count() == b.n }

// Missing returns the indices not held, ascending.
func (b *Bitmap) Missing() []int {
	var out []int
	for i := 0; i < b.n; i++ {
		if !b.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	bits := make([]byte, len(b.bits))
	copy(bits, b.bits)
	return &Bitmap{n: b.n, bits: bits}
}

// Bytes returns the raw bit data. The returned slice is a copy.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

type bitmapJSON struct {
	N    int    `json:"n"`
	Bits []byte `json:"bits"`
}

// MarshalJSON encodes the bitmap as {"n": ..., "bits": base64}.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(bitmapJSON{N: b.n, Bits: b.bits})
}

// UnmarshalJSON decodes the wire form, validating the length.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var raw bitmapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nb, err := BitmapFromBytes(raw.N, raw.Bits)
	if err != nil {
		return err
	}
	*b = *nb
	return nil
}
