// Package bio implements the scatter-list I/O descriptor used throughout
// this module: a vector of (page, offset, length) segments tagged with a
// starting sector and direction, modeled after the kernel bio the teacher's
// fusefrontend package stands in for with a plain byte slice (see
// fusefrontend/file.go doRead/doWrite). We keep the segment vector shape
// explicit because the Conversion Context (internal/convert) must walk
// segment boundaries one sector at a time without assuming a single
// contiguous buffer, exactly as spec.md §3 and §4.3 require.
package bio

import "errors"

// Direction is the I/O direction of a Bio.
type Direction int

const (
	// Read means ciphertext is being fetched and will be decrypted.
	Read Direction = iota
	// Write means plaintext is being encrypted before being written.
	Write
	// Discard means the addressed sectors are being released (TRIM); there
	// is no ciphertext to decrypt and nothing to encrypt, so a discard bio
	// never reaches the Conversion Context (spec.md supplement: allow_discards).
	Discard
)

func (d Direction) String() string {
	switch d {
	case Write:
		return "write"
	case Discard:
		return "discard"
	default:
		return "read"
	}
}

// Segment is a single (page, offset, length) entry, called a "bio-vec" in
// the kernel. Length is always a multiple of SectorSize; a single sector
// never spans two segments (spec.md §4.3 tie-break rule).
type Segment struct {
	// Page is the backing buffer. Its capacity may exceed Off+Len.
	Page []byte
	Off  int
	Len  int
}

// Bytes returns the segment's addressed region.
func (s Segment) Bytes() []byte {
	return s.Page[s.Off : s.Off+s.Len]
}

// Bio is a vector of segments plus the sector range and direction they
// address on the backing device.
type Bio struct {
	Segments []Segment
	// Sector is the starting sector on the backing device this Bio targets.
	Sector uint64
	Dir    Direction
}

// New builds a Bio from a single contiguous buffer, splitting it into
// page-aligned segments of at most pageSize bytes each. length must be a
// multiple of sectorSize.
func New(data []byte, sector uint64, dir Direction, pageSize int) *Bio {
	b := &Bio{Sector: sector, Dir: dir}
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		b.Segments = append(b.Segments, Segment{Page: data[off:end], Off: 0, Len: end - off})
	}
	return b
}

// Len returns the total byte length addressed by the Bio.
func (b *Bio) Len() int {
	n := 0
	for _, s := range b.Segments {
		n += s.Len
	}
	return n
}

// ErrEmpty is returned by Flatten when the Bio carries no segments.
var ErrEmpty = errors.New("bio: empty segment vector")

// Flatten copies every segment into a single contiguous slice. Used by
// tests and by the in-memory block device; the hot path never flattens.
func (b *Bio) Flatten() ([]byte, error) {
	if len(b.Segments) == 0 {
		return nil, ErrEmpty
	}
	out := make([]byte, 0, b.Len())
	for _, s := range b.Segments {
		out = append(out, s.Bytes()...)
	}
	return out, nil
}

// ShareClone returns a new Bio pointing at the same underlying pages as b,
// but addressing a (possibly different) sector range on the backing
// device. This is used by the read path (spec.md §4.5): the clone shares
// the original bio's pages so that ciphertext is read directly into them.
func (b *Bio) ShareClone(sector uint64) *Bio {
	segs := make([]Segment, len(b.Segments))
	copy(segs, b.Segments)
	return &Bio{Segments: segs, Sector: sector, Dir: b.Dir}
}
