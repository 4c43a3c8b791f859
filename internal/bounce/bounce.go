// Package bounce implements the optional high-memory bounce-buffer shim of
// spec.md §4.7: on a platform whose backing device cannot DMA directly
// to/from certain pages (historically "highmem" pages above the DMA
// window), the crypto conversion instead reads from / writes to a
// low-memory bounce page, which is then copied to/from the real page.
//
// Go's runtime never hands out memory the OS cannot DMA to or from — there
// is no userspace equivalent of kernel highmem — so spec.md §9 marks this
// component optional for any runtime with unified virtual memory. It is
// implemented anyway, as a deliberately omittable layer: internal/mapper
// calls through it on every request, and a Target built without
// target.WithBounceShim gets a disabled Shim that passes bios through
// unchanged.
//
// Grounded on the teacher's internal/contentenc/bpool.go buffer-pool shape
// (wrap sync.Pool, enforce an invariant on Put/Get), generalized here to a
// pool keyed by buffer size rather than a single fixed size: a bounce-enabled
// target still accepts bios of whatever segment size its caller uses (spec.md
// §3 places no ceiling on segment length beyond sector alignment), so a
// single size class would panic the moment a caller's segment outgrew it.
package bounce

import (
	"sync"

	"github.com/dm-crypt-go/dmcrypt/internal/bio"
)

// Shim copies segments between a bio's real pages and pooled bounce
// buffers before/after conversion. A disabled Shim is a no-op pass-through,
// so callers can embed it unconditionally and only pay for the copy when a
// target actually requests it.
type Shim struct {
	enabled bool

	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// New builds a Shim. enabled selects whether In/Out/Release actually bounce
// data through pooled buffers, sized per segment on first use, or simply
// pass the caller's bio through unchanged — the common case: enabled only
// when a target is built with target.WithBounceShim(true).
func New(enabled bool) *Shim {
	if !enabled {
		return &Shim{}
	}
	return &Shim{enabled: true, pools: make(map[int]*sync.Pool)}
}

// Enabled reports whether this Shim actually bounces data, as opposed to
// being a no-op placeholder.
func (s *Shim) Enabled() bool { return s.enabled }

// poolFor returns the sync.Pool for buffers of exactly size bytes, creating
// it on first use. Segment sizes vary by caller, not just by target, so the
// pool set grows lazily rather than being fixed at Shim construction.
func (s *Shim) poolFor(size int) *sync.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[size]
	if !ok {
		p = &sync.Pool{New: func() interface{} { return make([]byte, size) }}
		s.pools[size] = p
	}
	return p
}

func (s *Shim) get(size int) []byte {
	return s.poolFor(size).Get().([]byte)[:size]
}

func (s *Shim) put(b []byte) {
	s.poolFor(cap(b)).Put(b[:cap(b)])
}

// In copies b's segments into freshly bounced pages, one pool per distinct
// segment size, and returns a new Bio addressing them, for use as the
// Conversion Context's source or destination in place of the original. The
// caller must call Out (to copy a read result back) or Release (once
// nothing reads the bounced bio any more) to return the bounce buffers.
func (s *Shim) In(b *bio.Bio) *bio.Bio {
	if !s.enabled {
		return b
	}
	out := &bio.Bio{Sector: b.Sector, Dir: b.Dir}
	for _, seg := range b.Segments {
		page := s.get(seg.Len)
		if b.Dir == bio.Write {
			copy(page, seg.Bytes())
		}
		out.Segments = append(out.Segments, bio.Segment{Page: page, Off: 0, Len: seg.Len})
	}
	return out
}

// Out copies a previously-bounced read result back into the original bio's
// real pages and releases the bounce buffers.
func (s *Shim) Out(orig, bounced *bio.Bio) {
	if !s.enabled {
		return
	}
	for i, seg := range orig.Segments {
		copy(seg.Bytes(), bounced.Segments[i].Bytes())
		s.put(bounced.Segments[i].Page)
	}
}

// Release returns a bounce Bio's buffers to their pools without copying
// anything back into the original bio.
func (s *Shim) Release(bounced *bio.Bio) {
	if !s.enabled {
		return
	}
	for _, seg := range bounced.Segments {
		s.put(seg.Page)
	}
}
