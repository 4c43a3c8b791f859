// Package pool implements the two bounded object pools of spec.md §3 and
// §5: a generic object pool (used for Request Lifecycle Objects) and a
// page pool (used for write-path page cloning). Both guarantee forward
// progress under memory pressure by keeping a pre-allocated reserve of at
// least minReserve objects that Get never has to allocate fresh, on top of
// a sync.Pool fast path for everything beyond the reserve.
//
// Grounded on the teacher's internal/contentenc/bpool.go, which wraps
// sync.Pool with a fixed slice length and panics on misuse; we keep that
// "wrap sync.Pool, enforce an invariant on Put" shape and add the
// minimum-reserve guarantee spec.md §5 requires (MIN_IOS=256,
// MIN_POOL_PAGES=32) that bpool.go does not need, since gocryptfs has no
// equivalent low-memory forward-progress requirement.
package pool

import "sync"

// MinIOs is the minimum number of Request Lifecycle Objects the RLO pool
// always keeps in reserve (spec.md §5, MIN_IOS).
const MinIOs = 256

// MinPoolPages is the minimum number of data pages the page pool always
// keeps in reserve (spec.md §5, MIN_POOL_PAGES).
const MinPoolPages = 32

// Pool is a generic bounded object pool with a guaranteed reserve of
// minReserve pre-allocated items, backed by sync.Pool beyond that.
type Pool[T any] struct {
	pool      sync.Pool
	reserve   chan T
	newFn     func() T
}

// New creates a Pool that never blocks on Get: the reserve channel is
// pre-filled with minReserve freshly constructed items, and sync.Pool's
// New hook covers any demand beyond that.
func New[T any](minReserve int, newFn func() T) *Pool[T] {
	p := &Pool[T]{newFn: newFn, reserve: make(chan T, minReserve)}
	p.pool.New = func() interface{} { return newFn() }
	for i := 0; i < minReserve; i++ {
		p.reserve <- newFn()
	}
	return p
}

// Get returns an item, preferring the guaranteed reserve.
func (p *Pool[T]) Get() T {
	select {
	case v := <-p.reserve:
		return v
	default:
	}
	return p.pool.Get().(T)
}

// Put returns an item to the pool, preferring to refill the reserve so
// that the next low-memory Get is satisfied without an allocation.
func (p *Pool[T]) Put(v T) {
	select {
	case p.reserve <- v:
	default:
		p.pool.Put(v)
	}
}

// PagePool hands out fixed-size byte-slice pages. Unlike Pool[T], it can
// optionally be capacity-bounded (via NewPagePool's capacity argument) so
// that tests can reproduce the "short clone" backpressure behavior of
// spec.md §4.4 and §8 scenario 5; production targets pass capacity=0 for
// an effectively unbounded pool (still backed by the MinPoolPages reserve).
type PagePool struct {
	pageSize int
	reserve  chan []byte
	pool     sync.Pool
	sem      chan struct{} // nil when unbounded
}

// NewPagePool creates a page pool of pages sized pageSize. If capacity > 0,
// at most capacity pages may be outstanding at once (used to simulate
// memory pressure in tests); 0 means unbounded beyond the reserve.
func NewPagePool(pageSize, capacity int) *PagePool {
	p := &PagePool{pageSize: pageSize}
	p.pool.New = func() interface{} { return make([]byte, pageSize) }
	p.reserve = make(chan []byte, MinPoolPages)
	for i := 0; i < MinPoolPages; i++ {
		p.reserve <- make([]byte, pageSize)
	}
	if capacity > 0 {
		p.sem = make(chan struct{}, capacity)
	}
	return p
}

// PageSize returns the fixed page size this pool was constructed with.
func (p *PagePool) PageSize() int { return p.pageSize }

// Get acquires one page. If block is false and the pool is capacity-bounded
// and currently exhausted, Get returns ok=false immediately rather than
// waiting — this is what lets the write path prefer a short clone over
// sleeping (spec.md §4.4).
func (p *PagePool) Get(block bool) (page []byte, ok bool) {
	if p.sem != nil {
		if block {
			p.sem <- struct{}{}
		} else {
			select {
			case p.sem <- struct{}{}:
			default:
				return nil, false
			}
		}
	}
	select {
	case page = <-p.reserve:
		return page, true
	default:
	}
	return p.pool.Get().([]byte), true
}

// Put returns a page to the pool.
func (p *PagePool) Put(page []byte) {
	page = page[:cap(page)]
	select {
	case p.reserve <- page:
	default:
		p.pool.Put(page)
	}
	if p.sem != nil {
		<-p.sem
	}
}

// GetPages allocates up to n pages for a single clone allocation. The first
// min(n, blockUpTo) pages may block if necessary, except that on a
// capacity-bounded pool no page past the capacity is ever waited for (the
// only pages that could free such a slot are the ones this call already
// holds); pages beyond that are requested non-blocking, and the first
// failure stops further allocation — this directly implements spec.md
// §4.4's "first MIN_BIO_PAGES pages may block; beyond that, pages are
// requested non-blocking so that a short bio is preferred over sleeping".
func (p *PagePool) GetPages(n, blockUpTo int) [][]byte {
	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		block := i < blockUpTo && (p.sem == nil || i < cap(p.sem))
		page, ok := p.Get(block)
		if !ok {
			break
		}
		pages = append(pages, page)
	}
	return pages
}
