package pool

import "testing"

type widget struct{ n int }

func TestPoolGetPutReuses(t *testing.T) {
	created := 0
	p := New[*widget](2, func() *widget {
		created++
		return &widget{}
	})
	if created != 2 {
		t.Fatalf("want 2 pre-created items, got %d", created)
	}
	a := p.Get()
	b := p.Get()
	c := p.Get() // beyond the reserve, falls through to sync.Pool's New
	if created != 3 {
		t.Fatalf("want 3 created after exhausting the reserve, got %d", created)
	}
	p.Put(a)
	p.Put(b)
	p.Put(c)
	_ = p.Get()
}

func TestPagePoolGetPutUnbounded(t *testing.T) {
	p := NewPagePool(512, 0)
	if p.PageSize() != 512 {
		t.Fatalf("PageSize() = %d, want 512", p.PageSize())
	}
	page, ok := p.Get(false)
	if !ok {
		t.Fatalf("unbounded pool should never refuse a non-blocking Get")
	}
	if len(page) != 512 {
		t.Fatalf("page length = %d, want 512", len(page))
	}
	p.Put(page)
}

func TestPagePoolNonBlockingExhaustion(t *testing.T) {
	p := NewPagePool(512, 1)
	page1, ok := p.Get(true)
	if !ok {
		t.Fatalf("first Get should succeed")
	}
	if _, ok := p.Get(false); ok {
		t.Fatalf("second non-blocking Get should fail once capacity is exhausted")
	}
	p.Put(page1)
	if _, ok := p.Get(false); !ok {
		t.Fatalf("Get should succeed again once the only outstanding page is returned")
	}
}

func TestGetPagesShortOnExhaustion(t *testing.T) {
	p := NewPagePool(512, 8)
	// Request 10 pages with only 8 capacity and blockUpTo=4: the first 4 may
	// block, the remaining 6 are non-blocking and only 4 of them fit.
	pages := p.GetPages(10, 4)
	if len(pages) != 8 {
		t.Fatalf("want a short clone of 8 pages given 8 capacity, got %d", len(pages))
	}
}
