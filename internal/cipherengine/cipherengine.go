// Package cipherengine implements the Cipher Engine of spec.md §4.2: one
// conversion primitive, ConvertSector, behind two interchangeable backends.
//
// The synchronous backend wraps crypto/cipher block modes directly, the way
// the teacher's cryptocore.New wires up an aes.NewCipher block cipher
// (internal/cryptocore/cryptocore.go). There is no teacher analog for the
// asynchronous session-offload backend (gocryptfs has no hardware-offload
// path), so it is grounded on spec.md §4.2 itself and on the goroutine +
// channel dispatch idiom shown in the retrieval pack's queue runner
// (ehrlich-b-go-ublk runner.go ioLoop: submit, then drain completions
// asynchronously) and connection handling (andrewchambers-gonbdserver
// connection.go). "Session" here plays the role of a crypto offload
// engine's session handle; completions run on a goroutine, standing in for
// the interrupt-context callback the spec describes.
package cipherengine

import (
	"context"
	"crypto/cipher"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/xts"
	"golang.org/x/sync/semaphore"

	"github.com/dm-crypt-go/dmcrypt/internal/bio"
	"github.com/dm-crypt-go/dmcrypt/internal/blockcipher"
	"github.com/dm-crypt-go/dmcrypt/internal/dmerr"
	"github.com/dm-crypt-go/dmcrypt/internal/tlog"
)

// AsyncWriteTimeout is the fixed barrier the async backend's write path
// blocks against before giving up (spec.md §4.2, §5).
const AsyncWriteTimeout = 30 * time.Second

// Completer receives the outcome of one asynchronous sector conversion.
// internal/mapper.RLO implements this interface so that the two backends
// share identical call sites regardless of which is in use (spec.md §9,
// "Two cipher backends behind one call site").
type Completer interface {
	Complete(err error)
}

// completerFunc adapts a plain function to Completer.
type completerFunc func(error)

func (f completerFunc) Complete(err error) { f(err) }

// Engine is the single conversion primitive the Conversion Context calls.
// completer may be nil for the synchronous backend, where the caller
// already receives the final error as the return value.
type Engine interface {
	// ConvertSector encrypts or decrypts exactly one sector. dst and src
	// must each be exactly sectorLen bytes. For the sync backend the call
	// blocks and its return value is authoritative. For the async backend
	// the call returns as soon as the request is queued; completer.Complete
	// delivers the final result.
	ConvertSector(dst, src []byte, dir bio.Direction, iv []byte, sector uint64, completer Completer) error
	// Close releases any resources (sessions, cipher handles) the engine holds.
	Close() error
}

// ---- synchronous backend -------------------------------------------------

// chainMode names the two chaining modes this core supports.
type chainMode int

const (
	modeCBC chainMode = iota
	modeXTS
)

// SyncEngine wraps a block cipher with a chaining mode and performs
// conversions in the caller's goroutine. It never sleeps beyond whatever
// the underlying cipher.Block.Encrypt/Decrypt call does (spec.md §4.2).
type SyncEngine struct {
	mode  chainMode
	block cipher.Block // used for CBC
	xts   *xts.Cipher  // used for XTS
}

// NewCBC builds a synchronous CBC backend over the named cipher.
func NewCBC(cipherName string, key []byte) (*SyncEngine, error) {
	block, err := blockcipher.New(cipherName, key)
	if err != nil {
		return nil, dmerr.Wrap("cipherengine: cbc setup", dmerr.Errno(dmerr.ErrUnknownCipher), err)
	}
	return &SyncEngine{mode: modeCBC, block: block}, nil
}

// NewXTS builds a synchronous XTS backend. XTS keys are double-length (two
// independent sub-keys), and the chaining mode's tweak is derived directly
// from the sector number rather than from an externally generated IV — see
// DESIGN.md for why the ivgen-produced IV bytes are not used here.
func NewXTS(cipherName string, key []byte) (*SyncEngine, error) {
	cipherFunc := func(k []byte) (cipher.Block, error) { return blockcipher.New(cipherName, k) }
	x, err := xts.NewCipher(cipherFunc, key)
	if err != nil {
		return nil, dmerr.Wrap("cipherengine: xts setup", dmerr.Errno(dmerr.ErrUnknownCipher), err)
	}
	return &SyncEngine{mode: modeXTS, xts: x}, nil
}

// ConvertSector implements Engine.
func (e *SyncEngine) ConvertSector(dst, src []byte, dir bio.Direction, iv []byte, sector uint64, completer Completer) error {
	var err error
	switch e.mode {
	case modeCBC:
		var bm cipher.BlockMode
		if dir == bio.Write {
			bm = cipher.NewCBCEncrypter(e.block, iv)
		} else {
			bm = cipher.NewCBCDecrypter(e.block, iv)
		}
		if len(src)%e.block.BlockSize() != 0 {
			err = fmt.Errorf("cipherengine: sector length %d is not a multiple of the block size %d", len(src), e.block.BlockSize())
			break
		}
		bm.CryptBlocks(dst, src)
	case modeXTS:
		if dir == bio.Write {
			e.xts.Encrypt(dst, src, sector)
		} else {
			e.xts.Decrypt(dst, src, sector)
		}
	default:
		err = fmt.Errorf("cipherengine: unknown chain mode")
	}
	if completer != nil {
		completer.Complete(err)
	}
	return err
}

// Close implements Engine. The synchronous backend holds no resources that
// need releasing beyond what the garbage collector already reclaims.
func (e *SyncEngine) Close() error { return nil }

// ---- asynchronous session backend ---------------------------------------

// sessionLimiter is the global in-flight counter + lock + wait queue of
// spec.md §4.2 and §5 ("The global in-flight counter for the async
// backend: protected by a spinlock ... with waiters on a wait queue").
// golang.org/x/sync/semaphore.Weighted is the direct Go analog of that
// counter-plus-waitqueue pair: Acquire blocks a submitter while the
// backend is at capacity, Release wakes the next waiter, exactly the
// busy-retry protocol the kernel source implements by hand.
type sessionLimiter struct {
	sem *semaphore.Weighted
}

func newSessionLimiter(max int) *sessionLimiter {
	return &sessionLimiter{sem: semaphore.NewWeighted(int64(max))}
}

// acquire blocks while the in-flight count is at capacity ("busy"), then
// reserves a slot.
func (l *sessionLimiter) acquire() {
	_ = l.sem.Acquire(context.Background(), 1)
}

// release frees a slot and wakes any waiter.
func (l *sessionLimiter) release() {
	l.sem.Release(1)
}

// maxInFlightDefault bounds concurrent outstanding offload requests. The
// kernel source has no fixed constant here either; it is governed by the
// crypto driver's own queue depth. We pick a generous default that still
// exercises backpressure under test with a small override.
const maxInFlightDefault = 256

// AsyncEngine simulates a session-based crypto offload engine: algorithm,
// key and IV travel with each request, completion runs via callback from a
// worker goroutine rather than the submitting goroutine (spec.md §4.2).
// CBC over aes, des or des3 is the only algorithm set the async backend
// accepts, matching the core's declared scope.
type AsyncEngine struct {
	cipherName string
	block      cipher.Block
	limiter    *sessionLimiter
	closed     int32
	// FaultSector, when non-negative, makes the simulated offload engine
	// fail every conversion of that absolute sector number. This exists
	// purely so tests can exercise the 30-second write barrier and the
	// async-read error-propagation path deterministically (spec.md §8,
	// "Async write with one sector deliberately failed").
	FaultSector int64
}

// NewAsyncCBC builds an asynchronous session backend restricted to the
// CBC-chained algorithms spec.md §4.2 names.
func NewAsyncCBC(cipherName string, key []byte, maxInFlight int) (*AsyncEngine, error) {
	switch cipherName {
	case "aes", "des", "des3":
	default:
		return nil, fmt.Errorf("cipherengine: async backend only supports aes/des/des3-cbc, got %q", cipherName)
	}
	block, err := blockcipher.New(cipherName, key)
	if err != nil {
		return nil, dmerr.Wrap("cipherengine: async cbc setup", dmerr.Errno(dmerr.ErrUnknownCipher), err)
	}
	if maxInFlight <= 0 {
		maxInFlight = maxInFlightDefault
	}
	return &AsyncEngine{
		cipherName:  cipherName,
		block:       block,
		limiter:     newSessionLimiter(maxInFlight),
		FaultSector: -1,
	}, nil
}

// ConvertSector implements Engine. It queues the sector for processing on a
// worker goroutine and returns immediately; completer.Complete reports the
// eventual outcome. Submission itself blocks only long enough to acquire a
// session slot under the busy-retry protocol of spec.md §4.2.
func (e *AsyncEngine) ConvertSector(dst, src []byte, dir bio.Direction, iv []byte, sector uint64, completer Completer) error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return fmt.Errorf("cipherengine: async engine is closed")
	}
	// Buffer rule (spec.md §4.2): destination and source must be distinct
	// for encryption; a write with identical src/dst is copied before
	// dispatch so the simulated hardware never aliases its own input.
	if dir == bio.Write && &dst[0] == &src[0] {
		tmp := make([]byte, len(src))
		copy(tmp, src)
		src = tmp
	}
	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)

	e.limiter.acquire()
	go func() {
		defer e.limiter.release()
		var err error
		if int64(sector) == e.FaultSector {
			err = fmt.Errorf("cipherengine: simulated offload failure at sector %d", sector)
		} else {
			var bm cipher.BlockMode
			if dir == bio.Write {
				bm = cipher.NewCBCEncrypter(e.block, ivCopy)
			} else {
				bm = cipher.NewCBCDecrypter(e.block, ivCopy)
			}
			bm.CryptBlocks(dst, src)
		}
		if completer != nil {
			completer.Complete(err)
		}
	}()
	return nil
}

// Close implements Engine. It marks the session closed; in-flight requests
// still drain normally, matching a real offload session teardown that
// waits for outstanding completions rather than cancelling them.
func (e *AsyncEngine) Close() error {
	atomic.StoreInt32(&e.closed, 1)
	return nil
}

// WriteBarrier is the per-conversion-call private structure of spec.md
// §4.2: "(pending count, completed count, wait queue)". The writing
// conversion submits every sector then blocks on this barrier until
// completed == pending or the 30-second timeout elapses.
//
// Unlike the kernel source (see spec.md §9 Open Questions), a timeout here
// is treated as a fatal, reconciled error: Await reports exactly how many
// sectors never completed instead of silently leaving the pending counter
// non-zero, so the owning RLO is guaranteed to be released.
type WriteBarrier struct {
	pending   int64
	completed int64
	firstErr  atomic.Value // error
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriteBarrier creates a barrier for "pending" outstanding sectors.
func NewWriteBarrier(pending int) *WriteBarrier {
	return &WriteBarrier{pending: int64(pending), done: make(chan struct{})}
}

// Complete implements Completer; pass this (or a sub-sector wrapper) as the
// completer for every sector submitted through the barrier.
func (w *WriteBarrier) Complete(err error) {
	if err != nil {
		w.firstErr.CompareAndSwap(nil, err)
	}
	c := atomic.AddInt64(&w.completed, 1)
	if c == atomic.LoadInt64(&w.pending) {
		w.closeOnce.Do(func() { close(w.done) })
	}
}

// Await blocks until every submitted sector has completed or timeout
// elapses. A timeout reconciles the counters by reporting how many
// sectors are missing rather than returning successfully with stragglers
// still outstanding.
func (w *WriteBarrier) Await(timeout time.Duration) error {
	select {
	case <-w.done:
		if v := w.firstErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	case <-time.After(timeout):
		missing := atomic.LoadInt64(&w.pending) - atomic.LoadInt64(&w.completed)
		tlog.Warn.Printf("cipherengine: async write barrier timed out with %d/%d sectors outstanding",
			missing, w.pending)
		return fmt.Errorf("%w: %d of %d sectors never completed", dmerr.ErrAsyncTimeout, missing, w.pending)
	}
}
