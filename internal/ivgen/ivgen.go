// Package ivgen implements the IV Generator family of spec.md §4.1: pure
// functions, keyed once at target construction, that derive a per-sector
// initialization vector from a sector number.
//
// The teacher has no direct analog (gocryptfs derives its GCM nonce from a
// random prefetch pool, internal/cryptocore/nonce.go, since AEAD nonces
// must never repeat) — sector IVs here are deliberately deterministic, the
// opposite property, so this package is grounded on spec.md §4.1 itself
// and on the chaining-mode reference files in the retrieval pack
// (kubernetes-kubernetes xts.go's tweak-from-sector-number construction,
// lightningnetwork-lnd modes.go's raw cipher.Block usage). The dispatch
// shape - a tagged variant with a generator function dispatching on it -
// follows the design note in spec.md §9.
package ivgen

import (
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math/bits"

	"github.com/dm-crypt-go/dmcrypt/internal/blockcipher"
)

// Generator derives a per-sector IV. Implementations are safe for
// concurrent use by multiple goroutines (required: the Worker Queue runs
// many sectors, possibly from many bios, concurrently).
type Generator interface {
	// Generate writes exactly len(iv) bytes into iv, derived from sector.
	Generate(iv []byte, sector uint64) error
	// Mode names the ivmode string this generator implements.
	Mode() string
}

// Plain is the default IV generator: the low 32 bits of the sector number,
// little-endian, in the first 4 bytes; the rest of the IV is zero.
type Plain struct{}

// NewPlain returns the "plain" IV generator. It never fails to construct.
func NewPlain() *Plain { return &Plain{} }

// Mode implements Generator.
func (p *Plain) Mode() string { return "plain" }

// Generate implements Generator.
func (p *Plain) Generate(iv []byte, sector uint64) error {
	for i := range iv {
		iv[i] = 0
	}
	if len(iv) < 4 {
		return fmt.Errorf("ivgen: plain needs at least 4 bytes of IV, got %d", len(iv))
	}
	binary.LittleEndian.PutUint32(iv[:4], uint32(sector))
	return nil
}

// Null always yields an all-zero IV. It exists solely for on-disk
// compatibility with a legacy format (spec.md §4.1); new targets should
// never choose it except deliberately.
type Null struct{}

// NewNull returns the "null" IV generator.
func NewNull() *Null { return &Null{} }

// Mode implements Generator.
func (n *Null) Mode() string { return "null" }

// Generate implements Generator.
func (n *Null) Generate(iv []byte, sector uint64) error {
	for i := range iv {
		iv[i] = 0
	}
	return nil
}

// Benbi (Big-ENdian Narrow-BIock index) generates a big-endian counter IV
// seeded from the sector number, for chaining modes that treat sub-sector
// blocks as independently-tweaked units.
type Benbi struct {
	shift uint
}

// NewBenbi computes the shift s = 9 - log2(cipherBlockSize) and returns a
// Benbi generator. It fails if cipherBlockSize is not a power of two or
// exceeds 512, per spec.md §4.1.
func NewBenbi(cipherBlockSize int) (*Benbi, error) {
	if cipherBlockSize <= 0 || cipherBlockSize > 512 || cipherBlockSize&(cipherBlockSize-1) != 0 {
		return nil, fmt.Errorf("ivgen: benbi needs a power-of-two cipher block size <= 512, got %d", cipherBlockSize)
	}
	log2 := bits.TrailingZeros(uint(cipherBlockSize))
	if 9 < log2 {
		return nil, fmt.Errorf("ivgen: benbi cipher block size %d is larger than a sector", cipherBlockSize)
	}
	return &Benbi{shift: uint(9 - log2)}, nil
}

// Mode implements Generator.
func (b *Benbi) Mode() string { return "benbi" }

// Generate implements Generator.
func (b *Benbi) Generate(iv []byte, sector uint64) error {
	for i := range iv {
		iv[i] = 0
	}
	if len(iv) < 8 {
		return fmt.Errorf("ivgen: benbi needs at least 8 bytes of IV, got %d", len(iv))
	}
	val := (sector << b.shift) + 1
	binary.BigEndian.PutUint64(iv[len(iv)-8:], val)
	return nil
}

// Essiv (Encrypted Sector|Salt IV) derives the IV by encrypting the sector
// number, under a single-block cipher keyed with a hash of the target's
// data key. This defeats watermarking attacks that plain IVs are
// vulnerable to, since the IV itself becomes a keyed function of the
// sector (spec.md §4.1).
type Essiv struct {
	cipher cipher.Block
}

// hashByName resolves an essiv ":hashname" option to a hash.Hash
// constructor, the way the teacher resolves "sha256" for HKDF in
// internal/cryptocore/hkdf.go.
func hashByName(name string) (func() hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, fmt.Errorf("ivgen: unknown essiv hash %q", name)
	}
}

// NewEssiv builds the essiv generator. cipherName is the base cipher (e.g.
// "aes"); hashName and key come from the target's ":hashname" ivopt and
// data key respectively. Construction fails if the hash is unknown, if the
// essiv cipher's block size differs from ivSize, or if the derived salt
// cannot key the cipher (spec.md §4.1).
func NewEssiv(cipherName, hashName string, key []byte, ivSize int) (*Essiv, error) {
	newHash, err := hashByName(hashName)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(key)
	salt := h.Sum(nil)

	blockSize, err := blockcipher.BlockSize(cipherName)
	if err != nil {
		return nil, err
	}
	if blockSize != ivSize {
		return nil, fmt.Errorf("ivgen: essiv cipher block size %d does not match IV size %d", blockSize, ivSize)
	}

	// Most block ciphers need a key of a specific length; pad or truncate
	// a salt that doesn't fit the cipher's accepted key sizes.
	saltKey, err := fitKey(cipherName, salt)
	if err != nil {
		return nil, err
	}
	c, err := blockcipher.New(cipherName, saltKey)
	if err != nil {
		return nil, fmt.Errorf("ivgen: essiv could not key salt cipher: %w", err)
	}
	return &Essiv{cipher: c}, nil
}

// fitKey adapts a hash digest to a key length the named cipher accepts.
// AES accepts 16/24/32; we use the digest as-is when its length already
// matches, which covers the common sha256-with-aes-256 pairing (32 bytes).
func fitKey(cipherName string, salt []byte) ([]byte, error) {
	switch cipherName {
	case "aes":
		switch len(salt) {
		case 16, 24, 32:
			return salt, nil
		default:
			// Truncate a longer digest to 32 bytes, or zero-pad a shorter
			// one; AES-256 is the conservative default.
			out := make([]byte, 32)
			copy(out, salt)
			return out, nil
		}
	case "des":
		out := make([]byte, 8)
		copy(out, salt)
		return out, nil
	case "des3":
		out := make([]byte, 24)
		copy(out, salt)
		return out, nil
	default:
		return salt, nil
	}
}

// Mode implements Generator.
func (e *Essiv) Mode() string { return "essiv" }

// Generate implements Generator.
func (e *Essiv) Generate(iv []byte, sector uint64) error {
	for i := range iv {
		iv[i] = 0
	}
	if len(iv) < 8 {
		return fmt.Errorf("ivgen: essiv needs at least 8 bytes of IV, got %d", len(iv))
	}
	binary.LittleEndian.PutUint64(iv[:8], sector)
	if len(iv) != e.cipher.BlockSize() {
		return fmt.Errorf("ivgen: essiv IV length %d does not match cipher block size %d", len(iv), e.cipher.BlockSize())
	}
	e.cipher.Encrypt(iv, iv)
	return nil
}
