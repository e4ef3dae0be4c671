// Package cipher implements the StreamingCipher component: symmetric stream
// encryption/decryption of datagram payloads with a bounded cache of keyed
// cipher contexts. Grounded on the standard library's crypto/aes +
// crypto/cipher CTR mode — no third-party example in the retrieval pack
// wraps a stream cipher, and Go's crypto/cipher is the idiomatic, audited
// primitive for this (see DESIGN.md).
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"
)

// Algorithm identifies a supported stream cipher mode.
type Algorithm string

// AES128CTR is the only algorithm the datagram transport currently speaks:
// AES-128 in counter mode, keyed by the session's 16-byte symmetric key and
// IV'd by the 16-byte datagram header.
const AES128CTR Algorithm = "aes-128-ctr"

// CacheBound is the maximum number of keyed contexts retained per direction
// before oldest-inserted eviction kicks in (spec.md §3 invariant).
const CacheBound = 20

var (
	// ErrUnsupportedAlgorithm is returned for any Algorithm other than AES128CTR.
	ErrUnsupportedAlgorithm = errors.New("cipher: unsupported algorithm")
	// ErrInvalidKeyLength is returned when key is not exactly 16 bytes.
	ErrInvalidKeyLength = errors.New("cipher: key must be 16 bytes")
	// ErrInvalidIVLength is returned when iv is not exactly 16 bytes.
	ErrInvalidIVLength = errors.New("cipher: iv must be 16 bytes")
	// ErrInvalidCiphertext marks a ciphertext the cipher mode itself judged
	// malformed. AES-CTR carries no integrity tag, so in practice this is
	// only raised for structurally invalid input (e.g. empty ciphertext);
	// silent corruption is the caller's responsibility to detect.
	ErrInvalidCiphertext = errors.New("cipher: invalid ciphertext")
)

type cacheKey struct {
	algo Algorithm
	key  string
	iv   string
}

// StreamingCipher caches AES blocks keyed by (algorithm, key, iv) per
// direction so repeated encrypt/decrypt calls with the same (algorithm, key,
// iv) don't re-run AES key expansion; a call with a new iv (every new
// per-packet header) misses the cache. Every Encrypt/Decrypt call still builds a
// fresh CTR keystream from byte 0 off the cached block, so reuse of a cache
// entry is always cryptographically correct regardless of call count.
type StreamingCipher struct {
	mu sync.Mutex

	encryptBlocks map[cacheKey]cipher.Block
	encryptOrder  []cacheKey
	decryptBlocks map[cacheKey]cipher.Block
	decryptOrder  []cacheKey
}

// New constructs an empty StreamingCipher.
func New() *StreamingCipher {
	return &StreamingCipher{
		encryptBlocks: make(map[cacheKey]cipher.Block),
		decryptBlocks: make(map[cacheKey]cipher.Block),
	}
}

// Encrypt XORs data with the AES-CTR keystream derived from (algo, key, iv).
func (s *StreamingCipher) Encrypt(data []byte, algo Algorithm, key, iv []byte) ([]byte, error) {
	return s.transform(data, algo, key, iv, &s.encryptBlocks, &s.encryptOrder)
}

// Decrypt XORs data with the AES-CTR keystream derived from (algo, key, iv).
// AES-CTR is an involution: Decrypt(Encrypt(p)) == p for the same (key, iv).
func (s *StreamingCipher) Decrypt(data []byte, algo Algorithm, key, iv []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidCiphertext
	}
	return s.transform(data, algo, key, iv, &s.decryptBlocks, &s.decryptOrder)
}

func (s *StreamingCipher) transform(data []byte, algo Algorithm, key, iv []byte,
	cache *map[cacheKey]cipher.Block, order *[]cacheKey) ([]byte, error) {

	if algo != AES128CTR {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
	if len(key) != 16 {
		return nil, ErrInvalidKeyLength
	}
	if len(iv) != 16 {
		return nil, ErrInvalidIVLength
	}

	block, err := s.getOrCreateBlock(algo, key, iv, cache, order)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out, data)
	return out, nil
}

func (s *StreamingCipher) getOrCreateBlock(algo Algorithm, key, iv []byte,
	cache *map[cacheKey]cipher.Block, order *[]cacheKey) (cipher.Block, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	ck := cacheKey{algo: algo, key: string(key), iv: string(iv)}
	if block, ok := (*cache)[ck]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: aes.NewCipher: %w", err)
	}

	if len(*order) >= CacheBound {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(*cache, oldest)
	}
	(*cache)[ck] = block
	*order = append(*order, ck)

	return block, nil
}

// ClearCache empties both the encrypt and decrypt caches.
func (s *StreamingCipher) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptBlocks = make(map[cacheKey]cipher.Block)
	s.encryptOrder = nil
	s.decryptBlocks = make(map[cacheKey]cipher.Block)
	s.decryptOrder = nil
}

// CacheSizes reports the current (encrypt, decrypt) cache entry counts, used
// by tests asserting the bounded-cache invariant.
func (s *StreamingCipher) CacheSizes() (encrypt, decrypt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.encryptBlocks), len(s.decryptBlocks)
}
