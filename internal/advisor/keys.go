package advisor

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantshed/orchestrator/pkg/types"
)

// apiKey is one credential for a provider. The key material is held
// encrypted; plaintext only exists inside the decrypt-use span of a call.
type apiKey struct {
	sealed           []byte // nonce || ciphertext
	lastUsed         time.Time
	errorCount       int
	rateLimitedUntil time.Time
}

// Keyring stores provider API keys encrypted under a process master key
// using an authenticated cipher. It is constructed and injected, never a
// package-level singleton.
type Keyring struct {
	mu   sync.Mutex
	aead cipher.AEAD
	keys map[Provider][]*apiKey
	rng  *rand.Rand
	now  func() time.Time
}

// NewKeyring derives the sealing key from masterKey. The master key can be
// any non-empty secret; it is stretched to cipher size with SHA-256.
func NewKeyring(masterKey []byte, rng *rand.Rand) (*Keyring, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("empty master key")
	}
	sum := sha256.Sum256(masterKey)
	aead, err := chacha20poly1305.NewX(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Keyring{
		aead: aead,
		keys: make(map[Provider][]*apiKey),
		rng:  rng,
		now:  time.Now,
	}, nil
}

// Add encrypts and stores one key for a provider. The caller's plaintext
// buffer is zeroed before Add returns.
func (k *Keyring) Add(p Provider, plaintext []byte) error {
	if !p.Known() {
		return fmt.Errorf("unknown provider %q", p)
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("empty key for provider %q", p)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	nonce := make([]byte, k.aead.NonceSize())
	for i := range nonce {
		nonce[i] = byte(k.rng.Intn(256))
	}
	sealed := k.aead.Seal(nonce, nonce, plaintext, []byte(p))
	zero(plaintext)

	k.keys[p] = append(k.keys[p], &apiKey{sealed: sealed})
	return nil
}

// Len returns the number of keys held for a provider.
func (k *Keyring) Len(p Provider) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys[p])
}

// checkout picks a usable key for the provider: indices are shuffled and
// the first key whose cooldown has passed wins. The returned plaintext
// must be handed back through zero() by the caller as soon as the request
// headers are built.
func (k *Keyring) checkout(p Provider) (int, []byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := k.keys[p]
	if len(keys) == 0 {
		return -1, nil, fmt.Errorf("no keys for provider %q", p)
	}

	order := k.rng.Perm(len(keys))
	now := k.now()
	for _, i := range order {
		if keys[i].rateLimitedUntil.After(now) {
			continue
		}
		nonceSize := k.aead.NonceSize()
		if len(keys[i].sealed) < nonceSize {
			return -1, nil, fmt.Errorf("corrupt sealed key for provider %q", p)
		}
		nonce, ct := keys[i].sealed[:nonceSize], keys[i].sealed[nonceSize:]
		plain, err := k.aead.Open(nil, nonce, ct, []byte(p))
		if err != nil {
			return -1, nil, fmt.Errorf("unseal key for provider %q: %w", p, err)
		}
		keys[i].lastUsed = now
		return i, plain, nil
	}
	return -1, nil, fmt.Errorf("provider %q: %w", p, types.ErrRateLimited)
}

// markError records a failed call on the key and rate-limits it.
func (k *Keyring) markError(p Provider, idx int, cooldown time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := k.keys[p]
	if idx < 0 || idx >= len(keys) {
		return
	}
	keys[idx].errorCount++
	keys[idx].rateLimitedUntil = k.now().Add(cooldown)
}

// markSuccess clears the error streak on a key.
func (k *Keyring) markSuccess(p Provider, idx int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := k.keys[p]
	if idx < 0 || idx >= len(keys) {
		return
	}
	keys[idx].errorCount = 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
