package advisor

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestKeyringRoundTrip(t *testing.T) {
	k, err := NewKeyring([]byte("master"), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	secret := []byte("sk-test-12345")
	original := append([]byte(nil), secret...)
	if err := k.Add(ProviderOpenAI, secret); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The caller's buffer must be wiped by Add.
	if !bytes.Equal(secret, make([]byte, len(secret))) {
		t.Errorf("plaintext buffer not zeroed after Add: %q", secret)
	}

	idx, plain, err := k.checkout(ProviderOpenAI)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if idx != 0 {
		t.Errorf("checkout idx = %d, want 0", idx)
	}
	if !bytes.Equal(plain, original) {
		t.Errorf("checkout returned %q, want %q", plain, original)
	}
}

func TestKeyringRejectsBadInput(t *testing.T) {
	if _, err := NewKeyring(nil, nil); err == nil {
		t.Error("expected error for empty master key")
	}

	k, err := NewKeyring([]byte("master"), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if err := k.Add(Provider("nonsense"), []byte("key")); err == nil {
		t.Error("expected error for unknown provider")
	}
	if err := k.Add(ProviderOpenAI, nil); err == nil {
		t.Error("expected error for empty key")
	}
	if _, _, err := k.checkout(ProviderDeepseek); err == nil {
		t.Error("expected error for provider with no keys")
	}
}

func TestKeyringCooldownSkipsKey(t *testing.T) {
	k, err := NewKeyring([]byte("master"), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	if err := k.Add(ProviderRequesty, []byte("only-key")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	idx, _, err := k.checkout(ProviderRequesty)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	k.markError(ProviderRequesty, idx, 60*time.Second)

	if _, _, err := k.checkout(ProviderRequesty); err == nil {
		t.Fatal("expected checkout to fail while key cools down")
	}

	// Past the cooldown the key is usable again.
	now = now.Add(61 * time.Second)
	if _, _, err := k.checkout(ProviderRequesty); err != nil {
		t.Fatalf("checkout after cooldown: %v", err)
	}
}

func TestKeyringAADBindsProvider(t *testing.T) {
	k, err := NewKeyring([]byte("master"), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if err := k.Add(ProviderOpenAI, []byte("sk-abc")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Re-homing a sealed key under another provider must fail to open.
	k.keys[ProviderDeepseek] = k.keys[ProviderOpenAI]
	if _, _, err := k.checkout(ProviderDeepseek); err == nil {
		t.Error("expected unseal failure for mismatched provider")
	}
}
