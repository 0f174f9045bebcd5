package advisor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantshed/orchestrator/pkg/types"
)

// Every outbound provider call must charge the limiter, not just each
// Advise. With a two-token budget and no refill, a failing sweep gets
// exactly two requests out before the third blocks.
func TestAdviseChargesLimiterPerCall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.CallTimeout = 2 * time.Second
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.KeyCooldown = 0 // keys come straight back so the sweep keeps calling

	k, err := NewKeyring([]byte("test-master"), rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	for _, p := range []Provider{ProviderRequesty, ProviderDeepseek} {
		if err := k.Add(p, []byte("sk-"+string(p))); err != nil {
			t.Fatalf("Add %s: %v", p, err)
		}
	}

	g := NewGateway(zap.NewNop(), cfg, k, nil)
	g.SetEndpoint(ProviderRequesty, srv.URL)
	g.SetEndpoint(ProviderDeepseek, srv.URL)
	g.limiter = rate.NewLimiter(rate.Every(time.Hour), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = g.Advise(ctx, "outlook for AAPL")
	if err == nil || errors.Is(err, types.ErrProvidersExhausted) {
		t.Fatalf("got %v, want a rate limiter error before exhaustion", err)
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hit %d times, want 2 (one per budget token)", hits.Load())
	}
}
