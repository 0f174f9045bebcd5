// Package advisor implements the AI advisor gateway: provider failover,
// encrypted key management, response caching and global rate limiting.
package advisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/pkg/types"
)

// Config controls gateway behavior.
type Config struct {
	Models         map[Provider]string `json:"models"`
	MaxAttempts    int                 `json:"maxAttempts"`
	CallTimeout    time.Duration       `json:"callTimeout"`
	BackoffBase    time.Duration       `json:"backoffBase"`
	BackoffMax     time.Duration       `json:"backoffMax"`
	CallsPerMinute int                 `json:"callsPerMinute"`
	KeyCooldown    time.Duration       `json:"keyCooldown"`
	CacheTTL       time.Duration       `json:"cacheTTL"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Models:         map[Provider]string{},
		MaxAttempts:    3,
		CallTimeout:    10 * time.Second,
		BackoffBase:    4 * time.Second,
		BackoffMax:     10 * time.Second,
		CallsPerMinute: 60,
		KeyCooldown:    60 * time.Second,
		CacheTTL:       15 * time.Minute,
	}
}

// Gateway fans a prompt out to AI providers in priority order, caching
// responses and respecting a global call budget.
type Gateway struct {
	logger    *zap.Logger
	cfg       Config
	http      *resty.Client
	keyring   *Keyring
	limiter   *rate.Limiter
	cache     *gocache.Cache
	metrics   *metrics.Metrics
	endpoints map[Provider]string
}

// NewGateway builds a gateway around an existing keyring.
func NewGateway(logger *zap.Logger, cfg Config, keyring *Keyring, m *metrics.Metrics) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 60
	}
	client := resty.New().
		SetTimeout(cfg.CallTimeout).
		SetHeader("Content-Type", "application/json")

	return &Gateway{
		logger:    logger.Named("advisor"),
		cfg:       cfg,
		http:      client,
		keyring:   keyring,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.CallsPerMinute)), cfg.CallsPerMinute),
		cache:     gocache.New(cfg.CacheTTL, 5*time.Minute),
		metrics:   m,
		endpoints: make(map[Provider]string),
	}
}

// SetEndpoint overrides a provider's base URL. Used for self-hosted
// gateways and tests.
func (g *Gateway) SetEndpoint(p Provider, baseURL string) {
	g.endpoints[p] = baseURL
}

func (g *Gateway) endpoint(p Provider) string {
	if url, ok := g.endpoints[p]; ok {
		return url
	}
	return p.BaseURL()
}

// Advise sends a prompt through the provider chain in default order and
// returns validated recommendations. Identical prompts within the cache TTL
// are served from cache without touching the rate limiter or any provider.
func (g *Gateway) Advise(ctx context.Context, prompt string) ([]Recommendation, error) {
	return g.advise(ctx, "", prompt)
}

// AdviseWith pins a preferred provider: it is tried first, the remaining
// providers follow in default order.
func (g *Gateway) AdviseWith(ctx context.Context, preferred Provider, prompt string) ([]Recommendation, error) {
	return g.advise(ctx, preferred, prompt)
}

func (g *Gateway) advise(ctx context.Context, preferred Provider, prompt string) ([]Recommendation, error) {
	sum := sha256.Sum256([]byte(string(preferred) + "\x00" + prompt))
	cacheKey := hex.EncodeToString(sum[:])

	if v, ok := g.cache.Get(cacheKey); ok {
		g.metrics.AdvisorCacheHit()
		return v.([]Recommendation), nil
	}

	order := providerOrder
	if preferred != "" {
		order = make([]Provider, 0, len(providerOrder))
		order = append(order, preferred)
		for _, p := range providerOrder {
			if p != preferred {
				order = append(order, p)
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		for _, p := range order {
			if g.keyring.Len(p) == 0 {
				continue
			}
			idx, secret, err := g.keyring.checkout(p)
			if err != nil {
				lastErr = err
				continue
			}
			// The call budget is on outbound requests, so every provider
			// attempt charges the limiter.
			if err := g.limiter.Wait(ctx); err != nil {
				zero(secret)
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
			recs, err := g.call(ctx, p, secret, prompt)
			if err != nil {
				if errors.Is(err, types.ErrInvalidAdvice) {
					// A schema failure is not transient; the key is fine,
					// the model answered off-format. No failover.
					g.keyring.markSuccess(p, idx)
					g.metrics.AdvisorCall(string(p), "invalid")
					return nil, err
				}
				g.keyring.markError(p, idx, g.cfg.KeyCooldown)
				g.metrics.AdvisorCall(string(p), "error")
				g.logger.Warn("advisor call failed",
					zap.String("provider", string(p)),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				lastErr = err
				continue
			}
			g.keyring.markSuccess(p, idx)
			g.metrics.AdvisorCall(string(p), "ok")
			g.cache.Set(cacheKey, recs, gocache.DefaultExpiration)
			return recs, nil
		}
	}
	return nil, fmt.Errorf("%w: last error: %v", types.ErrProvidersExhausted, lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// call performs one provider request. The secret is zeroed as soon as the
// request has been sent, success or not.
func (g *Gateway) call(ctx context.Context, p Provider, secret []byte, prompt string) ([]Recommendation, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	model := g.cfg.Models[p]
	if model == "" {
		model = p.DefaultModel()
	}

	req := g.http.R().
		SetContext(cctx).
		SetHeader("Authorization", "Bearer "+string(secret)).
		SetBody(chatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: 0.2,
		})
	zero(secret)

	resp, err := req.Post(g.endpoint(p) + "/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p, err)
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider %s: %w", p, types.ErrRateLimited)
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("provider %s: status %d", p, resp.StatusCode())
	}
	return parseAdvice(resp.Body())
}

func (g *Gateway) backoff(ctx context.Context, attempt int) error {
	d := g.cfg.BackoffBase << (attempt - 1)
	if d > g.cfg.BackoffMax {
		d = g.cfg.BackoffMax
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
