package strategy_test

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/advisor"
	"github.com/quantshed/orchestrator/internal/strategy"
	"github.com/quantshed/orchestrator/pkg/types"
)

func advisorGateway(t *testing.T, body string) *advisor.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	keyring, err := advisor.NewKeyring([]byte("master"), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if err := keyring.Add(advisor.ProviderOpenAI, []byte("sk-test")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg := advisor.DefaultConfig()
	cfg.CallsPerMinute = 600
	cfg.BackoffBase = time.Millisecond
	g := advisor.NewGateway(zap.NewNop(), cfg, keyring, nil)
	g.SetEndpoint(advisor.ProviderOpenAI, srv.URL)
	return g
}

func TestAdvisorStrategyMapsRecommendations(t *testing.T) {
	body := `{"choices":[{"message":{"content":"[` +
		`{\"symbol\":\"AAPL\",\"decision\":\"BUY\",\"confidence\":0.7,\"reasoning\":\"strong demand\",\"price_target\":210.5},` +
		`{\"symbol\":\"XXXX\",\"decision\":\"sell\",\"confidence\":0.9}` +
		`]"}}]}`
	s := strategy.NewAdvisorStrategy(zap.NewNop(), advisorGateway(t, body))

	view := viewFor(trendBars(25, 100, 0.5))
	signals, err := s.Generate(context.Background(), view)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// XXXX is not in the view and must be dropped.
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1: %+v", len(signals), signals)
	}
	sig := signals[0]
	if sig.Symbol != "AAPL" || sig.Kind != types.SignalBuy || sig.Confidence != 0.7 {
		t.Errorf("unexpected signal %+v", sig)
	}
	if sig.Source != "advisor" {
		t.Errorf("Source = %q, want advisor", sig.Source)
	}
	if sig.Meta["reasoning"] != "strong demand" {
		t.Errorf("Meta reasoning = %q", sig.Meta["reasoning"])
	}
	if sig.Meta["price_target"] != "210.50" {
		t.Errorf("Meta price_target = %q, want 210.50", sig.Meta["price_target"])
	}
}

func TestAdvisorStrategyPropagatesGatewayErrors(t *testing.T) {
	s := strategy.NewAdvisorStrategy(zap.NewNop(), advisorGateway(t, `{"choices":[]}`))

	view := viewFor(trendBars(25, 100, 0.5))
	if _, err := s.Generate(context.Background(), view); err == nil {
		t.Fatal("expected gateway error to propagate")
	}
}

func TestAdvisorStrategyEmptyView(t *testing.T) {
	s := strategy.NewAdvisorStrategy(zap.NewNop(), advisorGateway(t, `{}`))
	signals, err := s.Generate(context.Background(), strategy.MarketView{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if signals != nil {
		t.Errorf("got %+v, want nil for an empty view", signals)
	}
}
