package advisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantshed/orchestrator/pkg/types"
)

// chatResponse is the chat-completion envelope every supported provider
// returns.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Recommendation is one advisor trade recommendation. Symbol, Decision and
// Confidence are required; the rest travels into Signal.Meta.
type Recommendation struct {
	Symbol            string  `json:"symbol"`
	Decision          string  `json:"decision"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning,omitempty"`
	PriceTarget       float64 `json:"price_target,omitempty"`
	SuggestedQuantity float64 `json:"suggested_quantity,omitempty"`
}

// adviceEnvelope is the object shape the prompt asks for. Some models
// answer with a bare array instead; both are accepted.
type adviceEnvelope struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// parseAdvice extracts recommendations from a raw provider response body.
// A structurally unusable payload maps to ErrInvalidAdvice; an item missing
// symbol, decision or confidence drops that item, not the batch.
func parseAdvice(body []byte) ([]Recommendation, error) {
	var envelope chatResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", types.ErrInvalidAdvice, err)
	}
	if len(envelope.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", types.ErrInvalidAdvice)
	}

	content := stripFences(envelope.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", types.ErrInvalidAdvice)
	}

	var recs []Recommendation
	var wrapped adviceEnvelope
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Recommendations != nil {
		recs = wrapped.Recommendations
	} else if err := json.Unmarshal([]byte(content), &recs); err != nil {
		return nil, fmt.Errorf("%w: content is not a recommendation payload: %v", types.ErrInvalidAdvice, err)
	}

	valid := make([]Recommendation, 0, len(recs))
	for _, r := range recs {
		if r.Symbol == "" {
			continue
		}
		if _, ok := types.ParseSignalKind(strings.ToLower(r.Decision)); !ok {
			continue
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
