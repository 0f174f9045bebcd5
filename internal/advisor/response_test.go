package advisor

import (
	"errors"
	"testing"

	"github.com/quantshed/orchestrator/pkg/types"
)

func envelope(content string) []byte {
	return []byte(`{"choices":[{"message":{"content":` + content + `}}]}`)
}

func TestParseAdvice(t *testing.T) {
	body := envelope(`"[{\"symbol\":\"AAPL\",\"decision\":\"buy\",\"confidence\":0.8,\"reasoning\":\"momentum\"}]"`)
	recs, err := parseAdvice(body)
	if err != nil {
		t.Fatalf("parseAdvice: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d recommendations, want 1", len(recs))
	}
	if recs[0].Symbol != "AAPL" || recs[0].Decision != "buy" || recs[0].Confidence != 0.8 {
		t.Errorf("unexpected recommendation: %+v", recs[0])
	}
}

func TestParseAdviceStripsFences(t *testing.T) {
	body := envelope(`"` + "```json\\n[{\\\"symbol\\\":\\\"MSFT\\\",\\\"decision\\\":\\\"hold\\\",\\\"confidence\\\":0.5}]\\n```" + `"`)
	recs, err := parseAdvice(body)
	if err != nil {
		t.Fatalf("parseAdvice: %v", err)
	}
	if len(recs) != 1 || recs[0].Symbol != "MSFT" {
		t.Errorf("unexpected recommendations: %+v", recs)
	}
}

func TestParseAdviceRecommendationsObject(t *testing.T) {
	body := envelope(`"{\"recommendations\":[{\"symbol\":\"AAPL\",\"decision\":\"buy\",\"confidence\":0.8},{\"decision\":\"sell\",\"confidence\":0.6}]}"`)
	recs, err := parseAdvice(body)
	if err != nil {
		t.Fatalf("parseAdvice: %v", err)
	}
	// The symbol-less item is dropped; the valid one survives.
	if len(recs) != 1 || recs[0].Symbol != "AAPL" || recs[0].Decision != "buy" {
		t.Fatalf("unexpected recommendations: %+v", recs)
	}
}

func TestParseAdviceDropsInvalidItems(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing symbol", `"[{\"decision\":\"buy\",\"confidence\":0.8},{\"symbol\":\"AAPL\",\"decision\":\"buy\",\"confidence\":0.8}]"`},
		{"bad decision", `"[{\"symbol\":\"TSLA\",\"decision\":\"yolo\",\"confidence\":0.8},{\"symbol\":\"AAPL\",\"decision\":\"buy\",\"confidence\":0.8}]"`},
		{"confidence out of range", `"[{\"symbol\":\"TSLA\",\"decision\":\"buy\",\"confidence\":1.4},{\"symbol\":\"AAPL\",\"decision\":\"buy\",\"confidence\":0.8}]"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := parseAdvice(envelope(tc.content))
			if err != nil {
				t.Fatalf("parseAdvice: %v", err)
			}
			if len(recs) != 1 || recs[0].Symbol != "AAPL" {
				t.Errorf("unexpected recommendations: %+v", recs)
			}
		})
	}
}

func TestParseAdviceRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"bad envelope", []byte(`{not json`)},
		{"no choices", []byte(`{"choices":[]}`)},
		{"empty content", envelope(`""`)},
		{"object without recommendations", envelope(`"{\"symbol\":\"AAPL\"}"`)},
		{"not json content", envelope(`"I cannot advise on that."`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAdvice(tc.body)
			if !errors.Is(err, types.ErrInvalidAdvice) {
				t.Errorf("got %v, want ErrInvalidAdvice", err)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	if got := stripFences("```json\n[1]\n```"); got != "[1]" {
		t.Errorf("stripFences = %q, want %q", got, "[1]")
	}
	if got := stripFences("  [2] "); got != "[2]" {
		t.Errorf("stripFences = %q, want %q", got, "[2]")
	}
}
