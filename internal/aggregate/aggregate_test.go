package aggregate

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"MoltbookWatch/internal/domain"
)

func lexical(target, category string, score float64) domain.Evidence {
	return domain.NewEvidence(domain.ExtractorLexical, category, []string{target}, score, "matched rule")
}

func semantic(target, category string, score float64) domain.Evidence {
	return domain.NewEvidence(domain.ExtractorSemantic, category, []string{target}, score, "scorer probability")
}

func TestLexicalWithSemanticCorroborationAutoResolves(t *testing.T) {
	t.Parallel()

	ev := []domain.Evidence{
		lexical("post:p1", "reducing-oversight", 0.7),
		semantic("post:p1", "reducing-oversight", 0.85),
	}
	got := Aggregate(ev, DefaultConfig())
	if len(got) != 1 {
		t.Fatalf("expected one finding, got %+v", got)
	}
	f := got[0]
	if f.Status != domain.StatusAutoResolved {
		t.Fatalf("status = %s, want auto-resolved", f.Status)
	}
	if f.Confidence != 0.925 {
		t.Fatalf("confidence = %v, want 0.925", f.Confidence)
	}
	if !reflect.DeepEqual(f.Extractors, []domain.ExtractorKind{domain.ExtractorLexical, domain.ExtractorSemantic}) {
		t.Fatalf("unexpected extractors %v", f.Extractors)
	}
	if len(f.Evidence) != 2 || f.ID != FindingID("post:p1", "reducing-oversight") {
		t.Fatalf("unexpected finding %+v", f)
	}
}

func TestLexicalAloneIsDiscounted(t *testing.T) {
	t.Parallel()

	got := Aggregate([]domain.Evidence{lexical("post:p1", "reducing-oversight", 0.7)}, DefaultConfig())
	if len(got) != 1 || got[0].Confidence != 0.42 || got[0].Status != domain.StatusPendingReview {
		t.Fatalf("unexpected solo lexical finding %+v", got)
	}

	if got := Aggregate([]domain.Evidence{lexical("post:p2", "deception", 0.5)}, DefaultConfig()); len(got) != 0 {
		t.Fatalf("finding below the low threshold must be discarded: %+v", got)
	}
}

func TestAggregationIsIdempotent(t *testing.T) {
	t.Parallel()

	ev := []domain.Evidence{
		lexical("post:p1", "reducing-oversight", 0.7),
		semantic("post:p1", "reducing-oversight", 0.85),
		semantic("post:p2", "deception", 0.6),
		domain.NewEvidence(domain.ExtractorRelationship, "coalition-forming",
			[]string{"agent:c", "agent:a", "agent:b"}, 0.8, "3 agents"),
	}
	reversed := make([]domain.Evidence, len(ev))
	for i := range ev {
		reversed[len(ev)-1-i] = ev[i]
	}

	first, err := json.Marshal(Aggregate(ev, DefaultConfig()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, _ := json.Marshal(Aggregate(append(ev, ev...), DefaultConfig()))
	third, _ := json.Marshal(Aggregate(reversed, DefaultConfig()))
	if !bytes.Equal(first, second) || !bytes.Equal(first, third) {
		t.Fatalf("aggregation not idempotent:\n%s\n%s\n%s", first, second, third)
	}
}

func TestGroupEvidenceKeepsMembers(t *testing.T) {
	t.Parallel()

	ev := domain.NewEvidence(domain.ExtractorRelationship, "coalition-forming",
		[]string{"agent:b", "agent:a", "agent:c"}, 0.8, "3 agents")
	got := Aggregate([]domain.Evidence{ev}, DefaultConfig())
	if len(got) != 1 {
		t.Fatalf("expected one finding, got %+v", got)
	}
	if got[0].Target != "group:agent:a,agent:b,agent:c" {
		t.Fatalf("unexpected target %q", got[0].Target)
	}
	if !reflect.DeepEqual(got[0].Members, []string{"agent:a", "agent:b", "agent:c"}) {
		t.Fatalf("unexpected members %v", got[0].Members)
	}
}

func TestCorroborationIsMonotonic(t *testing.T) {
	t.Parallel()

	scores := []float64{0.05, 0.3, 0.45, 0.5, 0.66, 0.7, 0.8, 0.95, 1}
	kinds := []domain.ExtractorKind{
		domain.ExtractorLexical, domain.ExtractorSemantic, domain.ExtractorOutlier,
	}
	cfg := DefaultConfig()
	// Keep everything so low confidences are comparable too.
	cfg.LowThreshold = 1e-9

	confidence := func(ev []domain.Evidence) float64 {
		got := Aggregate(ev, cfg)
		if len(got) == 0 {
			return 0
		}
		return got[0].Confidence
	}

	for _, first := range kinds {
		for _, second := range kinds {
			if first == second {
				continue
			}
			for _, a := range scores {
				for _, b := range scores {
					one := []domain.Evidence{domain.NewEvidence(first, "deception", []string{"post:p"}, a, "x")}
					two := append(one, domain.NewEvidence(second, "deception", []string{"post:p"}, b, "y"))
					if c1, c2 := confidence(one), confidence(two); c2 < c1 {
						t.Fatalf("%s=%v then %s=%v lowered confidence %v -> %v", first, a, second, b, c1, c2)
					}
				}
			}
		}
	}
}

func TestCalibrate(t *testing.T) {
	t.Parallel()

	labels := []domain.Label{
		{FindingID: "1", Extractors: []domain.ExtractorKind{domain.ExtractorLexical}, Outcome: domain.OutcomeRejected},
		{FindingID: "2", Extractors: []domain.ExtractorKind{domain.ExtractorLexical}, Outcome: domain.OutcomeConfirmed},
		{FindingID: "3", Extractors: []domain.ExtractorKind{domain.ExtractorLexical, domain.ExtractorSemantic}, Outcome: domain.OutcomeConfirmed},
		{FindingID: "4", Extractors: []domain.ExtractorKind{domain.ExtractorSemantic}, Outcome: "skipped"},
	}
	got := Calibrate(labels)
	want := []Precision{
		{Extractor: domain.ExtractorLexical, Confirmed: 2, Rejected: 1, Precision: 0.6667, Solo: 2, SoloPrecision: 0.5},
		{Extractor: domain.ExtractorSemantic, Confirmed: 1, Precision: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Calibrate = %+v, want %+v", got, want)
	}
}
