package router

import "testing"

func testProviders() []Provider {
	return []Provider{
		{Name: "cheap", URL: "https://cheap.example.com/v1", Models: []string{"gpt-4o", "gpt-4o-mini"}, InputRate: 5, OutputRate: 15, BaseFee: 0},
		{Name: "expensive", URL: "https://expensive.example.com/v1", Models: []string{"gpt-4o", "claude-3.5-sonnet"}, InputRate: 10, OutputRate: 30, BaseFee: 1},
	}
}

func TestSelectCheapest(t *testing.T) {
	r := New(testProviders(), nil, "cheapest")
	selected, err := r.Select("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.Name != "cheap" {
		t.Errorf("expected cheap, got %s", selected.Name)
	}
}

func TestNoProvidersForModel(t *testing.T) {
	r := New(testProviders(), nil, "cheapest")
	_, err := r.Select("nonexistent-model", nil, nil)
	routeErr, ok := err.(*Error)
	if !ok || routeErr.Kind != "no_providers" {
		t.Fatalf("expected no_providers error, got %v", err)
	}
}

func TestBaseFeeAffectsCheapestSelection(t *testing.T) {
	// Routing cost: 10+8=18 vs 15+0=15 -> "high-rate-no-fee" wins
	providers := []Provider{
		{Name: "low-rate-high-fee", URL: "https://a.example.com/v1", Models: []string{"gpt-4o"}, InputRate: 5, OutputRate: 10, BaseFee: 8},
		{Name: "high-rate-no-fee", URL: "https://b.example.com/v1", Models: []string{"gpt-4o"}, InputRate: 8, OutputRate: 15, BaseFee: 0},
	}
	r := New(providers, nil, "cheapest")
	selected, err := r.Select("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.Name != "high-rate-no-fee" {
		t.Errorf("expected high-rate-no-fee (15+0=15) to beat low-rate-high-fee (10+8=18), got %s", selected.Name)
	}
}

func TestActualCostCalculation(t *testing.T) {
	cases := []struct {
		input, output       uint32
		inputRate, outputRate, baseFee uint64
		want                float64
	}{
		{100, 200, 10, 30, 1, 8.0},
		{10, 5, 5, 15, 0, 0.125},
		{0, 0, 10, 30, 5, 5.0},
		{1000, 1000, 10, 30, 0, 40.0},
	}
	for _, c := range cases {
		got := ActualCostSats(c.input, c.output, c.inputRate, c.outputRate, c.baseFee)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("ActualCostSats(%d,%d,%d,%d,%d) = %v, want %v", c.input, c.output, c.inputRate, c.outputRate, c.baseFee, got, c.want)
		}
	}
}

func TestActualCostFractionalSats(t *testing.T) {
	got := ActualCostSats(10, 5, 5, 15, 0)
	if got <= 0 {
		t.Fatalf("fractional sats must be preserved, got %v", got)
	}
	if diff := got - 0.125; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected 0.125, got %v", got)
	}
}

func TestPolicyKeywordMatching(t *testing.T) {
	max := uint64(20)
	policies := []PolicyRule{{
		Name:               "code",
		AllowedModels:      []string{"gpt-4o"},
		Strategy:           "lowest_cost",
		MaxSatsPer1kOutput: &max,
		Keywords:           []string{"function", "code"},
	}}
	r := New(testProviders(), policies, "cheapest")
	prompt := "Write a function to sort"
	selected, err := r.Select("gpt-4o", nil, &prompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.Name != "cheap" {
		t.Errorf("expected cheap, got %s", selected.Name)
	}
}

func TestSelectCandidatesReturnsOrderedList(t *testing.T) {
	providers := []Provider{
		{Name: "medium", Models: []string{"gpt-4o"}, InputRate: 8, OutputRate: 20, BaseFee: 5},    // 25
		{Name: "cheapest", Models: []string{"gpt-4o"}, InputRate: 3, OutputRate: 10, BaseFee: 0},   // 10
		{Name: "pricey", Models: []string{"gpt-4o"}, InputRate: 15, OutputRate: 40, BaseFee: 10},   // 50
	}
	r := New(providers, nil, "cheapest")
	candidates, err := r.SelectCandidates("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	want := []string{"cheapest", "medium", "pricey"}
	for i, name := range want {
		if candidates[i].Name != name {
			t.Errorf("candidate[%d] = %s, want %s", i, candidates[i].Name, name)
		}
	}
}

func TestSelectCandidatesDeduplicatesByName(t *testing.T) {
	providers := []Provider{
		{Name: "alpha", Models: []string{"gpt-4o"}, InputRate: 10, OutputRate: 30, BaseFee: 5}, // 35
		{Name: "alpha", Models: []string{"gpt-4o"}, InputRate: 3, OutputRate: 10, BaseFee: 0},   // 10
		{Name: "beta", Models: []string{"gpt-4o"}, InputRate: 5, OutputRate: 15, BaseFee: 2},    // 17
	}
	r := New(providers, nil, "cheapest")
	candidates, err := r.SelectCandidates("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates after dedup, got %d", len(candidates))
	}
	if candidates[0].Name != "alpha" || candidates[0].OutputRate != 10 {
		t.Errorf("expected cheapest alpha (output_rate=10) to survive, got %+v", candidates[0])
	}
	if candidates[1].Name != "beta" {
		t.Errorf("expected beta second, got %s", candidates[1].Name)
	}
}

func TestSelectDelegatesToCandidates(t *testing.T) {
	r := New(testProviders(), nil, "cheapest")
	selected, err := r.Select("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, err := r.SelectCandidates("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selected.Name != candidates[0].Name || selected.URL != candidates[0].URL {
		t.Errorf("Select() should match SelectCandidates()[0]")
	}
}

func TestSelectCandidatesFiltersByModel(t *testing.T) {
	providers := []Provider{
		{Name: "has-model", Models: []string{"gpt-4o"}, InputRate: 5, OutputRate: 15, BaseFee: 0},
		{Name: "no-model", Models: []string{"claude-3.5-sonnet"}, InputRate: 3, OutputRate: 10, BaseFee: 0},
	}
	r := New(providers, nil, "cheapest")
	candidates, err := r.SelectCandidates("gpt-4o", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "has-model" {
		t.Errorf("expected only has-model, got %+v", candidates)
	}
}

func TestWildcardProviderMatchesAnyModel(t *testing.T) {
	providers := []Provider{
		{Name: "wildcard", Models: nil, InputRate: 5, OutputRate: 15, BaseFee: 0},
	}
	r := New(providers, nil, "cheapest")
	candidates, err := r.SelectCandidates("anything-goes", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("expected wildcard provider to match any model")
	}
}
