// Package router selects the cheapest provider candidates for a chat
// completion request, subject to model support and policy constraints.
package router

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/johnzilla/arbstr/internal/apikey"
)

// Provider is a configured upstream, immutable for the lifetime of the process.
type Provider struct {
	Name       string
	URL        string
	APIKey     apikey.Key
	Models     []string
	InputRate  uint64
	OutputRate uint64
	BaseFee    uint64
}

// RoutingCost is the integer cost used only to order candidates.
func (p Provider) RoutingCost() uint64 {
	return p.OutputRate + p.BaseFee
}

// PolicyRule is a named routing policy matched by explicit header or by
// keyword heuristics against the user's last message.
type PolicyRule struct {
	Name               string
	AllowedModels      []string
	Strategy           string
	MaxSatsPer1kOutput *uint64
	Keywords           []string
}

// Error classifies a routing failure so the handler can pick an HTTP status.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func errNoProviders(model string) error {
	return &Error{Kind: "no_providers", Message: fmt.Sprintf("no providers available for model %q", model)}
}

func errNoPolicyMatch() error {
	return &Error{Kind: "no_policy_match", Message: "no providers match policy constraints"}
}

func errBadRequest(msg string) error {
	return &Error{Kind: "bad_request", Message: msg}
}

// Router holds the immutable set of configured providers and policy rules.
type Router struct {
	providers      []Provider
	policies       []PolicyRule
	defaultStrategy string
}

// New builds a Router over the given providers and policy rules.
func New(providers []Provider, policies []PolicyRule, defaultStrategy string) *Router {
	return &Router{providers: providers, policies: policies, defaultStrategy: defaultStrategy}
}

// Providers returns all configured providers, for the /providers and
// /v1/models endpoints.
func (r *Router) Providers() []Provider {
	return r.providers
}

// Select returns the single cheapest candidate for model, equivalent to
// SelectCandidates(...)[0].
func (r *Router) Select(model string, policyName, userPrompt *string) (Provider, error) {
	candidates, err := r.SelectCandidates(model, policyName, userPrompt)
	if err != nil {
		return Provider{}, err
	}
	return candidates[0], nil
}

// SelectCandidates returns an ordered, deduplicated, non-empty candidate
// list sorted ascending by routing cost (output_rate + base_fee), cheapest
// first, ties broken by first appearance.
func (r *Router) SelectCandidates(model string, policyName, userPrompt *string) ([]Provider, error) {
	policy := r.findPolicy(policyName, userPrompt)

	candidates := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if len(p.Models) == 0 || containsString(p.Models, model) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, errNoProviders(model)
	}

	if policy != nil {
		var err error
		candidates, err = applyPolicyConstraints(candidates, policy, model)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RoutingCost() < candidates[j].RoutingCost()
	})

	seen := make(map[string]bool, len(candidates))
	unique := make([]Provider, 0, len(candidates))
	for _, p := range candidates {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		unique = append(unique, p)
	}

	if len(unique) == 0 {
		return nil, errNoPolicyMatch()
	}
	return unique, nil
}

func (r *Router) findPolicy(policyName, userPrompt *string) *PolicyRule {
	if policyName != nil {
		for i := range r.policies {
			if r.policies[i].Name == *policyName {
				log.Printf("[Router] matched policy %q by header", *policyName)
				return &r.policies[i]
			}
		}
	}

	if userPrompt != nil {
		promptLower := strings.ToLower(*userPrompt)
		for i := range r.policies {
			for _, kw := range r.policies[i].Keywords {
				if strings.Contains(promptLower, strings.ToLower(kw)) {
					log.Printf("[Router] matched policy %q by keyword heuristics", r.policies[i].Name)
					return &r.policies[i]
				}
			}
		}
	}
	return nil
}

func applyPolicyConstraints(candidates []Provider, policy *PolicyRule, model string) ([]Provider, error) {
	if len(policy.AllowedModels) > 0 && !containsString(policy.AllowedModels, model) {
		log.Printf("[Router] model %q not allowed by policy %q", model, policy.Name)
		return nil, errBadRequest(fmt.Sprintf("model %q not allowed by policy %q", model, policy.Name))
	}

	filtered := candidates
	if policy.MaxSatsPer1kOutput != nil {
		max := *policy.MaxSatsPer1kOutput
		kept := make([]Provider, 0, len(filtered))
		for _, p := range filtered {
			if p.OutputRate <= max {
				kept = append(kept, p)
			}
		}
		filtered = kept
	}

	if len(filtered) == 0 {
		return nil, errNoPolicyMatch()
	}
	return filtered, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ActualCostSats computes the real-valued post-request cost in satoshis.
// Rates are per 1000 tokens; base_fee is per request. Computed in float64
// to preserve sub-satoshi precision for cheap models and small token counts.
func ActualCostSats(inputTokens, outputTokens uint32, inputRate, outputRate, baseFee uint64) float64 {
	inputCost := float64(inputTokens) * float64(inputRate)
	outputCost := float64(outputTokens) * float64(outputRate)
	return (inputCost+outputCost)/1000.0 + float64(baseFee)
}
