// Package quality grades an Explanation on five axes (clarity,
// completeness, accuracy, verifiability, innovation) and folds them into a
// fixed weighted overall score. Pure functions only: no I/O, a scorer call
// never blocks on anything external.
package quality

import (
	"strings"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// stopWords are excluded when counting "distinct content words" for the
// clarity axis; a short, fixed list is enough to distinguish genuine
// reasoning text from filler.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "of": true,
	"to": true, "and": true, "or": true, "in": true, "on": true, "for": true,
	"it": true, "this": true, "that": true, "with": true, "as": true,
	"was": true, "were": true, "be": true, "by": true, "at": true,
}

func words(reasoning string) []string {
	return strings.Fields(reasoning)
}

func distinctContentWordCount(reasoning string) int {
	seen := make(map[string]bool)
	for _, w := range words(reasoning) {
		w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))
		if w == "" || stopWords[w] {
			continue
		}
		seen[w] = true
	}
	return len(seen)
}

// sentences splits reasoning on ., !, and ? and drops empty fragments.
func sentences(reasoning string) []string {
	raw := strings.FieldsFunc(reasoning, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func meanSentenceLength(reasoning string) float32 {
	ss := sentences(reasoning)
	if len(ss) == 0 {
		return 0
	}
	total := 0
	for _, s := range ss {
		total += len(words(s))
	}
	return float32(total) / float32(len(ss))
}

// Clarity scores reasoning text: capped word-count ratio scaled by whether
// the text has at least three distinct content words, plus a short-sentence
// bonus.
func Clarity(reasoning string) float32 {
	wc := len(words(reasoning))
	if wc == 0 {
		return 0
	}
	ratio := float32(wc) / 40.0
	if ratio > 1 {
		ratio = 1
	}
	if distinctContentWordCount(reasoning) < 3 {
		return 0
	}
	score := ratio
	if meanSentenceLength(reasoning) <= 25 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Completeness scores feature coverage, boosted by the presence of a
// recorded decision path.
func Completeness(featureImportance map[string]float32, hasDecisionPath bool) float32 {
	ratio := float32(len(featureImportance)) / 5.0
	if ratio > 1 {
		ratio = 1
	}
	factor := float32(0.5)
	if hasDecisionPath {
		factor = 1.0
	}
	return ratio * factor
}

// Accuracy scores confidence, boosted 10% when the explanation is on-chain
// verified, clamped to [0,1].
func Accuracy(confidence float32, onChainVerified bool) float32 {
	score := confidence
	if onChainVerified {
		score *= 1.1
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Verifiability is binary: 1.0 if on-chain verified, else a 0.3 floor.
func Verifiability(onChainVerified bool) float32 {
	if onChainVerified {
		return 1.0
	}
	return 0.3
}

// Innovation rewards counterfactuals, gradient/attention-style methods, and
// longer decision paths.
func Innovation(method types.Method, hasCounterfactuals bool, decisionPathLen int) float32 {
	var score float32
	if hasCounterfactuals {
		score += 0.3
	}
	if method == types.MethodGradient || method == types.MethodAttention {
		score += 0.4
	}
	if decisionPathLen >= 3 {
		score += 0.3
	}
	return score
}

// Axis weights; sum to 1.0.
const (
	WeightClarity       = 0.20
	WeightCompleteness  = 0.20
	WeightAccuracy      = 0.25
	WeightVerifiability = 0.20
	WeightInnovation    = 0.15
)

// Score computes every axis for e plus the fixed weighted overall.
func Score(e *types.Explanation, hasCounterfactuals, onChainVerified bool) types.QualityMetrics {
	hasDecisionPath := len(e.DecisionPath) > 0
	m := types.QualityMetrics{
		Clarity:       Clarity(e.Reasoning),
		Completeness:  Completeness(e.FeatureImportance, hasDecisionPath),
		Accuracy:      Accuracy(e.Confidence, onChainVerified),
		Verifiability: Verifiability(onChainVerified),
		Innovation:    Innovation(e.MethodUsed, hasCounterfactuals, len(e.DecisionPath)),
	}
	m.Overall = WeightClarity*m.Clarity +
		WeightCompleteness*m.Completeness +
		WeightAccuracy*m.Accuracy +
		WeightVerifiability*m.Verifiability +
		WeightInnovation*m.Innovation
	return m
}

// Less implements the tie-break rule for equal Overall: prefer higher
// Accuracy, then higher Verifiability. Returns true if a ranks strictly
// worse than b.
func Less(a, b types.QualityMetrics) bool {
	if a.Overall != b.Overall {
		return a.Overall < b.Overall
	}
	if a.Accuracy != b.Accuracy {
		return a.Accuracy < b.Accuracy
	}
	return a.Verifiability < b.Verifiability
}
