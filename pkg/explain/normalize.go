// Method-specific attribution normalization: pure functions over the
// canister's raw float64 weights. SHAP and LIME values pass through
// untouched (signs and scale carry meaning); Gradient is folded to absolute
// saliency and L1-normalized; Attention is L1-normalized as given.
package explain

import (
	"sort"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// Normalize converts raw feature weights into the stored float32 map per the
// rules for method:
//   - SHAP: signs matter, values are not renormalized (they already sum to
//     the model output delta).
//   - LIME: local linear coefficients, stored as-is.
//   - Gradient: absolute-value saliency, L1-normalized to sum to 1.0.
//   - Attention: head-averaged weights, L1-normalized.
//   - Custom: pass-through.
func Normalize(method types.Method, raw map[string]float64) map[string]float32 {
	switch method {
	case types.MethodGradient:
		return l1Normalize(absValues(raw))
	case types.MethodAttention:
		return l1Normalize(raw)
	default: // SHAP, LIME, Custom
		return passthrough(raw)
	}
}

func passthrough(raw map[string]float64) map[string]float32 {
	out := make(map[string]float32, len(raw))
	for k, v := range raw {
		out[k] = float32(v)
	}
	return out
}

func absValues(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if v < 0 {
			v = -v
		}
		out[k] = v
	}
	return out
}

// l1Normalize scales values to sum to 1.0. An all-zero input is returned
// unchanged (each entry stays 0) rather than dividing by zero.
func l1Normalize(raw map[string]float64) map[string]float32 {
	var sum float64
	// Deterministic iteration order keeps float summation reproducible
	// across runs, which matters for the proof hash.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sum += raw[k]
	}
	out := make(map[string]float32, len(raw))
	if sum == 0 {
		for _, k := range keys {
			out[k] = 0
		}
		return out
	}
	for _, k := range keys {
		out[k] = float32(raw[k] / sum)
	}
	return out
}

// ClampConfidence clamps a canister-reported confidence to [0,1], reporting
// whether clamping was needed so the caller can append a decision-path
// warning.
func ClampConfidence(c float64) (float32, bool) {
	if c > 1 {
		return 1.0, true
	}
	if c < 0 {
		return 0.0, true
	}
	return float32(c), false
}
