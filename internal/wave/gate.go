package wave

import (
	"fmt"
	"math"

	"github.com/tchaikit/wave-trader/internal/regime"
)

// Gate filters scenarios against macro context before risk planning.
type Gate struct {
	MinConfidence float64
}

func NewGate(minConfidence float64) Gate {
	return Gate{MinConfidence: minConfidence}
}

// Apply checks one scenario against the macro bias. The returned
// scenario is always annotated (allowed flag, gate reason, context
// score); the bool says whether it may proceed to risk planning.
// Fallback scenarios never pass, regardless of score.
func (g Gate) Apply(sc Scenario, mb regime.MacroBias) (Scenario, bool) {
	conf := sc.Confidence
	if conf == 0 {
		conf = sc.Score
	}

	allowed := true
	reason := ""

	if sc.IsFallback {
		allowed = false
		reason = "FALLBACK"
	}
	if allowed && conf < g.MinConfidence {
		allowed = false
		reason = fmt.Sprintf("LOW_CONF(%.1f)", conf)
	}
	if allowed && sc.Direction == Long && !mb.AllowLong {
		allowed = false
		reason = fmt.Sprintf("BLOCKED_BY_MACRO(%s)", mb.Bias)
	}
	if allowed && sc.Direction == Short && !mb.AllowShort {
		allowed = false
		reason = fmt.Sprintf("BLOCKED_BY_MACRO(%s)", mb.Bias)
	}

	sc.Allowed = allowed
	sc.GateReason = reason
	sc.ContextScore = round2(conf*0.7 + mb.Strength*0.3)
	return sc, allowed
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
