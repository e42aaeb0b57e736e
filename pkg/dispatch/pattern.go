package dispatch

import (
	"fmt"

	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/projection"
)

// minSimilarity is the Jaccard floor below which a historical decision does
// not vote at all.
const minSimilarity = 0.5

// patternTier scores a request against decided history for the same tool.
// Each sufficiently similar record votes for its own outcome, weighted by
// similarity; the tier only decides when enough records agree strongly
// enough.
//
// Only policy and expert decisions train the scorer. Cache hits would merely
// echo earlier records, pattern decisions would compound their own guesses,
// and default denials carry no judgement at all.
type patternTier struct {
	decisions  *projection.Decisions
	theta      float64
	minSamples int
}

func newPatternTier(decisions *projection.Decisions, theta float64, minSamples int) *patternTier {
	return &patternTier{decisions: decisions, theta: theta, minSamples: minSamples}
}

func (t *patternTier) evaluate(req *request) (verdict, float64, int, bool) {
	var (
		weights  = map[string]float64{}
		total    float64
		samples  int
		bestSim  = map[string]float64{}
		bestRisk = map[string]string{}
	)
	history := t.decisions.ForTool(req.tool)
	for i := range history {
		rec := &history[i]
		if rec.Tier != eventlog.TierPolicy && rec.Tier != eventlog.TierExpert {
			continue
		}
		if rec.Reason == eventlog.ReasonExpertTimeout || rec.Reason == eventlog.ReasonUnavailable {
			continue
		}
		sim := jaccard(req.features, rec.Features)
		if sim < minSimilarity {
			continue
		}
		samples++
		total += sim
		weights[rec.Decision] += sim
		if sim >= bestSim[rec.Decision] {
			bestSim[rec.Decision] = sim
			bestRisk[rec.Decision] = rec.Risk
		}
	}
	if samples < t.minSamples || total == 0 {
		return verdict{}, 0, samples, false
	}

	winner := eventlog.DecisionApproved
	if weights[eventlog.DecisionDenied] > weights[winner] {
		winner = eventlog.DecisionDenied
	}
	confidence := weights[winner] / total
	if confidence < t.theta {
		return verdict{}, confidence, samples, false
	}
	return verdict{
		decision: winner,
		risk:     bestRisk[winner],
		reason:   fmt.Sprintf("pattern consensus %.2f over %d similar decisions", confidence, samples),
	}, confidence, samples, true
}

// jaccard computes set similarity over two sorted token slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var inter, i, j int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
