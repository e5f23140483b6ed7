// Package decision turns proximity and photo evidence into one verdict.
//
// Stage 1 rejects outright when the GPS fix does not match, when the
// evidence could not be obtained, or when no work is visible. Stage 2
// scores five weighted components. Stage 3 buckets the percentage into
// APPROVED, NEEDS_IMPROVEMENT or REJECTED.
package decision

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"taskproof/internal/domain"
	"taskproof/internal/evidence"
	"taskproof/internal/proximity"
)

// Fractions of a component's weight awarded for partial results.
const (
	goodTierFactor             = 0.8
	acceptableTierFactor       = 0.6
	partialTransformation      = 0.6
	rejectedRequirementsFactor = 0.5
	sameLocationPenalty        = 0.5
)

// Evidence is the comparator surface the engine needs.
type Evidence interface {
	Compare(ctx context.Context, req evidence.CompareRequest) evidence.ComparisonOutcome
	CheckRequirements(ctx context.Context, cmp evidence.Comparison, task string, checklist []string) evidence.RequirementsOutcome
}

type Input struct {
	JobID     int64
	Attempt   int
	Reference *domain.Coordinates
	Candidate *domain.Coordinates
	Request   evidence.CompareRequest
	Task      string
	Checklist []string
}

type Engine struct {
	Policy    Policy
	Proximity proximity.Policy
	Evidence  Evidence
	Log       logrus.FieldLogger
}

// Decide runs the three stages. Classifier requests are issued only as far
// as the stages need them, comparison first. The only error is ctx's.
func (e Engine) Decide(ctx context.Context, in Input) (domain.DecisionResult, error) {
	prox := proximity.Verify(e.Proximity, in.Reference, in.Candidate)
	res := domain.DecisionResult{JobID: in.JobID, Attempt: in.Attempt, Proximity: prox}
	if !prox.Matched {
		return e.done(in, hardFail(res, domain.CategoryGPSLocationFailed, prox.Reasoning)), nil
	}
	cmp := e.Evidence.Compare(ctx, in.Request)
	if err := ctx.Err(); err != nil {
		return domain.DecisionResult{}, err
	}
	if r, failed := evidenceGate(res, cmp); failed {
		return e.done(in, r), nil
	}
	req := e.Evidence.CheckRequirements(ctx, cmp.Comparison, in.Task, in.Checklist)
	if err := ctx.Err(); err != nil {
		return domain.DecisionResult{}, err
	}
	return e.done(in, Evaluate(e.Policy, prox, cmp, req)), nil
}

func (e Engine) done(in Input, res domain.DecisionResult) domain.DecisionResult {
	res.JobID = in.JobID
	res.Attempt = in.Attempt
	log := e.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"job_id":   in.JobID,
		"attempt":  in.Attempt,
		"verdict":  res.Verdict,
		"score":    res.Score,
		"category": res.Category,
	}).Info("decision")
	return res
}

// Evaluate is the pure scorer over already-collected evidence.
func Evaluate(p Policy, prox domain.ProximityResult, cmp evidence.ComparisonOutcome, req evidence.RequirementsOutcome) domain.DecisionResult {
	res := domain.DecisionResult{Proximity: prox}
	if !prox.Matched {
		return hardFail(res, domain.CategoryGPSLocationFailed, prox.Reasoning)
	}
	if r, failed := evidenceGate(res, cmp); failed {
		return r
	}

	b := Score(p, prox, cmp.Comparison, req.Requirements)
	total := p.Weights.Total()
	pct := 0.0
	if total > 0 {
		pct = (b.GPS + b.Visual + b.Transformation + b.Coverage + b.Requirements) / total * 100
	}
	pct = clampScore(round2(pct))

	res.Breakdown = b
	res.Score = pct
	res.Verdict = Bucket(p, pct)
	res.Issues = append(res.Issues, req.Requirements.Issues...)
	if req.Fallback {
		res.EvidenceFallback = true
	}
	switch res.Verdict {
	case domain.VerdictApproved:
		res.PaymentRecommended = true
		res.Suggestions = append(res.Suggestions, req.Requirements.Suggestions...)
	case domain.VerdictNeedsImprovement:
		res.CanResubmit = true
		res.Suggestions = append(componentSuggestions(p, b, 2), req.Requirements.Suggestions...)
	default:
		res.CanResubmit = true
		res.Suggestions = append(componentSuggestions(p, b, 3), req.Requirements.Suggestions...)
	}
	return res
}

// Score computes the stage 2 breakdown.
func Score(p Policy, prox domain.ProximityResult, cmp evidence.Comparison, req evidence.Requirements) domain.ScoreBreakdown {
	w := p.Weights
	var b domain.ScoreBreakdown

	switch prox.Tier {
	case domain.TierExcellent:
		b.GPS = w.GPS
	case domain.TierGood:
		b.GPS = w.GPS * goodTierFactor
	case domain.TierAcceptable:
		b.GPS = w.GPS * acceptableTierFactor
	default:
		b.GPS = w.GPS * prox.Confidence
	}

	threshold := p.VisualThreshold
	if prox.Confidence >= p.StrongGPSConfidence {
		threshold = p.VisualThresholdStrongGPS
	}
	if threshold <= 0 {
		threshold = DefaultPolicy().VisualThreshold
	}
	b.Visual = w.Visual * math.Min(1, cmp.SameLocation.Confidence/threshold)
	if !cmp.SameLocation.Verdict {
		b.Visual *= sameLocationPenalty
	}

	if cmp.TransformationDetected.MatchesExpected {
		b.Transformation = w.Transformation
	} else {
		b.Transformation = w.Transformation * partialTransformation
	}

	if cmp.CoverageConsistency.Verdict {
		b.Coverage = w.Coverage
	} else {
		b.Coverage = w.Coverage * cmp.CoverageConsistency.CoverageRatio
	}

	if req.Verdict == evidence.RequirementsApproved {
		b.Requirements = w.Requirements * req.Confidence
	} else {
		b.Requirements = w.Requirements * rejectedRequirementsFactor * req.Confidence
	}

	b.GPS = round2(b.GPS)
	b.Visual = round2(b.Visual)
	b.Transformation = round2(b.Transformation)
	b.Coverage = round2(b.Coverage)
	b.Requirements = round2(b.Requirements)
	return b
}

// Bucket maps a percentage to its verdict.
func Bucket(p Policy, pct float64) domain.Verdict {
	switch {
	case pct >= p.ApproveThreshold:
		return domain.VerdictApproved
	case pct >= p.ImproveThreshold:
		return domain.VerdictNeedsImprovement
	default:
		return domain.VerdictRejected
	}
}

func evidenceGate(res domain.DecisionResult, cmp evidence.ComparisonOutcome) (domain.DecisionResult, bool) {
	if cmp.Fallback {
		r := hardFail(res, domain.CategoryEvidenceUnavailable, "photo evidence could not be analysed: "+cmp.Reason)
		r.EvidenceFallback = true
		return r, true
	}
	if !cmp.Comparison.TransformationDetected.Verdict {
		return hardFail(res, domain.CategoryNoWorkDetected, "no visible change between the before and after photos"), true
	}
	return res, false
}

func hardFail(res domain.DecisionResult, category, issue string) domain.DecisionResult {
	res.Verdict = domain.VerdictRejected
	res.Score = 0
	res.Breakdown = domain.ScoreBreakdown{}
	res.Category = category
	res.Issues = []string{issue}
	res.CanResubmit = true
	res.PaymentRecommended = false
	switch category {
	case domain.CategoryGPSLocationFailed:
		res.Suggestions = []string{"Submit the proof from the job site with location services enabled."}
	case domain.CategoryNoWorkDetected:
		res.Suggestions = []string{"Make sure the after photos show the completed work from the same angle as the before photos."}
	case domain.CategoryEvidenceUnavailable:
		res.Suggestions = []string{"Check that the proof photos are reachable and resubmit."}
	}
	return res
}

var suggestionText = map[string]string{
	"gps":            "Take the proof photos closer to the job location.",
	"visual":         "Frame the after photos so landmarks from the before photos are visible.",
	"transformation": "Complete the work as described in the expected outcome.",
	"coverage":       "Cover the whole work area in the after photos.",
	"requirements":   "Address every checklist item before resubmitting.",
}

// componentSuggestions names the n weakest components relative to weight.
func componentSuggestions(p Policy, b domain.ScoreBreakdown, n int) []string {
	type comp struct {
		name  string
		ratio float64
	}
	w := p.Weights
	comps := []comp{
		{"gps", ratio(b.GPS, w.GPS)},
		{"visual", ratio(b.Visual, w.Visual)},
		{"transformation", ratio(b.Transformation, w.Transformation)},
		{"coverage", ratio(b.Coverage, w.Coverage)},
		{"requirements", ratio(b.Requirements, w.Requirements)},
	}
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].ratio < comps[j].ratio })
	var out []string
	for _, c := range comps {
		if len(out) == n || c.ratio >= 1 {
			break
		}
		out = append(out, suggestionText[c.name])
	}
	return out
}

func ratio(v, weight float64) float64 {
	if weight <= 0 {
		return 1
	}
	return v / weight
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
