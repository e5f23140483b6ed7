// Package evidence asks an external multi-modal classifier to compare
// before and after photos and to check a task's requirements. Classifier
// output is untrusted: anything that fails to parse into the expected
// shape becomes an explicit low-confidence fallback.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

type SameLocation struct {
	Verdict    bool    `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

type Transformation struct {
	Verdict         bool     `json:"verdict"`
	MatchesExpected bool     `json:"matchesExpected"`
	Changes         []string `json:"changes,omitempty"`
}

type Coverage struct {
	Verdict       bool    `json:"verdict"`
	CoverageRatio float64 `json:"coverageRatio"`
}

// Comparison is the classifier's answer to the before/after request.
type Comparison struct {
	SameLocation           SameLocation   `json:"sameLocation"`
	TransformationDetected Transformation `json:"transformationDetected"`
	CoverageConsistency    Coverage       `json:"coverageConsistency"`
	WorkCompleted          bool           `json:"workCompleted"`
}

type RequirementsVerdict string

const (
	RequirementsApproved RequirementsVerdict = "APPROVED"
	RequirementsRejected RequirementsVerdict = "REJECTED"
)

// Requirements is the classifier's answer to the checklist request.
type Requirements struct {
	Verdict     RequirementsVerdict `json:"verdict"`
	Confidence  float64             `json:"confidence"`
	Reasoning   string              `json:"reasoning,omitempty"`
	Issues      []string            `json:"issues,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
}

// ComparisonOutcome carries either a parsed comparison or the fallback.
type ComparisonOutcome struct {
	Comparison Comparison `json:"comparison"`
	Fallback   bool       `json:"fallback"`
	Reason     string     `json:"reason,omitempty"`
}

type RequirementsOutcome struct {
	Requirements Requirements `json:"requirements"`
	Fallback     bool         `json:"fallback"`
	Reason       string       `json:"reason,omitempty"`
}

const fallbackConfidence = 0.1

// FallbackComparison is the conservative answer used when evidence could
// not be obtained or understood.
func FallbackComparison(reason string) ComparisonOutcome {
	return ComparisonOutcome{
		Comparison: Comparison{
			SameLocation: SameLocation{
				Verdict:    false,
				Confidence: fallbackConfidence,
				Reasoning:  "evidence unavailable: " + reason,
			},
		},
		Fallback: true,
		Reason:   reason,
	}
}

func FallbackRequirements(reason string) RequirementsOutcome {
	return RequirementsOutcome{
		Requirements: Requirements{
			Verdict:    RequirementsRejected,
			Confidence: fallbackConfidence,
			Reasoning:  "requirements could not be assessed: " + reason,
			Issues:     []string{"automated requirements check unavailable"},
		},
		Fallback: true,
		Reason:   reason,
	}
}

// wire shapes with pointers so absent required fields are detectable.
type rawComparison struct {
	SameLocation *struct {
		Verdict    *bool    `json:"verdict"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	} `json:"sameLocation"`
	TransformationDetected *struct {
		Verdict         *bool    `json:"verdict"`
		MatchesExpected bool     `json:"matchesExpected"`
		Changes         []string `json:"changes"`
	} `json:"transformationDetected"`
	CoverageConsistency *struct {
		Verdict       *bool   `json:"verdict"`
		CoverageRatio float64 `json:"coverageRatio"`
	} `json:"coverageConsistency"`
	WorkCompleted *bool `json:"workCompleted"`
}

type rawRequirements struct {
	Verdict     *string  `json:"verdict"`
	Confidence  *float64 `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

var ErrMalformed = errors.New("malformed classifier response")

// ParseComparison extracts a Comparison from free-form classifier text.
func ParseComparison(text string) (Comparison, error) {
	var raw rawComparison
	if err := decode(text, &raw); err != nil {
		return Comparison{}, err
	}
	switch {
	case raw.SameLocation == nil || raw.SameLocation.Verdict == nil || raw.SameLocation.Confidence == nil:
		return Comparison{}, missing("sameLocation")
	case raw.TransformationDetected == nil || raw.TransformationDetected.Verdict == nil:
		return Comparison{}, missing("transformationDetected")
	case raw.CoverageConsistency == nil || raw.CoverageConsistency.Verdict == nil:
		return Comparison{}, missing("coverageConsistency")
	case raw.WorkCompleted == nil:
		return Comparison{}, missing("workCompleted")
	}
	return Comparison{
		SameLocation: SameLocation{
			Verdict:    *raw.SameLocation.Verdict,
			Confidence: clamp01(*raw.SameLocation.Confidence),
			Reasoning:  raw.SameLocation.Reasoning,
		},
		TransformationDetected: Transformation{
			Verdict:         *raw.TransformationDetected.Verdict,
			MatchesExpected: raw.TransformationDetected.MatchesExpected,
			Changes:         raw.TransformationDetected.Changes,
		},
		CoverageConsistency: Coverage{
			Verdict:       *raw.CoverageConsistency.Verdict,
			CoverageRatio: clamp01(raw.CoverageConsistency.CoverageRatio),
		},
		WorkCompleted: *raw.WorkCompleted,
	}, nil
}

// ParseRequirements extracts a Requirements answer from classifier text.
func ParseRequirements(text string) (Requirements, error) {
	var raw rawRequirements
	if err := decode(text, &raw); err != nil {
		return Requirements{}, err
	}
	if raw.Verdict == nil {
		return Requirements{}, missing("verdict")
	}
	if raw.Confidence == nil {
		return Requirements{}, missing("confidence")
	}
	v := RequirementsVerdict(strings.ToUpper(strings.TrimSpace(*raw.Verdict)))
	if v != RequirementsApproved && v != RequirementsRejected {
		return Requirements{}, fmt.Errorf("%w: verdict %q", ErrMalformed, *raw.Verdict)
	}
	return Requirements{
		Verdict:     v,
		Confidence:  clamp01(*raw.Confidence),
		Reasoning:   raw.Reasoning,
		Issues:      raw.Issues,
		Suggestions: raw.Suggestions,
	}, nil
}

func decode(text string, v any) error {
	cleaned := cleanJSON(text)
	if cleaned == "" || cleaned[0] != '{' {
		return fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// cleanJSON strips markdown fences and any prose around the outermost object.
func cleanJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		content = content[start : end+1]
	}
	return strings.TrimSpace(content)
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
