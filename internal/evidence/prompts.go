package evidence

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskproof/internal/domain"
)

const comparisonSchema = `{
  "sameLocation": {"verdict": boolean, "confidence": number 0-1, "reasoning": string},
  "transformationDetected": {"verdict": boolean, "matchesExpected": boolean, "changes": [string]},
  "coverageConsistency": {"verdict": boolean, "coverageRatio": number 0-1},
  "workCompleted": boolean
}`

const requirementsSchema = `{
  "verdict": "APPROVED" | "REJECTED",
  "confidence": number 0-1,
  "reasoning": string,
  "issues": [string],
  "suggestions": [string]
}`

func comparisonPrompt(req CompareRequest, refCount, proofCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are verifying proof of a physical task.\n\nTask: %s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Description)
	}
	writePlan(&b, req.Plan)
	fmt.Fprintf(&b, "\nThe first %d image(s) show the site BEFORE the work. The remaining %d image(s) are the worker's proof AFTER the work.\n", refCount, proofCount)
	if refCount == 0 {
		b.WriteString("No before image is available; judge sameLocation conservatively.\n")
	}
	b.WriteString(`
Decide whether the photos show the same place, whether a visible transformation happened and matches the expected outcome, and whether the proof frames the same area as the reference.

Respond with ONLY a JSON object of this shape, no markdown:
`)
	b.WriteString(comparisonSchema)
	return b.String()
}

func requirementsPrompt(cmp Comparison, task string, checklist []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are checking a completed physical task against its requirements.\n\nTask: %s\n", task)
	if len(checklist) > 0 {
		b.WriteString("Checklist:\n")
		for _, item := range checklist {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	data, _ := json.MarshalIndent(cmp, "", "  ")
	fmt.Fprintf(&b, "\nVisual comparison already performed:\n%s\n", data)
	b.WriteString("\nRespond with ONLY a JSON object of this shape, no markdown:\n")
	b.WriteString(requirementsSchema)
	return b.String()
}

func writePlan(b *strings.Builder, p domain.VerificationPlan) {
	if p.Category != "" {
		fmt.Fprintf(b, "Category: %s\n", p.Category)
	}
	if p.ExpectedTransformation != "" {
		fmt.Fprintf(b, "Expected transformation: %s\n", p.ExpectedTransformation)
	}
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(b, "%s:\n", title)
		for _, it := range items {
			fmt.Fprintf(b, "- %s\n", it)
		}
	}
	list("Quality indicators", p.QualityIndicators)
	list("Common mistakes", p.CommonMistakes)
}
