package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taskproof/internal/domain"
	"taskproof/internal/media"
)

// Image is one picture attached to a classifier request.
type Image struct {
	Locator  string
	MIMEType string
	Data     []byte
}

// Classifier is a multi-modal model that answers a prompt with text.
type Classifier interface {
	Generate(ctx context.Context, prompt string, images []Image) (string, error)
}

type CompareRequest struct {
	Title          string
	Description    string
	Plan           domain.VerificationPlan
	ReferenceMedia []string
	ProofMedia     []string
}

// Comparator never returns an error: every failure turns into a fallback
// outcome with its reason attached.
type Comparator struct {
	Classifier  Classifier
	Media       media.Store
	Concurrency int
	Log         logrus.FieldLogger
}

const defaultFetchConcurrency = 4

func (c Comparator) log() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func (c Comparator) Compare(ctx context.Context, req CompareRequest) ComparisonOutcome {
	if c.Classifier == nil {
		return c.fallbackComparison("no classifier configured", nil)
	}
	if len(req.ProofMedia) == 0 {
		return c.fallbackComparison("no proof media submitted", nil)
	}
	locators := append(append([]string{}, req.ReferenceMedia...), req.ProofMedia...)
	images, err := c.fetchAll(ctx, locators)
	if err != nil {
		return c.fallbackComparison("media unavailable", err)
	}
	text, err := c.Classifier.Generate(ctx, comparisonPrompt(req, len(req.ReferenceMedia), len(req.ProofMedia)), images)
	if err != nil {
		return c.fallbackComparison("classifier error", err)
	}
	cmp, err := ParseComparison(text)
	if err != nil {
		return c.fallbackComparison("unparsable comparison", err)
	}
	return ComparisonOutcome{Comparison: cmp}
}

func (c Comparator) CheckRequirements(ctx context.Context, cmp Comparison, task string, checklist []string) RequirementsOutcome {
	if c.Classifier == nil {
		return c.fallbackRequirements("no classifier configured", nil)
	}
	text, err := c.Classifier.Generate(ctx, requirementsPrompt(cmp, task, checklist), nil)
	if err != nil {
		return c.fallbackRequirements("classifier error", err)
	}
	req, err := ParseRequirements(text)
	if err != nil {
		return c.fallbackRequirements("unparsable requirements", err)
	}
	return RequirementsOutcome{Requirements: req}
}

// fetchAll loads every locator concurrently, keeping input order.
func (c Comparator) fetchAll(ctx context.Context, locators []string) ([]Image, error) {
	if c.Media == nil {
		return nil, errors.New("no media store configured")
	}
	limit := c.Concurrency
	if limit <= 0 {
		limit = defaultFetchConcurrency
	}
	images := make([]Image, len(locators))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, loc := range locators {
		g.Go(func() error {
			obj, err := c.Media.Fetch(gctx, loc)
			if err != nil {
				return fmt.Errorf("media %d: %w", i, err)
			}
			if len(obj.Data) == 0 {
				return fmt.Errorf("media %d (%s) is empty", i, loc)
			}
			images[i] = Image{Locator: loc, MIMEType: obj.ContentType, Data: obj.Data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (c Comparator) fallbackComparison(reason string, err error) ComparisonOutcome {
	c.warn("comparison", reason, err)
	return FallbackComparison(reason)
}

func (c Comparator) fallbackRequirements(reason string, err error) RequirementsOutcome {
	c.warn("requirements", reason, err)
	return FallbackRequirements(reason)
}

func (c Comparator) warn(request, reason string, err error) {
	entry := c.log().WithFields(logrus.Fields{"request": request, "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("evidence fallback")
}
