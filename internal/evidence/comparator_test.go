package evidence_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/evidence"
	"taskproof/internal/media"
)

const goodComparison = `{
  "sameLocation": {"verdict": true, "confidence": 0.92, "reasoning": "same fence and tree"},
  "transformationDetected": {"verdict": true, "matchesExpected": true, "changes": ["trash removed"]},
  "coverageConsistency": {"verdict": true, "coverageRatio": 0.9},
  "workCompleted": true
}`

const goodRequirements = `{"verdict":"APPROVED","confidence":0.8,"reasoning":"all items done","issues":[],"suggestions":["sweep the path"]}`

type scriptedClassifier struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	images  [][]evidence.Image
}

func (s *scriptedClassifier) Generate(ctx context.Context, prompt string, images []evidence.Image) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.images = append(s.images, images)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

type memStore struct {
	objects  map[string]string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *memStore) Fetch(ctx context.Context, locator string) (media.Object, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	data, ok := m.objects[locator]
	if !ok {
		return media.Object{}, errors.New("not found")
	}
	return media.Object{Locator: locator, ContentType: "image/jpeg", Data: []byte(data)}, nil
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newComparator(cls evidence.Classifier, store media.Store) evidence.Comparator {
	return evidence.Comparator{Classifier: cls, Media: store, Concurrency: 2, Log: quietLog()}
}

func request() evidence.CompareRequest {
	return evidence.CompareRequest{
		Title:          "Clean the park entrance",
		ReferenceMedia: []string{"before-1", "before-2"},
		ProofMedia:     []string{"after-1", "after-2"},
	}
}

func store() *memStore {
	return &memStore{objects: map[string]string{"before-1": "b1", "before-2": "b2", "after-1": "a1", "after-2": "a2"}}
}

func TestCompareParsesFencedJSON(t *testing.T) {
	cls := &scriptedClassifier{replies: []string{"Here you go:\n```json\n" + goodComparison + "\n```\nLet me know."}}
	s := store()
	out := newComparator(cls, s).Compare(context.Background(), request())
	if out.Fallback {
		t.Fatalf("unexpected fallback: %s", out.Reason)
	}
	c := out.Comparison
	if !c.SameLocation.Verdict || c.SameLocation.Confidence != 0.92 || !c.TransformationDetected.MatchesExpected || c.CoverageConsistency.CoverageRatio != 0.9 || !c.WorkCompleted {
		t.Fatalf("unexpected comparison %+v", c)
	}
	imgs := cls.images[0]
	if len(imgs) != 4 || string(imgs[0].Data) != "b1" || string(imgs[3].Data) != "a2" {
		t.Fatalf("images out of order: %+v", imgs)
	}
	if !strings.Contains(cls.prompts[0], "Clean the park entrance") {
		t.Fatalf("prompt missing task title")
	}
	if s.peak.Load() > 2 {
		t.Fatalf("fetch concurrency exceeded limit: %d", s.peak.Load())
	}
}

func TestCompareFallbacks(t *testing.T) {
	cases := map[string]struct {
		cls   *scriptedClassifier
		store *memStore
		req   evidence.CompareRequest
	}{
		"malformed output": {cls: &scriptedClassifier{replies: []string{"I think the work looks great!"}}, store: store(), req: request()},
		"truncated json":   {cls: &scriptedClassifier{replies: []string{`{"sameLocation": {"verdict": true`}}, store: store(), req: request()},
		"missing field":    {cls: &scriptedClassifier{replies: []string{`{"sameLocation":{"verdict":true,"confidence":0.9},"transformationDetected":{"verdict":true},"coverageConsistency":{"verdict":true}}`}}, store: store(), req: request()},
		"classifier error": {cls: &scriptedClassifier{err: errors.New("quota exceeded")}, store: store(), req: request()},
		"media failure":    {cls: &scriptedClassifier{replies: []string{goodComparison}}, store: &memStore{objects: map[string]string{}}, req: request()},
		"no proof":         {cls: &scriptedClassifier{replies: []string{goodComparison}}, store: store(), req: evidence.CompareRequest{ReferenceMedia: []string{"before-1"}}},
	}
	for name, c := range cases {
		out := newComparator(c.cls, c.store).Compare(context.Background(), c.req)
		if !out.Fallback || out.Reason == "" {
			t.Fatalf("%s: expected fallback, got %+v", name, out)
		}
		cmp := out.Comparison
		if cmp.SameLocation.Verdict || cmp.SameLocation.Confidence != 0.1 || cmp.TransformationDetected.Verdict || cmp.CoverageConsistency.Verdict || cmp.CoverageConsistency.CoverageRatio != 0 || cmp.WorkCompleted {
			t.Fatalf("%s: fallback not conservative: %+v", name, cmp)
		}
	}
}

func TestMediaFailureSkipsClassifier(t *testing.T) {
	cls := &scriptedClassifier{replies: []string{goodComparison}}
	out := newComparator(cls, &memStore{objects: map[string]string{"before-1": "b"}}).Compare(context.Background(), request())
	if !out.Fallback {
		t.Fatalf("expected fallback")
	}
	if len(cls.prompts) != 0 {
		t.Fatalf("classifier called despite missing media")
	}
}

func TestCheckRequirements(t *testing.T) {
	cls := &scriptedClassifier{replies: []string{goodRequirements}}
	out := newComparator(cls, store()).CheckRequirements(context.Background(), evidence.Comparison{}, "Clean the park", []string{"remove trash", "bag it"})
	if out.Fallback || out.Requirements.Verdict != evidence.RequirementsApproved || out.Requirements.Confidence != 0.8 {
		t.Fatalf("unexpected requirements %+v", out)
	}
	if !strings.Contains(cls.prompts[0], "- bag it") {
		t.Fatalf("checklist missing from prompt")
	}

	for name, reply := range map[string]string{
		"bad verdict": `{"verdict":"MAYBE","confidence":0.9}`,
		"no verdict":  `{"confidence":0.9}`,
		"not json":    "approved",
	} {
		cls := &scriptedClassifier{replies: []string{reply}}
		out := newComparator(cls, store()).CheckRequirements(context.Background(), evidence.Comparison{}, "task", nil)
		if !out.Fallback || out.Requirements.Verdict != evidence.RequirementsRejected || out.Requirements.Confidence != 0.1 {
			t.Fatalf("%s: expected conservative fallback, got %+v", name, out)
		}
	}
}

func TestParseClampsConfidence(t *testing.T) {
	cmp, err := evidence.ParseComparison(`{"sameLocation":{"verdict":true,"confidence":1.7},"transformationDetected":{"verdict":true,"matchesExpected":false},"coverageConsistency":{"verdict":false,"coverageRatio":-0.2},"workCompleted":false}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmp.SameLocation.Confidence != 1 || cmp.CoverageConsistency.CoverageRatio != 0 {
		t.Fatalf("confidences not clamped: %+v", cmp)
	}
	req, err := evidence.ParseRequirements("```\n{\"verdict\":\"rejected\",\"confidence\":0.4}\n```")
	if err != nil || req.Verdict != evidence.RequirementsRejected {
		t.Fatalf("lowercase verdict: %+v %v", req, err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &scriptedClassifier{err: errors.New("upstream down")}
	b := evidence.NewBreakerClassifier(inner, evidence.BreakerSettings{Name: "test", Timeout: time.Minute, MinRequests: 3, FailureRatio: 0.6})
	for i := 0; i < 3; i++ {
		if _, err := b.Generate(context.Background(), "p", nil); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	if b.State() != "open" {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	calls := len(inner.prompts)
	if _, err := b.Generate(context.Background(), "p", nil); err == nil {
		t.Fatalf("expected open breaker to fail fast")
	}
	if len(inner.prompts) != calls {
		t.Fatalf("open breaker still called the classifier")
	}
	out := newComparator(b, store()).Compare(context.Background(), request())
	if !out.Fallback {
		t.Fatalf("expected fallback while breaker is open")
	}
}
