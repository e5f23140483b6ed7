package proximity_test

import (
	"math"
	"testing"

	"taskproof/internal/domain"
	"taskproof/internal/proximity"
)

func fix(lat, lon, acc float64) *domain.Coordinates {
	return &domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: acc}
}

func TestNearbyFixIsExcellent(t *testing.T) {
	res := proximity.Verify(proximity.DefaultPolicy(), fix(37.7749, -122.4194, 5), fix(37.7750, -122.4195, 5))
	if !res.Matched {
		t.Fatalf("expected match: %+v", res)
	}
	if res.Tier != domain.TierExcellent {
		t.Fatalf("expected excellent tier, got %s", res.Tier)
	}
	if res.DistanceMeters == nil || *res.DistanceMeters < 5 || *res.DistanceMeters > 20 {
		t.Fatalf("unexpected distance %v", res.DistanceMeters)
	}
	if res.Confidence < 0.9 || res.Confidence > 1.0 {
		t.Fatalf("confidence %v outside excellent band", res.Confidence)
	}
}

func TestMidRangeFixIsGood(t *testing.T) {
	res := proximity.Verify(proximity.DefaultPolicy(), fix(37.7749, -122.4194, 5), fix(37.7760, -122.4210, 5))
	if !res.Matched || res.Tier != domain.TierGood {
		t.Fatalf("expected good match, got %+v", res)
	}
	if *res.DistanceMeters <= 120 || *res.DistanceMeters > 210 {
		t.Fatalf("distance %v outside good band", *res.DistanceMeters)
	}
	if res.Confidence < 0.5 || res.Confidence > 0.7 {
		t.Fatalf("confidence %v outside good band", res.Confidence)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	points := [][2]float64{
		{37.7749, -122.4194}, {37.7760, -122.4210}, {-33.8688, 151.2093},
		{51.5074, -0.1278}, {0, 0}, {89.9, 179.9}, {-89.9, -179.9}, {35.6762, 139.6503},
	}
	p := proximity.DefaultPolicy()
	for i, a := range points {
		for j, b := range points {
			ab := proximity.Verify(p, fix(a[0], a[1], 3), fix(b[0], b[1], 7))
			ba := proximity.Verify(p, fix(b[0], b[1], 7), fix(a[0], a[1], 3))
			if math.Abs(*ab.DistanceMeters-*ba.DistanceMeters) > 1e-6 {
				t.Fatalf("distance asymmetric for %d,%d: %v vs %v", i, j, *ab.DistanceMeters, *ba.DistanceMeters)
			}
			if ab.Tier != ba.Tier || ab.Matched != ba.Matched || math.Abs(ab.Confidence-ba.Confidence) > 1e-9 {
				t.Fatalf("classification asymmetric for %d,%d: %+v vs %+v", i, j, ab, ba)
			}
		}
	}
}

func TestConfidenceNonIncreasingWithDistance(t *testing.T) {
	p := proximity.DefaultPolicy()
	ref := fix(0, 0, 2)
	prev := math.Inf(1)
	prevTier := domain.TierExcellent
	// one degree of latitude is ~111195m, so step ~1m at a time
	for i := 0; i <= 400; i++ {
		lat := float64(i) / 111195.0
		res := proximity.Verify(p, ref, fix(lat, 0, 2))
		if res.Confidence > prev+1e-12 {
			t.Fatalf("confidence increased at %dm: %v > %v (%s after %s)", i, res.Confidence, prev, res.Tier, prevTier)
		}
		prev = res.Confidence
		prevTier = res.Tier
	}
	if prevTier != domain.TierFailed {
		t.Fatalf("expected failed tier at 400m, got %s", prevTier)
	}
}

func TestAccuracyBufferExtendsMatch(t *testing.T) {
	p := proximity.DefaultPolicy()
	ref := fix(0, 0, 10)
	// ~305m north: over the base limit, inside 300+10+10
	res := proximity.Verify(p, ref, fix(305/111195.0, 0, 10))
	if !res.Matched || res.Tier != domain.TierAcceptable {
		t.Fatalf("expected buffered acceptable match, got %+v", res)
	}
	if res.Confidence != 0.4 {
		t.Fatalf("expected floor confidence 0.4, got %v", res.Confidence)
	}
	res = proximity.Verify(p, ref, fix(330/111195.0, 0, 10))
	if res.Matched || res.Tier != domain.TierFailed || res.Confidence != 0.1 {
		t.Fatalf("expected failed beyond buffer, got %+v", res)
	}
}

func TestMissingCoordinatesHardFail(t *testing.T) {
	p := proximity.DefaultPolicy()
	lat := 37.7749
	cases := map[string][2]*domain.Coordinates{
		"nil candidate":     {fix(37.7749, -122.4194, 5), nil},
		"nil reference":     {nil, fix(37.7749, -122.4194, 5)},
		"missing longitude": {fix(37.7749, -122.4194, 5), {Latitude: &lat, AccuracyMeters: 1}},
		"missing latitude":  {{Longitude: &lat}, fix(37.7749, -122.4194, 5)},
		"both empty":        {{}, {}},
	}
	for name, c := range cases {
		res := proximity.Verify(p, c[0], c[1])
		if res.Matched || res.Confidence != 0 || res.DistanceMeters != nil {
			t.Fatalf("%s: expected hard fail, got %+v", name, res)
		}
		if res.Reasoning == "" {
			t.Fatalf("%s: expected a reason", name)
		}
	}
}

func TestInvalidCoordinatesNeverMatch(t *testing.T) {
	p := proximity.DefaultPolicy()
	res := proximity.Verify(p, fix(37.7749, -122.4194, 5), fix(137.7749, -122.4194, 5))
	if res.Matched || res.Confidence != 0 {
		t.Fatalf("expected invalid latitude to fail, got %+v", res)
	}
	res = proximity.Verify(p, fix(37.7749, -122.4194, 5), fix(math.NaN(), -122.4194, 5))
	if res.Matched {
		t.Fatalf("expected NaN to fail, got %+v", res)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := proximity.DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := proximity.Policy{MaxDistanceMeters: 300, ExcellentRatio: 0.8, GoodRatio: 0.7}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected ratio ordering error")
	}
}
