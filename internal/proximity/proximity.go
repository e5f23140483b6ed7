// Package proximity classifies how close a worker's GPS fix is to the
// reference site of a job.
package proximity

import (
	"errors"
	"fmt"
	"math"

	"taskproof/internal/domain"
)

// EarthRadiusMeters is the spherical approximation used by Distance.
const EarthRadiusMeters = 6371000.0

// Policy holds the tuning knobs for tiering.
type Policy struct {
	MaxDistanceMeters float64 `yaml:"max_distance_m" json:"max_distance_m"`
	ExcellentRatio    float64 `yaml:"excellent_ratio" json:"excellent_ratio"`
	GoodRatio         float64 `yaml:"good_ratio" json:"good_ratio"`
}

func DefaultPolicy() Policy {
	return Policy{MaxDistanceMeters: 300, ExcellentRatio: 0.4, GoodRatio: 0.7}
}

func (p Policy) Validate() error {
	if p.MaxDistanceMeters <= 0 {
		return errors.New("proximity.max_distance_m must be positive")
	}
	if p.ExcellentRatio <= 0 || p.GoodRatio <= p.ExcellentRatio || p.GoodRatio >= 1 {
		return fmt.Errorf("proximity ratios must satisfy 0 < excellent (%v) < good (%v) < 1", p.ExcellentRatio, p.GoodRatio)
	}
	return nil
}

// Confidence bands per tier, high end first.
const (
	excellentHigh  = 1.0
	excellentLow   = 0.8
	goodHigh       = 0.7
	goodLow        = 0.5
	acceptableHigh = 0.5
	acceptableLow  = 0.4
	failedFloor    = 0.1
)

// Distance returns the haversine great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	s1 := math.Sin(dPhi / 2)
	s2 := math.Sin(dLambda / 2)
	a := s1*s1 + math.Cos(phi1)*math.Cos(phi2)*s2*s2
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Verify compares a candidate fix against the reference fix. A missing or
// invalid fix on either side never matches.
func Verify(p Policy, reference, candidate *domain.Coordinates) domain.ProximityResult {
	if reference.Missing() || candidate.Missing() {
		return domain.ProximityResult{
			Matched:   false,
			Tier:      domain.TierMissing,
			Reasoning: "missing coordinates: location was not provided for the reference site or the submission",
		}
	}
	if err := validFix(reference); err != nil {
		return invalid("reference", err)
	}
	if err := validFix(candidate); err != nil {
		return invalid("submission", err)
	}
	if p.MaxDistanceMeters <= 0 {
		p = DefaultPolicy()
	}

	d := Distance(*reference.Latitude, *reference.Longitude, *candidate.Latitude, *candidate.Longitude)
	buffer := math.Max(reference.AccuracyMeters, 0) + math.Max(candidate.AccuracyMeters, 0)
	res := domain.ProximityResult{DistanceMeters: &d}
	limit := p.MaxDistanceMeters
	excellent := limit * p.ExcellentRatio
	good := limit * p.GoodRatio

	switch {
	case d <= excellent:
		res.Tier = domain.TierExcellent
		res.Confidence = lerp(excellentHigh, excellentLow, d/excellent)
	case d <= good:
		res.Tier = domain.TierGood
		res.Confidence = lerp(goodHigh, goodLow, (d-excellent)/(good-excellent))
	case d <= limit:
		res.Tier = domain.TierAcceptable
		res.Confidence = lerp(acceptableHigh, acceptableLow, (d-good)/(limit-good))
	case d <= limit+buffer:
		res.Tier = domain.TierAcceptable
		res.Confidence = acceptableLow
	default:
		res.Tier = domain.TierFailed
		res.Confidence = failedFloor
	}
	res.Matched = res.Tier != domain.TierFailed
	res.Reasoning = reasoning(res.Tier, d, limit, buffer)
	return res
}

func validFix(c *domain.Coordinates) error {
	lat, lon := *c.Latitude, *c.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return errors.New("coordinate is not a finite number")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	if math.IsNaN(c.AccuracyMeters) || c.AccuracyMeters < 0 {
		return fmt.Errorf("accuracy %v must be non-negative", c.AccuracyMeters)
	}
	return nil
}

func invalid(side string, err error) domain.ProximityResult {
	return domain.ProximityResult{
		Matched:   false,
		Tier:      domain.TierMissing,
		Reasoning: fmt.Sprintf("invalid coordinates on %s: %v", side, err),
	}
}

// lerp maps frac in [0,1] from hi down to lo.
func lerp(hi, lo, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return hi - (hi-lo)*frac
}

func reasoning(tier domain.ProximityTier, d, limit, buffer float64) string {
	switch tier {
	case domain.TierExcellent:
		return fmt.Sprintf("submitted %.0fm from the reference site, well within the %.0fm limit", d, limit)
	case domain.TierGood:
		return fmt.Sprintf("submitted %.0fm from the reference site, within the %.0fm limit", d, limit)
	case domain.TierAcceptable:
		if d > limit {
			return fmt.Sprintf("submitted %.0fm from the reference site, beyond %.0fm but inside the %.0fm GPS accuracy buffer", d, limit, buffer)
		}
		return fmt.Sprintf("submitted %.0fm from the reference site, near the %.0fm limit", d, limit)
	default:
		return fmt.Sprintf("submitted %.0fm from the reference site, exceeding the %.0fm limit (+%.0fm accuracy buffer)", d, limit, buffer)
	}
}
