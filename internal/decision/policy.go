package decision

import (
	"errors"
	"fmt"
)

// Weights are the maximum points per scoring component.
type Weights struct {
	GPS            float64 `yaml:"gps" json:"gps"`
	Visual         float64 `yaml:"visual" json:"visual"`
	Transformation float64 `yaml:"transformation" json:"transformation"`
	Coverage       float64 `yaml:"coverage" json:"coverage"`
	Requirements   float64 `yaml:"requirements" json:"requirements"`
}

func (w Weights) Total() float64 {
	return w.GPS + w.Visual + w.Transformation + w.Coverage + w.Requirements
}

type Policy struct {
	Weights          Weights `yaml:"weights" json:"weights"`
	ApproveThreshold float64 `yaml:"approve_threshold" json:"approve_threshold"`
	ImproveThreshold float64 `yaml:"improve_threshold" json:"improve_threshold"`
	// StrongGPSConfidence is the GPS confidence at or above which the
	// visual threshold drops to VisualThresholdStrongGPS.
	StrongGPSConfidence      float64 `yaml:"strong_gps_confidence" json:"strong_gps_confidence"`
	VisualThreshold          float64 `yaml:"visual_threshold" json:"visual_threshold"`
	VisualThresholdStrongGPS float64 `yaml:"visual_threshold_strong_gps" json:"visual_threshold_strong_gps"`
}

func DefaultPolicy() Policy {
	return Policy{
		Weights: Weights{
			GPS:            25,
			Visual:         20,
			Transformation: 25,
			Coverage:       15,
			Requirements:   15,
		},
		ApproveThreshold:         70,
		ImproveThreshold:         50,
		StrongGPSConfidence:      0.8,
		VisualThreshold:          0.6,
		VisualThresholdStrongGPS: 0.5,
	}
}

func (p Policy) Validate() error {
	w := p.Weights
	for name, v := range map[string]float64{
		"gps": w.GPS, "visual": w.Visual, "transformation": w.Transformation,
		"coverage": w.Coverage, "requirements": w.Requirements,
	} {
		if v < 0 {
			return fmt.Errorf("decision.weights.%s must not be negative", name)
		}
	}
	if w.Total() <= 0 {
		return errors.New("decision.weights must sum to a positive value")
	}
	if p.ImproveThreshold < 0 || p.ApproveThreshold <= p.ImproveThreshold || p.ApproveThreshold > 100 {
		return fmt.Errorf("decision thresholds must satisfy 0 <= improve (%v) < approve (%v) <= 100", p.ImproveThreshold, p.ApproveThreshold)
	}
	if p.VisualThreshold <= 0 || p.VisualThreshold > 1 || p.VisualThresholdStrongGPS <= 0 || p.VisualThresholdStrongGPS > 1 {
		return errors.New("decision visual thresholds must be within (0,1]")
	}
	if p.StrongGPSConfidence < 0 || p.StrongGPSConfidence > 1 {
		return errors.New("decision.strong_gps_confidence must be within [0,1]")
	}
	return nil
}
