package models

import "strings"

// AnalysisResult is the payload produced by the acoustic scoring service.
type AnalysisResult struct {
	Success        bool           `json:"success"`
	Features       Features       `json:"features"`
	RiskAssessment RiskAssessment `json:"riskAssessment"`
	Error          string         `json:"error,omitempty"`
}

// Features holds the acoustic measurements of a recording.
type Features struct {
	FundamentalFrequency Stat    `json:"fundamentalFrequency"`
	Jitter               Jitter  `json:"jitter"`
	Shimmer              Shimmer `json:"shimmer"`
	HNR                  Stat    `json:"hnr"`
	Duration             float64 `json:"duration"`
}

// Stat is a mean and standard deviation pair.
type Stat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Jitter holds period perturbation measures.
type Jitter struct {
	Local float64 `json:"local"`
	RAP   float64 `json:"rap"`
	PPQ5  float64 `json:"ppq5"`
}

// Shimmer holds amplitude perturbation measures.
type Shimmer struct {
	Local float64 `json:"local"`
	APQ3  float64 `json:"apq3"`
	APQ5  float64 `json:"apq5"`
}

// RiskAssessment is the scorer's verdict.
type RiskAssessment struct {
	RiskLevel      string   `json:"riskLevel"`
	RiskScore      float64  `json:"riskScore"`
	RiskFactors    []string `json:"riskFactors"`
	Recommendation string   `json:"recommendation"`
	Color          string   `json:"color"`
	Confidence     float64  `json:"confidence"`
}

// RiskTier is the coarse tone bucket used when talking to the user.
type RiskTier string

// Risk tiers.
const (
	TierLow      RiskTier = "low"
	TierModerate RiskTier = "moderate"
	TierHigh     RiskTier = "high"
)

// Tier derives the risk tier from the color hint first and the level label
// second. Unknown values are treated as low.
func (r RiskAssessment) Tier() RiskTier {
	switch strings.ToLower(strings.TrimSpace(r.Color)) {
	case "red":
		return TierHigh
	case "orange", "yellow":
		return TierModerate
	}
	level := strings.ToLower(r.RiskLevel)
	switch {
	case strings.Contains(level, "alto"), strings.Contains(level, "high"):
		return TierHigh
	case strings.Contains(level, "moderado"), strings.Contains(level, "médio"),
		strings.Contains(level, "medio"), strings.Contains(level, "moderate"):
		return TierModerate
	}
	return TierLow
}
