// Package ml holds the optional model hook that nudges the rule score.
package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// FeatureNames is the pinned feature order. A model trained on any other
// order is refused.
var FeatureNames = []string{
	"log_market_cap",
	"log_liquidity",
	"log_volume_24h",
	"vol_to_liq",
	"vol_to_mcap",
	"liq_to_mcap",
	"change_1h",
	"change_24h",
	"top10_pct",
	"lp_locked",
	"mint_revoked",
	"smart_money",
	"prelim_score",
	"rule_score",
}

// ErrFeatureMismatch is returned when a model's feature list differs from
// FeatureNames.
var ErrFeatureMismatch = errors.New("ml: feature order mismatch")

// Vector is a feature vector in FeatureNames order.
type Vector []float64

// BuildFeatures derives the pinned vector. Unknown values map to 0 and
// tri-state flags to -1/0/+1 (false/unknown/true).
func BuildFeatures(s *stats.TokenStats, smart bool, prelim, rule int) Vector {
	mcap := stats.Val(s.MarketCapUSD)
	liq := stats.Val(s.LiquidityUSD)
	vol := stats.Val(s.Volume24hUSD)
	return Vector{
		log10p(mcap),
		log10p(liq),
		log10p(vol),
		ratio(vol, liq),
		ratio(vol, mcap),
		ratio(liq, mcap),
		stats.Val(s.Change1h),
		stats.Val(s.Change24h),
		stats.Val(s.Top10Pct),
		triState(s.IsLPLocked),
		triState(s.IsMintRevoked),
		boolFeature(smart),
		float64(prelim),
		float64(rule),
	}
}

// Prediction is a model output.
type Prediction struct {
	GainPct float64 `json:"gain_pct"`
	PWin2x  float64 `json:"p_win_2x"`
}

// Model predicts from a pinned feature vector.
type Model interface {
	Features() []string
	Predict(v Vector) (Prediction, error)
}

// ---------------------------------------------------------------------------
// Linear model loaded from JSON
// ---------------------------------------------------------------------------

// LinearModel is a linear regressor for gain % and a logistic classifier for
// P(>=2x), both over the same standardised features.
type LinearModel struct {
	FeatureList []string  `json:"features"`
	Mean        []float64 `json:"mean"`
	Scale       []float64 `json:"scale"`
	GainCoef    []float64 `json:"gain_coef"`
	GainBias    float64   `json:"gain_intercept"`
	WinCoef     []float64 `json:"win_coef"`
	WinBias     float64   `json:"win_intercept"`
}

// LoadLinearModel reads a model file.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ml: read model: %w", err)
	}
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ml: parse model: %w", err)
	}
	n := len(m.FeatureList)
	if len(m.GainCoef) != n || len(m.WinCoef) != n ||
		(m.Mean != nil && len(m.Mean) != n) || (m.Scale != nil && len(m.Scale) != n) {
		return nil, fmt.Errorf("ml: model has inconsistent dimensions")
	}
	return &m, nil
}

func (m *LinearModel) Features() []string { return m.FeatureList }

func (m *LinearModel) Predict(v Vector) (Prediction, error) {
	if len(v) != len(m.FeatureList) {
		return Prediction{}, ErrFeatureMismatch
	}
	gain, logit := m.GainBias, m.WinBias
	for i, x := range v {
		if m.Mean != nil {
			x -= m.Mean[i]
		}
		if m.Scale != nil && m.Scale[i] != 0 {
			x /= m.Scale[i]
		}
		gain += m.GainCoef[i] * x
		logit += m.WinCoef[i] * x
	}
	p := Prediction{GainPct: gain, PWin2x: 1 / (1 + math.Exp(-logit))}
	if math.IsNaN(p.GainPct) || math.IsInf(p.GainPct, 0) || math.IsNaN(p.PWin2x) {
		return Prediction{}, fmt.Errorf("ml: non-finite prediction")
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Hook
// ---------------------------------------------------------------------------

// Hook adjusts a rule score by at most ±2 using a model. A nil *Hook or one
// whose model disagrees on feature order is a no-op.
type Hook struct {
	model   Model
	enabled bool
}

// NewHook validates the model's feature order against FeatureNames.
func NewHook(model Model) *Hook {
	if model == nil {
		return &Hook{}
	}
	if !slices.Equal(model.Features(), FeatureNames) {
		log.Warn().Strs("model_features", model.Features()).Msg("ml: feature order mismatch, hook disabled")
		return &Hook{model: model}
	}
	return &Hook{model: model, enabled: true}
}

// Enabled reports whether the hook will adjust scores.
func (h *Hook) Enabled() bool { return h != nil && h.enabled }

// Adjust returns the clamped score and a one-line reason. When the hook is
// disabled or the model fails, the score is returned unchanged with an empty
// reason.
func (h *Hook) Adjust(score int, v Vector) (int, string) {
	if !h.Enabled() {
		return score, ""
	}
	p, err := h.model.Predict(v)
	if err != nil {
		log.Debug().Err(err).Msg("ml: prediction failed")
		return score, ""
	}
	delta := Delta(p)
	adjusted := min(10, max(0, score+delta))
	return adjusted, fmt.Sprintf("ML: %+d (pred gain %.0f%%, p2x %.2f)", adjusted-score, p.GainPct, p.PWin2x)
}

// Delta maps a prediction to a score shift in [-2,+2].
func Delta(p Prediction) int {
	switch {
	case p.PWin2x >= 0.6 || p.GainPct >= 150:
		return 2
	case p.PWin2x >= 0.45 || p.GainPct >= 80:
		return 1
	case p.PWin2x < 0.1 && p.GainPct < 0:
		return -2
	case p.PWin2x < 0.2:
		return -1
	}
	return 0
}

func log10p(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Log10(v)
}

func ratio(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func triState(b *bool) float64 {
	switch {
	case b == nil:
		return 0
	case *b:
		return 1
	default:
		return -1
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
