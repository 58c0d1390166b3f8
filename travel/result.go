// Package travel resolves travel times between two positions through an
// external routing provider, with bucketed caching and in-flight request
// sharing.
package travel

import (
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Mode is a way of getting from one place to another.
type Mode string

const (
	Walking   Mode = "walking"
	Driving   Mode = "driving"
	Bicycling Mode = "bicycling"
	Transit   Mode = "transit"
	Rideshare Mode = "rideshare"
)

// Modes lists every mode requested upstream, in response order.
var Modes = []Mode{Walking, Driving, Bicycling, Transit, Rideshare}

// Estimate is one mode's travel time.
type Estimate struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Label           string  `json:"label"`
}

// Minutes returns the duration in minutes.
func (e Estimate) Minutes() float64 {
	return e.DurationSeconds / 60
}

// ModeStatus says why a mode does or does not carry an estimate.
type ModeStatus string

const (
	ModeOK ModeStatus = "ok"
	// ModeInvalid means the provider answered for the mode but the value
	// failed validation.
	ModeInvalid ModeStatus = "invalid"
	// ModeUnavailable means no value was produced at all.
	ModeUnavailable ModeStatus = "unavailable"
)

// ModeResult is the outcome for a single mode. Estimate is nil unless
// Status is ModeOK.
type ModeResult struct {
	Mode     Mode       `json:"mode"`
	Estimate *Estimate  `json:"estimate"`
	Status   ModeStatus `json:"status"`
}

// Outcome describes how a Result was produced.
type Outcome string

const (
	OutcomeResolved       Outcome = "resolved"
	OutcomeInvalidInput   Outcome = "invalid_input"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeCanceled       Outcome = "canceled"
	OutcomeNotConfigured  Outcome = "not_configured"
)

// Result holds every mode's estimate for one origin/destination pair.
// Fastest is empty when no mode has an estimate.
type Result struct {
	Modes   []ModeResult `json:"modes"`
	Fastest Mode         `json:"fastest,omitempty"`
	Outcome Outcome      `json:"outcome"`
}

// emptyResult is the all-null result for the given outcome.
func emptyResult(outcome Outcome) Result {
	modes := make([]ModeResult, len(Modes))
	for i, m := range Modes {
		modes[i] = ModeResult{Mode: m, Status: ModeUnavailable}
	}
	return Result{Modes: modes, Outcome: outcome}
}

// ForMode returns the entry for m, if present.
func (r Result) ForMode(m Mode) (ModeResult, bool) {
	for _, mr := range r.Modes {
		if mr.Mode == m {
			return mr, true
		}
	}
	return ModeResult{}, false
}

// FastestEstimate returns the estimate of the fastest mode.
func (r Result) FastestEstimate() (Estimate, bool) {
	if r.Fastest == "" {
		return Estimate{}, false
	}
	mr, ok := r.ForMode(r.Fastest)
	if !ok || mr.Estimate == nil {
		return Estimate{}, false
	}
	return *mr.Estimate, true
}

// rawEstimate is the provider's per-mode payload before validation.
type rawEstimate struct {
	DurationSeconds *float64 `json:"durationSeconds" validate:"required,gte=0"`
	Label           *string  `json:"label" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// buildResult validates each mode independently. A mode that is missing,
// undecodable or out of range becomes null without affecting the others.
func buildResult(raw map[Mode]json.RawMessage) Result {
	res := emptyResult(OutcomeResolved)
	best := math.Inf(1)
	for i, m := range Modes {
		msg, ok := raw[m]
		if !ok || len(msg) == 0 || string(msg) == "null" {
			continue
		}
		var est rawEstimate
		if err := json.Unmarshal(msg, &est); err != nil {
			res.Modes[i].Status = ModeInvalid
			continue
		}
		if err := validate.Struct(est); err != nil {
			res.Modes[i].Status = ModeInvalid
			continue
		}
		d := *est.DurationSeconds
		if math.IsNaN(d) || math.IsInf(d, 0) {
			res.Modes[i].Status = ModeInvalid
			continue
		}
		res.Modes[i] = ModeResult{
			Mode:     m,
			Estimate: &Estimate{DurationSeconds: d, Label: *est.Label},
			Status:   ModeOK,
		}
		if d < best {
			best = d
			res.Fastest = m
		}
	}
	return res
}
