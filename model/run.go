package model

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// structValidator performs the struct-tag-based checks in RunConfig.Validate.
// A single package-level instance is safe for concurrent use and avoids
// reflecting over the same tags on every call, the library's own documented
// usage pattern.
var structValidator = validator.New()

// StrategyMode selects which load strategy drives a run.
type StrategyMode string

const (
	StrategyConstantRPS StrategyMode = "constant_rps"
	StrategyIterations  StrategyMode = "iterations"
	StrategyRampUp      StrategyMode = "ramp_up"
)

// RunStatus is one of the six states a run may occupy, per spec section 3's
// invariant that a run is in exactly one of these at all times.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// RunConfig is the client-supplied configuration for a load run: strategy
// selection, strategy parameters, the embedded request template, and
// transport-level tuning. It is captured verbatim (as JSON) into
// RunContext.ConfigSnapshot at run start.
type RunConfig struct {
	Mode StrategyMode `json:"mode" validate:"required,oneof=constant_rps iterations ramp_up"`

	// Constant-RPS parameters.
	TargetRPS float64       `json:"targetRps,omitempty" validate:"gte=0"`
	Duration  time.Duration `json:"duration,omitempty" validate:"gte=0"`

	// Iterations parameters.
	Iterations  int `json:"iterations,omitempty" validate:"gte=0"`
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0"`

	// Ramp-up parameters.
	StartConcurrency  int           `json:"startConcurrency,omitempty" validate:"gte=0"`
	TargetConcurrency int           `json:"targetConcurrency,omitempty" validate:"gte=0"`
	RampUpDuration    time.Duration `json:"rampUpDuration,omitempty" validate:"gte=0"`

	Request Request `json:"request"`

	SampleRate      int `json:"sampleRate,omitempty" validate:"gte=0"`      // 1-in-N successes sampled, default 100
	MaxSamples      int `json:"maxSamples,omitempty" validate:"gte=0"`      // hard cap on response samples, default 1000
	MaxErrorRecords int `json:"maxErrorRecords,omitempty" validate:"gte=0"` // hard cap on stored errors

	// RunScriptsImmediately selects "design mode" (true, scripts run inline
	// per completion) vs "load mode" (false, test scripts deferred until
	// after the run via sampled responses).
	RunScriptsImmediately bool `json:"runScriptsImmediately,omitempty"`
}

// Validate applies the structural constraints spec.md implies for each
// strategy mode. It does not open any network connection or touch Storage.
// Field-level shape checks (required, oneof, non-negative) run through
// go-playground/validator first; the cross-field, mode-dependent rules
// below it (a validator struct tag can't express "required only when Mode
// is iterations") are hand-written on top.
func (c *RunConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return errInvalid(err.Error())
	}

	switch c.Mode {
	case StrategyConstantRPS:
		if c.TargetRPS < 0 {
			return errInvalid("targetRps must be >= 0")
		}
		if c.Duration <= 0 {
			return errInvalid("duration must be positive")
		}
	case StrategyIterations:
		if c.Iterations <= 0 {
			return errInvalid("iterations must be positive")
		}
		if c.Concurrency <= 0 {
			return errInvalid("concurrency must be positive")
		}
	case StrategyRampUp:
		if c.StartConcurrency < 0 || c.TargetConcurrency <= 0 {
			return errInvalid("ramp-up concurrency bounds must be non-negative, target positive")
		}
		if c.RampUpDuration <= 0 || c.Duration <= 0 {
			return errInvalid("ramp-up and total duration must be positive")
		}
		if c.RampUpDuration > c.Duration {
			return errInvalid("rampUpDuration must not exceed duration")
		}
	default:
		return errInvalid("unknown strategy mode: " + string(c.Mode))
	}
	if c.Request.URL == "" {
		return errInvalid("request.url is required")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }

// Defaults fills zero-valued tunables with spec-mandated defaults.
func (c *RunConfig) Defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 100
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 1000
	}
	if c.MaxErrorRecords <= 0 {
		c.MaxErrorRecords = 100000
	}
}
