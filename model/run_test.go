package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConstantConfig() RunConfig {
	return RunConfig{
		Mode:      StrategyConstantRPS,
		TargetRPS: 50,
		Duration:  time.Second,
		Request:   Request{Method: MethodGet, URL: "http://example.com"},
	}
}

func TestValidateAcceptsWellFormedConstantConfig(t *testing.T) {
	cfg := validConstantConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConstantConfig()
	cfg.Mode = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeTargetRPS(t *testing.T) {
	cfg := validConstantConfig()
	cfg.TargetRPS = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingURL(t *testing.T) {
	cfg := validConstantConfig()
	cfg.Request.URL = ""
	require.Error(t, cfg.Validate())
}

func TestValidateIterationsRequiresPositiveCounts(t *testing.T) {
	cfg := RunConfig{Mode: StrategyIterations, Request: Request{Method: MethodGet, URL: "http://example.com"}}
	require.Error(t, cfg.Validate())

	cfg.Iterations = 10
	cfg.Concurrency = 2
	require.NoError(t, cfg.Validate())
}

func TestValidateRampUpRejectsRampLongerThanDuration(t *testing.T) {
	cfg := RunConfig{
		Mode:              StrategyRampUp,
		StartConcurrency:  1,
		TargetConcurrency: 10,
		RampUpDuration:    2 * time.Minute,
		Duration:          time.Minute,
		Request:           Request{Method: MethodGet, URL: "http://example.com"},
	}
	require.Error(t, cfg.Validate())
}

func TestDefaultsFillsZeroValues(t *testing.T) {
	cfg := RunConfig{}
	cfg.Defaults()
	require.Equal(t, 100, cfg.SampleRate)
	require.Equal(t, 1000, cfg.MaxSamples)
	require.Equal(t, 100000, cfg.MaxErrorRecords)
}
