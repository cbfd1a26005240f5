// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines configuration types for the Pact VM.
package config

import (
	"time"

	"github.com/luxfi/pactvm/utils/units"
)

// Config contains configuration parameters for the Pact VM.
type Config struct {
	// MinStake is the minimum collateral for a pact, challenge, or group
	// join, in minor units of the native currency.
	MinStake uint64 `json:"minStake"`

	// MaxGroupSize caps the member limit a group pact may declare at
	// creation time.
	MaxGroupSize uint32 `json:"maxGroupSize"`

	// MinPactDuration is the minimum gap between creation time and
	// deadline. Zero disables the check (any future deadline is valid).
	MinPactDuration time.Duration `json:"minPactDuration"`

	// APIEnabled exposes the JSON-RPC handlers when true.
	APIEnabled bool `json:"apiEnabled"`

	// MetricsEnabled registers engine metrics when true.
	MetricsEnabled bool `json:"metricsEnabled"`
}

// DefaultConfig returns the default configuration for the Pact VM.
func DefaultConfig() Config {
	return Config{
		MinStake:        units.Lux,
		MaxGroupSize:    100,
		MinPactDuration: 0,

		APIEnabled:     true,
		MetricsEnabled: true,
	}
}
