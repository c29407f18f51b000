// Package inference implements the beacon-to-position state machine: the
// rules mapping a carrier's position, speed, and beacon sightings onto
// beacon position updates.
package inference

import "time"

// Params are the tunable thresholds of the state machine.
type Params struct {
	PairSec time.Duration
	DriftM  float64
	GapSec  time.Duration
	JumpM   float64
	StopKMH float64
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		PairSec: 60 * time.Second,
		DriftM:  30,
		GapSec:  300 * time.Second,
		JumpM:   100,
		StopKMH: 5,
	}
}
