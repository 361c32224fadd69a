package core

import (
	"math"
	"time"
)

// maxDeliveryBackoffExponent caps the doubling so attempt 6 and beyond share a base.
const maxDeliveryBackoffExponent = 5

// DeliveryBackoff computes min(base*2^min(attempt-1,5), max) scaled by a jitter
// factor drawn uniformly from [jitterMin, jitterMax) using random in [0,1).
func DeliveryBackoff(
	attempt int,
	base time.Duration,
	maximum time.Duration,
	jitterMin float64,
	jitterMax float64,
	random float64,
) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if maximum < base {
		maximum = base
	}
	exponent := attempt - 1
	if exponent > maxDeliveryBackoffExponent {
		exponent = maxDeliveryBackoffExponent
	}
	delay := float64(base) * math.Pow(2, float64(exponent))
	if delay > float64(maximum) {
		delay = float64(maximum)
	}
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	factor := jitterMin + clampUnit(random)*(jitterMax-jitterMin)
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(delay * factor)
}

// DispatchBackoff computes initial*multiplier^(attempt-1), capped at maximum,
// scaled by (1 + jitterRatio*random) and never below initial.
func DispatchBackoff(
	attempt int,
	initial time.Duration,
	multiplier float64,
	maximum time.Duration,
	jitterRatio float64,
	random float64,
) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if maximum < initial {
		maximum = initial
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || delay > float64(maximum) {
		delay = float64(maximum)
	}
	if jitterRatio > 0 {
		delay *= 1 + jitterRatio*clampUnit(random)
	}
	if delay < float64(initial) {
		delay = float64(initial)
	}
	return time.Duration(delay)
}

func clampUnit(value float64) float64 {
	switch {
	case math.IsNaN(value), value < 0:
		return 0
	case value >= 1:
		return math.Nextafter(1, 0)
	default:
		return value
	}
}
