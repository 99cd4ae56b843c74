// Package timeutil normalizes clock-skew allowances applied to token
// temporal claims, which are expressed in whole unix seconds.
package timeutil

import (
	"math"
	"time"
)

// SkewSecondsCeil converts a skew duration to whole seconds, rounding up.
// Negative durations count as zero.
func SkewSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// NormalizeSkew rounds a skew duration up to whole seconds.
func NormalizeSkew(d time.Duration) time.Duration {
	return time.Duration(SkewSecondsCeil(d)) * time.Second
}

// AddSkewUnix adds a skew allowance to a unix timestamp, saturating on
// overflow.
func AddSkewUnix(unix int64, skew time.Duration) int64 {
	s := SkewSecondsCeil(skew)
	if unix > math.MaxInt64-s {
		return math.MaxInt64
	}
	return unix + s
}
