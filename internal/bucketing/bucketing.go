// Package bucketing maps a visitor onto a stable traffic bucket in [0,100).
//
// The hash is MurmurHash3 x86_32 with seed 0 over the low byte of each UTF-16
// code unit of "experimentKey:visitorID[:salt]". Every implementation that
// buckets the same visitor must produce the same value, so this encoding is
// part of the wire contract.
package bucketing

import (
	"strings"
	"unicode/utf16"

	"github.com/spaolacci/murmur3"
)

// Buckets is the number of traffic buckets.
const Buckets = 100

// Hash returns the 32-bit MurmurHash3 of s in the bucketing encoding.
func Hash(s string) uint32 {
	units := utf16.Encode([]rune(s))
	data := make([]byte, len(units))
	for i, u := range units {
		data[i] = byte(u)
	}
	return murmur3.Sum32WithSeed(data, 0)
}

// Key builds the hash input for an experiment/visitor pair. Empty salts are
// ignored.
func Key(experimentKey, visitorID string, salt ...string) string {
	parts := []string{experimentKey, visitorID}
	for _, s := range salt {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Bucket returns the visitor's bucket for the experiment, in [0,100).
func Bucket(experimentKey, visitorID string, salt ...string) int {
	return int(Hash(Key(experimentKey, visitorID, salt...)) % Buckets)
}

// InTraffic reports whether bucket falls inside a traffic allocation of
// percent (0-100). Used for gradual ramp-up: raising percent only ever adds
// buckets.
func InTraffic(bucket, percent int) bool {
	return bucket < percent
}

// Weighted is a variation key with a relative weight.
type Weighted struct {
	Key    string
	Weight int
}

// Choose picks the variation whose cumulative weight range contains bucket,
// scaling weights to the 100-bucket space. It returns false when there are no
// positive weights.
func Choose(bucket int, variations []Weighted) (string, bool) {
	total := 0
	for _, v := range variations {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return "", false
	}
	point := bucket * total / Buckets
	acc := 0
	for _, v := range variations {
		if v.Weight <= 0 {
			continue
		}
		acc += v.Weight
		if point < acc {
			return v.Key, true
		}
	}
	// Unreachable for bucket < Buckets; keep the last arm for safety.
	for i := len(variations) - 1; i >= 0; i-- {
		if variations[i].Weight > 0 {
			return variations[i].Key, true
		}
	}
	return "", false
}
