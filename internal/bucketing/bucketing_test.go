package bucketing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHashKnownVectors(t *testing.T) {
	// Standard MurmurHash3 x86_32 vectors for ASCII input, seed 0.
	assert.Equal(t, uint32(0), Hash(""))
	assert.Equal(t, uint32(1009084850), Hash("a"))
	assert.Equal(t, uint32(613153351), Hash("hello"))
}

func TestBucketReferenceValues(t *testing.T) {
	tests := []struct {
		experiment, visitor, salt string
		want                      int
	}{
		{"checkout-flow", "11111111-1111-4111-8111-111111111111", "", 99},
		{"checkout-flow", "11111111-1111-4111-8111-111111111111", "v2", 68},
		{"pricing", "visitor-a", "", 98},
		{"pricing", "visitor-b", "", 3},
	}
	for _, tt := range tests {
		got := Bucket(tt.experiment, tt.visitor, tt.salt)
		assert.Equal(t, tt.want, got, "Bucket(%q, %q, %q)", tt.experiment, tt.visitor, tt.salt)
	}
}

func TestHashUsesLowByteOfUTF16Units(t *testing.T) {
	// Non-ASCII characters contribute the low byte of each UTF-16 unit;
	// astral characters contribute two units.
	assert.Equal(t, uint32(2376771902), Hash("exp:héllo"))
	assert.Equal(t, uint32(1745428132), Hash("exp:\U0001F600"))
}

func TestKeyIgnoresEmptySalt(t *testing.T) {
	assert.Equal(t, "e:v", Key("e", "v"))
	assert.Equal(t, "e:v", Key("e", "v", ""))
	assert.Equal(t, "e:v:s", Key("e", "v", "s"))
}

// Feature: pulse, Property 2: Bucket is deterministic and in range
func TestBucketDeterministicInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		exp := rapid.String().Draw(t, "experiment")
		visitor := rapid.String().Draw(t, "visitor")
		salt := rapid.String().Draw(t, "salt")

		b1 := Bucket(exp, visitor, salt)
		b2 := Bucket(exp, visitor, salt)
		if b1 != b2 {
			t.Fatalf("Bucket not stable: %d then %d", b1, b2)
		}
		if b1 < 0 || b1 >= Buckets {
			t.Fatalf("Bucket out of range: %d", b1)
		}
	})
}

// Feature: pulse, Property 3: Traffic ramp-up only adds visitors
func TestInTrafficMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bucket := rapid.IntRange(0, Buckets-1).Draw(t, "bucket")
		lo := rapid.IntRange(0, 100).Draw(t, "lo")
		hi := rapid.IntRange(lo, 100).Draw(t, "hi")
		if InTraffic(bucket, lo) && !InTraffic(bucket, hi) {
			t.Fatalf("bucket %d in %d%% but not in %d%%", bucket, lo, hi)
		}
	})
}

func TestChoose(t *testing.T) {
	arms := []Weighted{{"control", 50}, {"treatment", 50}}

	key, ok := Choose(0, arms)
	assert.True(t, ok)
	assert.Equal(t, "control", key)

	key, _ = Choose(49, arms)
	assert.Equal(t, "control", key)

	key, _ = Choose(50, arms)
	assert.Equal(t, "treatment", key)

	key, _ = Choose(99, arms)
	assert.Equal(t, "treatment", key)

	_, ok = Choose(10, []Weighted{{"a", 0}})
	assert.False(t, ok)
}

func TestChooseSkipsZeroWeights(t *testing.T) {
	arms := []Weighted{{"off", 0}, {"a", 1}, {"b", 3}}
	for b := 0; b < Buckets; b++ {
		key, ok := Choose(b, arms)
		assert.True(t, ok)
		assert.NotEqual(t, "off", key)
	}
	key, _ := Choose(24, arms)
	assert.Equal(t, "a", key)
	key, _ = Choose(25, arms)
	assert.Equal(t, "b", key)
}
