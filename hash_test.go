// Hashing tests: determinism, bounds, power-of-two helpers.
package strata

import "testing"

// TestBoundedHashDeterministic pins that the hash is a pure function
// with a fixed seed. On-disk index layouts depend on it: a drifting
// hash would orphan every entry written by a previous process.
func TestBoundedHashDeterministic(t *testing.T) {
	for _, s := range []string{"", "a", "AAPL", "a slightly longer symbol name"} {
		h1 := boundedHash(s, 1023)
		h2 := boundedHash(s, 1023)
		if h1 != h2 {
			t.Errorf("boundedHash(%q) unstable: %d vs %d", s, h1, h2)
		}
		if h1 < 0 || h1 > 1023 {
			t.Errorf("boundedHash(%q) = %d, outside [0, 1023]", s, h1)
		}
	}
}

// TestBoundedHashSpreads sanity-checks distribution: 1000 distinct
// strings over 256 buckets should touch a healthy majority of them. A
// broken mixer that only fills a few buckets would turn every symbol
// lookup into a long linear scan.
func TestBoundedHashSpreads(t *testing.T) {
	buckets := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		buckets[boundedHash(string(rune('A'+i%26))+string(rune('0'+i%10))+string(rune(i)), 255)] = true
	}
	if len(buckets) < 180 {
		t.Errorf("1000 strings hit only %d of 256 buckets", len(buckets))
	}
}

// TestBoundedIntKey verifies masking of raw int values including
// negatives, which must map in-range via their unsigned bits.
func TestBoundedIntKey(t *testing.T) {
	if k := boundedIntKey(-1, 15); k != 15 {
		t.Errorf("boundedIntKey(-1) = %d, want 15", k)
	}
	if k := boundedIntKey(33, 15); k != 1 {
		t.Errorf("boundedIntKey(33) = %d, want 1", k)
	}
}

// TestChainHashOrderSensitive verifies the uniqueness digest depends
// on order — its whole purpose is detecting divergent append streams.
func TestChainHashOrderSensitive(t *testing.T) {
	ab := chainHash(chainHash(0, "a"), "b")
	ba := chainHash(chainHash(0, "b"), "a")
	if ab == ba {
		t.Error("chain hash is order-insensitive")
	}
	if ab != chainHash(chainHash(0, "a"), "b") {
		t.Error("chain hash unstable")
	}
}

func TestPowerOfTwoHelpers(t *testing.T) {
	for _, n := range []int{1, 2, 64, 1024} {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false", n)
		}
	}
	for _, n := range []int{0, -2, 3, 100} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true", n)
		}
	}
	if got := ceilPowerOfTwo(100, 8); got != 128 {
		t.Errorf("ceilPowerOfTwo(100) = %d, want 128", got)
	}
	if got := ceilPowerOfTwo(0, 8); got != 8 {
		t.Errorf("ceilPowerOfTwo(0) = %d, want floor 8", got)
	}
}
