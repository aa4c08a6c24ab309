package pow

import "github.com/powgate/internal/digest"

// MeetsTarget reports whether the first difficulty characters of
// digestHex are all '0'. A difficulty of zero (or less) always matches;
// one longer than the digest never does.
func MeetsTarget(digestHex string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(digestHex) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if digestHex[i] != '0' {
			return false
		}
	}
	return true
}

// Check recomputes digest(challenge ‖ nonce) and matches it against the
// challenge difficulty. It returns the digest for logging.
func Check(engine digest.Engine, c Challenge, nonce uint64) (string, bool) {
	sum := engine.HexDigest(AppendInput(nil, c.Value, nonce))
	return sum, MeetsTarget(sum, c.Difficulty)
}
