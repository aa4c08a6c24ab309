// Package digest provides the SHA-256 engines used by the proof-of-work
// solver: a platform path backed by crypto/sha256 and a portable
// from-scratch path. Both render digests as 64-character lowercase hex.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

const (
	// Size is the digest size in bytes.
	Size = 32

	// BlockSize is the SHA-256 block size in bytes.
	BlockSize = 64

	// HexSize is the length of a hex-rendered digest.
	HexSize = 2 * Size
)

var (
	ErrUnavailable = errors.New("digest: platform primitive unavailable")
	ErrUnknownMode = errors.New("digest: unknown engine mode")
)

// Engine computes SHA-256 digests. Implementations are stateless and safe
// for concurrent use.
type Engine interface {
	// Name identifies the implementation ("platform" or "portable").
	Name() string

	// HexDigest returns the lowercase hex digest of msg.
	HexDigest(msg []byte) string

	// New returns a streaming hash.Hash backed by the same implementation.
	New() hash.Hash
}

// Mode selects which engine Select returns.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModePlatform Mode = "platform"
	ModePortable Mode = "portable"
)

// ParseMode parses a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModePlatform, ModePortable:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

type platformEngine struct{}

func (platformEngine) Name() string { return string(ModePlatform) }

func (platformEngine) HexDigest(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

func (platformEngine) New() hash.Hash { return sha256.New() }

type portableEngine struct{}

func (portableEngine) Name() string { return string(ModePortable) }

func (portableEngine) HexDigest(msg []byte) string { return portableHex(msg) }

func (portableEngine) New() hash.Hash { return newPortable() }

// Platform returns the engine backed by crypto/sha256.
func Platform() Engine { return platformEngine{} }

// Portable returns the from-scratch engine.
func Portable() Engine { return portableEngine{} }

// knownAnswer is SHA-256("abc").
const knownAnswer = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

// platformAvailable reports whether the platform primitive can be trusted.
// Replaced in tests to simulate a host without it.
var platformAvailable = func() bool {
	return selfTest(Platform())
}

// selfTest runs a known-answer test against e. A panicking engine fails.
func selfTest(e Engine) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return e.HexDigest([]byte("abc")) == knownAnswer
}

// Select returns the engine for mode. ModeAuto prefers the platform path
// and falls back to the portable one; callers cannot tell which ran.
func Select(mode Mode) (Engine, error) {
	switch mode {
	case "", ModeAuto:
		if platformAvailable() {
			return Platform(), nil
		}
		if !selfTest(Portable()) {
			return nil, ErrUnavailable
		}
		return Portable(), nil
	case ModePlatform:
		if !platformAvailable() {
			return nil, ErrUnavailable
		}
		return Platform(), nil
	case ModePortable:
		return Portable(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, string(mode))
	}
}
