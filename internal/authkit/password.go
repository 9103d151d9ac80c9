package authkit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const hasherAlgorithmID = "argon2id"

var (
	errHasherMalformedDigest = errors.New("hasher.malformed_digest")
	errHasherMismatch        = errors.New("hasher.mismatch")
	errHasherInvalidParams   = errors.New("hasher.invalid_params")
)

// HasherConfig holds argon2id cost parameters. Cost is configuration, not
// data: digests embed whatever parameters produced them, so these can be
// retuned without invalidating stored digests.
type HasherConfig struct {
	MemoryKB      uint32
	Time          uint32
	Parallelism   uint8
	SaltLength    uint32
	KeyLength     uint32
	MaxConcurrent int64
}

// DefaultHasherConfig mirrors the deployment defaults: 64 MiB, two passes,
// single lane.
func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		MemoryKB:      64 * 1024,
		Time:          2,
		Parallelism:   1,
		SaltLength:    16,
		KeyLength:     32,
		MaxConcurrent: 4,
	}
}

// Argon2Hasher hashes secrets into self-describing PHC digests and verifies
// candidates in constant time. A weighted semaphore bounds concurrent hashing
// so the CPU-bound work cannot starve request-serving goroutines.
type Argon2Hasher struct {
	config HasherConfig
	gate   *semaphore.Weighted
	logger *zap.Logger
}

// NewArgon2Hasher validates the cost parameters and builds a hasher.
func NewArgon2Hasher(configuration HasherConfig, logger *zap.Logger) (*Argon2Hasher, error) {
	if configuration.MemoryKB < 8*1024 || configuration.Time < 1 || configuration.Parallelism < 1 {
		return nil, fmt.Errorf("hasher.new: %w", errHasherInvalidParams)
	}
	if configuration.SaltLength < 16 || configuration.KeyLength < 16 {
		return nil, fmt.Errorf("hasher.new: %w", errHasherInvalidParams)
	}
	if configuration.MaxConcurrent < 1 {
		configuration.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Argon2Hasher{
		config: configuration,
		gate:   semaphore.NewWeighted(configuration.MaxConcurrent),
		logger: logger,
	}, nil
}

// Hash produces a PHC-formatted digest: algorithm id, version, cost
// parameters, salt, and hash, so verification needs no external state.
func (hasher *Argon2Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if acquireErr := hasher.gate.Acquire(ctx, 1); acquireErr != nil {
		return "", fmt.Errorf("hasher.hash: %w", acquireErr)
	}
	defer hasher.gate.Release(1)

	salt := make([]byte, hasher.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("hasher.hash: %w", err)
	}

	digest := argon2.IDKey(
		[]byte(secret),
		salt,
		hasher.config.Time,
		hasher.config.MemoryKB,
		hasher.config.Parallelism,
		hasher.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hasherAlgorithmID,
		argon2.Version,
		hasher.config.MemoryKB,
		hasher.config.Time,
		hasher.config.Parallelism,
		base64Encode(salt),
		base64Encode(digest),
	), nil
}

// Verify recomputes the hash with the parameters embedded in the digest and
// compares in constant time. Malformed digests and mismatches both come back
// as ErrVerificationFailed; the distinction is logged, never returned.
func (hasher *Argon2Hasher) Verify(ctx context.Context, digest string, candidate string) error {
	parsed, parseErr := parsePHCDigest(digest)
	if parseErr != nil {
		hasher.logger.Warn("malformed password digest",
			zap.String("code", errHasherMalformedDigest.Error()),
			zap.Error(parseErr))
		return fmt.Errorf("hasher.verify: %w", ErrVerificationFailed)
	}

	if acquireErr := hasher.gate.Acquire(ctx, 1); acquireErr != nil {
		return fmt.Errorf("hasher.verify: %w", acquireErr)
	}
	computed := argon2.IDKey(
		[]byte(candidate),
		parsed.salt,
		parsed.time,
		parsed.memoryKB,
		parsed.parallelism,
		parsed.keyLength,
	)
	hasher.gate.Release(1)

	if subtle.ConstantTimeCompare(computed, parsed.hash) != 1 {
		hasher.logger.Debug("password digest mismatch",
			zap.String("code", errHasherMismatch.Error()))
		return fmt.Errorf("hasher.verify: %w", ErrVerificationFailed)
	}
	return nil
}

type parsedDigest struct {
	memoryKB    uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

func parsePHCDigest(digest string) (parsedDigest, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" {
		return parsedDigest{}, fmt.Errorf("%w: wrong segment count", errHasherMalformedDigest)
	}
	if parts[1] != hasherAlgorithmID {
		return parsedDigest{}, fmt.Errorf("%w: unknown algorithm %q", errHasherMalformedDigest, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return parsedDigest{}, fmt.Errorf("%w: bad version segment", errHasherMalformedDigest)
	}
	if version != argon2.Version {
		return parsedDigest{}, fmt.Errorf("%w: unsupported version %d", errHasherMalformedDigest, version)
	}

	parsed := parsedDigest{}
	for _, parameter := range strings.Split(parts[3], ",") {
		key, value, found := strings.Cut(parameter, "=")
		if !found {
			return parsedDigest{}, fmt.Errorf("%w: bad parameter %q", errHasherMalformedDigest, parameter)
		}
		numeric, numErr := strconv.ParseUint(value, 10, 32)
		if numErr != nil {
			return parsedDigest{}, fmt.Errorf("%w: bad parameter %q", errHasherMalformedDigest, parameter)
		}
		switch key {
		case "m":
			parsed.memoryKB = uint32(numeric)
		case "t":
			parsed.time = uint32(numeric)
		case "p":
			if numeric > 255 {
				return parsedDigest{}, fmt.Errorf("%w: parallelism out of range", errHasherMalformedDigest)
			}
			parsed.parallelism = uint8(numeric)
		default:
			return parsedDigest{}, fmt.Errorf("%w: unknown parameter %q", errHasherMalformedDigest, key)
		}
	}
	if parsed.memoryKB == 0 || parsed.time == 0 || parsed.parallelism == 0 {
		return parsedDigest{}, fmt.Errorf("%w: missing cost parameters", errHasherMalformedDigest)
	}

	salt, saltErr := base64Decode(parts[4])
	if saltErr != nil {
		return parsedDigest{}, fmt.Errorf("%w: bad salt encoding", errHasherMalformedDigest)
	}
	hash, hashErr := base64Decode(parts[5])
	if hashErr != nil {
		return parsedDigest{}, fmt.Errorf("%w: bad hash encoding", errHasherMalformedDigest)
	}
	if len(salt) == 0 || len(hash) == 0 {
		return parsedDigest{}, fmt.Errorf("%w: empty salt or hash", errHasherMalformedDigest)
	}

	parsed.salt = salt
	parsed.hash = hash
	parsed.keyLength = uint32(len(hash))
	return parsed, nil
}

func base64Encode(raw []byte) string {
	return base64.RawStdEncoding.EncodeToString(raw)
}

func base64Decode(encoded string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(encoded)
}
