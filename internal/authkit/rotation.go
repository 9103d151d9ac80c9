package authkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Rotator consumes one refresh token to atomically produce a replacement
// pair. A refresh token that verifies cryptographically but has no live
// record is treated as a replay signal, not a storage miss.
type Rotator struct {
	codec   *TokenCodec
	records RefreshRecordStore
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewRotator wires the codec and the refresh-record store together.
func NewRotator(codec *TokenCodec, records RefreshRecordStore, logger *zap.Logger, metrics MetricsRecorder) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		codec:   codec,
		records: records,
		logger:  logger,
		metrics: metrics,
	}
}

// Rotate validates the incoming refresh token, retires its record in one
// atomic consume step, and issues a fresh access/refresh pair for the same
// subject and role. Either both new tokens come back or none do.
//
// Credential failures return ErrReuseOrUnknown or the codec sentinels and
// mean "reauthenticate". Storage failures on the record/consume path
// propagate unchanged so operators can tell bad input from an unavailable
// store.
func (rotator *Rotator) Rotate(ctx context.Context, rawRefreshToken string) (TokenPair, error) {
	claims, verifyErr := rotator.codec.Verify(rawRefreshToken, TokenKindRefresh)
	if verifyErr != nil {
		rotator.increment(MetricRotationReject)
		return TokenPair{}, fmt.Errorf("rotation: %w", verifyErr)
	}

	consumeErr := rotator.records.Consume(ctx, claims.Subject, claims.ID, rawRefreshToken)
	if consumeErr != nil {
		if errors.Is(consumeErr, ErrRecordNotFound) || errors.Is(consumeErr, ErrRecordHashMismatch) {
			rotator.increment(MetricRotationReuse)
			rotator.logger.Warn("refresh token reuse or unknown token",
				zap.String("code", ErrReuseOrUnknown.Error()),
				zap.String("subject", claims.Subject),
				zap.String("token_id", claims.ID))
			return TokenPair{}, fmt.Errorf("rotation: %w", ErrReuseOrUnknown)
		}
		return TokenPair{}, fmt.Errorf("rotation.consume: %w", consumeErr)
	}

	pair, issueErr := rotator.codec.IssuePair(claims.Subject, claims.Role)
	if issueErr != nil {
		return TokenPair{}, fmt.Errorf("rotation.issue: %w", issueErr)
	}

	// The freshly issued refresh token is re-verified before it is persisted.
	// A token the codec would later refuse must never reach the store.
	if _, recheckErr := rotator.codec.Verify(pair.RefreshToken, TokenKindRefresh); recheckErr != nil {
		return TokenPair{}, fmt.Errorf("rotation.recheck: %w", recheckErr)
	}

	if recordErr := rotator.records.Record(ctx, pair.RefreshClaims, pair.RefreshToken); recordErr != nil {
		return TokenPair{}, fmt.Errorf("rotation.record: %w", recordErr)
	}

	rotator.increment(MetricRotationSuccess)
	return pair, nil
}

func (rotator *Rotator) increment(event string) {
	if rotator.metrics != nil {
		rotator.metrics.Increment(event)
	}
}
