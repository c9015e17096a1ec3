package service

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v5"
	"proctoring-recorder/pkg/storage"
	"time"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrTransientBackend     = errors.New("transient backend error")
	ErrDataLoss             = errors.New("data loss: stored bytes missing")
	ErrNoValidInput         = errors.New("no valid input segments")
	ErrIncompatibleSegments = errors.New("incompatible segments")
	ErrConsistency          = errors.New("consistency error")
	ErrRangeNotSatisfiable  = errors.New("range not satisfiable")
	ErrInvalidTransition    = errors.New("invalid merge state transition")
)

// RetryPolicy bounds the retries of transient backend operations.
type RetryPolicy struct {
	MaxTries    uint
	MaxInterval time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxTries == 0 {
		p.MaxTries = 5
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	return p
}

// retryBackend runs operation, retrying only storage.ErrUnavailable. Every other
// error (including ErrNotFound) stops immediately.
func retryBackend[T any](ctx context.Context, policy RetryPolicy, operation func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	op := func() (T, error) {
		res, err := operation()
		if err != nil && !errors.Is(err, storage.ErrUnavailable) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = policy.MaxInterval

	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(policy.MaxTries))
	return res, classifyStorageError(err)
}

// classifyStorageError tags storage failures with the service error taxonomy.
func classifyStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return errors.Join(ErrDataLoss, err)
	case errors.Is(err, storage.ErrUnavailable):
		return errors.Join(ErrTransientBackend, err)
	}
	return err
}
