// Package alerting suppresses monitoring noise for the duration of a
// maintenance run across one or more alerting backends.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// Backend is one alerting system the silencer manages. Silence must be
// idempotent: calling it again while a silence is active refreshes the
// expiry rather than stacking a second silence. Restore must be a no-op
// when nothing is silenced.
type Backend interface {
	Name() string
	Silence(ctx context.Context, d time.Duration) error
	Restore(ctx context.Context) error
}

// PartialFailure reports that some backends accepted an operation and
// others did not.
type PartialFailure struct {
	Op     string
	Failed []string
	Errs   []error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s failed on %d backend(s): %s", e.Op, len(e.Failed), strings.Join(e.Failed, ", "))
}

// Handle records an active silencing window so that the caller can restore
// exactly what was silenced.
type Handle struct {
	Expiry    time.Time
	Backends  []string
	StartedAt time.Time
}

// Silencer fans silence and restore requests out to every configured
// backend.
type Silencer struct {
	backends    []Backend
	log         zerolog.Logger
	retryOpts   []retry.Option
	cleanupOpts []retry.Option
}

// NewSilencer creates a silencer over the given backends. An empty backend
// list is valid and makes every operation a no-op. opts tunes the retry
// profile for silence calls; restores always use the cleanup profile.
func NewSilencer(backends []Backend, opts ...retry.Option) *Silencer {
	return &Silencer{
		backends:    backends,
		log:         logging.WithComponent("alerting"),
		retryOpts:   opts,
		cleanupOpts: retry.ForCleanup(),
	}
}

// Silence suppresses alerts on every backend for the given duration.
// Transient backend errors are retried before the backend is counted as
// failed. When some backends fail the returned handle still covers the
// ones that succeeded, alongside a *PartialFailure.
func (s *Silencer) Silence(ctx context.Context, d time.Duration) (*Handle, error) {
	now := time.Now()
	handle := &Handle{Expiry: now.Add(d), StartedAt: now}

	var failed []string
	var errs []error
	for _, backend := range s.backends {
		err := retry.WithExponentialBackoff(ctx, func() error {
			return backend.Silence(ctx, d)
		}, s.retryOpts...)
		if err != nil {
			s.log.Error().Err(err).Str("backend", backend.Name()).Msg("failed to silence backend")
			failed = append(failed, backend.Name())
			errs = append(errs, err)
			continue
		}
		s.log.Info().Str("backend", backend.Name()).Dur("duration", d).Msg("alerts silenced")
		handle.Backends = append(handle.Backends, backend.Name())
	}

	if len(failed) > 0 {
		return handle, &PartialFailure{Op: "silence", Failed: failed, Errs: errs}
	}
	return handle, nil
}

// Restore lifts the silences recorded in handle. Every backend is
// attempted even when earlier ones fail, with the long cleanup retry
// profile. A nil handle is a no-op.
func (s *Silencer) Restore(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}

	silenced := make(map[string]bool, len(handle.Backends))
	for _, name := range handle.Backends {
		silenced[name] = true
	}

	var failed []string
	var errs []error
	for _, backend := range s.backends {
		if !silenced[backend.Name()] {
			continue
		}
		err := retry.WithExponentialBackoff(ctx, func() error {
			return backend.Restore(ctx)
		}, s.cleanupOpts...)
		if err != nil {
			s.log.Error().Err(err).Str("backend", backend.Name()).Msg("failed to restore backend")
			failed = append(failed, backend.Name())
			errs = append(errs, err)
			continue
		}
		s.log.Info().Str("backend", backend.Name()).Msg("alerting restored")
	}

	if len(failed) > 0 {
		return &PartialFailure{Op: "restore", Failed: failed, Errs: errs}
	}
	return nil
}
