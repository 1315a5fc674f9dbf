/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 3
	DefaultSpacing  = 500 * time.Millisecond
)

var (
	// ErrIncompleteRead forces a retry when an eventually consistent read
	// returned partial data.
	ErrIncompleteRead = errors.New("transient incomplete read")

	// ErrAuthorizationExpired marks a time-bound credential that lapsed
	// between calls and is refreshed on the next attempt.
	ErrAuthorizationExpired = errors.New("authorization expired")
)

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so that IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is expected to resolve on retry: I/O
// faults, expired time-bound authorization and incomplete reads.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked transientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, ErrIncompleteRead) || errors.Is(err, ErrAuthorizationExpired) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Policy is a bounded retry budget with fixed spacing between attempts.
type Policy struct {
	Attempts  int
	Spacing   time.Duration
	Transient func(error) bool
}

// NewPolicy returns a Policy, falling back to the defaults for
// non-positive values.
func NewPolicy(attempts int, spacing time.Duration) Policy {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return Policy{Attempts: attempts, Spacing: spacing, Transient: IsTransient}
}

// Do runs call under the policy.
func (p Policy) Do(ctx context.Context, operation string, call func(context.Context) error) error {
	transient := p.Transient
	if transient == nil {
		transient = IsTransient
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return Do(ctx, operation, call, transient, backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Spacing), uint64(attempts-1)))
}

// Do calls call until it succeeds, returns a fault isTransient rejects, or
// schedule is exhausted. The last error is returned unwrapped.
func Do(ctx context.Context, operation string, call func(context.Context) error, isTransient func(error) bool, schedule backoff.BackOff) error {
	attempt := 0
	op := func() error {
		attempt++
		err := call(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Warn("transient fault, retrying")
	}

	return backoff.RetryNotify(op, backoff.WithContext(schedule, ctx), notify)
}
