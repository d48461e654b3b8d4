package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// clientError carries failures that say nothing about provider health, so
// they pass through the breaker without counting against it.
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }

func (e *clientError) Unwrap() error { return e.err }

func newBreaker(name string, log *logrus.Entry) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
}

// guarded runs fn under cb. classify maps the raw error to the package
// taxonomy; it returns isClient=true for errors that must not trip the breaker.
func guarded(cb *gobreaker.CircuitBreaker, fn func() error, classify func(error) (error, bool)) error {
	_, err := cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			mapped, isClient := classify(err)
			if isClient {
				return nil, &clientError{err: mapped}
			}
			return nil, mapped
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}

	var ce *clientError
	if errors.As(err, &ce) {
		return ce.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrTransient, cb.Name(), err)
	}
	return err
}

// classifyStatus maps an HTTP status from a REST provider
func classifyStatus(code int, err error) (error, bool) {
	switch {
	case code == 401 || code == 403:
		return fmt.Errorf("%w: %v", ErrAuth, err), true
	case code == 429 || code >= 500:
		return fmt.Errorf("%w: %v", ErrTransient, err), false
	case code >= 400:
		return err, true
	}
	// no status: network level failure
	return fmt.Errorf("%w: %v", ErrTransient, err), false
}
