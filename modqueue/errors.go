package modqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited     = errors.New("submitter rate limited")
	ErrQueueFull       = errors.New("moderation queue full")
	ErrItemNotFound    = errors.New("item not found or already handled")
	ErrUnauthorized    = errors.New("actor is not a reviewer")
	ErrIntakeThrottled = errors.New("submission intake throttled")
	ErrInvalidContent  = errors.New("invalid submission content")
	ErrContentTooLong  = fmt.Errorf("%w: too long", ErrInvalidContent)
)

// RateLimitError is returned for submissions denied by the per-submitter limiter. It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
