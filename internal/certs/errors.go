package certs

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnmanaged is returned by Revalidate for a domain that was never ensured.
var ErrUnmanaged = errors.New("domain is not managed")

// IssueError reports that no usable certificate exists for a domain.
type IssueError struct {
	Domain  string
	RetryAt time.Time
	Err     error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue certificate for %s: %v", e.Domain, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

// RenewalError reports a failed renewal while the current certificate is
// still valid. Current remains in service.
type RenewalError struct {
	Domain  string
	Current *Certificate
	RetryAt time.Time
	Err     error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("renew certificate for %s (current valid until %s): %v",
		e.Domain, e.Current.NotAfter.UTC().Format(time.RFC3339), e.Err)
}

func (e *RenewalError) Unwrap() error {
	return e.Err
}
