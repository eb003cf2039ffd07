package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Precondition names.
const (
	CheckCertificate = "certificate"
	CheckDNS         = "dns"
)

// CauseUpstreamUnhealthy is recorded when a direct dependency is not Healthy.
const CauseUpstreamUnhealthy = "upstream dependency unhealthy"

// CauseApplyCancelled is reported for services an apply never reached.
const CauseApplyCancelled = "apply cancelled"

// PreconditionError reports a failed certificate or DNS precondition.
type PreconditionError struct {
	Check  string
	Domain string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s precondition failed for %s: %v", e.Check, e.Domain, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// DriverError reports a failed driver call.
type DriverError struct {
	Op      string
	Service string
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s for %s: %v", e.Op, e.Service, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// TimeoutError is a driver call that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// UpstreamError names the dependencies that blocked a service.
type UpstreamError struct {
	Dependencies []string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", CauseUpstreamUnhealthy, e.Dependencies)
}

// causes renders err as the cause chain stored on the service state. The
// first entry is a stable summary; later entries carry detail.
func causes(err error) []string {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		out := []string{CauseUpstreamUnhealthy}
		for _, dep := range upstream.Dependencies {
			out = append(out, "dependency "+dep+" is not healthy")
		}
		return out
	}
	var pre *PreconditionError
	if errors.As(err, &pre) {
		return []string{fmt.Sprintf("%s precondition failed for %s", pre.Check, pre.Domain), pre.Err.Error()}
	}
	var drv *DriverError
	if errors.As(err, &drv) {
		return []string{"driver " + drv.Op + " failed", drv.Err.Error()}
	}
	return []string{err.Error()}
}
