// Package dns verifies that a domain's required records resolve to their
// expected targets.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
)

const defaultTimeout = 5 * time.Second

// Resolver returns the values currently published for a record. A name with
// no records of the requested type yields an empty slice and no error.
type Resolver interface {
	Lookup(ctx context.Context, rtype spec.RecordType, host string) ([]string, error)
}

// Mismatch describes one required record that is missing or wrong.
type Mismatch struct {
	Type     spec.RecordType `json:"type"`
	Expected string          `json:"expected"`
	Found    []string        `json:"found,omitempty"`
	Err      error           `json:"-"`
}

func (m Mismatch) describe(host string) string {
	if m.Err != nil {
		return fmt.Sprintf("%s record for %s: %v", m.Type, host, m.Err)
	}
	found := "found none"
	if len(m.Found) > 0 {
		found = "found " + strings.Join(m.Found, ", ")
	}
	return fmt.Sprintf("missing %s record for %s: want %s, %s", m.Type, host, m.Expected, found)
}

// Result is the outcome of checking one domain.
type Result struct {
	Domain    string     `json:"domain"`
	Satisfied bool       `json:"satisfied"`
	Missing   []Mismatch `json:"missing,omitempty"`
}

// Err returns nil when the domain is satisfied and an *UnsatisfiedError otherwise.
func (r Result) Err() error {
	if r.Satisfied {
		return nil
	}
	return &UnsatisfiedError{Domain: r.Domain, Missing: r.Missing}
}

// UnsatisfiedError lists every record that blocked a domain.
type UnsatisfiedError struct {
	Domain  string
	Missing []Mismatch
}

func (e *UnsatisfiedError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, m.describe(e.Domain))
	}
	return strings.Join(parts, "; ")
}

// TimeoutError is recorded when a lookup exceeds its deadline.
type TimeoutError struct {
	Type  spec.RecordType
	Host  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lookup timed out after %s", e.After)
}

// Validator checks domains against a Resolver.
type Validator struct {
	logger   zerolog.Logger
	resolver Resolver
	timeout  time.Duration
}

// Option customizes a Validator.
type Option func(*Validator)

// WithTimeout bounds each Check.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewValidator constructs a Validator.
func NewValidator(logger zerolog.Logger, resolver Resolver, opts ...Option) *Validator {
	v := &Validator{logger: logger, resolver: resolver, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check resolves every required record of domain once. It never retries.
func (v *Validator) Check(ctx context.Context, domain spec.DomainSpec) Result {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := Result{Domain: domain.Hostname}
	cache := make(map[spec.RecordType]lookup)
	for _, req := range domain.Records {
		got, ok := cache[req.Type]
		if !ok {
			values, err := v.resolver.Lookup(ctx, req.Type, domain.Hostname)
			got = lookup{values: values, err: err}
			cache[req.Type] = got
		}

		if got.err != nil {
			err := got.err
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				err = &TimeoutError{Type: req.Type, Host: domain.Hostname, After: v.timeout}
			}
			result.Missing = append(result.Missing, Mismatch{Type: req.Type, Expected: req.Target, Err: err})
			continue
		}
		if !matches(req, got.values) {
			result.Missing = append(result.Missing, Mismatch{Type: req.Type, Expected: req.Target, Found: got.values})
		}
	}
	result.Satisfied = len(result.Missing) == 0

	event := v.logger.Debug()
	if !result.Satisfied {
		event = v.logger.Warn().Int("missing", len(result.Missing))
	}
	event.Str("domain", domain.Hostname).Bool("satisfied", result.Satisfied).Msg("dns check complete")
	return result
}

type lookup struct {
	values []string
	err    error
}

func matches(req spec.RecordRequirement, found []string) bool {
	switch req.Type {
	case spec.RecordA, spec.RecordAAAA:
		want := net.ParseIP(req.Target)
		for _, value := range found {
			if ip := net.ParseIP(value); ip != nil && want != nil && ip.Equal(want) {
				return true
			}
		}
		return false
	case spec.RecordCNAME:
		want := canonical(req.Target)
		for _, value := range found {
			if cnameMatches(want, canonical(value)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// cnameMatches accepts the target itself or any name under it on a label
// boundary. A "*.zone" target requires at least one label below zone.
func cnameMatches(want, got string) bool {
	if got == "" || want == "" {
		return false
	}
	if zone, ok := strings.CutPrefix(want, "*."); ok {
		return strings.HasSuffix(got, "."+zone)
	}
	return got == want || strings.HasSuffix(got, "."+want)
}

func canonical(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
