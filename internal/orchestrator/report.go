package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
)

// Outcome is the terminal result of one service in an apply or repair.
type Outcome struct {
	Service       string        `json:"service"`
	Kind          spec.Kind     `json:"kind"`
	Phase         state.Phase   `json:"phase"`
	Causes        []string      `json:"causes,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	CertificateID string        `json:"certificate_id,omitempty"`
	// Skipped is set when the service was never started, e.g. after cancellation.
	Skipped bool `json:"skipped,omitempty"`
}

// Report aggregates one apply or repair pass. A partially successful pass is
// a normal report, not an error.
type Report struct {
	Deployment string     `json:"deployment"`
	Generation string     `json:"generation"`
	Started    time.Time  `json:"started"`
	Finished   time.Time  `json:"finished"`
	Order      []string   `json:"order"`
	Levels     [][]string `json:"levels"`
	Outcomes   []Outcome  `json:"outcomes"`
	Cancelled  bool       `json:"cancelled,omitempty"`
}

// Successful reports whether every active service reached Healthy.
func (r *Report) Successful() bool {
	if r == nil || r.Cancelled {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Phase == state.PhaseRemoved {
			continue
		}
		if o.Phase != state.PhaseHealthy {
			return false
		}
	}
	return true
}

// Outcome looks up the outcome of id.
func (r *Report) Outcome(id string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Counts returns the number of outcomes per phase.
func (r *Report) Counts() map[state.Phase]int {
	counts := make(map[state.Phase]int)
	for _, o := range r.Outcomes {
		counts[o.Phase]++
	}
	return counts
}

// Duration is the wall time of the pass.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Summary renders a table of terminal states and causes.
func (r *Report) Summary() string {
	var buf bytes.Buffer
	status := "successful"
	switch {
	case r.Cancelled:
		status = "cancelled"
	case !r.Successful():
		status = "partial"
	}
	fmt.Fprintf(&buf, "deployment %s generation %s: %s (%s)\n", r.Deployment, shortGeneration(r.Generation), status, r.Duration().Round(time.Millisecond))

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tKIND\tPHASE\tCAUSE")
	for _, o := range r.Outcomes {
		cause := "-"
		if len(o.Causes) > 0 {
			cause = strings.Join(o.Causes, ": ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Service, o.Kind, o.Phase, cause)
	}
	_ = w.Flush()
	return buf.String()
}

func shortGeneration(g string) string {
	if len(g) > 12 {
		return g[:12]
	}
	return g
}
