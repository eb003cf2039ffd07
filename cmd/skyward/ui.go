package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/state"
)

var (
	colorHealthy  = lipgloss.Color("#2CD7C7")
	colorProgress = lipgloss.Color("#1D9EA3")
	colorWarning  = lipgloss.Color("#F4D03F")
	colorError    = lipgloss.Color("#E74C3C")
	colorMuted    = lipgloss.Color("#7F8C8D")

	styleTitle = lipgloss.NewStyle().Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleOK    = lipgloss.NewStyle().Foreground(colorHealthy).Bold(true)
	styleFail  = lipgloss.NewStyle().Foreground(colorError).Bold(true)

	phaseStyles = map[state.Phase]lipgloss.Style{
		state.PhasePending:      lipgloss.NewStyle().Foreground(colorMuted),
		state.PhaseProvisioning: lipgloss.NewStyle().Foreground(colorProgress),
		state.PhaseVerifying:    lipgloss.NewStyle().Foreground(colorProgress),
		state.PhaseHealthy:      lipgloss.NewStyle().Foreground(colorHealthy),
		state.PhaseDegraded:     lipgloss.NewStyle().Foreground(colorWarning),
		state.PhaseFailed:       lipgloss.NewStyle().Foreground(colorError).Bold(true),
		state.PhaseRemoved:      lipgloss.NewStyle().Foreground(colorMuted).Faint(true),
	}
)

const phaseWidth = 12

// phaseCell pads before styling so escape codes never skew the columns.
func phaseCell(p state.Phase) string {
	text := fmt.Sprintf("%-*s", phaseWidth, string(p))
	if style, ok := phaseStyles[p]; ok {
		return style.Render(text)
	}
	return text
}

func shortGeneration(g string) string {
	if len(g) > 12 {
		return g[:12]
	}
	return g
}

func columnWidth(floor int, values ...string) int {
	w := floor
	for _, v := range values {
		if len(v) > w {
			w = len(v)
		}
	}
	return w
}

func printReport(w io.Writer, r *orchestrator.Report) {
	verdict := styleOK.Render("applied")
	if !r.Successful() {
		verdict = styleFail.Render("incomplete")
	}
	if r.Cancelled {
		verdict = styleFail.Render("cancelled")
	}
	fmt.Fprintf(w, "%s %s %s\n",
		styleTitle.Render("Deployment "+r.Deployment),
		styleMuted.Render("generation "+shortGeneration(r.Generation)),
		verdict)

	ids := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		ids = append(ids, o.Service)
	}
	idW := columnWidth(7, ids...)

	for _, o := range r.Outcomes {
		detail := strings.Join(o.Causes, "; ")
		if detail == "" && o.Error != "" {
			detail = o.Error
		}
		if o.Skipped {
			detail = "skipped"
		}
		fmt.Fprintf(w, "  %-*s  %-15s %s %s %s\n",
			idW, o.Service, o.Kind, phaseCell(o.Phase),
			styleMuted.Render(fmt.Sprintf("%8s", o.Duration.Round(time.Millisecond))), detail)
	}
	fmt.Fprintf(w, "%s\n", styleMuted.Render(countsLine(r.Counts())+" in "+r.Duration().Round(time.Millisecond).String()))
}

func printSnapshot(w io.Writer, name string, snap state.Snapshot) {
	fmt.Fprintf(w, "%s %s %s\n",
		styleTitle.Render("Deployment "+name),
		styleMuted.Render("generation "+shortGeneration(snap.Generation)),
		styleMuted.Render("saved "+snap.SavedAt.UTC().Format(time.RFC3339)))

	ids := make([]string, 0, len(snap.Services))
	for _, s := range snap.Services {
		ids = append(ids, s.ID)
	}
	idW := columnWidth(7, ids...)

	for _, s := range snap.Services {
		detail := strings.Join(s.Causes, "; ")
		if s.CertificateID != "" {
			detail = strings.TrimSpace("cert " + shortGeneration(s.CertificateID) + " " + detail)
		}
		failures := ""
		if s.ConsecutiveFailures > 0 {
			failures = fmt.Sprintf("%d failed probe(s)", s.ConsecutiveFailures)
		}
		fmt.Fprintf(w, "  %-*s  %-15s %s %-18s %s\n", idW, s.ID, s.Kind, phaseCell(s.Phase), failures, detail)
	}
	fmt.Fprintln(w, styleMuted.Render(countsLine(state.Restore(snap).Counts())))
}

func countsLine(counts map[state.Phase]int) string {
	parts := make([]string, 0, len(counts))
	for _, p := range state.Phases {
		if n := counts[p]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(p))))
		}
	}
	if len(parts) == 0 {
		return "no services"
	}
	return strings.Join(parts, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
