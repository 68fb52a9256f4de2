package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Report is the combined result of every registered checker.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Healthy reports whether no check failed. Warnings are healthy.
func (r Report) Healthy() bool {
	return r.Status != StatusError
}

// Registry runs a fixed list of checkers.
type Registry struct {
	checkers []Checker
}

func NewRegistry(checkers ...Checker) *Registry {
	out := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Registry{checkers: out}
}

// Report evaluates every checker. The overall status is the worst one seen.
func (r *Registry) Report(ctx context.Context) Report {
	report := Report{Status: StatusOK, Checks: []CheckResult{}}
	if r == nil {
		return report
	}
	for _, c := range r.checkers {
		for _, item := range c.ListChecks(ctx) {
			report.Checks = append(report.Checks, item)
			if severity(item.Status) > severity(report.Status) {
				report.Status = item.Status
			}
		}
	}
	return report
}

// Probe returns an error naming every failed check.
func (r *Registry) Probe(ctx context.Context) error {
	var errs []error
	for _, item := range r.Report(ctx).Checks {
		if item.Status != StatusError {
			continue
		}
		msg := item.Summary
		if d := strings.TrimSpace(item.Detail); d != "" {
			msg += ": " + d
		}
		errs = append(errs, fmt.Errorf("%s: %s", item.ID, msg))
	}
	return errors.Join(errs...)
}

func severity(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	case StatusError:
		return 3
	default:
		return 1
	}
}
