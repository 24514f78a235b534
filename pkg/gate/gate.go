// Package gate evaluates the quality gate between planning and execution.
// The checklist is all-or-nothing: one failed check blocks progress, and a
// blocked gate reports every failure so the operator sees the whole picture.
package gate

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Check is one checklist item's outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the gate's verdict over a phase result.
type Report struct {
	Passed    bool    `json:"passed"`
	Manual    bool    `json:"manual"` // operator confirmation required even when checks pass
	RiskScore float64 `json:"risk_score"`
	Checks    []Check `json:"checks"`
}

// Failures returns the names of failed checks.
func (r *Report) Failures() []string {
	var names []string
	for i := range r.Checks {
		if !r.Checks[i].Passed {
			names = append(names, r.Checks[i].Name)
		}
	}
	return names
}

// Gate applies the configured checklist.
type Gate struct {
	cfg    config.GateConfig
	logger *logx.Logger
}

// New creates a gate.
func New(cfg config.GateConfig) *Gate {
	return &Gate{cfg: cfg, logger: logx.NewLogger("gate")}
}

var (
	criteriaHeading = regexp.MustCompile(`(?im)^#+\s*acceptance criteria`)
	criteriaItem    = regexp.MustCompile(`(?m)^\s*(-|\*|\d+\.)\s+\S`)
	conflictMarker  = regexp.MustCompile(`(?m)^(<<<<<<<|=======|>>>>>>>)`)
)

// Evaluate runs every check against the planning result and its documents.
// All checks run even after the first failure.
func (g *Gate) Evaluate(result *proto.PhaseResult, manifest *proto.Manifest) *Report {
	report := &Report{Manual: g.cfg.Mode == "manual"}

	docs := readDocuments(result.OutputFiles)

	report.RiskScore = riskScore(result)
	report.Checks = []Check{
		g.checkCriticalCompletion(result, manifest),
		g.checkCoverage(result),
		g.checkNoContradictions(result, docs),
		g.checkAcceptanceCriteria(docs),
		g.checkRisk(report.RiskScore),
	}

	report.Passed = true
	for i := range report.Checks {
		if !report.Checks[i].Passed {
			report.Passed = false
		}
	}

	if report.Passed {
		g.logger.Info("Gate passed for team %s (risk %.2f, manual=%v)", result.TeamID, report.RiskScore, report.Manual)
	} else {
		g.logger.Warn("Gate blocked for team %s: %s", result.TeamID, strings.Join(report.Failures(), ", "))
	}
	return report
}

func readDocuments(paths []string) map[string]string {
	docs := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		docs[path] = string(data)
	}
	return docs
}

func (g *Gate) checkCriticalCompletion(result *proto.PhaseResult, manifest *proto.Manifest) Check {
	done := make(map[string]bool, len(result.AgentsCompleted))
	for _, role := range result.AgentsCompleted {
		done[role] = true
	}
	var missing []string
	for _, role := range manifest.CriticalRoles() {
		if !done[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return Check{Name: "critical_completion", Detail: "missing critical roles: " + strings.Join(missing, ", ")}
	}
	return Check{Name: "critical_completion", Passed: true}
}

func (g *Gate) checkCoverage(result *proto.PhaseResult) Check {
	distinct := make(map[string]bool)
	for _, path := range result.OutputFiles {
		distinct[path] = true
	}
	if len(distinct) < g.cfg.MinCoverage {
		return Check{
			Name:   "coverage",
			Detail: fmt.Sprintf("%d distinct outputs, need %d", len(distinct), g.cfg.MinCoverage),
		}
	}
	return Check{Name: "coverage", Passed: true}
}

func (g *Gate) checkNoContradictions(result *proto.PhaseResult, docs map[string]string) Check {
	if len(result.Errors) > 0 {
		return Check{Name: "no_contradictions", Detail: fmt.Sprintf("%d unresolved errors in result", len(result.Errors))}
	}
	for path, doc := range docs {
		if conflictMarker.MatchString(doc) {
			return Check{Name: "no_contradictions", Detail: "unresolved conflict markers in " + path}
		}
	}
	return Check{Name: "no_contradictions", Passed: true}
}

func (g *Gate) checkAcceptanceCriteria(docs map[string]string) Check {
	for _, doc := range docs {
		loc := criteriaHeading.FindStringIndex(doc)
		if loc == nil {
			continue
		}
		if criteriaItem.MatchString(doc[loc[1]:]) {
			return Check{Name: "acceptance_criteria", Passed: true}
		}
	}
	return Check{Name: "acceptance_criteria", Detail: "no document defines testable acceptance criteria"}
}

func (g *Gate) checkRisk(score float64) Check {
	if score > g.cfg.MaxRiskScore {
		return Check{Name: "risk", Detail: fmt.Sprintf("risk %.2f exceeds limit %.2f", score, g.cfg.MaxRiskScore)}
	}
	return Check{Name: "risk", Passed: true}
}

// riskScore derives plan risk from how the planning team itself fared:
// failed workers dominate, retries add friction signal.
func riskScore(result *proto.PhaseResult) float64 {
	if len(result.Workers) == 0 {
		return 1.0
	}
	var failed, retries int
	for i := range result.Workers {
		if result.Workers[i].Verify != proto.VerifyVerified {
			failed++
		}
		retries += result.Workers[i].Retries
	}
	failedFrac := float64(failed) / float64(len(result.Workers))
	retryFrac := float64(retries) / float64(len(result.Workers)*3)
	if retryFrac > 1 {
		retryFrac = 1
	}
	return failedFrac*0.7 + retryFrac*0.3
}
