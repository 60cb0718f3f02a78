// Package parsers registers normalize.Parser closures for the static
// analyzer kind's fixed tool set (bandit, pylint, semgrep, mypy, safety),
// each shaped after that tool's own native output format rather than the
// uniform finding schema, per the "runtime type dispatch" re-architecture
// note: one parser per tool identifier, no type switch.
package parsers

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/forgebench/anacore/pkg/normalize"
)

// Register adds every known static-kind tool parser to reg.
func Register(reg *normalize.Registry) {
	reg.Register("bandit", banditParser)
	reg.Register("pylint", pylintParser)
	reg.Register("semgrep", semgrepParser)
	reg.Register("mypy", mypyParser)
	reg.Register("safety", safetyParser)
}

func banditParser(raw map[string]any, exitCode int) (normalize.ToolResult, error) {
	policy := normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}}
	results, _ := raw["results"].([]any)
	var findings []normalize.Finding
	for _, r := range results {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		findings = append(findings, normalize.Finding{
			Tool:     "bandit",
			Category: normalize.CategorySecurity,
			Severity: normalize.NormalizeSeverity(nil, nil, "bandit", stringField(entry, "issue_severity")), //nolint:staticcheck // nil ctx accepted by NormalizeSeverity for unwired callers
			RuleID:   stringField(entry, "test_id"),
			Message:  normalize.Message{Title: stringField(entry, "test_name"), Description: stringField(entry, "issue_text")},
			File:     normalize.FileRef{Path: stringField(entry, "filename"), LineStart: intField(entry, "line_number")},
		})
	}
	status := policy.Interpret(exitCode)
	if len(findings) > 0 && status == normalize.StatusNoIssues {
		status = normalize.StatusSuccess
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{Status: status, IssuesFound: len(findings)},
		Findings:  findings,
	}, nil
}

func semgrepParser(raw map[string]any, exitCode int) (normalize.ToolResult, error) {
	policy := normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}}
	results, _ := raw["results"].([]any)
	var findings []normalize.Finding
	for _, r := range results {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		start, _ := entry["start"].(map[string]any)
		extra, _ := entry["extra"].(map[string]any)
		findings = append(findings, normalize.Finding{
			Tool:     "semgrep",
			Category: normalize.CategorySecurity,
			Severity: normalize.NormalizeSeverity(nil, nil, "semgrep", stringField(extra, "severity")),
			RuleID:   stringField(entry, "check_id"),
			Message:  normalize.Message{Description: stringField(extra, "message")},
			File:     normalize.FileRef{Path: stringField(entry, "path"), LineStart: intField(start, "line")},
		})
	}
	status := policy.Interpret(exitCode)
	if len(findings) > 0 && status == normalize.StatusNoIssues {
		status = normalize.StatusSuccess
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{Status: status, IssuesFound: len(findings)},
		Findings:  findings,
	}, nil
}

// pylintSeverity maps pylint's message-type vocabulary onto the uniform
// severity scale; pylint has no "critical" of its own.
var pylintSeverity = map[string]normalize.Severity{
	"fatal": normalize.Critical, "error": normalize.High,
	"warning": normalize.Medium, "refactor": normalize.Low, "convention": normalize.Info,
}

func pylintParser(raw map[string]any, exitCode int) (normalize.ToolResult, error) {
	entries, _ := raw["messages"].([]any)
	var findings []normalize.Finding
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		sev, ok := pylintSeverity[strings.ToLower(stringField(entry, "type"))]
		if !ok {
			sev = normalize.Info
		}
		findings = append(findings, normalize.Finding{
			Tool:     "pylint",
			Category: normalize.CategoryCodeQuality,
			Severity: sev,
			RuleID:   stringField(entry, "message-id"),
			Message:  normalize.Message{Title: stringField(entry, "symbol"), Description: stringField(entry, "message")},
			File:     normalize.FileRef{Path: stringField(entry, "path"), LineStart: intField(entry, "line")},
		})
	}
	// pylint's exit code is a bitmask (bits 0-1 fatal/error, bits 2-4
	// warning/refactor/convention); findings alone, no fatal/error bits,
	// is success-with-issues rather than no_issues.
	status := normalize.StatusNoIssues
	if len(findings) > 0 {
		status = normalize.StatusSuccess
	}
	if exitCode&0b11 != 0 {
		status = normalize.StatusFailed
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{Status: status, IssuesFound: len(findings)},
		Findings:  findings,
	}, nil
}

// mypyParser parses mypy's default text output: "path:line: severity: message".
func mypyParser(raw map[string]any, exitCode int) (normalize.ToolResult, error) {
	text := stringField(raw, "output")
	var findings []normalize.Finding
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			continue
		}
		lineNo, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
		kind := strings.TrimSpace(parts[2])
		sev := normalize.Medium
		if kind == "error" {
			sev = normalize.High
		}
		findings = append(findings, normalize.Finding{
			Tool:     "mypy",
			Category: normalize.CategoryCodeQuality,
			Severity: sev,
			Message:  normalize.Message{Description: strings.TrimSpace(parts[3])},
			File:     normalize.FileRef{Path: strings.TrimSpace(parts[0]), LineStart: lineNo},
		})
	}
	policy := normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}}
	status := policy.Interpret(exitCode)
	if len(findings) > 0 && status == normalize.StatusNoIssues {
		status = normalize.StatusSuccess
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{Status: status, IssuesFound: len(findings)},
		Findings:  findings,
	}, nil
}

func safetyParser(raw map[string]any, exitCode int) (normalize.ToolResult, error) {
	policy := normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{64}}
	vulns, _ := raw["vulnerabilities"].([]any)
	var findings []normalize.Finding
	for _, v := range vulns {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		findings = append(findings, normalize.Finding{
			Tool:     "safety",
			Category: normalize.CategorySecurity,
			Severity: normalize.NormalizeSeverity(nil, nil, "safety", stringField(entry, "severity")),
			RuleID:   stringField(entry, "vulnerability_id"),
			Message:  normalize.Message{Title: stringField(entry, "package_name"), Description: stringField(entry, "advisory")},
		})
	}
	status := policy.Interpret(exitCode)
	if len(findings) > 0 && status == normalize.StatusNoIssues {
		status = normalize.StatusSuccess
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{Status: status, IssuesFound: len(findings)},
		Findings:  findings,
	}, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
