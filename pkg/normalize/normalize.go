// Package normalize implements the Tool Result Normaliser: it maps each
// tool's native output into the uniform finding schema, applies the
// metadata-filtering rule when collecting a service's tools map, extracts
// SARIF payloads into file references, normalises severity tokens, and
// interprets exit codes per the policy each tool declares.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgebench/anacore/pkg/telemetry"
)

// Severity is the fixed five-level vocabulary every tool-native severity
// token is normalised into.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

// Category is the finding category.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryCodeQuality Category = "code_quality"
	CategoryPerformance Category = "performance"
)

// ExecutionStatus is the Tool Execution Record's status field.
type ExecutionStatus string

const (
	StatusSuccess  ExecutionStatus = "success"
	StatusNoIssues ExecutionStatus = "no_issues"
	StatusComplete ExecutionStatus = "completed"
	StatusSkipped  ExecutionStatus = "skipped"
	StatusFailed   ExecutionStatus = "failed"
)

type (
	// Finding is a single normalised observation.
	Finding struct {
		Tool     string
		Category Category
		Severity Severity
		RuleID   string
		Message  Message
		File     FileRef
		Evidence Evidence
	}

	// Message carries the human-facing description of a finding.
	Message struct {
		Title       string
		Description string
		Solution    string
	}

	// FileRef locates a finding within the subject application's source.
	FileRef struct {
		Path      string
		LineStart int
		LineEnd   int
	}

	// Evidence carries supporting context for a finding.
	Evidence struct {
		CodeSnippet string
	}

	// ExecutionRecord is the per-tool metadata record.
	ExecutionRecord struct {
		Tool           string
		Executed       bool
		Status         ExecutionStatus
		IssuesFound    int
		DurationSeconds float64
		Error          string
	}

	// ToolResult pairs one tool's execution record with its findings and,
	// when present, its extracted SARIF document. SARIFFile is the path
	// (relative to the result artifact root) the document is written to;
	// SARIFDocument carries the document bytes themselves, so they survive
	// the replica-to-executor round trip (every hop re-encodes a ToolResult
	// as JSON). The Result Store is the only thing that actually writes
	// SARIFDocument to disk, and it strips the field from every other
	// on-disk rendering (payload.json, the per-service snapshots), which
	// retain only the SARIFFile reference, per the "never embed the raw
	// document outside sarif/" rule.
	ToolResult struct {
		Execution     ExecutionRecord
		Findings      []Finding
		SARIFFile     string          `json:"SARIFFile,omitempty"`
		SARIFDocument json.RawMessage `json:"SARIFDocument,omitempty"`
	}
)

// reservedMetadataKeys is the fixed set the metadata-filtering rule skips
// when collecting the tools map from a service response. Skipping this
// filter leaks metadata into the results surface and causes the UI to
// present non-tools as skipped tools.
var reservedMetadataKeys = map[string]bool{
	"tool_status":            true,
	"_metadata":              true,
	"status":                 true,
	"file_counts":            true,
	"security_files":         true,
	"total_files":            true,
	"message":                true,
	"error":                  true,
	"analysis_time":          true,
	"model_slug":             true,
	"app_number":             true,
	"tools_used":             true,
	"configuration_applied":  true,
	"results":                true,
	"_project_metadata":      true,
}

// admissionFields is the set of fields at least one of which an entry must
// carry to be admitted as a tool, after surviving the reserved-key filter.
var admissionFields = []string{"tool", "executed", "status"}

// IsReservedKey reports whether key (case-insensitively) names a metadata
// field that must never be admitted into the tools map.
func IsReservedKey(key string) bool {
	return reservedMetadataKeys[strings.ToLower(key)]
}

// IsAdmissibleEntry reports whether entry carries at least one of the
// admission fields, so a bare metadata blob that happens to avoid the
// reserved-key list is still excluded.
func IsAdmissibleEntry(entry map[string]any) bool {
	for _, field := range admissionFields {
		if _, ok := entry[field]; ok {
			return true
		}
	}
	return false
}

// FilterToolsMap applies the metadata filtering rule to a raw service
// response, returning only entries that are neither reserved-key-named nor
// lacking every admission field.
func FilterToolsMap(raw map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, value := range raw {
		if IsReservedKey(key) {
			continue
		}
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if !IsAdmissibleEntry(entry) {
			continue
		}
		out[key] = entry
	}
	return out
}

// severityAliases maps known tool-native severity tokens, case-insensitive,
// onto the fixed vocabulary. Tokens absent from this table are not an
// error: NormalizeSeverity logs a warning and maps them to Info rather than
// dropping the finding.
var severityAliases = map[string]Severity{
	"critical": Critical, "blocker": Critical, "error": High,
	"high": High, "major": High, "warning": Medium, "warn": Medium,
	"medium": Medium, "moderate": Medium, "minor": Low, "low": Low,
	"note": Info, "info": Info, "informational": Info, "style": Info,
}

// NormalizeSeverity maps a tool-native token onto the fixed vocabulary.
// Unknown tokens map to Info with a warning logged through logger, never
// silently dropped.
func NormalizeSeverity(ctx context.Context, logger telemetry.Logger, tool, token string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(token))]; ok {
		return sev
	}
	if logger != nil {
		logger.Warn(ctx, "unrecognised severity token mapped to info", "tool", tool, "token", token)
	}
	return Info
}

// ExitCodePolicy declares which exit codes a tool treats as clean,
// issues-found, or failed. Codes not listed in Clean or IssuesFound are
// failures; BitFlag tools (composite codes up to 32) are interpreted via
// IsBitFlagFailure instead of an exhaustive code list.
type ExitCodePolicy struct {
	Clean       []int
	IssuesFound []int
	BitFlag     bool
	// BitFlagFailureMask is the set of bits that indicate a hard failure
	// (as opposed to bits that only indicate findings) for BitFlag tools.
	BitFlagFailureMask int
}

// Interpret classifies an exit code per the tool's declared policy,
// returning the ExecutionStatus a lint-style tool's non-zero "issues
// found" code must map to rather than StatusFailed.
func (p ExitCodePolicy) Interpret(exitCode int) ExecutionStatus {
	if p.BitFlag {
		if exitCode&p.BitFlagFailureMask != 0 {
			return StatusFailed
		}
		if exitCode == 0 {
			return StatusNoIssues
		}
		return StatusSuccess
	}
	for _, c := range p.Clean {
		if exitCode == c {
			return StatusNoIssues
		}
	}
	for _, c := range p.IssuesFound {
		if exitCode == c {
			return StatusSuccess
		}
	}
	return StatusFailed
}

// DefaultLintPolicy is the common Unix lint convention: 0 clean, 1 issues
// found, 2+ failure.
var DefaultLintPolicy = ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}}

// Parser maps one tool's native output (already decoded from JSON/text into
// a generic map) into a ToolResult. Parsers are registered by tool
// identifier in a Registry rather than dispatched via a type switch, so
// adding a tool never requires touching existing parsers.
type Parser func(raw map[string]any, exitCode int) (ToolResult, error)

// Registry maps tool identifiers to their Parser closures.
type Registry struct {
	parsers map[string]Parser
	logger  telemetry.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{parsers: make(map[string]Parser), logger: logger}
}

// Register adds or replaces the Parser for tool.
func (r *Registry) Register(tool string, p Parser) {
	r.parsers[tool] = p
}

// Parse looks up the registered Parser for tool and invokes it. A tool with
// no registered parser falls back to GenericParser so unrecognised tools
// still surface a Tool Execution Record instead of being silently dropped.
func (r *Registry) Parse(tool string, raw map[string]any, exitCode int) (ToolResult, error) {
	p, ok := r.parsers[tool]
	if !ok {
		return GenericParser(DefaultLintPolicy)(raw, exitCode)
	}
	result, err := p(raw, exitCode)
	if err != nil {
		return ToolResult{}, fmt.Errorf("parsing %s output: %w", tool, err)
	}
	return result, nil
}

// GenericParser builds a Parser for tools whose native findings list is
// already shaped like the uniform schema (a "findings" array of maps with
// rule_id/title/description/severity/file keys) modulo severity tokens, applying policy
// to classify exitCode.
func GenericParser(policy ExitCodePolicy) Parser {
	return func(raw map[string]any, exitCode int) (ToolResult, error) {
		status := policy.Interpret(exitCode)
		rec := ExecutionRecord{Executed: true, Status: status}
		if status == StatusFailed {
			if msg, ok := raw["error"].(string); ok {
				rec.Error = msg
			}
			return ToolResult{Execution: rec}, nil
		}

		var findings []Finding
		rawFindings, _ := raw["findings"].([]any)
		for _, rf := range rawFindings {
			entry, ok := rf.(map[string]any)
			if !ok {
				continue
			}
			findings = append(findings, Finding{
				RuleID:   stringField(entry, "rule_id"),
				Severity: NormalizeSeverity(context.Background(), nil, "", stringField(entry, "severity")),
				Message:  Message{Title: stringField(entry, "title"), Description: stringField(entry, "description")},
				File:     FileRef{Path: stringField(entry, "file")},
			})
		}
		rec.IssuesFound = len(findings)
		return ToolResult{Execution: rec, Findings: findings}, nil
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
