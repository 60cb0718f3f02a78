// Package aireview wires pkg/aireview's model client into a
// pkg/replica.Handler for the "ai" analyser kind: it walks a subject
// application's source tree, sends it to Claude once per requested tool
// name with that tool's fixed review prompt, and normalises the model's
// text response into a normalize.ToolResult finding list.
package aireview

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
)

// MaxSourceBytes bounds how much concatenated source text is sent in a
// single review request, so one outsized subject application cannot blow
// past the model's context window. The file that reaches the budget is cut
// off at it, and every file after it is left out.
const MaxSourceBytes = 400_000

// reviewers maps a requested tool name to its fixed system prompt. The set
// is closed: an unrecognised name in a request is a validation error, not a
// silently-skipped tool.
var reviewers = map[string]string{
	"ai_security_review": `You are a security-focused code reviewer. Read the provided source tree and report concrete vulnerabilities: injection, auth bypass, secrets in code, unsafe deserialization, and similar. Respond with one finding per line in the form "SEVERITY|file:line|short title|description". Severity is one of critical, high, medium, low, info. If there are no findings, respond with "NO_FINDINGS".`,
	"ai_quality_review": `You are a code quality reviewer. Read the provided source tree and report maintainability, correctness, and design issues. Respond with one finding per line in the form "SEVERITY|file:line|short title|description". Severity is one of critical, high, medium, low, info. If there are no findings, respond with "NO_FINDINGS".`,
}

// Reviewer sends source text to Claude. *aireview.Client satisfies this.
type Reviewer interface {
	Review(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewHandler returns a replica.Handler that serves the "ai" analyser kind.
// req.ToolNames selects which reviewers in the fixed set run; an unknown
// name fails the request with a validation classification rather than
// silently skipping it.
func NewHandler(client Reviewer) func(ctx context.Context, req transport.RequestFrame) (any, error) {
	return func(ctx context.Context, req transport.RequestFrame) (any, error) {
		if len(req.ToolNames) == 0 {
			return nil, taskerr.New(taskerr.Validation, "ai review request carries no tool names")
		}
		source, err := readSourceTree(req.SourcePath)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.Tool, "reading subject source tree", err)
		}

		out := make(map[string]any, len(req.ToolNames))
		for _, name := range req.ToolNames {
			prompt, ok := reviewers[name]
			if !ok {
				return nil, taskerr.New(taskerr.Validation, fmt.Sprintf("unknown ai review tool %q", name))
			}
			result := runOne(ctx, client, name, prompt, source)
			out[name] = result
		}
		return out, nil
	}
}

func runOne(ctx context.Context, client Reviewer, name, systemPrompt, source string) normalize.ToolResult {
	start := time.Now()
	text, err := client.Review(ctx, systemPrompt, source)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return normalize.ToolResult{
			Execution: normalize.ExecutionRecord{
				Tool:            name,
				Executed:        true,
				Status:          normalize.StatusFailed,
				DurationSeconds: elapsed,
				Error:           err.Error(),
			},
		}
	}

	findings := parseFindings(name, text)
	status := normalize.StatusComplete
	if len(findings) == 0 {
		status = normalize.StatusNoIssues
	}
	return normalize.ToolResult{
		Execution: normalize.ExecutionRecord{
			Tool:            name,
			Executed:        true,
			Status:          status,
			IssuesFound:     len(findings),
			DurationSeconds: elapsed,
		},
		Findings: findings,
	}
}

// parseFindings decodes the reviewer's line-oriented response format. A
// malformed line is dropped rather than failing the whole tool: partial
// findings are still useful, and the model's prose is not a stable wire
// format worth hard-failing on.
func parseFindings(tool, text string) []normalize.Finding {
	if strings.TrimSpace(text) == "NO_FINDINGS" {
		return nil
	}
	var findings []normalize.Finding
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "NO_FINDINGS" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		sev := normalize.Severity(strings.ToLower(strings.TrimSpace(parts[0])))
		path, lineNo := splitFileRef(parts[1])
		findings = append(findings, normalize.Finding{
			Tool:     tool,
			Category: normalize.CategorySecurity,
			Severity: sev,
			Message: normalize.Message{
				Title:       strings.TrimSpace(parts[2]),
				Description: strings.TrimSpace(parts[3]),
			},
			File: normalize.FileRef{Path: path, LineStart: lineNo, LineEnd: lineNo},
		})
	}
	return findings
}

func splitFileRef(ref string) (string, int) {
	ref = strings.TrimSpace(ref)
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, 0
	}
	path := ref[:idx]
	var line int
	fmt.Sscanf(ref[idx+1:], "%d", &line)
	return path, line
}

// readSourceTree concatenates every regular file under root into one text
// blob labelled by relative path, stopping once MaxSourceBytes is reached.
func readSourceTree(root string) (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if b.Len() >= MaxSourceBytes {
			return nil
		}
		data, readErr := readFileCapped(path, MaxSourceBytes-b.Len())
		if readErr != nil {
			return nil // unreadable file (permissions, symlink loop): skip, don't fail the whole review
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		b.WriteString("=== ")
		b.WriteString(rel)
		b.WriteString(" ===\n")
		b.Write(data)
		b.WriteString("\n")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking source tree %s: %w", root, err)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("source tree %s contains no readable files", root)
	}
	return b.String(), nil
}

func readFileCapped(path string, maxBytes int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if maxBytes <= 0 {
		return nil, nil
	}
	buf := make([]byte, maxBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}
