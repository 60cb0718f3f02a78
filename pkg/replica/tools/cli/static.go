package cli

import "github.com/forgebench/anacore/pkg/normalize"

// StaticSpecs is the fixed tool set for the static/security analyzer kinds:
// Python security scanners, linters, type checkers, and dependency
// auditors, each invoked with its native JSON output format.
var StaticSpecs = Registry{
	"bandit": {
		Name:       "bandit",
		JSONOutput: true,
		Args: func(src string) []string {
			return []string{"bandit", "-r", src, "-f", "json"}
		},
		// bandit supports SARIF natively via -f sarif; its rendering is
		// attached under the raw result's "sarif" key for extraction.
		SARIFArgs: func(src string) []string {
			return []string{"bandit", "-r", src, "-f", "sarif"}
		},
		// bandit: 0 clean, 1 issues found, 2 invalid usage.
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}},
	},
	"pylint": {
		Name:       "pylint",
		JSONOutput: true,
		Args: func(src string) []string {
			return []string{"pylint", src, "--output-format=json"}
		},
		// pylint's exit code is a bitmask: bit 0 fatal, bit 1 error, bits
		// 2-4 are warning/refactor/convention categories (findings, not
		// failures).
		Policy: normalize.ExitCodePolicy{BitFlag: true, BitFlagFailureMask: 0b11},
	},
	"semgrep": {
		Name:       "semgrep",
		JSONOutput: true,
		Args: func(src string) []string {
			return []string{"semgrep", "scan", "--config=auto", "--json", src}
		},
		// semgrep supports --sarif directly; see bandit's SARIFArgs comment.
		SARIFArgs: func(src string) []string {
			return []string{"semgrep", "scan", "--config=auto", "--sarif", src}
		},
		// semgrep: 0 clean, 1 findings, 2+ error.
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}},
	},
	"mypy": {
		Name:       "mypy",
		JSONOutput: false,
		Args: func(src string) []string {
			return []string{"mypy", src, "--no-error-summary"}
		},
		// mypy: 0 clean, 1 type errors found, 2 usage/internal error.
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}},
	},
	"safety": {
		Name:       "safety",
		JSONOutput: true,
		Args: func(src string) []string {
			return []string{"safety", "check", "--json", "-r", src + "/requirements.txt"}
		},
		// safety: 0 clean, 64 vulnerabilities found.
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{64}},
	},
}
