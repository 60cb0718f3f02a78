package containered

import "github.com/forgebench/anacore/pkg/normalize"

// DynamicSpecs is the dynamic analyzer kind's fixed tool set: scanners that
// exercise a running subject application over HTTP.
var DynamicSpecs = Registry{
	"zap-baseline": {
		Name: "zap-baseline",
		Args: func(baseURL string) []string {
			return []string{"zap-baseline.py", "-t", baseURL, "-J", "/dev/stdout"}
		},
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1, 2}},
	},
}

// PerformanceSpecs is the performance analyzer kind's fixed tool set: load
// generators run against a subject application's exposed ports.
var PerformanceSpecs = Registry{
	"k6": {
		Name: "k6",
		Args: func(baseURL string) []string {
			return []string{"k6", "run", "--env", "BASE_URL=" + baseURL, "/etc/anacore/k6-smoke.js"}
		},
		Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{99}},
	},
}
