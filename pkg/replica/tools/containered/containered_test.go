package containered

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/dockerdriver"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/replica/transport"
)

type fakeComposeRunner struct {
	psOutput string
}

func (f fakeComposeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	for _, a := range args {
		if a == "ps" {
			return f.psOutput, nil
		}
	}
	return "", nil
}

type fakeToolRunner struct {
	output   string
	exitCode int
	gotURL   string
}

func (f *fakeToolRunner) Run(ctx context.Context, baseURL string, args ...string) (string, int, error) {
	f.gotURL = baseURL
	return f.output, f.exitCode, nil
}

func newDriver() *dockerdriver.Driver {
	return dockerdriver.New(func(dockerdriver.Target) string { return "/tmp" },
		dockerdriver.WithRunner(fakeComposeRunner{psOutput: "[]"}))
}

func TestServeStartsSubjectAndRunsRequestedTool(t *testing.T) {
	specs := Registry{
		"zap-baseline": {Name: "zap-baseline", Args: func(u string) []string { return []string{"zap-baseline.py", "-t", u} },
			Policy: normalize.ExitCodePolicy{Clean: []int{0}, IssuesFound: []int{1}}},
	}
	toolRunner := &fakeToolRunner{output: "", exitCode: 0}
	h := NewHandler("dynamic", newDriver(), specs, normalize.NewRegistry(nil), nil, toolRunner)

	out, err := h.Serve(context.Background(), transport.RequestFrame{
		AppKey:    "gpt-4o/app3",
		ToolNames: []string{"zap-baseline"},
		Config:    mustConfig(8080),
	})
	require.NoError(t, err)
	results := out.(map[string]any)
	assert.Contains(t, results, "zap-baseline")
	assert.Equal(t, "http://localhost:8080", toolRunner.gotURL)
}

func TestServeRejectsMalformedAppKey(t *testing.T) {
	h := NewHandler("dynamic", newDriver(), Registry{}, normalize.NewRegistry(nil), nil, &fakeToolRunner{})
	_, err := h.Serve(context.Background(), transport.RequestFrame{AppKey: "not-a-valid-key", ToolNames: []string{"x"}})
	assert.Error(t, err)
}

func TestServeRejectsMissingBackendPort(t *testing.T) {
	h := NewHandler("dynamic", newDriver(), Registry{"x": {Name: "x", Args: func(string) []string { return nil }}}, normalize.NewRegistry(nil), nil, &fakeToolRunner{})
	_, err := h.Serve(context.Background(), transport.RequestFrame{AppKey: "gpt-4o/app3", ToolNames: []string{"x"}})
	assert.Error(t, err)
}

func TestParseTargetSplitsModelAndAppNumber(t *testing.T) {
	target, err := parseTarget("claude-3.5-sonnet/app12")
	require.NoError(t, err)
	assert.Equal(t, "claude-3.5-sonnet", target.Model)
	assert.Equal(t, 12, target.AppNum)
}

func mustConfig(backendPort int) map[string]any {
	return map[string]any{"backend_port": backendPort}
}
