package dockerdriver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/taskerr"
)

type fakeRunner struct {
	responses []fakeResponse
	calls     []string
}

type fakeResponse struct {
	output string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	if len(f.responses) == 0 {
		return "", nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.output, r.err
}

func TestProjectNameIsDeterministic(t *testing.T) {
	tg := Target{Model: "gpt_4o", AppNum: 3}
	assert.Equal(t, "gpt-4o-app3", tg.ProjectName())
}

func TestBuildRunsPreBuildCleanupThenBuild(t *testing.T) {
	runner := &fakeRunner{}
	d := New(func(Target) string { return "." }, WithRunner(runner))

	retries, err := d.Build(context.Background(), Target{Model: "m", AppNum: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[0], "down")
	assert.Contains(t, runner.calls[0], "--remove-orphans")
	assert.Contains(t, runner.calls[1], "build")
}

func TestBuildRetriesOnTransientToken(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{}, // cleanup
		{output: "ERROR: buildkit failed to solve", err: errors.New("exit 1")},
		{}, // retried build succeeds
	}}
	d := New(func(Target) string { return "." }, WithRunner(runner))
	retries, err := d.Build(context.Background(), Target{Model: "m", AppNum: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
}

func TestBuildFailsFastOnNonTransientError(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{},
		{output: "ERROR: dockerfile syntax error", err: errors.New("exit 1")},
	}}
	d := New(func(Target) string { return "." }, WithRunner(runner))
	_, err := d.Build(context.Background(), Target{Model: "m", AppNum: 1}, false)
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.Fatal))
	assert.Len(t, runner.calls, 2, "must not retry a non-transient error")
}

func TestConcurrentBuildOnSameTargetRejected(t *testing.T) {
	runner := &fakeRunner{}
	d := New(func(Target) string { return "." }, WithRunner(runner))
	tg := Target{Model: "m", AppNum: 1}

	require.NoError(t, d.lock(tg))
	_, err := d.Build(context.Background(), tg, false)
	assert.ErrorIs(t, err, ErrTargetBusy)
}

func TestStartSurfacesBuildRetriesInHealthResult(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{},                                                                  // status (ps): no containers, triggers auto-build
		{},                                                                  // preBuildCleanup
		{output: "ERROR: buildkit failed to solve", err: errors.New("exit 1")}, // build attempt 1: transient
		{},                                                                  // build attempt 2: succeeds
		{},                                                                  // up -d
		{output: `{"Service":"web","Health":"","State":"running"}`},        // waitForHealth status
	}}
	d := New(func(Target) string { return "." }, WithRunner(runner))
	d.healthPollInterval = time.Millisecond

	res, err := d.Start(context.Background(), Target{Model: "m", AppNum: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BuildRetries)
}

func TestWaitForHealthReturnsDiagnosticOnTimeout(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{output: `{"Service":"web","Health":"starting","State":"running"}`},
		{output: `{"Service":"web","Health":"starting","State":"running"}`},
		{output: `{"Service":"web","Health":"starting","State":"running"}`},
		{output: `{"Service":"web","Health":"starting","State":"running"}`},
		{output: `{"Service":"web","Health":"starting","State":"running"}`},
	}}
	d := New(func(Target) string { return "." }, WithRunner(runner))
	d.healthPollInterval = time.Millisecond

	res, err := d.waitForHealth(context.Background(), Target{Model: "m", AppNum: 1}, 2*time.Millisecond)
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	require.Len(t, res.Containers, 1)
	assert.Equal(t, "starting", res.Containers[0].State)
}

func TestParseComposePSHealthNoHealthCheckIsHealthy(t *testing.T) {
	out := `{"Service":"db","Health":"","State":"running"}`
	containers := parseComposePSHealth(out)
	require.Len(t, containers, 1)
	assert.Equal(t, "none", containers[0].State)
	assert.True(t, allHealthyOrNone(containers))
}

func TestPortProbeFalseWhenClosed(t *testing.T) {
	d := New(func(Target) string { return "." })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, d.PortProbe(ctx, 1))
}
