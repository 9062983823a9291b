package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixbot/pkg/config"
	"fixbot/pkg/llm"
	"fixbot/pkg/repo"
	"fixbot/pkg/sandbox"
)

const (
	analysisJSON = `{"root_cause":"add() subtracts instead of adding","security_risk":false,"fix_approach":"replace - with +","affected_files":["calculator.py"],"test_scenarios":["add(1,2)==3"]}`
	codeJSON     = `{"filename":"calculator.py","code":"def add(a, b):\n    return a + b\n","dependencies":{},"explanation":"replace the subtraction with addition"}`
	approveJSON  = `{"status":"approved","security_issues":[],"quality_issues":[],"suggestions":[],"risk_level":"low"}`
	rejectJSON   = `{"status":"rejected","security_issues":[],"quality_issues":["does not handle floats"],"suggestions":["coerce inputs"],"risk_level":"low"}`
	highRiskJSON = `{"status":"approved","security_issues":["patch disables input validation"],"quality_issues":[],"suggestions":[],"risk_level":"high"}`
)

// stubExecutor replays scripted sandbox outcomes and records every spec.
type stubExecutor struct {
	mu       sync.Mutex
	outcomes []sandbox.Outcome
	errs     []error
	specs    []sandbox.Spec
}

func (s *stubExecutor) Execute(_ context.Context, spec sandbox.Spec) (sandbox.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.specs)
	s.specs = append(s.specs, spec)
	if i < len(s.errs) && s.errs[i] != nil {
		return sandbox.Outcome{}, s.errs[i]
	}
	if i < len(s.outcomes) {
		return s.outcomes[i], nil
	}
	return sandbox.Outcome{Success: true, Executor: "stub", Sandboxed: true}, nil
}

func (s *stubExecutor) Name() string    { return "stub" }
func (s *stubExecutor) Available() bool { return true }

func (s *stubExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func newTestEngine(client llm.Client, exec sandbox.Executor) *Engine {
	cfg := config.Default()
	return NewEngine(cfg, client, exec, repo.NewProvider(&cfg.Repo), nil)
}

func resp(content string) llm.Response {
	return llm.Response{Content: content, TokensUsed: 100}
}

func snippetRequest(maxAttempts int) Request {
	return Request{
		TaskID:         "task-1",
		InlineCode:     "def add(a, b):\n    return a - b\n",
		BugDescription: "add() returns wrong sum",
		Language:       "python",
		MaxAttempts:    maxAttempts,
	}
}

func TestRunSuccessFirstAttempt(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON), resp(codeJSON), resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Stdout: "3\n", Executor: "docker", Sandboxed: true}}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.FinalStatus())
	assert.Equal(t, 1, st.Attempts)
	assert.Len(t, st.Patches(), 1)
	assert.Len(t, st.TestResults(), 1)
	require.NotNil(t, st.FinalPatch())
	assert.Equal(t, "calculator.py", st.FinalPatch().Filename)
	assert.False(t, st.NeedsHumanReview)
	assert.Equal(t, 300, st.TotalTokens())
}

func TestRunExhaustsAttemptsOnPersistentTestFailure(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{
		{Success: false, Stderr: "AssertionError", ExitCode: 1, Executor: "docker", Sandboxed: true},
		{Success: false, Stderr: "AssertionError", ExitCode: 1, Executor: "docker", Sandboxed: true},
	}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(2))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, st.FinalStatus())
	assert.Equal(t, 2, st.Attempts)
	assert.Len(t, st.TestResults(), 2)
	assert.Nil(t, st.FinalPatch())
	assert.NotEmpty(t, st.Errors())

	// Monotonic attempt numbering across the patch history.
	for i, p := range st.Patches() {
		assert.Equal(t, i+1, p.Attempt)
	}
}

func TestRunHighRiskEscalatesImmediately(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON), resp(codeJSON), resp(highRiskJSON),
	}, nil)
	exec := &stubExecutor{}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, st.FinalStatus())
	assert.True(t, st.NeedsHumanReview)
	assert.True(t, st.SecurityIssue)
	assert.Equal(t, 1, st.Attempts, "escalation must ignore remaining attempts")
	assert.Equal(t, 0, exec.calls(), "escalated patch must never reach the sandbox")
}

func TestRunRejectedPatchLoopsBackToCoding(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Executor: "docker", Sandboxed: true}}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.FinalStatus())
	assert.Equal(t, 2, st.Attempts)
	assert.Len(t, st.Patches(), 2)
	assert.Equal(t, 1, exec.calls(), "rejected patch must not be tested")
	assert.Contains(t, st.ReviewFeedback, "coerce inputs")
}

func TestRunInconclusiveReviewProceedsToTest(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON), resp(codeJSON), resp("Hmm, seems plausible to me."),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Executor: "docker", Sandboxed: true}}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.FinalStatus())
	assert.Equal(t, 1, exec.calls(), "inconclusive review must fall open to testing")
}

func TestRunNoArtifactCountsAsFailedAttempt(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Response{resp(analysisJSON)},
		[]error{nil, errors.New("model unavailable")},
	)
	exec := &stubExecutor{}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(1))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, st.FinalStatus())
	assert.Equal(t, 1, st.Attempts)
	assert.Empty(t, st.Patches())
	assert.Equal(t, 0, exec.calls(), "no-artifact path must not invoke the sandbox")
	assert.Equal(t, 2, client.Calls(), "no-artifact path must not invoke the review model")
	assert.NotEmpty(t, st.Errors())
}

func TestRunRawCodeFallbackStillProducesPatch(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp("no json in this analysis"),
		resp("```python\ndef add(a, b):\n    return a + b\n```"),
		resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Executor: "docker", Sandboxed: true}}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.FinalStatus())
	require.NotNil(t, st.FinalPatch())
	assert.Equal(t, "main.py", st.FinalPatch().Filename, "raw fallback uses the language default filename")
	assert.Contains(t, st.FinalPatch().Code, "return a + b")
}

func TestRunSandboxErrorConsumesAttempt(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON), resp(codeJSON), resp(approveJSON),
	}, nil)
	exec := &stubExecutor{errs: []error{errors.New("workspace creation failed")}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(1))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, st.FinalStatus())
	require.Len(t, st.TestResults(), 1)
	assert.False(t, st.TestResults()[0].Success)
	assert.NotEmpty(t, st.TestResults()[0].Error)
}

func TestRunDegradedExecutionIsLogged(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON), resp(codeJSON), resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Executor: "local", Sandboxed: false}}}
	engine := newTestEngine(client, exec)

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.FinalStatus())
	found := false
	for _, line := range st.Logs() {
		if strings.Contains(line, "without isolation") {
			found = true
		}
	}
	assert.True(t, found, "expected a degraded-mode warning in the task log")
}

func TestRunValidationErrors(t *testing.T) {
	engine := newTestEngine(llm.NewScriptedClient(nil, nil), &stubExecutor{})

	_, err := engine.Run(context.Background(), Request{TaskID: "t", InlineCode: "x = 1"})
	require.Error(t, err, "empty bug description must be rejected")

	_, err = engine.Run(context.Background(), Request{TaskID: "t", BugDescription: "something is broken"})
	require.Error(t, err, "missing repo and inline code must be rejected")
}

func TestRunAttemptsNeverExceedMax(t *testing.T) {
	// Script enough rejections to tempt the loop past the ceiling.
	responses := []llm.Response{resp(analysisJSON)}
	for i := 0; i < 5; i++ {
		responses = append(responses, resp(codeJSON), resp(rejectJSON))
	}
	client := llm.NewScriptedClient(responses, nil)
	engine := newTestEngine(client, &stubExecutor{})

	st, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, st.FinalStatus())
	assert.Equal(t, 3, st.Attempts)
	assert.LessOrEqual(t, st.Attempts, st.MaxAttempts)
}

func TestRunSnippetSpecCarriesPatchArtifacts(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Response{
		resp(analysisJSON),
		resp(`{"filename":"calc.py","code":"print(1)","dependencies":{"requirements.txt":"pytest"},"explanation":"x"}`),
		resp(approveJSON),
	}, nil)
	exec := &stubExecutor{outcomes: []sandbox.Outcome{{Success: true, Executor: "docker", Sandboxed: true}}}
	engine := newTestEngine(client, exec)

	_, err := engine.Run(context.Background(), snippetRequest(3))
	require.NoError(t, err)

	require.Len(t, exec.specs, 1)
	spec := exec.specs[0]
	assert.Equal(t, "print(1)", spec.Code)
	assert.Equal(t, "python", spec.Language)
	assert.Equal(t, "pytest", spec.Dependencies["requirements.txt"])
	assert.Empty(t, spec.RepoDir)
}
