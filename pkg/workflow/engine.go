package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fixbot/pkg/config"
	"fixbot/pkg/llm"
	"fixbot/pkg/logx"
	"fixbot/pkg/metrics"
	"fixbot/pkg/recovery"
	"fixbot/pkg/repo"
	"fixbot/pkg/sandbox"
)

// Request is a bug-fix task submission. Either a repository locator or
// inline code must be present, and the bug description must be non-empty.
type Request struct {
	TaskID         string `json:"task_id"`
	RepoURL        string `json:"repo_url,omitempty"`
	Branch         string `json:"branch,omitempty"`
	InlineCode     string `json:"inline_code,omitempty"`
	BugDescription string `json:"bug_description"`
	TestCommand    string `json:"test_command,omitempty"`
	Language       string `json:"language,omitempty"`
	// MaxAttempts overrides the configured default when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Validate rejects malformed submissions before any workflow state exists.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.BugDescription) == "" {
		return &recovery.ValidationError{Field: "bug_description", Msg: "must not be empty"}
	}
	if r.RepoURL == "" && strings.TrimSpace(r.InlineCode) == "" {
		return &recovery.ValidationError{Field: "repo_url", Msg: "either a repository locator or inline code is required"}
	}
	return nil
}

// Engine drives one task through Analyze → Code → Review → Test until a
// terminal status latches. It is safe for concurrent use: each Run owns its
// State exclusively.
type Engine struct {
	logger   *logx.Logger
	cfg      *config.Config
	client   llm.Client
	exec     sandbox.Executor
	repos    *repo.Provider
	runtimes *sandbox.RuntimeSet
	strategy *recovery.Strategy
	rec      *metrics.Recorder
}

// NewEngine wires the pipeline's collaborators together.
func NewEngine(cfg *config.Config, client llm.Client, exec sandbox.Executor, repos *repo.Provider, rec *metrics.Recorder) *Engine {
	return &Engine{
		logger:   logx.NewLogger("workflow"),
		cfg:      cfg,
		client:   client,
		exec:     exec,
		repos:    repos,
		runtimes: sandbox.NewRuntimeSet(),
		strategy: recovery.NewStrategy(cfg.LLM.MaxRetries),
		rec:      rec,
	}
}

// run carries one task's per-run collaborator state alongside the Engine.
type run struct {
	*Engine
	st       *State
	checkout *repo.Checkout
	inline   string
}

// Run executes one task to its terminal status. Only validation errors and
// repository authentication failures return a non-nil error; every other
// failure mode is folded into the returned State.
func (e *Engine) Run(ctx context.Context, req Request) (*State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := e.cfg.Workflow.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	st := NewState(req.TaskID, maxAttempts)
	st.BugDescription = req.BugDescription
	st.RepoURL = req.RepoURL
	st.Branch = req.Branch
	st.Language = req.Language
	st.TestCommand = req.TestCommand

	defer func() {
		e.rec.ObserveTaskOutcome(string(st.FinalStatus()))
	}()

	taskCtx := ctx
	if e.cfg.Workflow.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, e.cfg.Workflow.TaskTimeout)
		defer cancel()
	}

	r := &run{Engine: e, st: st, inline: req.InlineCode}

	// The repository is cloned once per task, not per attempt. Auth failures
	// are terminal; anything else degrades context and the task continues.
	if req.RepoURL != "" {
		checkout, err := e.repos.Clone(taskCtx, req.RepoURL, req.Branch)
		switch {
		case err == nil:
			r.checkout = checkout
		default:
			var repoErr *recovery.RepoError
			if errors.As(err, &repoErr) && repoErr.Auth {
				st.AppendError("repository authentication failed: %v", err)
				st.Finalize(StatusFailed)
				st.Stage = StageDone
				return st, err
			}
			st.AppendError("clone failed, continuing with degraded context: %v", err)
			e.logger.Warn("task %s: clone failed, degraded context: %v", st.TaskID, err)
		}
	}
	defer r.checkout.Close()

	if err := st.Transition(StageAnalysis); err != nil {
		return st, err
	}

	for st.Stage != StageDone {
		if ctxErr := taskCtx.Err(); ctxErr != nil {
			st.AppendError("task aborted: %v", ctxErr)
			st.Finalize(StatusFailed)
			break
		}

		var next Stage
		var err error
		switch st.Stage {
		case StageAnalysis:
			next, err = r.analyze(taskCtx)
		case StageCoding:
			next, err = r.code(taskCtx)
		case StageReview:
			next, err = r.review(taskCtx)
		case StageTesting:
			next, err = r.test(taskCtx)
		default:
			st.AppendError("unexpected stage %s", st.Stage)
			st.Finalize(StatusFailed)
			next = StageDone
		}

		if err != nil {
			next = r.recoverStage(err)
		}

		// Termination is a latch, not a table move: boundary failures may
		// terminate from any stage.
		if next == StageDone {
			st.Stage = StageDone
			continue
		}
		if trErr := st.Transition(next); trErr != nil {
			st.AppendError("%v", trErr)
			st.Finalize(StatusFailed)
			st.Stage = StageDone
		}
	}

	// A task always ends with an explicit status.
	if st.FinalStatus() == StatusPending {
		st.AppendError("pipeline ended without a terminal status")
		st.Finalize(StatusFailed)
	}

	e.logger.Info("task %s finished: status=%s attempts=%d patches=%d tokens=%d",
		st.TaskID, st.FinalStatus(), st.Attempts, len(st.Patches()), st.TotalTokens())
	return st, nil
}

// recoverStage is the state-machine boundary for stage errors: record the
// failure, log the advisory recovery decision, and continue the attempt loop
// until it is exhausted. The strategy never overrides the attempt ceiling.
func (r *run) recoverStage(err error) Stage {
	st := r.st
	category := recovery.Classify(err)
	decision := r.strategy.Decide(category, recovery.Context{Attempts: st.Attempts, Err: err})

	st.AppendError("%s stage failed (%s): %v", st.Stage, category, err)
	r.logger.Warn("task %s: %s stage failed: %v (advice: %s)", st.TaskID, st.Stage, err, decision.Reason)

	if !decision.Recoverable {
		st.Finalize(StatusFailed)
		return StageDone
	}
	if st.Stage == StageAnalysis {
		// Analyze → Code is unconditional; a failed analysis degrades the
		// prompt context but does not consume an attempt.
		return StageCoding
	}
	if st.CanRetry() {
		return StageCoding
	}
	st.Finalize(StatusFailed)
	return StageDone
}

// analyze runs the analysis stage: gather repository context, ask the model
// for a root-cause analysis, and attach it to the state.
func (r *run) analyze(ctx context.Context) (Stage, error) {
	st := r.st
	repoContext := r.gatherContext()

	resp, err := r.complete(ctx, "analysis", analysisMessages(st, repoContext))
	if err != nil {
		return "", fmt.Errorf("analysis generation failed: %w", err)
	}

	result := ParseAnalysis(resp.Content)
	st.Analysis = result.Summary()
	st.AffectedFiles = result.AffectedFiles
	if result.Structured && result.SecurityRisk {
		st.SecurityIssue = true
		st.AppendLog("analysis flagged a potential security issue")
	}

	st.RecordStep(StageAnalysis, "analyze bug", "completed")
	st.AppendLog("analysis completed (structured=%t)", result.Structured)
	return StageCoding, nil
}

// gatherContext summarizes the checkout (or inline code) for the analysis
// prompt. Context failures degrade the prompt, never the task.
func (r *run) gatherContext() string {
	var b strings.Builder
	if r.inline != "" {
		fmt.Fprintf(&b, "Submitted code:\n```\n%s\n```\n", r.inline)
	}
	if r.checkout == nil {
		return b.String()
	}

	a, err := r.repos.Analyze(r.checkout.Dir)
	if err != nil {
		r.logger.Warn("task %s: repository analysis failed: %v", r.st.TaskID, err)
		return b.String()
	}

	fmt.Fprintf(&b, "Repository: %d files, %d lines.\n", a.FileCount, a.TotalLines)
	if len(a.Extensions) > 0 {
		fmt.Fprintf(&b, "File types: %v\n", a.Extensions)
	}
	if len(a.TestFiles) > 0 {
		fmt.Fprintf(&b, "Test files: %s\n", strings.Join(a.TestFiles, ", "))
	}
	if len(a.ConfigFiles) > 0 {
		fmt.Fprintf(&b, "Config files: %s\n", strings.Join(a.ConfigFiles, ", "))
	}
	if a.ReadmeExcerpt != "" {
		fmt.Fprintf(&b, "README excerpt:\n%s\n", a.ReadmeExcerpt)
	}
	return b.String()
}

// code runs the coding stage: increment the attempt counter, build the fix
// prompt from accumulated context, and append exactly one new patch. A
// generation failure leaves the patch absent; review short-circuits on that.
func (r *run) code(ctx context.Context) (Stage, error) {
	st := r.st
	if err := st.BeginAttempt(); err != nil {
		st.AppendError("%v", err)
		st.Finalize(StatusFailed)
		return StageDone, nil
	}
	st.AppendLog("starting attempt %d of %d", st.Attempts, st.MaxAttempts)

	resp, err := r.complete(ctx, "coding", codingMessages(st, r.excerpts()))
	if err != nil {
		st.AppendError("fix generation failed on attempt %d: %v", st.Attempts, err)
		st.RecordStep(StageCoding, "generate fix", "failed")
		return StageReview, nil
	}

	fix := ParseGeneratedFix(resp.Content)
	code := fix.Code
	if !fix.Structured {
		code = fix.Raw
	}
	if strings.TrimSpace(code) == "" {
		st.AppendError("fix generation produced no code on attempt %d", st.Attempts)
		st.RecordStep(StageCoding, "generate fix", "empty")
		return StageReview, nil
	}

	filename := fix.Filename
	if filename == "" {
		filename = r.runtimes.For(st.Language).Filename
	}

	st.AddPatch(Patch{
		Attempt:      st.Attempts,
		CreatedAt:    time.Now().UTC(),
		Filename:     filename,
		Code:         code,
		Dependencies: fix.Dependencies,
		Explanation:  fix.Explanation,
	})
	st.RecordStep(StageCoding, "generate fix", "patch created")
	st.AppendLog("attempt %d produced a patch for %s", st.Attempts, filename)
	return StageReview, nil
}

// excerpts loads up to three bounded file excerpts referenced by the
// analysis, plus the inline code when the task carries one.
func (r *run) excerpts() []FileExcerpt {
	var out []FileExcerpt
	if r.inline != "" {
		out = append(out, FileExcerpt{Path: "submitted code", Content: r.inline})
	}
	if r.checkout == nil {
		return out
	}
	for _, f := range r.st.AffectedFiles {
		if len(out) >= 3 {
			break
		}
		content, err := r.repos.ReadFile(r.checkout.Dir, f, 1, 150)
		if err != nil {
			r.logger.Debug("task %s: cannot read %s: %v", r.st.TaskID, f, err)
			continue
		}
		out = append(out, FileExcerpt{Path: f, Content: content})
	}
	return out
}

// currentPatch returns the patch produced by the current attempt, if any.
// An older patch does not count: each attempt must be judged on its own
// artifact.
func (r *run) currentPatch() (Patch, bool) {
	latest, ok := r.st.LatestPatch()
	if !ok || latest.Attempt != r.st.Attempts {
		return Patch{}, false
	}
	return latest, true
}

// noArtifact handles entering review or testing with nothing to evaluate:
// a failed attempt that consumes the retry budget without touching the model
// or the sandbox.
func (r *run) noArtifact(stage Stage) Stage {
	st := r.st
	st.AppendError("no patch available at %s stage on attempt %d", stage, st.Attempts)
	st.RecordStep(stage, "evaluate patch", "no artifact")
	if st.CanRetry() {
		return StageCoding
	}
	st.Finalize(StatusFailed)
	return StageDone
}

// review runs the review stage against the latest patch only.
func (r *run) review(ctx context.Context) (Stage, error) {
	st := r.st
	patch, ok := r.currentPatch()
	if !ok {
		return r.noArtifact(StageReview), nil
	}

	resp, err := r.complete(ctx, "review", reviewMessages(st, patch))
	if err != nil {
		return "", fmt.Errorf("review failed: %w", err)
	}

	verdict := ParseReview(resp.Content)
	st.ReviewFeedback = verdict.Feedback()

	if verdict.Escalate() {
		st.NeedsHumanReview = true
		if len(verdict.SecurityIssues) > 0 {
			st.SecurityIssue = true
		}
		st.RecordStep(StageReview, "review patch", "escalated")
		st.AppendLog("review escalated to human (risk=%s, security issues=%d)", verdict.RiskLevel, len(verdict.SecurityIssues))
		st.Finalize(StatusEscalated)
		return StageDone, nil
	}

	switch verdict.Decision() {
	case DecisionApproved:
		st.RecordStep(StageReview, "review patch", "approved")
		return StageTesting, nil
	case DecisionRejected:
		st.RecordStep(StageReview, "review patch", "rejected")
		st.AppendLog("attempt %d rejected by review", st.Attempts)
		if st.CanRetry() {
			return StageCoding, nil
		}
		st.AppendError("patch rejected by review and attempts exhausted")
		st.Finalize(StatusFailed)
		return StageDone, nil
	default:
		// Inconclusive verdicts proceed to testing: the sandbox is ground
		// truth, an ambiguous review defers to it.
		st.RecordStep(StageReview, "review patch", "inconclusive, proceeding to test")
		return StageTesting, nil
	}
}

// test runs the testing stage: execute the latest patch in the sandbox and
// branch on the outcome.
func (r *run) test(ctx context.Context) (Stage, error) {
	st := r.st
	patch, ok := r.currentPatch()
	if !ok {
		return r.noArtifact(StageTesting), nil
	}

	spec := r.buildSpec(patch)
	outcome, err := r.exec.Execute(ctx, spec)
	if err != nil {
		st.AddTestResult(TestResult{
			Attempt:   st.Attempts,
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return "", fmt.Errorf("sandbox execution failed: %w", err)
	}

	if !outcome.Sandboxed {
		st.AppendLog("warning: attempt %d executed without isolation (%s executor)", st.Attempts, outcome.Executor)
	}

	result := TestResult{
		Attempt:   st.Attempts,
		Success:   outcome.Success,
		Stdout:    outcome.Stdout,
		Stderr:    outcome.Stderr,
		Timestamp: time.Now().UTC(),
	}
	if !outcome.Success {
		result.Error = fmt.Sprintf("execution failed with exit code %d", outcome.ExitCode)
	}
	st.AddTestResult(result)
	st.RecordStep(StageTesting, "execute patch", fmt.Sprintf("success=%t exit=%d", outcome.Success, outcome.ExitCode))

	if outcome.Success {
		st.SetFinalPatch(patch)
		st.AppendLog("attempt %d passed verification", st.Attempts)
		st.Finalize(StatusSuccess)
		return StageDone, nil
	}

	st.AppendLog("attempt %d failed verification", st.Attempts)
	if st.CanRetry() {
		return StageCoding, nil
	}
	st.AppendError("fix failed verification after %d attempts", st.Attempts)
	st.Finalize(StatusFailed)
	return StageDone, nil
}

// buildSpec maps a patch onto a sandbox execution request. With a checkout
// and a test command the repository-aware variant runs the real suite;
// otherwise the patch executes as a standalone snippet.
func (r *run) buildSpec(patch Patch) sandbox.Spec {
	st := r.st
	if r.checkout != nil && st.TestCommand != "" {
		patchFiles := map[string]string{patch.Filename: patch.Code}
		for name, content := range patch.Dependencies {
			patchFiles[name] = content
		}
		return sandbox.Spec{
			Language:    st.Language,
			TestCommand: st.TestCommand,
			RepoDir:     r.checkout.Dir,
			PatchFiles:  patchFiles,
		}
	}
	return sandbox.Spec{
		Code:         patch.Code,
		Language:     st.Language,
		TestCommand:  st.TestCommand,
		Dependencies: patch.Dependencies,
	}
}

// complete performs one model call with telemetry.
func (r *run) complete(ctx context.Context, node string, messages []llm.Message) (llm.Response, error) {
	start := time.Now()
	resp, err := r.client.Complete(ctx, llm.Request{
		Messages:    messages,
		MaxTokens:   r.cfg.LLM.MaxTokens,
		Temperature: r.cfg.LLM.Temperature,
	})
	r.rec.ObserveLLMCall(r.client.Name(), resp.TokensUsed, time.Since(start), err)

	limit := r.cfg.Workflow.PromptTruncate
	r.st.RecordLLMCall(node, clip(promptText(messages), limit), clip(resp.Content, limit), resp.TokensUsed)
	return resp, err
}
