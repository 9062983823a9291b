// Package workflow implements the automated bug-fix pipeline: a state
// machine that analyzes a bug, generates candidate patches, reviews them,
// and verifies them in a sandbox until one passes or attempts run out.
package workflow

import (
	"fmt"
	"time"
)

// Stage is a position in the fix pipeline.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageAnalysis   Stage = "analysis"
	StageCoding     Stage = "coding"
	StageReview     Stage = "review"
	StageTesting    Stage = "testing"
	StageDone       Stage = "done"
)

// Status is a task's terminal disposition. Escalated is distinct from failed:
// the pipeline stopped because a human must look, not because it ran out of
// attempts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
)

// transitions is the legal successor set for each stage. Review can loop back
// to coding (rejection), testing can loop back to coding (failed run), and
// both can terminate.
var transitions = map[Stage][]Stage{
	StageInitialize: {StageAnalysis},
	StageAnalysis:   {StageCoding},
	StageCoding:     {StageReview},
	StageReview:     {StageTesting, StageCoding, StageDone},
	StageTesting:    {StageCoding, StageDone},
	StageDone:       {},
}

// ValidTransition reports whether from→to is a legal stage move.
func ValidTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Patch is one candidate fix produced during one attempt.
type Patch struct {
	Attempt      int               `json:"attempt"`
	CreatedAt    time.Time         `json:"created_at"`
	Filename     string            `json:"filename"`
	Code         string            `json:"code"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Explanation  string            `json:"explanation,omitempty"`
}

// TestResult is the outcome of executing one Patch.
type TestResult struct {
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepRecord is one entry in the execution history.
type StepRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
}

// LLMRecord is the telemetry for one model call. Prompt and response are
// truncated excerpts, not full transcripts.
type LLMRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Tokens    int       `json:"tokens"`
}

// State is the single mutable record threaded through every stage of one
// task. Stages for one task run strictly sequentially, so no locking is
// needed; invariant-bearing collections are kept unexported and mutated only
// through the append-only accessors.
type State struct {
	TaskID         string
	BugDescription string
	RepoURL        string
	Branch         string
	Language       string
	TestCommand    string
	MaxAttempts    int

	Stage            Stage
	Attempts         int
	NeedsHumanReview bool
	SecurityIssue    bool

	Analysis       string
	AffectedFiles  []string
	ReviewFeedback string

	finalStatus Status
	finalPatch  *Patch
	patches     []Patch
	testResults []TestResult
	logs        []string
	steps       []StepRecord
	llmCalls    []LLMRecord
	totalTokens int
	errs        []string
}

// NewState creates a pending state at the initialize stage.
func NewState(taskID string, maxAttempts int) *State {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &State{
		TaskID:      taskID,
		MaxAttempts: maxAttempts,
		Stage:       StageInitialize,
		finalStatus: StatusPending,
	}
}

// Transition moves the state to the next stage, rejecting illegal moves.
func (s *State) Transition(to Stage) error {
	if !ValidTransition(s.Stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", s.Stage, to)
	}
	s.Stage = to
	return nil
}

// BeginAttempt increments the attempt counter before generation. The counter
// never exceeds MaxAttempts.
func (s *State) BeginAttempt() error {
	if s.Attempts >= s.MaxAttempts {
		return fmt.Errorf("attempt limit reached: %d of %d", s.Attempts, s.MaxAttempts)
	}
	s.Attempts++
	return nil
}

// CanRetry reports whether another Code→Review→Test cycle is allowed.
func (s *State) CanRetry() bool { return s.Attempts < s.MaxAttempts }

// Finalize latches the terminal status. The first call wins; later calls are
// ignored and report false.
func (s *State) Finalize(status Status) bool {
	if s.finalStatus != StatusPending {
		return false
	}
	s.finalStatus = status
	return true
}

// FinalStatus returns the latched terminal status, or pending.
func (s *State) FinalStatus() Status { return s.finalStatus }

// AddPatch appends a candidate fix. Patches only grow, never shrink.
func (s *State) AddPatch(p Patch) { s.patches = append(s.patches, p) }

// Patches returns the append-only patch history.
func (s *State) Patches() []Patch { return s.patches }

// LatestPatch returns the most recent patch, if any.
func (s *State) LatestPatch() (Patch, bool) {
	if len(s.patches) == 0 {
		return Patch{}, false
	}
	return s.patches[len(s.patches)-1], true
}

// AddTestResult appends a test outcome.
func (s *State) AddTestResult(r TestResult) { s.testResults = append(s.testResults, r) }

// TestResults returns the append-only test history.
func (s *State) TestResults() []TestResult { return s.testResults }

// LatestTestResult returns the most recent test outcome, if any.
func (s *State) LatestTestResult() (TestResult, bool) {
	if len(s.testResults) == 0 {
		return TestResult{}, false
	}
	return s.testResults[len(s.testResults)-1], true
}

// SetFinalPatch records the accepted patch. Set once, immutable thereafter.
func (s *State) SetFinalPatch(p Patch) {
	if s.finalPatch != nil {
		return
	}
	cp := p
	s.finalPatch = &cp
}

// FinalPatch returns the accepted patch or nil.
func (s *State) FinalPatch() *Patch { return s.finalPatch }

// AppendLog records a human-readable event.
func (s *State) AppendLog(format string, args ...any) {
	s.logs = append(s.logs, fmt.Sprintf(format, args...))
}

// Logs returns the event log.
func (s *State) Logs() []string { return s.logs }

// RecordStep appends an execution-history record.
func (s *State) RecordStep(stage Stage, action, result string) {
	s.steps = append(s.steps, StepRecord{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Action:    action,
		Result:    result,
	})
}

// Steps returns the execution history.
func (s *State) Steps() []StepRecord { return s.steps }

// RecordLLMCall appends model-call telemetry and accumulates the token total.
func (s *State) RecordLLMCall(node, prompt, response string, tokens int) {
	s.llmCalls = append(s.llmCalls, LLMRecord{
		Timestamp: time.Now().UTC(),
		Node:      node,
		Prompt:    prompt,
		Response:  response,
		Tokens:    tokens,
	})
	s.totalTokens += tokens
}

// LLMCalls returns the model-call telemetry.
func (s *State) LLMCalls() []LLMRecord { return s.llmCalls }

// TotalTokens returns the running token total across all model calls.
func (s *State) TotalTokens() int { return s.totalTokens }

// AppendError records a stage failure message.
func (s *State) AppendError(format string, args ...any) {
	s.errs = append(s.errs, fmt.Sprintf(format, args...))
}

// Errors returns the accumulated error messages.
func (s *State) Errors() []string { return s.errs }

// Result is the serializable task outcome consumed by the external API layer.
type Result struct {
	TaskID           string       `json:"task_id"`
	Status           Status       `json:"status"`
	Analysis         string       `json:"analysis,omitempty"`
	FinalPatch       *Patch       `json:"final_patch"`
	Patches          []Patch      `json:"patches"`
	TestResults      []TestResult `json:"test_results"`
	Attempts         int          `json:"attempts"`
	Errors           []string     `json:"errors,omitempty"`
	Steps            []StepRecord `json:"execution_history,omitempty"`
	TotalTokens      int          `json:"total_tokens"`
	NeedsHumanReview bool         `json:"needs_human_review"`
}

// Result snapshots the state for external consumers.
func (s *State) Result() *Result {
	return &Result{
		TaskID:           s.TaskID,
		Status:           s.finalStatus,
		Analysis:         s.Analysis,
		FinalPatch:       s.finalPatch,
		Patches:          s.patches,
		TestResults:      s.testResults,
		Attempts:         s.Attempts,
		Errors:           s.errs,
		Steps:            s.steps,
		TotalTokens:      s.totalTokens,
		NeedsHumanReview: s.NeedsHumanReview,
	}
}
