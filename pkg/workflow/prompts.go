package workflow

import (
	"fmt"
	"strings"

	"fixbot/pkg/llm"
)

// FileExcerpt is a bounded slice of a repository file included in a prompt.
type FileExcerpt struct {
	Path    string
	Content string
}

const analysisSystem = `You are a senior software engineer analyzing a bug report.
Respond with a single JSON object with these keys:
  root_cause (string), security_risk (boolean), fix_approach (string),
  affected_files (array of strings), test_scenarios (array of strings).
No prose outside the JSON.`

const codingSystem = `You are a senior software engineer writing a bug fix.
Respond with a single JSON object with these keys:
  filename (string), code (string, the complete file content),
  dependencies (object mapping manifest filename to content, may be empty),
  explanation (string).
No prose outside the JSON.`

const reviewSystem = `You are a strict code reviewer evaluating a proposed bug fix.
Respond with a single JSON object with these keys:
  status ("approved" or "rejected"), security_issues (array of strings),
  quality_issues (array of strings), suggestions (array of strings),
  risk_level ("low", "medium" or "high").
No prose outside the JSON.`

// analysisMessages builds the analysis-stage conversation.
func analysisMessages(st *State, repoContext string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Bug report:\n%s\n", st.BugDescription)
	if st.Language != "" {
		fmt.Fprintf(&b, "\nTarget language: %s\n", st.Language)
	}
	if repoContext != "" {
		fmt.Fprintf(&b, "\nRepository context:\n%s\n", repoContext)
	}
	b.WriteString("\nAnalyze the bug and respond with the JSON object described in your instructions.")

	return []llm.Message{
		llm.NewSystemMessage(analysisSystem),
		llm.NewUserMessage(b.String()),
	}
}

// codingMessages builds the coding-stage conversation. Context is assembled
// from the most recent failing test, the most recent review feedback, and up
// to three file excerpts referenced by the analysis.
func codingMessages(st *State, excerpts []FileExcerpt) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Bug report:\n%s\n", st.BugDescription)
	if st.Language != "" {
		fmt.Fprintf(&b, "\nTarget language: %s\n", st.Language)
	}
	if st.Analysis != "" {
		fmt.Fprintf(&b, "\nAnalysis:\n%s\n", st.Analysis)
	}

	if last, ok := st.LatestTestResult(); ok && !last.Success {
		b.WriteString("\nThe previous fix failed its test run:\n")
		if last.Stderr != "" {
			fmt.Fprintf(&b, "stderr:\n%s\n", last.Stderr)
		}
		if last.Stdout != "" {
			fmt.Fprintf(&b, "stdout:\n%s\n", last.Stdout)
		}
		if last.Error != "" {
			fmt.Fprintf(&b, "error: %s\n", last.Error)
		}
	}
	if st.ReviewFeedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback on the previous fix:\n%s\n", st.ReviewFeedback)
	}
	for _, ex := range excerpts {
		fmt.Fprintf(&b, "\nFile %s:\n```\n%s\n```\n", ex.Path, ex.Content)
	}
	fmt.Fprintf(&b, "\nThis is attempt %d of %d. Produce the complete fixed file as the JSON object described in your instructions.", st.Attempts, st.MaxAttempts)

	return []llm.Message{
		llm.NewSystemMessage(codingSystem),
		llm.NewUserMessage(b.String()),
	}
}

// reviewMessages builds the review-stage conversation for the latest patch.
func reviewMessages(st *State, patch Patch) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Bug report:\n%s\n", st.BugDescription)
	if st.Analysis != "" {
		fmt.Fprintf(&b, "\nAnalysis:\n%s\n", st.Analysis)
	}
	fmt.Fprintf(&b, "\nProposed fix for %s (attempt %d):\n```\n%s\n```\n", patch.Filename, patch.Attempt, patch.Code)
	if patch.Explanation != "" {
		fmt.Fprintf(&b, "\nAuthor's explanation: %s\n", patch.Explanation)
	}
	b.WriteString("\nReview the fix and respond with the JSON object described in your instructions.")

	return []llm.Message{
		llm.NewSystemMessage(reviewSystem),
		llm.NewUserMessage(b.String()),
	}
}

// clip bounds telemetry excerpts of prompts and responses.
func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// promptText flattens a conversation for telemetry.
func promptText(messages []llm.Message) string {
	var parts []string
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	return strings.Join(parts, "\n")
}
