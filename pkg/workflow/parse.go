package workflow

import (
	"encoding/json"
	"strings"
)

// The model is asked for JSON but not trusted to produce it. Each parse
// returns a tagged result: Structured=true with typed fields when the JSON
// parsed, otherwise Structured=false with the raw text preserved. Consumers
// branch on the tag instead of probing for keys.

// AnalysisResult is the parsed analysis-stage response.
type AnalysisResult struct {
	Structured    bool
	RootCause     string
	SecurityRisk  bool
	FixApproach   string
	AffectedFiles []string
	TestScenarios []string
	Raw           string
}

// Summary renders the analysis as prompt-ready text.
func (a AnalysisResult) Summary() string {
	if !a.Structured {
		return a.Raw
	}
	var b strings.Builder
	b.WriteString("Root cause: " + a.RootCause)
	if a.FixApproach != "" {
		b.WriteString("\nFix approach: " + a.FixApproach)
	}
	if len(a.AffectedFiles) > 0 {
		b.WriteString("\nAffected files: " + strings.Join(a.AffectedFiles, ", "))
	}
	if len(a.TestScenarios) > 0 {
		b.WriteString("\nTest scenarios: " + strings.Join(a.TestScenarios, "; "))
	}
	return b.String()
}

// ParseAnalysis interprets the analysis-stage model output.
func ParseAnalysis(content string) AnalysisResult {
	var payload struct {
		RootCause     string   `json:"root_cause"`
		SecurityRisk  bool     `json:"security_risk"`
		FixApproach   string   `json:"fix_approach"`
		AffectedFiles []string `json:"affected_files"`
		TestScenarios []string `json:"test_scenarios"`
	}
	raw, ok := extractJSON(content)
	if !ok || json.Unmarshal([]byte(raw), &payload) != nil || payload.RootCause == "" {
		return AnalysisResult{Raw: content}
	}
	return AnalysisResult{
		Structured:    true,
		RootCause:     payload.RootCause,
		SecurityRisk:  payload.SecurityRisk,
		FixApproach:   payload.FixApproach,
		AffectedFiles: payload.AffectedFiles,
		TestScenarios: payload.TestScenarios,
	}
}

// GeneratedFix is the parsed code-generation response.
type GeneratedFix struct {
	Structured   bool
	Filename     string
	Code         string
	Dependencies map[string]string
	Explanation  string
	Raw          string
}

// ParseGeneratedFix interprets the coding-stage model output. On fallback the
// raw text is treated as the code itself with no filename; the caller
// supplies a language-appropriate default.
func ParseGeneratedFix(content string) GeneratedFix {
	var payload struct {
		Filename     string            `json:"filename"`
		Code         string            `json:"code"`
		Dependencies map[string]string `json:"dependencies"`
		Explanation  string            `json:"explanation"`
	}
	raw, ok := extractJSON(content)
	if !ok || json.Unmarshal([]byte(raw), &payload) != nil || payload.Code == "" {
		return GeneratedFix{Raw: stripCodeFences(content)}
	}
	return GeneratedFix{
		Structured:   true,
		Filename:     payload.Filename,
		Code:         payload.Code,
		Dependencies: payload.Dependencies,
		Explanation:  payload.Explanation,
	}
}

// Review decision values.
type ReviewDecision string

const (
	DecisionApproved     ReviewDecision = "approved"
	DecisionRejected     ReviewDecision = "rejected"
	DecisionInconclusive ReviewDecision = "inconclusive"
)

// RiskHigh is the risk level that forces human escalation.
const RiskHigh = "high"

// ReviewVerdict is the parsed review-stage response.
type ReviewVerdict struct {
	Structured     bool
	Status         string
	SecurityIssues []string
	QualityIssues  []string
	Suggestions    []string
	RiskLevel      string
	Raw            string
}

// Decision maps the verdict to a transition decision. An unparseable or
// unrecognized verdict is inconclusive, which the pipeline deliberately
// treats as "proceed to test": the sandbox gives ground truth, so an
// ambiguous review defers to it rather than burning an attempt.
func (v ReviewVerdict) Decision() ReviewDecision {
	if !v.Structured {
		return DecisionInconclusive
	}
	switch strings.ToLower(v.Status) {
	case "approved":
		return DecisionApproved
	case "rejected":
		return DecisionRejected
	default:
		return DecisionInconclusive
	}
}

// Escalate reports whether this verdict must route to human review.
func (v ReviewVerdict) Escalate() bool {
	return strings.EqualFold(v.RiskLevel, RiskHigh) || len(v.SecurityIssues) > 0
}

// Feedback renders the verdict as prompt-ready reviewer feedback.
func (v ReviewVerdict) Feedback() string {
	if !v.Structured {
		return v.Raw
	}
	var parts []string
	if len(v.QualityIssues) > 0 {
		parts = append(parts, "Quality issues: "+strings.Join(v.QualityIssues, "; "))
	}
	if len(v.SecurityIssues) > 0 {
		parts = append(parts, "Security issues: "+strings.Join(v.SecurityIssues, "; "))
	}
	if len(v.Suggestions) > 0 {
		parts = append(parts, "Suggestions: "+strings.Join(v.Suggestions, "; "))
	}
	return strings.Join(parts, "\n")
}

// ParseReview interprets the review-stage model output.
func ParseReview(content string) ReviewVerdict {
	var payload struct {
		Status         string   `json:"status"`
		SecurityIssues []string `json:"security_issues"`
		QualityIssues  []string `json:"quality_issues"`
		Suggestions    []string `json:"suggestions"`
		RiskLevel      string   `json:"risk_level"`
	}
	raw, ok := extractJSON(content)
	if !ok || json.Unmarshal([]byte(raw), &payload) != nil || payload.Status == "" {
		return ReviewVerdict{Raw: content}
	}
	return ReviewVerdict{
		Structured:     true,
		Status:         payload.Status,
		SecurityIssues: payload.SecurityIssues,
		QualityIssues:  payload.QualityIssues,
		Suggestions:    payload.Suggestions,
		RiskLevel:      payload.RiskLevel,
	}
}

// extractJSON pulls the first JSON object out of model output that may be
// wrapped in prose or markdown fences.
func extractJSON(content string) (string, bool) {
	s := content
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// stripCodeFences removes a surrounding markdown code fence, keeping the body.
func stripCodeFences(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
