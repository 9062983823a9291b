package workflow

import (
	"strings"
	"testing"
)

func TestParseAnalysisStructured(t *testing.T) {
	result := ParseAnalysis(`{"root_cause":"add() subtracts","security_risk":true,"fix_approach":"use +","affected_files":["calc.py"],"test_scenarios":["add(1,2)==3"]}`)
	if !result.Structured {
		t.Fatal("Expected structured result")
	}
	if result.RootCause != "add() subtracts" {
		t.Errorf("Unexpected root cause: %q", result.RootCause)
	}
	if !result.SecurityRisk {
		t.Error("Expected security risk flag")
	}
	if len(result.AffectedFiles) != 1 || result.AffectedFiles[0] != "calc.py" {
		t.Errorf("Unexpected affected files: %v", result.AffectedFiles)
	}
}

func TestParseAnalysisFencedJSON(t *testing.T) {
	content := "Here is my analysis:\n```json\n{\"root_cause\":\"off by one\",\"security_risk\":false,\"fix_approach\":\"adjust bound\"}\n```\nHope that helps."
	result := ParseAnalysis(content)
	if !result.Structured {
		t.Fatal("Expected fenced JSON to parse")
	}
	if result.RootCause != "off by one" {
		t.Errorf("Unexpected root cause: %q", result.RootCause)
	}
}

func TestParseAnalysisMalformedFallsBackToRaw(t *testing.T) {
	content := "The bug is probably in the loop condition."
	result := ParseAnalysis(content)
	if result.Structured {
		t.Fatal("Expected raw fallback")
	}
	if result.Raw != content {
		t.Errorf("Expected raw text preserved, got %q", result.Raw)
	}
	if result.Summary() != content {
		t.Errorf("Expected summary to equal raw text, got %q", result.Summary())
	}
}

func TestParseGeneratedFixStructured(t *testing.T) {
	fix := ParseGeneratedFix(`{"filename":"calc.py","code":"def add(a,b): return a+b","dependencies":{"requirements.txt":"pytest"},"explanation":"operator fix"}`)
	if !fix.Structured {
		t.Fatal("Expected structured fix")
	}
	if fix.Filename != "calc.py" {
		t.Errorf("Unexpected filename: %q", fix.Filename)
	}
	if fix.Dependencies["requirements.txt"] != "pytest" {
		t.Errorf("Unexpected dependencies: %v", fix.Dependencies)
	}
}

func TestParseGeneratedFixRawKeepsCode(t *testing.T) {
	fix := ParseGeneratedFix("```python\ndef add(a, b):\n    return a + b\n```")
	if fix.Structured {
		t.Fatal("Expected raw fallback")
	}
	if !strings.Contains(fix.Raw, "return a + b") {
		t.Errorf("Expected code preserved, got %q", fix.Raw)
	}
	if strings.Contains(fix.Raw, "```") {
		t.Errorf("Expected fences stripped, got %q", fix.Raw)
	}
	if strings.Contains(fix.Raw, "python\n") && strings.HasPrefix(fix.Raw, "python") {
		t.Errorf("Expected language tag stripped, got %q", fix.Raw)
	}
}

func TestParseReviewStructured(t *testing.T) {
	v := ParseReview(`{"status":"rejected","security_issues":[],"quality_issues":["no error handling"],"suggestions":["add try/except"],"risk_level":"medium"}`)
	if !v.Structured {
		t.Fatal("Expected structured verdict")
	}
	if v.Decision() != DecisionRejected {
		t.Errorf("Expected rejected decision, got %s", v.Decision())
	}
	if v.Escalate() {
		t.Error("Medium risk with no security issues must not escalate")
	}
	if !strings.Contains(v.Feedback(), "no error handling") {
		t.Errorf("Expected quality issues in feedback, got %q", v.Feedback())
	}
}

func TestParseReviewEscalation(t *testing.T) {
	high := ParseReview(`{"status":"approved","risk_level":"high"}`)
	if !high.Escalate() {
		t.Error("High risk must escalate even when approved")
	}
	sec := ParseReview(`{"status":"approved","security_issues":["sql injection"],"risk_level":"low"}`)
	if !sec.Escalate() {
		t.Error("Any security issue must escalate")
	}
}

func TestParseReviewMalformedIsInconclusive(t *testing.T) {
	v := ParseReview("Looks fine to me, I guess?")
	if v.Structured {
		t.Fatal("Expected raw fallback")
	}
	if v.Decision() != DecisionInconclusive {
		t.Errorf("Expected inconclusive decision, got %s", v.Decision())
	}
}

func TestParseReviewDecisionIsDeterministic(t *testing.T) {
	content := `{"status":"approved","risk_level":"low"}`
	first := ParseReview(content).Decision()
	for i := 0; i < 5; i++ {
		if got := ParseReview(content).Decision(); got != first {
			t.Fatalf("Decision changed across identical inputs: %s vs %s", first, got)
		}
	}
}

func TestExtractJSONWithoutFences(t *testing.T) {
	raw, ok := extractJSON(`prefix {"a":1} suffix`)
	if !ok || raw != `{"a":1}` {
		t.Errorf("Expected embedded object extracted, got %q ok=%t", raw, ok)
	}
	if _, ok := extractJSON("no json here"); ok {
		t.Error("Expected extraction failure without braces")
	}
}
