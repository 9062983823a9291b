package sandbox

import "testing"

func TestRuntimeSetKnownLanguages(t *testing.T) {
	rs := NewRuntimeSet()
	for _, lang := range []string{"python", "javascript", "typescript", "java", "go", "rust", "ruby", "php"} {
		if !rs.Known(lang) {
			t.Errorf("Expected %s to be a known language", lang)
		}
	}
}

func TestRuntimeSetFallsBackToPython(t *testing.T) {
	rs := NewRuntimeSet()
	rt := rs.For("cobol")
	if rt.Image != "python:3.12-slim" {
		t.Errorf("Expected unknown language to fall back to python, got %s", rt.Image)
	}
	if rs.Known("cobol") {
		t.Error("Fallback must not register the unknown language")
	}
}

func TestRuntimeSetRegisterOverrides(t *testing.T) {
	rs := NewRuntimeSet()
	rs.Register("python", Runtime{Image: "python:3.13", Filename: "app.py", RunFormat: "python %s"})
	if got := rs.For("python").Image; got != "python:3.13" {
		t.Errorf("Expected override to win, got %s", got)
	}
}

func TestRunCommand(t *testing.T) {
	rt := NewRuntimeSet().For("go")
	if got := rt.RunCommand(); got != "go run main.go" {
		t.Errorf("Unexpected run command: %q", got)
	}
}

func TestInstallersCoverInstallOrder(t *testing.T) {
	for lang, rt := range builtinRuntimes {
		for _, manifest := range rt.InstallOrder {
			if _, ok := rt.Installers[manifest]; !ok {
				t.Errorf("%s lists %s in install order without an installer", lang, manifest)
			}
		}
	}
}
