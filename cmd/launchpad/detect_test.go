package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/splax/launchpad/internal/stack"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDetectUsesDefaultPort(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/demo\n")
	writeFile(t, dir, "main.go", "package main\n")

	report, err := detect(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	want, err := stack.DefaultRegistry().DefaultPort("go")
	if err != nil {
		t.Fatalf("default port: %v", err)
	}
	if report.Stack != "go" || !report.Conclusive || report.Port != want || report.Recipe != "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDetectHonoursRepositoryRecipe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/demo\n")
	writeFile(t, dir, "Dockerfile", "FROM scratch\nEXPOSE 9090\n")

	report, err := detect(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if report.Recipe != "Dockerfile" || report.Port != 9090 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDetectCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Cargo.toml", "[package]\nname = \"demo\"\n")

	out, err := execute(t, "detect", "--json", dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var report detectReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.Stack != "rust" || report.Source != dir {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDetectEmptyDirectoryIsInconclusive(t *testing.T) {
	out, err := execute(t, "detect", t.TempDir())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !strings.Contains(out, "conclusive: false") || !strings.Contains(out, "no stack evidence found") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDetectRejectsDirAndRepo(t *testing.T) {
	if _, err := execute(t, "detect", "--repo", "https://example.com/a.git", t.TempDir()); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRecipeCommand(t *testing.T) {
	out, err := execute(t, "recipe", "go")
	if err != nil {
		t.Fatalf("recipe: %v", err)
	}
	if !strings.Contains(out, "EXPOSE") {
		t.Fatalf("expected rendered recipe, got %q", out)
	}
	if _, err := execute(t, "recipe", "cobol"); err == nil {
		t.Fatalf("expected unknown stack error")
	}
}

func TestStacksCommandListsRegistry(t *testing.T) {
	out, err := execute(t, "stacks")
	if err != nil {
		t.Fatalf("stacks: %v", err)
	}
	for _, s := range stack.DefaultRegistry().Stacks() {
		if !strings.Contains(out, s.ID) {
			t.Fatalf("missing stack %s in %q", s.ID, out)
		}
	}
}

func TestPromptSecretReadsLineFromPipe(t *testing.T) {
	var out bytes.Buffer
	got, err := promptSecret(&out, strings.NewReader("ghp_secret\n"), "Access token: ")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if got != "ghp_secret" || !strings.Contains(out.String(), "Access token:") {
		t.Fatalf("unexpected prompt result %q / %q", got, out.String())
	}
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := execute(t, "migrate", "status", "--database-url", ""); err == nil {
		t.Fatalf("expected missing database url error")
	}
}

func TestRepoNameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://github.com/ana/app.git":   "app",
		"https://github.com/ana/app/":      "app",
		"https://gitlab.example.com/a/b/c": "c",
	}
	for in, want := range cases {
		if got := repoNameFromURL(in); got != want {
			t.Fatalf("%s: expected %q, got %q", in, want, got)
		}
	}
}

func TestRemoteCommandsRequireToken(t *testing.T) {
	t.Setenv("LAUNCHPAD_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	if _, err := execute(t, "ls", "--token", ""); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected token error, got %v", err)
	}
}
