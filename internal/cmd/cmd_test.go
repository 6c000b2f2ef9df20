package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// setupTestRepo creates a git repo and changes into it
func setupTestRepo(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "--initial-branch=main")
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init failed: %v\n%s", err, output)
	}

	original, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(original) })
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "specflow" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "specflow")
	}

	expected := []string{"init", "work", "status", "recover", "stop", "pause", "worktrees"}
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range expected {
		if !names[want] {
			t.Errorf("expected subcommand %q not found", want)
		}
	}
}

func TestInitCommand(t *testing.T) {
	setupTestRepo(t)
	cwd, _ := os.Getwd()

	output, err := executeCommand(rootCmd, "init")
	if err != nil {
		t.Fatalf("init failed: %v\nOutput: %s", err, output)
	}

	for _, dir := range []string{"specs", "store", "worktrees", "locks", "logs"} {
		path := filepath.Join(cwd, ".specflow", dir)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf(".specflow/%s was not created", dir)
		}
	}
	if _, err := os.Stat(filepath.Join(cwd, ".specflow", "config.yaml")); os.IsNotExist(err) {
		t.Error("starter config was not written")
	}

	ignore, err := os.ReadFile(filepath.Join(cwd, ".specflow", ".gitignore"))
	if err != nil {
		t.Fatalf("state .gitignore was not written: %v", err)
	}
	for _, entry := range []string{"store/", "worktrees/", "locks/", "logs/"} {
		if !bytes.Contains(ignore, []byte(entry+"\n")) {
			t.Errorf(".gitignore missing %q:\n%s", entry, ignore)
		}
	}
}

func TestInitCommand_NotGitRepo(t *testing.T) {
	tmpDir := t.TempDir()
	original, _ := os.Getwd()
	defer os.Chdir(original)
	os.Chdir(tmpDir)

	if _, err := executeCommand(rootCmd, "init"); err == nil {
		t.Error("init should fail outside a git repository")
	}
}
