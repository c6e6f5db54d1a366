package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	crontabPath := writeFixture(t, dir, "crontab", "# name: daily\n30 2 * * * /app/daily.sh\n")
	return writeFixture(t, dir, "dailyd.yaml", strings.Join([]string{
		"crontab: " + crontabPath,
		"store:",
		"  path: " + filepath.Join(dir, "data", "dailyd.db"),
	}, "\n")+"\n")
}

func TestValidateCommand(t *testing.T) {
	cfgPath := testConfig(t)
	out, err := execute(t, "--config", cfgPath, "validate")
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, out)
	}
	if !strings.Contains(out, "1 jobs") || !strings.Contains(out, "Asia/Singapore") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidateCommandRejectsBadCrontab(t *testing.T) {
	dir := t.TempDir()
	crontabPath := writeFixture(t, dir, "crontab", "not a valid line\n")
	cfgPath := writeFixture(t, dir, "dailyd.yaml", "crontab: "+crontabPath+"\n")

	if _, err := execute(t, "--config", cfgPath, "validate"); err == nil {
		t.Fatal("expected error for malformed crontab")
	}
}

func TestJobsCommandRendersTable(t *testing.T) {
	cfgPath := testConfig(t)
	out, err := execute(t, "--config", cfgPath, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v (%s)", err, out)
	}
	for _, want := range []string{"daily", "30 2 * * *", "/app/daily.sh", "Next Run"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestUserAddAndList(t *testing.T) {
	cfgPath := testConfig(t)

	out, err := execute(t, "--config", cfgPath, "user", "add", "alice", "--password", "s3cret")
	if err != nil {
		t.Fatalf("user add: %v (%s)", err, out)
	}

	out, err = execute(t, "--config", cfgPath, "user", "list")
	if err != nil {
		t.Fatalf("user list: %v (%s)", err, out)
	}
	if !strings.Contains(out, "alice") {
		t.Fatalf("output = %q", out)
	}

	if out, err = execute(t, "--config", cfgPath, "user", "rm", "alice"); err != nil {
		t.Fatalf("user rm: %v (%s)", err, out)
	}
	out, err = execute(t, "--config", cfgPath, "user", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no users") {
		t.Fatalf("output = %q", out)
	}
}

func TestHistoryCommandEmpty(t *testing.T) {
	cfgPath := testConfig(t)
	out, err := execute(t, "--config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history: %v (%s)", err, out)
	}
	if !strings.Contains(out, "no runs recorded") {
		t.Fatalf("output = %q", out)
	}
}
