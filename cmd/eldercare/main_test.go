package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommands(t *testing.T) {
	want := map[string]bool{"serve": false, "preview": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestPreviewSelection(t *testing.T) {
	out, err := executeCommand(rootCmd, "preview",
		"--frequency", "daily", "--time", "08:00", "--start", "2024-03-30",
		"--tz", "Europe/Lisbon", "--from", "2024-03-30", "--days", "3",
	)
	if err != nil {
		t.Fatalf("preview: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Rule: daily at 08:00 from 2024-03-30") {
		t.Fatalf("missing description:\n%s", out)
	}
	// Lisbon moves to summer time on 2024-03-31; local time stays 08:00.
	for _, line := range []string{
		"Sat 2024-03-30 08:00 WET  (2024-03-30T08:00:00Z)",
		"Sun 2024-03-31 08:00 WEST  (2024-03-31T07:00:00Z)",
		"Mon 2024-04-01 08:00 WEST  (2024-04-01T07:00:00Z)",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("missing %q in:\n%s", line, out)
		}
	}
}

func TestPreviewRule(t *testing.T) {
	rule := "DTSTART:20240101T090000Z\nRRULE:FREQ=WEEKLY;INTERVAL=1;BYDAY=MO;BYHOUR=9;BYMINUTE=0;BYSECOND=0"
	out, err := executeCommand(rootCmd, "preview", "--rule", rule, "--tz", "UTC", "--from", "2024-01-01", "--days", "14")
	if err != nil {
		t.Fatalf("preview: %v\n%s", err, out)
	}
	if n := strings.Count(out, "UTC  ("); n != 2 {
		t.Fatalf("occurrences = %d, want 2:\n%s", n, out)
	}

	if _, err := executeCommand(rootCmd, "preview", "--rule", "RRULE:FREQ=HOURLY", "--from", "2024-01-01"); err == nil {
		t.Fatalf("expected error for unsupported rule")
	}
}

func TestServeMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	if _, err := executeCommand(rootCmd, "serve", "--config", path, "--boot-log-level", "error"); err == nil {
		t.Fatalf("serve with a missing config should fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(rootCmd, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "eldercare dev") {
		t.Fatalf("version output = %q", out)
	}
}
