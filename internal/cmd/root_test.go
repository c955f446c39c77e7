package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help returned error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "agentrun") {
		t.Errorf("Help text should contain 'agentrun', got: %s", output)
	}
	if !strings.Contains(output, "remote assistant") {
		t.Errorf("Help text should describe the remote assistant, got: %s", output)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != "agentrun" {
		t.Errorf("Expected Use to be 'agentrun', got '%s'", cmd.Use)
	}

	want := map[string]bool{"create-run": false, "execute": false, "stop": false, "state": false, "history": false}
	for _, sub := range cmd.Commands() {
		name := strings.Fields(sub.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}

	for _, flag := range []string{"config", "state-dir", "definitions-dir", "history-db", "log-level"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}
