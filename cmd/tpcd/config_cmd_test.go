package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/tpcd"
)

func TestConfigGenStdout(t *testing.T) {
	resetViper(t)
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("parse yaml: %v\n%s", err, stdout)
	}
	if got["listen"] != tpcd.DefaultListen || got["store"] != tpcd.DefaultStore {
		t.Fatalf("unexpected defaults %v", got)
	}
	if got["prepare-timeout"] != tpcd.DefaultPrepareTimeout.String() {
		t.Fatalf("unexpected prepare-timeout %v", got["prepare-timeout"])
	}
	// Every key must be a root flag so the file round-trips through viper.
	root := newRootCommand(pslog.NoopLogger())
	for key := range got {
		if root.Flags().Lookup(key) == nil && root.PersistentFlags().Lookup(key) == nil {
			t.Fatalf("config key %q has no matching flag", key)
		}
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	resetViper(t)
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("unexpected output %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatalf("expected --out/--stdout conflict")
	}
}
