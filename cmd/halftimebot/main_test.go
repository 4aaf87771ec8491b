package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"halftimebot/internal/domain"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	body := "logging:\n  level: error\nnotifier:\n  enabled: false\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "discover", "picks", "export"} {
		c, _, err := root.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestPrintPicks(t *testing.T) {
	hit := true
	var buf bytes.Buffer
	printPicks(&buf, []domain.PickRecord{
		{ID: 1, GameLabel: "Boston Celtics @ Miami Heat", Date: "2024-03-01", Player: "Jayson Tatum", CurrentPoints: 18, Line: 20, Difference: 2, Odds: -110, Hit: &hit, CreatedAt: time.Now()},
		{ID: 2, GameLabel: "Boston Celtics @ Miami Heat", Date: "2024-03-01", Player: "Bam Adebayo", CurrentPoints: 12, Line: 15, Difference: 3, Odds: 105},
	})
	out := buf.String()
	for _, want := range []string{"Jayson Tatum", "Bam Adebayo", "-110", "true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestExportWritesHeaderForEmptyStore(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"export", "--config", writeConfig(t), "--env", ""})
	if err := root.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ID,Game,Date,PlayerName") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}
