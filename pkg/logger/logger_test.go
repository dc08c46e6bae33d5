package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildRequiresAuditPath(t *testing.T) {
	if _, err := build(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestAuditStreamCarriesWalletFields(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{OutputPaths: []string{appPath}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	AuditFor("w-1", "a-1").Info("wallet frozen")
	Named("wallet").Info("gate opened")
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	if line["stream"] != "audit" || line[KeyWalletID] != "w-1" || line[KeyAgentID] != "a-1" {
		t.Fatalf("unexpected audit line %v", line)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"wallet"`) || strings.Contains(string(app), "wallet frozen") {
		t.Fatalf("unexpected app log %q", app)
	}
}

func TestWalletAttrsOmitsEmptyIDs(t *testing.T) {
	if got := WalletAttrs("", ""); len(got) != 0 {
		t.Fatalf("expected no attrs, got %v", got)
	}
	if got := WalletAttrs("w-1", ""); len(got) != 1 {
		t.Fatalf("expected wallet attr only, got %v", got)
	}
}

func TestDiscardDropsRecords(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("discard logger should not be enabled for any level")
	}
}
