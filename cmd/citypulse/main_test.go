package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvFileFromArgs(t *testing.T) {
	tests := []struct {
		args     []string
		path     string
		explicit bool
	}{
		{nil, ".env", false},
		{[]string{"serve", "--env-file", "prod.env"}, "prod.env", true},
		{[]string{"--env-file=ci.env", "clusters"}, "ci.env", true},
		{[]string{"serve", "--env-file"}, ".env", false},
	}
	for _, tt := range tests {
		path, explicit := envFileFromArgs(tt.args)
		if path != tt.path || explicit != tt.explicit {
			t.Errorf("envFileFromArgs(%v) = %q, %v, want %q, %v", tt.args, path, explicit, tt.path, tt.explicit)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.env")
	if err := loadEnvFile(missing, false); err != nil {
		t.Errorf("missing default file: %v", err)
	}
	if err := loadEnvFile(missing, true); err == nil {
		t.Error("missing explicit file should fail")
	}

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CITYPULSE_TEST_K=7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CITYPULSE_TEST_K", "")
	os.Unsetenv("CITYPULSE_TEST_K")
	if err := loadEnvFile(path, true); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CITYPULSE_TEST_K"); got != "7" {
		t.Errorf("CITYPULSE_TEST_K = %q, want 7", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("city", "A").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"city":"A"`) {
		t.Errorf("log output = %q", out)
	}

	if _, err := newLogger(&buf, "loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRun_ClosesStoresWhenCommandFails(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	cli, err := run(context.Background(), []string{
		"--log-level", "error",
		"--metrics", sqlitePrefix + db,
		"clusters",
	})
	if err == nil || !strings.Contains(err.Error(), "load metrics") {
		t.Fatalf("err = %v, want load metrics failure", err)
	}
	if cli == nil {
		t.Fatal("expected parsed CLI")
	}
	if len(cli.stores) != 0 {
		t.Errorf("%d stores left open after run", len(cli.stores))
	}
}

func TestRun_ReturnsParseErrors(t *testing.T) {
	_, err := run(context.Background(), []string{"no-such-command"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGlobals_Schema(t *testing.T) {
	g := Globals{CityColumn: "Town", YearColumn: "Yr", GiniColumn: "Inequality"}
	s := g.schema()
	if s.City != "Town" || s.Year != "Yr" || s.Gini != "Inequality" {
		t.Errorf("schema = %+v", s)
	}
}
