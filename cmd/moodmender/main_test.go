package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: moodmender") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"dance"}, "unknown command"},
		{[]string{"-verbose"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/config.yaml", "migrate"}, "nonexistent"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.Contains(text.String(), "MoodMender") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("json version error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output is not JSON: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	for _, name := range []string{"config.yaml", ".env"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Errorf("%s permissions = %o, want 0600", name, got)
		}
	}
}

func TestRunInit_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen:\n  port: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit error: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "listen:\n  port: 9\n" {
		t.Errorf("existing config overwritten:\n%s", got)
	}
	if !strings.Contains(out.String(), "skipped") {
		t.Errorf("output should note the skipped file:\n%s", out.String())
	}
}

func TestInitConfigLoads(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	// Set first so the generated .env does not leak into other tests.
	t.Setenv("MOODMENDER_JWT_SECRET", "test-secret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("IMGFLIP_USERNAME", "imgflip-user")
	t.Setenv("IMGFLIP_PASSWORD", "imgflip-pass")

	cfg, path, err := loadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if path != filepath.Join(dir, "config.yaml") {
		t.Errorf("path = %q", path)
	}
	if cfg.Auth.JWTSecret != "test-secret" || cfg.Meme.Username != "imgflip-user" {
		t.Errorf("env references not expanded: secret=%q user=%q", cfg.Auth.JWTSecret, cfg.Meme.Username)
	}
	if cfg.Speech.Configured() || cfg.MQTT.Configured() {
		t.Error("optional sections should be disabled in the starter config")
	}
}

func TestRunMigrate(t *testing.T) {
	cfgPath, dataDir := writeMinimalConfig(t)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "migrate"}); err != nil {
		t.Fatalf("migrate error: %v\n%s", err, out.String())
	}
	for _, name := range []string{usersFile, memoryFile, checkpointsFile, conversationsFile, usageFile} {
		if _, err := os.Stat(filepath.Join(dataDir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	// Schemas are idempotent.
	if err := run(context.Background(), &out, &out, []string{"-config=" + cfgPath, "migrate"}); err != nil {
		t.Fatalf("second migrate error: %v", err)
	}
}

func TestRunMigrate_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("memory:\n  backend: mongo\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "migrate"})
	if err == nil || !strings.Contains(err.Error(), "memory.backend") {
		t.Fatalf("migrate = %v, want validation error", err)
	}
}

func TestCreateLLMClient(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := "llm:\n  provider: anthropic\n  model: chat-model\n" +
		"  utility_provider: openai\n  utility_model: small-model\n" +
		"  anthropic:\n    api_key: k\n  openai:\n    base_url: http://127.0.0.1:1/v1\n" +
		"auth:\n  jwt_secret: s\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if _, err := createLLMClient(cfg, newLogger(&bytes.Buffer{}, 0, "text")); err != nil {
		t.Fatalf("createLLMClient error: %v", err)
	}
}

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "needs credentials", status: http.StatusUnauthorized},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodHead {
					t.Errorf("method = %s, want HEAD", r.Method)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := httpProbe(srv.Client(), srv.URL)(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("probe error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		if err := httpProbe(http.DefaultClient, url)(context.Background()); err == nil {
			t.Error("probe of closed server should fail")
		}
	})
}

func writeMinimalConfig(t *testing.T) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := "data_dir: " + dataDir + "\n" +
		"auth:\n  jwt_secret: s\n" +
		"llm:\n  anthropic:\n    api_key: k\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dataDir
}

func TestRunUsage(t *testing.T) {
	cfgPath, _ := writeMinimalConfig(t)

	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"-config", cfgPath, "usage", "7"}); err != nil {
		t.Fatalf("usage error: %v", err)
	}
	if !strings.Contains(text.String(), "7 day(s)") || !strings.Contains(text.String(), "total") {
		t.Errorf("usage output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "-config", cfgPath, "usage"}); err != nil {
		t.Fatalf("json usage error: %v", err)
	}
	var report struct {
		Days  int `json:"days"`
		Total struct {
			Requests int `json:"requests"`
		} `json:"total"`
	}
	if err := json.Unmarshal(js.Bytes(), &report); err != nil {
		t.Fatalf("usage output is not JSON: %v\n%s", err, js.String())
	}
	if report.Days != 1 || report.Total.Requests != 0 {
		t.Errorf("report = %+v", report)
	}

	if err := run(context.Background(), &js, &js, []string{"-config", cfgPath, "usage", "zero"}); err == nil {
		t.Error("non-numeric days should fail")
	}
}
