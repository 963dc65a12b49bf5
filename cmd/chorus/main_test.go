package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/chorus/internal/config"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var buf bytes.Buffer
		if err := run(context.Background(), &buf, io.Discard, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(buf.String(), "Usage: chorus") {
			t.Errorf("run(%v) output missing usage:\n%s", args, buf.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/chorus.yaml", "config"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_VersionText(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Chorus", "version:", "go_version:"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"--output=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version -o json is not JSON: %v\n%s", err, buf.String())
	}
	if info["version"] == "" || info["os"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "listen:\n  port: 9123\nllm:\n  provider: openai\n  api_key: sk-secret\n")

	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"-config", path, "config"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "port: 9123") {
		t.Errorf("config output missing port:\n%s", out)
	}
	if !strings.Contains(out, "retry_backoff: 500ms") {
		t.Errorf("config output missing defaulted duration:\n%s", out)
	}
	if strings.Contains(out, "sk-secret") {
		t.Error("config output leaked the API key")
	}
}

func TestRun_ConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "gateway:\n  path: /chat\n")

	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"-o", "json", "-config=" + path, "config"}); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Gateway struct {
			Path string `json:"path"`
		} `json:"gateway"`
		Throttle struct {
			Window string `json:"window"`
		} `json:"throttle"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("config -o json is not JSON: %v\n%s", err, buf.String())
	}
	if doc.Gateway.Path != "/chat" || doc.Throttle.Window != "1m0s" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	perms := map[string]os.FileMode{"config.yaml": 0o600, "persona.md": 0o644}
	for name, want := range perms {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %o, want %o", name, got, want)
		}
	}

	// The sample must load as a valid config.
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if cfg.Pipeline.Persona == "" {
		t.Error("sample persona was not loaded")
	}
}

func TestRunInit_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	custom := "listen:\n  port: 7000\n"
	writeFile(t, filepath.Join(dir, "config.yaml"), custom)

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if string(got) != custom {
		t.Errorf("init overwrote config.yaml:\n%s", got)
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output should note the kept file:\n%s", buf.String())
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServe_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, fmt.Sprintf(`listen:
  address: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %s
llm:
  base_url: http://127.0.0.1:1
`, port, filepath.Join(dir, "chorus.db")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, io.Discard, io.Discard, []string{"-config", path, "serve"})
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/services", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("services status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
