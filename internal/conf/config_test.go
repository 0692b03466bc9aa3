package conf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetupConfigWritesDefault(t *testing.T) {
	dir := t.TempDir()
	bc, err := SetupConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatal("默认配置未写入", err)
	}
	if bc.Server.Recording.Container != "webm" {
		t.Fatalf("container: %s", bc.Server.Recording.Container)
	}

	// 再次读取应得到相同配置
	bc2, err := SetupConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if bc2.Server.Recording.StopGrace != bc.Server.Recording.StopGrace {
		t.Fatalf("stop grace: %v != %v", bc2.Server.Recording.StopGrace, bc.Server.Recording.StopGrace)
	}
	if bc2.Server.Legacy.CaptureInput[0] != "-f" {
		t.Fatal(bc2.Server.Legacy.CaptureInput)
	}
}

func TestSetupConfigOverride(t *testing.T) {
	dir := t.TempDir()
	content := `
[server.recording]
storage_dir = "/data/astra"
rolling_merge_disabled = true
stop_grace = "750ms"

[server.recording.merge_retry]
attempts = 5
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	bc, err := SetupConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := bc.Server.Recording
	if r.StorageDir != "/data/astra" || !r.RollingMergeDisabled {
		t.Fatalf("%+v", r)
	}
	if r.StopGrace.Duration() != 750*time.Millisecond {
		t.Fatal(r.StopGrace.Duration())
	}
	if r.MergeRetry.Attempts != 5 {
		t.Fatal(r.MergeRetry.Attempts)
	}
	// 未覆盖的字段保持默认
	if r.MergeRetry.Delay.Duration() != 2*time.Second {
		t.Fatal(r.MergeRetry.Delay.Duration())
	}
}

func TestSetupConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`[server.recording]
stop_grace = "soon"`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := SetupConfig(dir)
	if err == nil || !strings.Contains(err.Error(), "config.toml") {
		t.Fatalf("expect parse error, got %v", err)
	}
}

func TestSetupConfigJwtSecret(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[server.http]\nport = 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bc, err := SetupConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(bc.Server.HTTP.JwtSecret) != 32 {
		t.Fatalf("secret: %q", bc.Server.HTTP.JwtSecret)
	}
	if bc.Server.HTTP.Host != "127.0.0.1" || bc.Server.HTTP.Port != 9000 {
		t.Fatalf("%+v", bc.Server.HTTP)
	}

	bc2, err := SetupConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if bc2.Server.HTTP.JwtSecret != bc.Server.HTTP.JwtSecret || bc2.Server.HTTP.Port != 9000 {
		t.Fatalf("secret not persisted: %+v", bc2.Server.HTTP)
	}
}
