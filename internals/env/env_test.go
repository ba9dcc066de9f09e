package env

import (
	"os"
	"testing"
)

func TestEnvDefaults(t *testing.T) {
	os.Unsetenv("LOOM_ENV_PORT")
	os.Unsetenv("LOOM_DATA_DIR")
	env = nil
	t.Cleanup(func() { env = nil })

	got := Get()
	if got.PORT != 57431 {
		t.Fatalf("expected default port 57431, got %d", got.PORT)
	}
	if got.LISTEN_ADDR != "localhost:57431" {
		t.Fatalf("expected listen addr localhost:57431, got %s", got.LISTEN_ADDR)
	}
	if got.BASE_URL != "http://localhost:57431" {
		t.Fatalf("expected base url http://localhost:57431, got %s", got.BASE_URL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_ENV_PORT", "1234")
	t.Setenv("LOOM_DATA_DIR", "/tmp/loom-test")
	env = nil
	t.Cleanup(func() { env = nil })

	got := Get()
	if got.PORT != 1234 {
		t.Fatalf("expected port 1234, got %d", got.PORT)
	}
	if got.DATA_DIR != "/tmp/loom-test" {
		t.Fatalf("expected data dir override, got %q", got.DATA_DIR)
	}
	if got.LISTEN_ADDR != "localhost:1234" {
		t.Fatalf("expected listen addr localhost:1234, got %s", got.LISTEN_ADDR)
	}
}
