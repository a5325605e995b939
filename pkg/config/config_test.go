package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("LP_TEST_SECONDS", "45")
	t.Setenv("LP_TEST_DURATION", "1m30s")
	t.Setenv("LP_TEST_BROKEN", "soon")

	if got := GetDuration("LP_TEST_SECONDS", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
	if got := GetDuration("LP_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := GetDuration("LP_TEST_BROKEN", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := GetDuration("LP_TEST_UNSET", 7*time.Second); got != 7*time.Second {
		t.Fatalf("expected fallback for unset, got %s", got)
	}
}

func TestLoadDeployerConfigDefaults(t *testing.T) {
	t.Setenv("REMOTE_HOST", "deploy.example.com")
	t.Setenv("REMOTE_USER", "ubuntu")
	t.Setenv("SSH_KEY_PATH", "/keys/id_ed25519")

	cfg := LoadDeployerConfig()
	if cfg.RemoteWorkdir != "/home/ubuntu/apps" {
		t.Fatalf("unexpected workdir %q", cfg.RemoteWorkdir)
	}
	if cfg.PublicHost != "deploy.example.com" {
		t.Fatalf("public host should default to remote host, got %q", cfg.PublicHost)
	}
	if cfg.PortMin != 3000 || cfg.PortMax != 65000 {
		t.Fatalf("unexpected port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateReportsMissingRemoteParameters(t *testing.T) {
	t.Setenv("REMOTE_HOST", "")
	t.Setenv("REMOTE_USER", "")
	t.Setenv("SSH_KEY_PATH", "")

	err := Validate(LoadDeployerConfig())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, name := range []string{"REMOTE_HOST", "REMOTE_USER", "SSH_KEY_PATH"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected %s in %q", name, err.Error())
		}
	}
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	t.Setenv("REMOTE_HOST", "10.0.0.5")
	t.Setenv("REMOTE_USER", "deploy")
	t.Setenv("SSH_KEY_PATH", "/keys/id")
	t.Setenv("PORT_MIN", "9000")
	t.Setenv("PORT_MAX", "4000")

	err := Validate(LoadDeployerConfig())
	if err == nil || !strings.Contains(err.Error(), "PORT_MAX") {
		t.Fatalf("expected PORT_MAX violation, got %v", err)
	}
}

func TestBlankValuesKeepDefaults(t *testing.T) {
	t.Setenv("LP_TEST_BLANK", "   ")
	t.Setenv("LP_TEST_PADDED", "  9  ")

	if got := GetString("LP_TEST_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
	if got := GetInt("LP_TEST_PADDED", 1); got != 9 {
		t.Fatalf("expected padded value to parse, got %d", got)
	}
	if got := GetBool("LP_TEST_BLANK", true); !got {
		t.Fatal("expected fallback true for blank bool")
	}
}
