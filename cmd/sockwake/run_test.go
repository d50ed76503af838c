package main

import (
	"testing"

	"sockwake/internal/config"
)

func TestApplyRunFlagsOverridesOnlyChanged(t *testing.T) {
	rec := config.Default()
	rec.Command = "./from-config"
	rec.ListenAddr = "10.0.0.1"
	rec.RefreshSecs = 90

	flags := cmdRun.Flags()
	for name, value := range map[string]string{
		"listen":       "127.0.0.1",
		"max-run-mins": "15",
		"ip-filter":    "192.168.",
		"quiet":        "true",
	} {
		if err := flags.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}

	applyRunFlags(cmdRun, &rec)

	if rec.ListenAddr != "127.0.0.1" {
		t.Fatalf("expected listen override, got %q", rec.ListenAddr)
	}
	if rec.MaxRunMins != 15 {
		t.Fatalf("expected max-run-mins override, got %d", rec.MaxRunMins)
	}
	if len(rec.IPFilter) != 1 || rec.IPFilter[0] != "192.168." {
		t.Fatalf("expected ip-filter override, got %v", rec.IPFilter)
	}
	if !rec.Quiet {
		t.Fatal("expected quiet override")
	}

	if rec.Command != "./from-config" {
		t.Fatalf("unset flag must keep config value, got %q", rec.Command)
	}
	if rec.RefreshSecs != 90 {
		t.Fatalf("unset flag must keep config value, got %d", rec.RefreshSecs)
	}
}
