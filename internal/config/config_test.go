package config

import "testing"

func TestParseValidArgs(t *testing.T) {
	cfg := Parse([]string{"-p", "2000", "-S", "3", "-s", "10.0.0.1", "-c", "10.0.0.50", "-i", "run.script"})
	if cfg.Port != 2000 {
		t.Fatalf("Port = %d, want 2000", cfg.Port)
	}
	if cfg.NumFEMs != 3 {
		t.Fatalf("NumFEMs = %d, want 3", cfg.NumFEMs)
	}
	if cfg.CardBaseIP.String() != "10.0.0.1" {
		t.Fatalf("CardBaseIP = %v, want 10.0.0.1", cfg.CardBaseIP)
	}
	if cfg.LocalAddr != "10.0.0.50" {
		t.Fatalf("LocalAddr = %q, want 10.0.0.50", cfg.LocalAddr)
	}
	if cfg.ScriptFile != "run.script" {
		t.Fatalf("ScriptFile = %q, want run.script", cfg.ScriptFile)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg := Parse([]string{"-p", "2000"})
	if cfg.NumFEMs != 1 {
		t.Fatalf("default NumFEMs = %d, want 1", cfg.NumFEMs)
	}
	if cfg.OutputDir != "." {
		t.Fatalf("default OutputDir = %q, want %q", cfg.OutputDir, ".")
	}
}
