package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
)

const testConfigYAML = `
default_profile: small
profiles:
  - name: small
    budget_mb: 4096
    margin_mb: 96
    precision: fp16
    pinned: [denoiser]
  - name: big
    budget_mb: 65536
models:
  - id: lm
    family: latentmix
    submodules:
      - kind: text_encoder
        footprint_mb: {fp16: 500}
      - kind: denoiser
        footprint_mb: {fp16: 3000}
      - kind: decoder
        footprint_mb: {fp16: 800}
    defaults:
      window_frames: 24
      overlap_frames: 8
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diffusiond.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML+extra), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanPrintsWindows(t *testing.T) {
	out, err := run(t, "plan", "--frames", "40", "--window", "24", "--overlap", "8", "--seed", "5")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, want := range []string{"WINDOW", "16", "40"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Count(strings.TrimSpace(out), "\n") < 3 {
		t.Fatalf("expected header, separator and two rows:\n%s", out)
	}
}

func TestPlanWithModelUsesDefaultsAndFootprints(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := run(t, "plan", "-c", cfg, "--model", "lm", "--frames", "40")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(out, "DENOISER") && !strings.Contains(out, "denoiser") {
		t.Fatalf("missing footprint table:\n%s", out)
	}
	if !strings.Contains(out, "profile small: 4300 MB of 4000 MB effective budget (exceeds)") {
		t.Fatalf("missing budget line:\n%s", out)
	}
	if _, err := run(t, "plan", "-c", cfg, "--model", "nope", "--frames", "4"); err == nil {
		t.Fatalf("expected unknown model error")
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	if _, err := run(t, "plan", "--frames", "0"); err == nil {
		t.Fatalf("expected error for zero frames")
	}
	if _, err := run(t, "plan", "--frames", "40", "--window", "24", "--overlap", "24"); err == nil {
		t.Fatalf("expected error for overlap >= window")
	}
}

func TestProfilesListsDefaults(t *testing.T) {
	out, err := run(t, "profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if !strings.Contains(out, "high-vram") || !strings.Contains(out, "low-vram") {
		t.Fatalf("built-in profiles missing:\n%s", out)
	}
	out, err = run(t, "profiles", "-c", writeConfig(t, ""))
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if !strings.Contains(out, "small") || !strings.Contains(out, "big") || strings.Contains(out, "high-vram") {
		t.Fatalf("configured profiles not shown:\n%s", out)
	}
}

func TestSynthWritesLoadableWeights(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "synth", "-c", writeConfig(t, ""), "--out", dir, "--dtype", "f32")
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(out), "\n") + 1; n != 3 {
		t.Fatalf("expected three files, got:\n%s", out)
	}
	store, err := weights.NewDirStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	blob, err := store.Load(context.Background(), weights.Ref{Model: "lm", Kind: registry.Denoiser}, registry.FP32)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := blob.Tensor("out"); !ok {
		t.Fatalf("denoiser weights missing 'out': %v", blob.Names())
	}
	if _, err := run(t, "synth", "-c", writeConfig(t, ""), "--out", dir, "--dtype", "int4"); err == nil {
		t.Fatalf("expected dtype error")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "log_format: xml\n")
	if _, err := run(t, "serve", "-c", cfg, "--addr", "127.0.0.1:0"); err == nil || !strings.Contains(err.Error(), "log format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestCompletionBash(t *testing.T) {
	out, err := run(t, "completion", "bash")
	if err != nil || !strings.Contains(out, "diffusiond") {
		t.Fatalf("completion: %v", err)
	}
}
