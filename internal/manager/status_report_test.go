package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"diffusiond/internal/registry"
)

func TestStatus_ReflectsResidentSet(t *testing.T) {
	d := descriptor("a", 100, 400, 50)
	m, _, _ := newTestManager(t, Profile{Name: "p", BudgetMB: 1000, MarginMB: 100, Precision: registry.FP16, Pinned: []registry.SubmoduleKind{registry.Denoiser}}, d)
	hs, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Denoiser, registry.Decoder})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	st := m.Status()
	if st.Profile != "p" || st.BudgetMB != 1000 || st.MarginMB != 100 {
		t.Fatalf("profile fields %+v", st)
	}
	if st.ResidentMB != 450 || st.Outstanding != 2 || st.LoadsTotal != 2 || st.PromotionsTotal != 2 {
		t.Fatalf("counters %+v", st)
	}
	var kinds []string
	for _, ms := range st.Modules {
		kinds = append(kinds, ms.Submodule)
		if ms.Borrows != 1 || ms.Location != "accelerator" || ms.Precision != "fp16" {
			t.Fatalf("module %+v", ms)
		}
		if ms.Pinned != (ms.Submodule == "denoiser") {
			t.Fatalf("pinned flag on %s", ms.Submodule)
		}
	}
	if diff := cmp.Diff([]string{"decoder", "denoiser"}, kinds); diff != "" {
		t.Fatalf("module order (-want +got):\n%s", diff)
	}
	if err := hs.ReleaseAll(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if st := m.Status(); st.Outstanding != 0 || st.Modules[0].Borrows != 0 {
		t.Fatalf("after release %+v", st)
	}
}

func TestStatus_RecordsLastError(t *testing.T) {
	d := descriptor("a", 100, 2000, 50)
	m, pub, _ := newTestManager(t, profile("p", 1000), d)
	if _, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Denoiser}); err == nil {
		t.Fatalf("expected failure")
	}
	if st := m.Status(); st.LastError == "" || st.ResidentMB != 0 {
		t.Fatalf("status %+v", st)
	}
	names := pub.Names()
	if names[len(names)-1] != EventInsufficientMemory {
		t.Fatalf("events %v", names)
	}
}

func TestEvents_PublishOrder(t *testing.T) {
	d := descriptor("a", 100, 400, 50)
	m, pub, _ := newTestManager(t, profile("p", 1000), d)
	hs, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_ = hs.ReleaseAll()
	got := pub.Names()
	want := []string{EventEnsureStart, EventLoad, EventPromote, EventEnsureReady}
	if len(got) < len(want) {
		t.Fatalf("events %v", got)
	}
	if diff := cmp.Diff(want, got[:len(want)]); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if ev := pub.Events()[2]; ev.ModelID != "a" || ev.Fields["submodule"] != "denoiser" {
		t.Fatalf("promote event %+v", ev)
	}
}

func TestLogPublisher_WritesDebugLines(t *testing.T) {
	var buf bytes.Buffer
	d := descriptor("a", 100, 400, 50)
	m, _, _ := newTestManager(t, profile("p", 1000), d)
	m.SetEventPublisher(LogPublisher{Log: zerolog.New(&buf).Level(zerolog.DebugLevel)})
	hs, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Decoder})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_ = hs.ReleaseAll()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	if first["event"] != EventEnsureStart || first["model"] != "a" || first["message"] != "residency" {
		t.Fatalf("first line %v", first)
	}

	m.SetEventPublisher(nil)
	buf.Reset()
	if _, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Decoder}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nil publisher must be a no-op, got %q", buf.String())
	}
}
