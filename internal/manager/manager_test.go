package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

func TestEnsureResident_FitsAndReusesResidentModules(t *testing.T) {
	d := descriptor("a", 100, 400, 50)
	m, pub, store := newTestManager(t, profile("p", 1000), d)
	ctx := context.Background()

	hs, err := m.EnsureResident(ctx, d, all())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(hs) != 3 || m.ResidentMB() != 550 || m.Outstanding() != 3 {
		t.Fatalf("handles=%d resident=%d outstanding=%d", len(hs), m.ResidentMB(), m.Outstanding())
	}
	if hs.Get(registry.Denoiser).Blob == nil || hs.Get(registry.Denoiser).Location != LocationAccelerator {
		t.Fatalf("denoiser handle not accelerator-resident: %+v", hs.Get(registry.Denoiser))
	}
	if err := hs.ReleaseAll(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// second ensure is a pure hit: no new loads
	hs2, err := m.EnsureResident(ctx, d, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if n := store.Loads(weightsRef(d, registry.Denoiser)); n != 1 {
		t.Fatalf("denoiser loaded %d times", n)
	}
	_ = hs2.ReleaseAll()
	if m.Outstanding() != 0 {
		t.Fatalf("outstanding=%d", m.Outstanding())
	}
	names := pub.Names()
	if names[0] != EventEnsureStart {
		t.Fatalf("first event %q", names[0])
	}
}

func TestEnsureResident_InsufficientMemoryLeavesStateUnchanged(t *testing.T) {
	// 10GB denoiser under an 8GB budget with nothing evictable loaded.
	big := descriptor("big", 10, 10240, 10)
	m, pub, store := newTestManager(t, profile("low", 8192), big)

	before := m.Snapshot()
	_, err := m.EnsureResident(context.Background(), big, all())
	if !errdefs.IsInsufficientMemory(err) {
		t.Fatalf("expected InsufficientMemory, got %v", err)
	}
	var ime *errdefs.InsufficientMemoryError
	if !asInsufficient(err, &ime) || ime.Submodule != "denoiser" || ime.BudgetMB != 8192 || ime.RequiredMB != 10260 {
		t.Fatalf("unexpected diagnostic: %+v", ime)
	}
	after := m.Snapshot()
	if after.ResidentMB != before.ResidentMB || len(after.Modules) != len(before.Modules) || after.Outstanding != 0 {
		t.Fatalf("state changed: before=%+v after=%+v", before, after)
	}
	if store.Loads(weightsRef(big, registry.Denoiser)) != 0 {
		t.Fatalf("weights must not be loaded when the plan is infeasible")
	}
	found := false
	for _, n := range pub.Names() {
		if n == EventInsufficientMemory {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %s event: %v", EventInsufficientMemory, pub.Names())
	}
}

func TestEnsureResident_EvictsLeastRecentlyUsed(t *testing.T) {
	a := descriptor("a", 100, 300, 100)
	b := descriptor("b", 100, 300, 100)
	c := descriptor("c", 100, 300, 100)
	m, _, _ := newTestManager(t, profile("p", 1000), a, b, c)
	ctx := context.Background()

	for _, d := range []registry.Descriptor{a, b} {
		hs, err := m.EnsureResident(ctx, d, all())
		if err != nil {
			t.Fatalf("ensure %s: %v", d.ID, err)
		}
		_ = hs.ReleaseAll()
	}
	// touch a's denoiser so b's modules are older
	hs, _ := m.EnsureResident(ctx, a, []registry.SubmoduleKind{registry.Denoiser})
	_ = hs.ReleaseAll()

	hs, err := m.EnsureResident(ctx, c, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure c: %v", err)
	}
	defer hs.ReleaseAll()
	if m.ResidentMB() > 1000 {
		t.Fatalf("budget exceeded: %d", m.ResidentMB())
	}
	// a's text encoder was least recently used, then a's decoder
	if m.Location("a", registry.TextEncoder) != LocationHost || m.Location("a", registry.Decoder) != LocationHost {
		t.Fatalf("expected a's encoder and decoder demoted: %+v", m.Snapshot().Modules)
	}
	if m.Location("a", registry.Denoiser) != LocationAccelerator || m.Location("b", registry.Denoiser) != LocationAccelerator {
		t.Fatalf("recently used denoisers must stay: %+v", m.Snapshot().Modules)
	}
}

func TestEnsureResident_EvictionOrderPreference(t *testing.T) {
	a := descriptor("a", 200, 400, 200)
	b := descriptor("b", 200, 400, 200)
	prof := profile("p", 1000)
	prof.EvictionOrder = []registry.SubmoduleKind{registry.Decoder, registry.TextEncoder}
	m, _, _ := newTestManager(t, prof, a, b)
	ctx := context.Background()

	hs, _ := m.EnsureResident(ctx, a, all())
	_ = hs.ReleaseAll()
	hs, err := m.EnsureResident(ctx, b, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	defer hs.ReleaseAll()
	// 200 MB had to go; the decoder is preferred although the encoder is older
	if m.Location("a", registry.Decoder) != LocationHost || m.Location("a", registry.TextEncoder) != LocationAccelerator {
		t.Fatalf("eviction order not honored: %+v", m.Snapshot().Modules)
	}
}

func TestEviction_TieBreakIsRegistrationOrder(t *testing.T) {
	first := descriptor("zz-first", 0, 300, 0)
	second := descriptor("aa-second", 0, 300, 0)
	first.Submodules = first.Submodules[1:2]
	second.Submodules = second.Submodules[1:2]
	m, _, store := newTestManager(t, profile("p", 600), first, second)

	// identical last-used timestamps
	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()
	for _, d := range []registry.Descriptor{second, first} {
		hs, err := m.EnsureResident(ctx, d, []registry.SubmoduleKind{registry.Denoiser})
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		_ = hs.ReleaseAll()
	}
	third := descriptor("third", 0, 300, 0)
	third.Submodules = third.Submodules[1:2]
	if err := m.registry.Register(third); err != nil {
		t.Fatalf("register: %v", err)
	}
	store.Put(weightsRef(third, registry.Denoiser), map[string]tensor.Tensor{"w": tensor.New(4, 4)})
	hs, err := m.EnsureResident(ctx, third, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure third: %v", err)
	}
	defer hs.ReleaseAll()
	if m.Location("zz-first", registry.Denoiser) != LocationHost || m.Location("aa-second", registry.Denoiser) != LocationAccelerator {
		t.Fatalf("tie must evict the earliest registered model: %+v", m.Snapshot().Modules)
	}
}

func TestEnsureResident_BorrowedAndPinnedNotEvicted(t *testing.T) {
	a := descriptor("a", 0, 500, 0)
	b := descriptor("b", 0, 500, 0)
	a.Submodules = a.Submodules[1:2]
	b.Submodules = b.Submodules[1:2]
	m, _, _ := newTestManager(t, profile("p", 800), a, b)
	ctx := context.Background()

	held, err := m.EnsureResident(ctx, a, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := m.EnsureResident(ctx, b, []registry.SubmoduleKind{registry.Denoiser}); !errdefs.IsInsufficientMemory(err) {
		t.Fatalf("borrowed module must not be evicted, got %v", err)
	}
	_ = held.ReleaseAll()

	if err := m.SetProfile(Profile{Name: "pinned", BudgetMB: 800, Precision: registry.FP16, Pinned: []registry.SubmoduleKind{registry.Denoiser}}); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	if _, err := m.EnsureResident(ctx, b, []registry.SubmoduleKind{registry.Denoiser}); !errdefs.IsInsufficientMemory(err) {
		t.Fatalf("pinned module must not be evicted, got %v", err)
	}
	if m.Location("a", registry.Denoiser) != LocationAccelerator {
		t.Fatalf("pinned module moved")
	}
}

func TestEnsureResident_HostExecution(t *testing.T) {
	big := descriptor("big", 100, 10240, 100)
	m, _, _ := newTestManager(t, profile("low", 8192), big)
	hs, err := m.EnsureResident(context.Background(), big, all(), WithHostExecution(registry.Denoiser))
	if err != nil {
		t.Fatalf("ensure with host execution: %v", err)
	}
	defer hs.ReleaseAll()
	if !hs.Get(registry.Denoiser).OnHost() || hs.Get(registry.Decoder).OnHost() {
		t.Fatalf("unexpected locations: %+v %+v", hs.Get(registry.Denoiser), hs.Get(registry.Decoder))
	}
	if m.ResidentMB() != 200 {
		t.Fatalf("host module must not consume budget: %d", m.ResidentMB())
	}
	if m.Snapshot().HostMB == 0 {
		t.Fatalf("host memory not reported")
	}
}

func TestRelease_DoubleReleaseIsAnError(t *testing.T) {
	d := descriptor("a", 10, 10, 10)
	m, _, _ := newTestManager(t, profile("p", 100), d)
	hs, err := m.EnsureResident(context.Background(), d, all())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	h := hs[0]
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(); !IsReleased(err) {
		t.Fatalf("expected released error, got %v", err)
	}
	if m.Outstanding() != 2 {
		t.Fatalf("outstanding=%d after double release", m.Outstanding())
	}
	_ = hs[1:].ReleaseAll()
	if m.Outstanding() != 0 {
		t.Fatalf("outstanding=%d", m.Outstanding())
	}
}

func TestEnsureResident_CancelledLoadCommitsNothing(t *testing.T) {
	d := descriptor("a", 10, 10, 10)
	m, _, _ := newTestManager(t, profile("p", 100), d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.EnsureResident(ctx, d, all()); err == nil {
		t.Fatalf("expected cancellation error")
	}
	snap := m.Snapshot()
	if snap.ResidentMB != 0 || len(snap.Modules) != 0 || snap.Outstanding != 0 {
		t.Fatalf("partial commit after cancel: %+v", snap)
	}
}

func TestEnsureResident_RejectedBlobCommitsNothing(t *testing.T) {
	d := descriptor("a", 10, 10, 10)
	m, _, _ := newTestManager(t, profile("p", 100), d)
	var checked []registry.SubmoduleKind
	m.validate = func(_ registry.Descriptor, kind registry.SubmoduleKind, _ *weights.Blob) error {
		checked = append(checked, kind)
		if kind == registry.Decoder {
			return errors.New("decode has shape [1 1]")
		}
		return nil
	}
	_, err := m.EnsureResident(context.Background(), d, all())
	if !errdefs.IsInvalidWeights(err) {
		t.Fatalf("expected invalid weights, got %v", err)
	}
	if len(checked) != len(all()) {
		t.Fatalf("validated %v", checked)
	}
	snap := m.Snapshot()
	if snap.ResidentMB != 0 || len(snap.Modules) != 0 || snap.Outstanding != 0 {
		t.Fatalf("rejected blob left state: %+v", snap)
	}
	if m.Status().LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestEnsureResident_UnknownFootprintMeasuredFromBlob(t *testing.T) {
	d := descriptor("a", 10, 10, 10)
	d.Submodules[1].FootprintMB = nil
	m, _, _ := newTestManager(t, profile("p", 100), d)
	hs, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Denoiser})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	defer hs.ReleaseAll()
	if m.ResidentMB() != 1 {
		t.Fatalf("tiny blob must account at least 1 MB, got %d", m.ResidentMB())
	}
}

func TestSetProfile_EvictsToFitOrFails(t *testing.T) {
	a := descriptor("a", 100, 400, 100)
	m, pub, _ := newTestManager(t, profile("high", 1000), a)
	ctx := context.Background()
	hs, _ := m.EnsureResident(ctx, a, all())
	_ = hs.ReleaseAll()

	if err := m.SetProfile(Profile{Name: "mid", BudgetMB: 500, Precision: registry.FP16}); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	if m.ResidentMB() > 500 || m.Profile().Name != "mid" {
		t.Fatalf("resident=%d profile=%s", m.ResidentMB(), m.Profile().Name)
	}

	held, _ := m.EnsureResident(ctx, a, []registry.SubmoduleKind{registry.Denoiser})
	defer held.ReleaseAll()
	err := m.SetProfile(Profile{Name: "tiny", BudgetMB: 100, Precision: registry.FP16})
	if !errdefs.IsInsufficientMemory(err) {
		t.Fatalf("expected InsufficientMemory, got %v", err)
	}
	if m.Profile().Name != "mid" {
		t.Fatalf("failed switch must keep the old profile")
	}
	if err := m.SetProfile(Profile{Name: ""}); !errdefs.IsInvalidRequest(err) {
		t.Fatalf("expected invalid profile error, got %v", err)
	}
	seen := false
	for _, n := range pub.Names() {
		if n == EventProfileSet {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("missing profile_set event")
	}
}

func TestUnload_DrainsBorrows(t *testing.T) {
	d := descriptor("a", 10, 10, 10)
	m, pub, _ := newTestManager(t, profile("p", 100), d)
	ctx := context.Background()
	hs, _ := m.EnsureResident(ctx, d, all())

	if err := m.Unload(ctx, "a"); !IsDrainTimeout(err) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if m.ResidentMB() != 30 {
		t.Fatalf("timed-out unload must keep modules: %d", m.ResidentMB())
	}
	_ = hs.ReleaseAll()
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if m.ResidentMB() != 0 || m.Location("a", registry.Denoiser) != LocationUnloaded {
		t.Fatalf("unload left state: %+v", m.Snapshot())
	}
	if err := m.Unload(ctx, "a"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	want := map[string]bool{EventUnloadStart: false, EventUnloadTimeout: false, EventUnloadDone: false}
	for _, n := range pub.Names() {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for k, v := range want {
		if !v {
			t.Fatalf("expected event %q; got %v", k, pub.Names())
		}
	}
}

func TestConcurrentSessionsNeverExceedBudget(t *testing.T) {
	descs := []registry.Descriptor{
		descriptor("a", 100, 300, 100),
		descriptor("b", 100, 300, 100),
		descriptor("c", 100, 300, 100),
	}
	m, _, _ := newTestManager(t, profile("p", 700), descs...)
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := descs[i%len(descs)]
			for _, k := range all() {
				hs, err := m.EnsureResident(context.Background(), d, []registry.SubmoduleKind{k})
				if err != nil {
					if !errdefs.IsInsufficientMemory(err) {
						errs <- err
					}
					continue
				}
				if used := m.ResidentMB(); used > 700 {
					t.Errorf("resident %d exceeds budget", used)
				}
				_ = hs.ReleaseAll()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Outstanding() != 0 {
		t.Fatalf("outstanding=%d", m.Outstanding())
	}
}
