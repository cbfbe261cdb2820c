package e2e

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"diffusiond/internal/daemon"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/weights"
	"diffusiond/pkg/types"
)

// Two windows of 24 with an overlap of 8 cover 40 frames exactly.
func TestE2E_TwoWindowStitch(t *testing.T) {
	e := newServer(t, []manager.Profile{budget("p", 8192)}, descriptor("lm", 1000, 3000, 1000))
	evs := e.stream(t, types.GenerationRequest{Prompt: "a red kite", Frames: 40, Seed: 1, WindowFrames: 24, OverlapFrames: 8})
	last := evs[len(evs)-1]
	if last.Result == nil {
		t.Fatalf("last event is not a result: %+v", last)
	}
	res := last.Result
	var bounds [][2]int
	for _, w := range res.Windows {
		bounds = append(bounds, [2]int{w.Start, w.End})
	}
	if diff := cmp.Diff([][2]int{{0, 24}, {16, 40}}, bounds); diff != "" {
		t.Fatalf("windows (-want +got):\n%s", diff)
	}
	if res.FrameCount != 40 || len(res.Frames) != 40 {
		t.Fatalf("frames=%d/%d", res.FrameCount, len(res.Frames))
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.Status == nil || ev.Status.ID != res.ID {
			t.Fatalf("status event for another generation: %+v", ev)
		}
	}
	_, body := do(t, http.MethodGet, e.srv.URL+"/status", nil)
	if st := decode[types.StatusResponse](t, body); st.Outstanding != 0 || st.ResidentMB > 8192 {
		t.Fatalf("status after run %+v", st)
	}
}

// A module larger than the whole budget cannot be made resident; the
// session retries with it on host memory and reports the downgrade.
func TestE2E_OversizedModule(t *testing.T) {
	d := descriptor("big", 500, 10240, 500)
	reg, err := registry.New(d)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := weightsFor(t, d)
	mgr := manager.NewWithConfig(manager.ManagerConfig{Registry: reg, Store: store, Profile: budget("8g", 8192)})
	if _, err := mgr.EnsureResident(context.Background(), d, []registry.SubmoduleKind{registry.Denoiser}); !errdefs.IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient memory, got %v", err)
	}
	if mgr.ResidentMB() != 0 {
		t.Fatalf("failed ensure changed residency: %d MB", mgr.ResidentMB())
	}

	e := newServer(t, []manager.Profile{budget("8g", 8192)}, d)
	evs := e.stream(t, types.GenerationRequest{Prompt: "whale", Frames: 8})
	res := evs[len(evs)-1].Result
	if res == nil || res.FrameCount != 8 {
		t.Fatalf("expected a result, got %+v", evs[len(evs)-1])
	}
	if diff := cmp.Diff([]string{"denoiser"}, res.Downgraded); diff != "" {
		t.Fatalf("downgraded (-want +got):\n%s", diff)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("downgrade must be reported as a warning")
	}
}

func TestE2E_ResourceExhaustedAfterRetry(t *testing.T) {
	e := newServer(t, []manager.Profile{budget("8g", 8192)}, descriptor("huge", 9000, 9000, 100))
	resp, body := do(t, http.MethodPost, e.srv.URL+"/generations", types.GenerationRequest{Prompt: "x", Frames: 4})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	st := e.waitFinished(t, decode[types.GenerationStatus](t, body).ID)
	if st.State != "failed" || st.ErrorKind != "resource_exhausted" {
		t.Fatalf("final status %+v", st)
	}
	resp, body = do(t, http.MethodGet, e.srv.URL+"/generations/"+st.ID+"/result", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("result status=%d body=%s", resp.StatusCode, body)
	}
}

// An adapter whose tag the model does not accept is rejected before
// anything is bound or launched.
func TestE2E_IncompatibleAdapter(t *testing.T) {
	d := descriptor("lm", 1000, 3000, 1000)
	e := newServer(t, []manager.Profile{budget("p", 8192)}, d)
	e.putLoRA(t, "lora_x", d)
	req := types.GenerationRequest{Prompt: "x", Frames: 4, Adapters: []types.AdapterRef{
		{Name: "lora_x", Tag: "x", Strength: 0.5},
	}}
	resp, body := do(t, http.MethodPost, e.srv.URL+"/generations", req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if er := decode[types.ErrorResponse](t, body); er.Kind != "incompatible_adapter" {
		t.Fatalf("error %+v", er)
	}
	_, body = do(t, http.MethodGet, e.srv.URL+"/generations", nil)
	if list := decode[[]types.GenerationStatus](t, body); len(list) != 0 {
		t.Fatalf("rejected request launched: %+v", list)
	}
	_, body = do(t, http.MethodGet, e.srv.URL+"/status", nil)
	if st := decode[types.StatusResponse](t, body); len(st.Modules) != 0 {
		t.Fatalf("rejected request touched residency: %+v", st.Modules)
	}

	req.Adapters[0].Tag = "style"
	evs := e.stream(t, req)
	if evs[len(evs)-1].Result == nil {
		t.Fatalf("compatible adapter failed: %+v", evs[len(evs)-1])
	}
}

func TestE2E_CancelLongGeneration(t *testing.T) {
	e := newServer(t, []manager.Profile{budget("p", 8192)}, descriptor("lm", 1000, 3000, 1000))
	resp, body := do(t, http.MethodPost, e.srv.URL+"/generations", types.GenerationRequest{Prompt: "long", Frames: 4000, Steps: 20})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	id := decode[types.GenerationStatus](t, body).ID
	if loc := resp.Header.Get("Location"); loc != "/generations/"+id {
		t.Fatalf("location=%q", loc)
	}
	resp, _ = do(t, http.MethodDelete, e.srv.URL+"/generations/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d", resp.StatusCode)
	}
	st := e.waitFinished(t, id)
	if st.State != "cancelled" || st.ErrorKind != "cancelled" {
		t.Fatalf("final status %+v", st)
	}
	resp, _ = do(t, http.MethodGet, e.srv.URL+"/generations/"+id+"/result", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("result of cancelled generation: %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, e.srv.URL+"/status", nil)
	if st := decode[types.StatusResponse](t, body); st.Outstanding != 0 {
		t.Fatalf("cancelled run leaked borrows: %d", st.Outstanding)
	}
}

func TestE2E_ValidationAndLookups(t *testing.T) {
	e := newServer(t, []manager.Profile{budget("p", 8192)}, descriptor("lm", 1000, 3000, 1000))
	cases := []struct {
		req  types.GenerationRequest
		code int
	}{
		{types.GenerationRequest{Frames: 0}, http.StatusBadRequest},
		{types.GenerationRequest{Frames: 40, WindowFrames: 24, OverlapFrames: 24}, http.StatusBadRequest},
		{types.GenerationRequest{Frames: 4, Model: "nope"}, http.StatusNotFound},
		{types.GenerationRequest{Frames: 4, Profile: "nope"}, http.StatusNotFound},
	}
	for _, c := range cases {
		resp, body := do(t, http.MethodPost, e.srv.URL+"/generations", c.req)
		if resp.StatusCode != c.code {
			t.Fatalf("%+v: status=%d want %d body=%s", c.req, resp.StatusCode, c.code, body)
		}
	}
	if resp, _ := do(t, http.MethodGet, e.srv.URL+"/generations/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing generation: %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, e.srv.URL+"/models", nil)
	if models := decode[types.ModelsResponse](t, body); resp.StatusCode != http.StatusOK || len(models.Models) != 1 {
		t.Fatalf("models %s", body)
	}
	_, body = do(t, http.MethodGet, e.srv.URL+"/profiles", nil)
	if pr := decode[types.ProfilesResponse](t, body); pr.Active != "p" {
		t.Fatalf("profiles %s", body)
	}
}

func TestE2E_ReadinessAndMetrics(t *testing.T) {
	e := newServer(t, []manager.Profile{budget("p", 8192)}, descriptor("lm", 1000, 3000, 1000))
	if resp, _ := do(t, http.MethodGet, e.srv.URL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready before warm-up: %d", resp.StatusCode)
	}
	e.svc.Warm(context.Background())
	if resp, _ := do(t, http.MethodGet, e.srv.URL+"/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("not ready after warm-up: %d", resp.StatusCode)
	}
	e.stream(t, types.GenerationRequest{Prompt: "m", Frames: 4})
	_, body := do(t, http.MethodGet, e.srv.URL+"/metrics", nil)
	for _, name := range []string{"diffusiond_http_requests_total", "diffusiond_denoise_steps_total", "diffusiond_residency_resident_mb"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Fatalf("metrics missing %s", name)
		}
	}
}

func weightsFor(t *testing.T, d registry.Descriptor) *weights.MemStore {
	t.Helper()
	store, err := daemon.SyntheticStore([]registry.Descriptor{d})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	return store
}
