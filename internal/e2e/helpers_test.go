package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/adapter"
	"diffusiond/internal/backend/latentmix"
	"diffusiond/internal/config"
	"diffusiond/internal/daemon"
	"diffusiond/internal/httpapi"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
	"diffusiond/pkg/types"
)

// descriptor builds a latentmix model with fp16 footprints in MB.
func descriptor(id string, te, dn, dec int) registry.Descriptor {
	fp := func(mb int) map[registry.Precision]int { return map[registry.Precision]int{registry.FP16: mb} }
	return registry.Descriptor{
		ID:     id,
		Family: latentmix.Family,
		Submodules: []registry.Submodule{
			{Kind: registry.TextEncoder, FootprintMB: fp(te)},
			{Kind: registry.Denoiser, FootprintMB: fp(dn)},
			{Kind: registry.Decoder, FootprintMB: fp(dec)},
		},
		Accepts:  []string{"style"},
		Defaults: registry.Defaults{WindowFrames: 24, OverlapFrames: 8, Steps: 4, GuidanceScale: 2},
	}
}

func budget(name string, mb int) manager.Profile {
	return manager.Profile{Name: name, BudgetMB: mb, Precision: registry.FP16}
}

type env struct {
	srv   *httptest.Server
	svc   *daemon.Service
	store *weights.MemStore
}

func newServer(t *testing.T, profiles []manager.Profile, models ...registry.Descriptor) *env {
	t.Helper()
	cfg := config.Config{SyntheticWeights: true, Profiles: profiles, Models: models}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := daemon.SyntheticStore(models)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	svc, err := daemon.Build(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	httpapi.SetLogger(zerolog.Nop())
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
	})
	return &env{srv: srv, svc: svc, store: store}
}

// putLoRA stores a rank-1 LoRA on the denoiser output projection.
func (e *env) putLoRA(t *testing.T, name string, d registry.Descriptor) {
	t.Helper()
	dims := latentmix.DimsOf(d)
	up, down := tensor.New(dims.Latent, 1), tensor.New(1, dims.Hidden)
	for i := range up.Data {
		up.Data[i] = 0.5
	}
	for i := range down.Data {
		down.Data[i] = 0.25
	}
	spec := adapter.Spec{Name: name, Kind: adapter.LoRA, Tag: "style", Deltas: []adapter.LowRank{
		{Submodule: registry.Denoiser, Target: "out", Up: up, Down: down},
	}}
	e.store.Put(daemon.AdapterRef(name), adapter.ToTensors(spec))
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	out, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %T from %q: %v", v, raw, err)
	}
	return v
}

// stream posts req with stream=1 and returns the decoded events.
func (e *env) stream(t *testing.T, req types.GenerationRequest) []types.GenerationEvent {
	t.Helper()
	resp, body := do(t, http.MethodPost, e.srv.URL+"/generations?stream=1", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status=%d body=%s", resp.StatusCode, body)
	}
	var evs []types.GenerationEvent
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		evs = append(evs, decode[types.GenerationEvent](t, []byte(line)))
	}
	return evs
}

// waitFinished polls a generation until it reaches a terminal state.
func (e *env) waitFinished(t *testing.T, id string) types.GenerationStatus {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		_, body := do(t, http.MethodGet, e.srv.URL+"/generations/"+id, nil)
		st := decode[types.GenerationStatus](t, body)
		switch st.State {
		case "succeeded", "failed", "cancelled":
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generation %s did not finish", id)
	return types.GenerationStatus{}
}
