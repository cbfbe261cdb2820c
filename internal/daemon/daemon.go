// Package daemon implements the HTTP service on top of the generation
// engine, the model registry and the residency manager.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"diffusiond/internal/httpapi"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/session"
	"diffusiond/internal/weights"
	"diffusiond/pkg/types"
)

// Config wires a Service. Engine, Registry and Manager are required.
type Config struct {
	Engine   *session.Engine
	Registry *registry.Registry
	Manager  *manager.Manager
	Profiles []manager.Profile
	// Adapters resolves LoRA names to loras/<name>.safetensors.
	Adapters weights.Store
	// DefaultModel is warmed by Warm; empty means the first registered model.
	DefaultModel string
	Logger       zerolog.Logger
}

type Service struct {
	engine       *session.Engine
	reg          *registry.Registry
	mgr          *manager.Manager
	profiles     []manager.Profile
	adapters     weights.Store
	defaultModel string
	log          zerolog.Logger
	ready        atomic.Bool
}

var _ httpapi.Service = (*Service)(nil)

func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Manager == nil {
		return nil, errors.New("daemon: engine, registry and manager are required")
	}
	return &Service{
		engine:       cfg.Engine,
		reg:          cfg.Registry,
		mgr:          cfg.Manager,
		profiles:     append([]manager.Profile(nil), cfg.Profiles...),
		adapters:     cfg.Adapters,
		defaultModel: cfg.DefaultModel,
		log:          cfg.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// Warm makes the pinned submodules of the default model resident and then
// marks the service ready. A warm-up failure is logged; submodules load
// lazily on first use instead.
func (s *Service) Warm(ctx context.Context) {
	defer s.ready.Store(true)
	d, ok := s.warmTarget()
	if !ok {
		return
	}
	prof := s.mgr.Profile()
	var kinds []registry.SubmoduleKind
	for _, sub := range d.Submodules {
		if prof.IsPinned(sub.Kind) {
			kinds = append(kinds, sub.Kind)
		}
	}
	if len(kinds) == 0 {
		return
	}
	hs, err := s.mgr.EnsureResident(ctx, d, kinds)
	if err != nil {
		s.log.Warn().Err(err).Str("model", d.ID).Msg("warm-up failed")
		return
	}
	_ = hs.ReleaseAll()
	s.log.Info().Str("model", d.ID).Interface("kinds", kinds).Msg("warm-up complete")
}

func (s *Service) warmTarget() (registry.Descriptor, bool) {
	if s.defaultModel != "" {
		d, err := s.reg.Get(s.defaultModel)
		return d, err == nil
	}
	ds := s.reg.List()
	if len(ds) == 0 {
		return registry.Descriptor{}, false
	}
	return ds[0], true
}

func (s *Service) Ready() bool { return s.ready.Load() }

func (s *Service) ListModels() []types.Model {
	prec := s.mgr.Profile().ComputePrecision()
	ds := s.reg.List()
	out := make([]types.Model, 0, len(ds))
	for _, d := range ds {
		m := types.Model{ID: d.ID, Family: d.Family, Variant: d.Variant, Accepts: d.Accepts}
		for _, sub := range d.Submodules {
			m.Submodules = append(m.Submodules, string(sub.Kind))
			if mb, ok := d.FootprintMB(sub.Kind, prec); ok {
				if m.FootprintMB == nil {
					m.FootprintMB = map[string]int{}
				}
				m.FootprintMB[string(sub.Kind)] = mb
			}
		}
		out = append(out, m)
	}
	return out
}

func (s *Service) Profiles() types.ProfilesResponse {
	resp := types.ProfilesResponse{Active: s.mgr.Profile().Name}
	for _, p := range s.profiles {
		resp.Profiles = append(resp.Profiles, profileOf(p))
	}
	return resp
}

func (s *Service) Status() types.StatusResponse {
	st := s.mgr.Status()
	st.Active = s.engine.Active()
	return st
}

func (s *Service) StartGeneration(ctx context.Context, req types.GenerationRequest) (types.GenerationStatus, error) {
	sreq, err := s.toRequest(ctx, req)
	if err != nil {
		return types.GenerationStatus{}, err
	}
	h, err := s.engine.Start(ctx, sreq)
	if err != nil {
		return types.GenerationStatus{}, err
	}
	s.log.Info().Str("id", h.ID).Str("model", h.Model).Int("frames", req.Frames).Msg("generation accepted")
	return statusOf(h), nil
}

// Generate runs req bound to ctx and streams one status line per progress
// update followed by the result line.
func (s *Service) Generate(ctx context.Context, req types.GenerationRequest, w io.Writer, flush func()) error {
	sreq, err := s.toRequest(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	var last types.GenerationStatus
	onProgress := func(p session.Progress) {
		st := progressStatus(p)
		// step events arrive far more often than the visible state changes
		if st.Window == last.Window && st.Step == last.Step && st.State == last.State {
			return
		}
		last = st
		if err := enc.Encode(types.GenerationEvent{Status: &st}); err != nil {
			return
		}
		if flush != nil {
			flush()
		}
	}
	res, err := s.engine.Submit(ctx, sreq, onProgress)
	if err != nil {
		return err
	}
	out := resultOf(res, true)
	if err := enc.Encode(types.GenerationEvent{Result: &out}); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

func (s *Service) Generations() []types.GenerationStatus {
	hs := s.engine.List()
	out := make([]types.GenerationStatus, 0, len(hs))
	for _, h := range hs {
		out = append(out, statusOf(h))
	}
	return out
}

func (s *Service) Generation(id string) (types.GenerationStatus, error) {
	h, err := s.engine.Lookup(id)
	if err != nil {
		return types.GenerationStatus{}, err
	}
	return statusOf(h), nil
}

func (s *Service) GenerationResult(id string, withFrames bool) (types.GenerationResult, error) {
	h, err := s.engine.Lookup(id)
	if err != nil {
		return types.GenerationResult{}, err
	}
	res, err := h.Result()
	if err != nil {
		return types.GenerationResult{}, err
	}
	return resultOf(res, withFrames), nil
}

func (s *Service) CancelGeneration(id string) (types.GenerationStatus, error) {
	h, err := s.engine.Lookup(id)
	if err != nil {
		return types.GenerationStatus{}, err
	}
	if !h.State().Finished() {
		h.Cancel()
		s.log.Info().Str("id", id).Msg("generation cancel requested")
	}
	return statusOf(h), nil
}
