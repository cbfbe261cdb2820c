package daemon

import (
	"fmt"

	"github.com/rs/zerolog"

	"diffusiond/internal/backend"
	"diffusiond/internal/backend/latentmix"
	"diffusiond/internal/config"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/session"
	"diffusiond/internal/weights"
)

// Descriptors returns the inline models of cfg followed by those found in
// cfg.ModelsDir.
func Descriptors(cfg config.Config) ([]registry.Descriptor, error) {
	descs := append([]registry.Descriptor(nil), cfg.Models...)
	if cfg.ModelsDir != "" {
		more, err := registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return nil, fmt.Errorf("models dir: %w", err)
		}
		descs = append(descs, more...)
	}
	return descs, nil
}

// SyntheticStore fills a MemStore with deterministic weights for every
// latentmix model in descs. Other families are skipped.
func SyntheticStore(descs []registry.Descriptor) (*weights.MemStore, error) {
	store := weights.NewMemStore()
	for _, d := range descs {
		if d.Family != latentmix.Family {
			continue
		}
		ws, err := latentmix.Synthesize(d)
		if err != nil {
			return nil, fmt.Errorf("synthesize %s: %w", d.ID, err)
		}
		for kind, ts := range ws {
			store.Put(weights.RefFor(d, kind), ts)
		}
	}
	return store, nil
}

// Build assembles the registry, weight store, residency manager and engine
// described by cfg. cfg must have defaults applied and be valid. A nil
// store is derived from cfg.
func Build(cfg config.Config, store weights.Store, log zerolog.Logger) (*Service, error) {
	descs, err := Descriptors(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(descs...)
	if err != nil {
		return nil, err
	}
	if store == nil {
		if cfg.SyntheticWeights {
			store, err = SyntheticStore(descs)
		} else {
			store, err = weights.NewDirStore(cfg.WeightsDir, log)
		}
		if err != nil {
			return nil, err
		}
	}
	prof, ok := cfg.Profile(cfg.DefaultProfile)
	if !ok {
		return nil, fmt.Errorf("default profile %q is not defined", cfg.DefaultProfile)
	}
	drain, err := cfg.DrainTimeoutDuration()
	if err != nil {
		return nil, err
	}
	mlog := log.With().Str("component", "residency").Logger()
	backends := backend.NewRegistry(latentmix.New())
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:     reg,
		Store:        store,
		Validate:     backends.Validate,
		Profile:      prof,
		DrainTimeout: drain,
		Logger:       &mlog,
		Publisher:    manager.LogPublisher{Log: mlog},
	})
	eng, err := session.NewEngine(session.Config{
		Registry:     reg,
		Manager:      mgr,
		Backends:     backends,
		Profiles:     cfg.Profiles,
		DefaultModel: cfg.DefaultModel,
		MaxActive:    cfg.MaxActive,
		Logger:       log.With().Str("component", "session").Logger(),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int("models", reg.Len()).Str("profile", prof.Name).Bool("synthetic", cfg.SyntheticWeights).Msg("engine ready")
	return New(Config{
		Engine:       eng,
		Registry:     reg,
		Manager:      mgr,
		Profiles:     cfg.Profiles,
		Adapters:     store,
		DefaultModel: cfg.DefaultModel,
		Logger:       log,
	})
}

// Shutdown cancels running generations.
func (s *Service) Shutdown() {
	s.ready.Store(false)
	s.engine.CancelAll()
}
