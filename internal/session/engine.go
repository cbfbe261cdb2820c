package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"diffusiond/internal/adapter"
	"diffusiond/internal/backend"
	"diffusiond/internal/denoise"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/manager"
	"diffusiond/internal/metrics"
	"diffusiond/internal/registry"
	"diffusiond/internal/window"
)

const (
	defaultMaxActive = 16
	defaultHistory   = 64
	defaultSteps     = 20
)

// Config wires an Engine. Registry, Manager and Backends are required.
type Config struct {
	Registry  *registry.Registry
	Manager   *manager.Manager
	Backends  *backend.Registry
	Composer  *adapter.Composer
	Scheduler *denoise.Scheduler
	// Profiles are the profiles a request may name.
	Profiles []manager.Profile
	// DefaultModel is used when a request names none; empty means the
	// first registered model.
	DefaultModel string
	// MaxActive bounds queued plus running generations.
	MaxActive int
	// History bounds finished handles kept for Lookup.
	History int
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Engine runs generations against one accelerator. One Engine is created
// per process and shares one Residency Manager across all sessions.
type Engine struct {
	reg       *registry.Registry
	mgr       *manager.Manager
	backends  *backend.Registry
	composer  *adapter.Composer
	scheduler *denoise.Scheduler
	profiles  map[string]manager.Profile
	defModel  string
	maxActive int
	history   int
	log       zerolog.Logger
	now       func() time.Time

	// device admits one active compute stream.
	device *semaphore.Weighted

	mu      sync.Mutex
	handles map[string]*Handle
	active  int
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Manager == nil || cfg.Backends == nil {
		return nil, errors.New("session: registry, manager and backends are required")
	}
	e := &Engine{
		reg:       cfg.Registry,
		mgr:       cfg.Manager,
		backends:  cfg.Backends,
		composer:  cfg.Composer,
		scheduler: cfg.Scheduler,
		profiles:  make(map[string]manager.Profile),
		defModel:  cfg.DefaultModel,
		maxActive: cfg.MaxActive,
		history:   cfg.History,
		log:       cfg.Logger,
		now:       cfg.Now,
		device:    semaphore.NewWeighted(1),
		handles:   make(map[string]*Handle),
	}
	if e.composer == nil {
		e.composer = adapter.NewComposer(cfg.Logger)
	}
	if e.scheduler == nil {
		e.scheduler = denoise.New(cfg.Logger)
	}
	if e.maxActive <= 0 {
		e.maxActive = defaultMaxActive
	}
	if e.history <= 0 {
		e.history = defaultHistory
	}
	if e.now == nil {
		e.now = time.Now
	}
	for _, p := range cfg.Profiles {
		e.profiles[p.Name] = p
	}
	active := cfg.Manager.Profile()
	if _, ok := e.profiles[active.Name]; !ok {
		e.profiles[active.Name] = active
	}
	return e, nil
}

// plan is a request resolved against its model, ready to run.
type plan struct {
	req     Request
	desc    registry.Descriptor
	be      backend.Backend
	bound   *adapter.Bound
	windows []window.Window
	dcfg    denoise.Config
	profile *manager.Profile
}

// prepare validates req at the boundary. Every failure here happens before
// any residency is touched.
func (e *Engine) prepare(req Request) (*plan, error) {
	if req.Frames <= 0 {
		return nil, errdefs.ErrInvalidRequest("frames", "must be positive")
	}
	if req.Steps < 0 {
		return nil, errdefs.ErrInvalidRequest("steps", "must not be negative")
	}
	if req.GuidanceScale < 0 {
		return nil, errdefs.ErrInvalidRequest("guidance_scale", "must not be negative")
	}
	id := req.Model
	if id == "" {
		id = e.defModel
	}
	if id == "" {
		if ds := e.reg.List(); len(ds) > 0 {
			id = ds[0].ID
		}
	}
	desc, err := e.reg.Get(id)
	if err != nil {
		return nil, err
	}
	req.Model = desc.ID
	be, err := e.backends.Get(desc.Family)
	if err != nil {
		return nil, err
	}

	p := &plan{req: req, desc: desc, be: be}
	if req.Profile != "" {
		prof, ok := e.profiles[req.Profile]
		if !ok {
			return nil, errdefs.ErrNotFound("profile", req.Profile)
		}
		p.profile = &prof
	}

	def := desc.Defaults
	steps := firstPositive(req.Steps, def.Steps, defaultSteps)
	g := req.GuidanceScale
	if g == 0 {
		g = def.GuidanceScale
	}
	winFrames := firstPositive(req.WindowFrames, def.WindowFrames, req.Frames)
	overlap := req.OverlapFrames
	if overlap == 0 && req.WindowFrames == 0 {
		overlap = def.OverlapFrames
	}
	if winFrames >= req.Frames {
		winFrames, overlap = req.Frames, 0
	}
	p.windows, err = window.Plan(window.PlanConfig{
		TotalFrames:   req.Frames,
		WindowFrames:  winFrames,
		OverlapFrames: overlap,
		Seed:          req.Seed,
	})
	if err != nil {
		return nil, err
	}

	p.bound, err = e.composer.Bind(desc, req.Adapters)
	if err != nil {
		return nil, err
	}

	p.dcfg = denoise.Config{Steps: steps, GuidanceScale: g, Shift: def.Shift}
	if req.Acceleration != nil {
		p.dcfg.Acceleration = *req.Acceleration
	}
	return p, nil
}

func firstPositive(vs ...int) int {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Start validates req and launches it asynchronously. Validation failures
// and capacity rejections are returned directly; the run itself is bound
// to the returned Handle, not to ctx's cancellation.
func (e *Engine) Start(ctx context.Context, req Request) (*Handle, error) {
	return e.start(ctx, req, nil, true)
}

func (e *Engine) start(ctx context.Context, req Request, onProgress func(Progress), detach bool) (*Handle, error) {
	p, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.active >= e.maxActive {
		e.mu.Unlock()
		return nil, busyError{limit: e.maxActive}
	}
	e.active++
	parent := ctx
	if detach {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancelCause(parent)
	h := newHandle(uuid.NewString(), p.desc.ID, e.now(), cancel)
	e.handles[h.ID] = h
	e.mu.Unlock()

	go func() {
		defer cancel(nil)
		res, err := e.run(runCtx, h, p, onProgress)
		state := StateSucceeded
		switch {
		case errdefs.IsCancelled(err):
			state = StateCancelled
		case err != nil:
			state = StateFailed
		}
		h.finish(res, err, state, e.now())
		metrics.Generations.WithLabelValues(string(state)).Inc()
		e.mu.Lock()
		e.active--
		e.pruneLocked()
		e.mu.Unlock()
	}()
	return h, nil
}

// Submit runs req to completion, reporting progress to onProgress. If ctx
// is cancelled the generation is cancelled and Submit returns its
// CancelledError.
func (e *Engine) Submit(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	h, err := e.start(ctx, req, onProgress, false)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	return h.Result()
}

// Lookup returns a running or retained generation.
func (e *Engine) Lookup(id string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		return nil, errdefs.ErrNotFound("generation", id)
	}
	return h, nil
}

// List returns known generations, newest first.
func (e *Engine) List() []*Handle {
	e.mu.Lock()
	out := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Active is the number of queued or running generations.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// pruneLocked drops the oldest finished handles beyond the history bound.
func (e *Engine) pruneLocked() {
	var finished []*Handle
	for _, h := range e.handles {
		if h.State().Finished() {
			finished = append(finished, h)
		}
	}
	if len(finished) <= e.history {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].finishedAt().Before(finished[j].finishedAt()) })
	for _, h := range finished[:len(finished)-e.history] {
		delete(e.handles, h.ID)
	}
}

// CancelAll cancels every running generation. Used on shutdown.
func (e *Engine) CancelAll() {
	for _, h := range e.List() {
		h.Cancel()
	}
}
