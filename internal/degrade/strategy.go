package degrade

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

const defaultMonitorInterval = 10 * time.Second

// Actions are the hooks the controller invokes when degrading. All fields
// are optional; a nil hook skips that part of the cascade.
type Actions struct {
	// LowerPrecision drops the active quantization one step and returns
	// the new method name.
	LowerPrecision func(current string) (string, bool)
	// UnloadIdle unloads a model that is not serving the active language
	// and has been idle at least idleFor. Returns true when something was
	// unloaded.
	UnloadIdle func(activeLanguage string, idleFor time.Duration) bool
	// ReleaseCaches frees application-level caches during a memory
	// optimization pass.
	ReleaseCaches func()
}

// Snapshot is the immutable view handed to external readers.
type Snapshot struct {
	Mode           types.AdaptiveMode     `json:"mode"`
	State          types.DegradationState `json:"state"`
	Monitoring     bool                   `json:"monitoring"`
	ActiveLanguage string                 `json:"active_language"`
	LastSample     types.ResourceSample   `json:"last_sample"`
}

type cmdKind int

const (
	cmdSetMode cmdKind = iota
	cmdSetLanguage
	cmdDegrade
	cmdRecover
	cmdOptimize
	cmdStartMonitor
	cmdStopMonitor
)

type command struct {
	kind     cmdKind
	mode     types.AdaptiveMode
	language string
	reason   string
	force    bool
	reply    chan error
}

// Strategy is the top-level degradation controller. A single goroutine owns
// all mutable state; external callers read immutable snapshots or send
// commands, never mutate fields.
type Strategy struct {
	log      zerolog.Logger
	sample   Sampler
	actions  Actions
	interval time.Duration

	cmds chan command
	stop chan struct{}
	done chan struct{}

	snapshot chan Snapshot // owner keeps exactly one buffered value current
}

// Option adjusts Strategy construction.
type Option func(*Strategy)

// WithInterval overrides the default 10s monitor interval.
func WithInterval(d time.Duration) Option {
	return func(s *Strategy) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New builds the controller and starts its owner goroutine with monitoring
// off. Call StartMonitoring to begin sampling and Close to shut down.
func New(log zerolog.Logger, sample Sampler, actions Actions, opts ...Option) *Strategy {
	s := &Strategy{
		log:      log,
		sample:   sample,
		actions:  actions,
		interval: defaultMonitorInterval,
		cmds:     make(chan command),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		snapshot: make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := Snapshot{
		Mode: types.ModeBalanced,
		State: types.DegradationState{
			Level:  types.LevelNormal,
			Config: DefaultConfig(types.ModeBalanced),
		},
	}
	s.snapshot <- initial
	go s.run(initial)
	return s
}

// State returns the current immutable snapshot.
func (s *Strategy) State() Snapshot {
	snap := <-s.snapshot
	s.snapshot <- snap
	return snap
}

// SetMode switches the adaptive mode, resetting the operating config to the
// mode's baseline. Unknown modes are rejected.
func (s *Strategy) SetMode(mode types.AdaptiveMode) error {
	return s.send(command{kind: cmdSetMode, mode: mode})
}

// SetActiveLanguage records which language's model is in active use; idle
// unloading spares it.
func (s *Strategy) SetActiveLanguage(lang string) error {
	return s.send(command{kind: cmdSetLanguage, language: lang})
}

// Degrade escalates one level and applies the resource-saving cascade.
func (s *Strategy) Degrade(reason string) error {
	return s.send(command{kind: cmdDegrade, reason: reason})
}

// Recover steps the level back toward normal. With force it resets to
// normal and restores the mode's baseline config in one move.
func (s *Strategy) Recover(force bool) error {
	return s.send(command{kind: cmdRecover, force: force})
}

// OptimizeMemory runs a memory-optimization pass (GC plus cache release)
// without changing the degradation level.
func (s *Strategy) OptimizeMemory() error {
	return s.send(command{kind: cmdOptimize})
}

// StartMonitoring enables the periodic sampling loop.
func (s *Strategy) StartMonitoring() error {
	return s.send(command{kind: cmdStartMonitor})
}

// StopMonitoring disables sampling; the controller keeps serving commands.
func (s *Strategy) StopMonitoring() error {
	return s.send(command{kind: cmdStopMonitor})
}

// Close shuts the owner goroutine down cooperatively, waiting up to timeout
// for it to exit. A timeout is logged and reported, not fatal.
func (s *Strategy) Close(timeout time.Duration) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		s.log.Warn().Dur("timeout", timeout).Msg("degradation monitor did not stop in time")
		return fmt.Errorf("monitor did not stop within %s", timeout)
	}
}

func (s *Strategy) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
		return <-cmd.reply
	case <-s.stop:
		return fmt.Errorf("degradation controller is stopped")
	}
}

// ownerState is the mutable state confined to the run goroutine.
type ownerState struct {
	mode           types.AdaptiveMode
	level          types.DegradationLevel
	config         types.DegradationConfig
	monitoring     bool
	activeLanguage string
	lastSample     types.ResourceSample
}

func (s *Strategy) run(initial Snapshot) {
	defer close(s.done)
	st := ownerState{
		mode:   initial.Mode,
		level:  initial.State.Level,
		config: initial.State.Config,
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(&st, cmd)
			s.publish(&st)
		case <-ticker.C:
			if st.monitoring {
				s.tick(&st)
				s.publish(&st)
			}
		}
	}
}

func (s *Strategy) publish(st *ownerState) {
	snap := Snapshot{
		Mode: st.mode,
		State: types.DegradationState{
			Level:  st.level,
			Config: st.config,
		},
		Monitoring:     st.monitoring,
		ActiveLanguage: st.activeLanguage,
		LastSample:     st.lastSample,
	}
	<-s.snapshot
	s.snapshot <- snap
}

func (s *Strategy) handle(st *ownerState, cmd command) error {
	switch cmd.kind {
	case cmdSetMode:
		if _, ok := ProfileFor(cmd.mode); !ok {
			return fmt.Errorf("unknown adaptive mode: %s", cmd.mode)
		}
		st.mode = cmd.mode
		st.config = DefaultConfig(cmd.mode)
		s.log.Info().Str("mode", string(cmd.mode)).Msg("adaptive mode changed")
	case cmdSetLanguage:
		st.activeLanguage = cmd.language
	case cmdDegrade:
		s.degrade(st, cmd.reason)
	case cmdRecover:
		s.recoverLevel(st, cmd.force)
	case cmdOptimize:
		s.optimizeMemory()
	case cmdStartMonitor:
		st.monitoring = true
	case cmdStopMonitor:
		st.monitoring = false
	}
	return nil
}

// tick is one pass of the monitor loop: sample, classify, and act on
// threshold breaches. Memory pressure gets an optimization pass first and
// degrades only if still over the mode threshold afterwards. A CPU breach
// alone reduces concurrency and takes no memory actions.
func (s *Strategy) tick(st *ownerState) {
	sample, err := s.sample()
	if err != nil {
		s.log.Warn().Err(err).Msg("resource sample failed")
		return
	}
	st.lastSample = sample

	if level, breach := ClassifyMemory(sample.MemoryUsedFraction); breach && level > st.level {
		st.level = level
		s.log.Warn().Str("level", level.String()).
			Float64("memory_used", sample.MemoryUsedFraction).
			Msg("degradation level escalated")
	}

	profile, _ := ProfileFor(st.mode)
	if sample.MemoryUsedFraction > profile.MemoryThreshold {
		s.optimizeMemory()
		after, err := s.sample()
		if err == nil {
			st.lastSample = after
		}
		if err != nil || after.MemoryUsedFraction > profile.MemoryThreshold {
			s.degrade(st, "memory threshold breached after optimization")
		}
		return
	}
	if sample.CPUUsedFraction > profile.CPUThreshold {
		if st.config.MaxConcurrent > 1 {
			st.config.MaxConcurrent--
			s.log.Info().Int("max_concurrent", st.config.MaxConcurrent).
				Msg("cpu threshold breached, reducing concurrency")
		}
	}
}

// degrade escalates one level and cascades resource savings: coarser
// quantization, smaller batches, less concurrency, lower video quality,
// and possibly unloading an idle model for the non-active language.
func (s *Strategy) degrade(st *ownerState, reason string) {
	if st.level < types.LevelEmergency {
		st.level++
	}
	if s.actions.LowerPrecision != nil {
		if next, ok := s.actions.LowerPrecision(st.config.ModelPrecision); ok {
			st.config.ModelPrecision = next
		}
	}
	if st.config.BatchSize > 1 {
		st.config.BatchSize--
	}
	if st.config.MaxConcurrent > 1 {
		st.config.MaxConcurrent--
	}
	st.config.VideoQuality = lowerVideoQuality(st.config.VideoQuality)
	if st.level >= types.LevelCritical && s.actions.UnloadIdle != nil {
		profile, _ := ProfileFor(st.mode)
		s.actions.UnloadIdle(st.activeLanguage, profile.UnloadDelay)
	}
	s.log.Warn().Str("level", st.level.String()).Str("reason", reason).
		Interface("config", st.config).Msg("degraded")
}

// recoverLevel undoes one degradation step, or everything when forced.
// Recovery never exceeds the mode's baseline config.
func (s *Strategy) recoverLevel(st *ownerState, force bool) {
	base := DefaultConfig(st.mode)
	if force {
		st.level = types.LevelNormal
		st.config = base
		s.log.Info().Msg("forced recovery to normal")
		return
	}
	if st.level > types.LevelNormal {
		st.level--
	}
	if st.config.BatchSize < base.BatchSize {
		st.config.BatchSize++
	}
	if st.config.MaxConcurrent < base.MaxConcurrent {
		st.config.MaxConcurrent++
	}
	st.config.VideoQuality = raiseVideoQuality(st.config.VideoQuality, base.VideoQuality)
	if st.level == types.LevelNormal {
		st.config.ModelPrecision = base.ModelPrecision
	}
	s.log.Info().Str("level", st.level.String()).Msg("recovered one step")
}

func (s *Strategy) optimizeMemory() {
	if s.actions.ReleaseCaches != nil {
		s.actions.ReleaseCaches()
	}
	runtime.GC()
}
