package degrade

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardd/pkg/types"
)

// fakeSampler serves adjustable readings to the monitor loop.
type fakeSampler struct {
	mu  sync.Mutex
	mem float64
	cpu float64
}

func (f *fakeSampler) set(mem, cpu float64) {
	f.mu.Lock()
	f.mem, f.cpu = mem, cpu
	f.mu.Unlock()
}

func (f *fakeSampler) sample() (types.ResourceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.ResourceSample{
		MemoryUsedFraction: f.mem,
		CPUUsedFraction:    f.cpu,
		SampledAt:          time.Now(),
	}, nil
}

func newTestStrategy(t *testing.T, sampler *fakeSampler, actions Actions) *Strategy {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	s := New(log, sampler.sample, actions, WithInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = s.Close(time.Second) })
	return s
}

func TestSetModeResetsConfig(t *testing.T) {
	s := newTestStrategy(t, &fakeSampler{}, Actions{})

	require.NoError(t, s.SetMode(types.ModeMemorySaving))
	snap := s.State()
	assert.Equal(t, types.ModeMemorySaving, snap.Mode)
	assert.Equal(t, DefaultConfig(types.ModeMemorySaving), snap.State.Config)

	require.Error(t, s.SetMode("turbo"))
	assert.Equal(t, types.ModeMemorySaving, s.State().Mode)
}

func TestDegradeCascade(t *testing.T) {
	var lowered atomic.Int32
	var unloaded atomic.Int32
	actions := Actions{
		LowerPrecision: func(current string) (string, bool) {
			lowered.Add(1)
			return "Q4_K", true
		},
		UnloadIdle: func(lang string, idleFor time.Duration) bool {
			unloaded.Add(1)
			return true
		},
	}
	s := newTestStrategy(t, &fakeSampler{}, actions)

	require.NoError(t, s.Degrade("test pressure"))
	snap := s.State()
	assert.Equal(t, types.LevelWarning, snap.State.Level)
	assert.Equal(t, 3, snap.State.Config.BatchSize)
	assert.Equal(t, 3, snap.State.Config.MaxConcurrent)
	assert.Equal(t, "Q4_K", snap.State.Config.ModelPrecision)
	assert.Equal(t, "medium", snap.State.Config.VideoQuality)
	assert.Equal(t, int32(0), unloaded.Load())

	// Second degrade reaches critical and triggers idle unloading.
	require.NoError(t, s.Degrade("still under pressure"))
	snap = s.State()
	assert.Equal(t, types.LevelCritical, snap.State.Level)
	assert.Equal(t, int32(1), unloaded.Load())
	assert.Equal(t, int32(2), lowered.Load())
}

func TestDegradeFloors(t *testing.T) {
	s := newTestStrategy(t, &fakeSampler{}, Actions{})
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Degrade("pressure"))
	}
	snap := s.State()
	assert.Equal(t, types.LevelEmergency, snap.State.Level)
	assert.Equal(t, 1, snap.State.Config.BatchSize)
	assert.Equal(t, 1, snap.State.Config.MaxConcurrent)
	assert.Equal(t, "low", snap.State.Config.VideoQuality)
}

func TestRecoverStepsAndForce(t *testing.T) {
	s := newTestStrategy(t, &fakeSampler{}, Actions{})
	require.NoError(t, s.Degrade("a"))
	require.NoError(t, s.Degrade("b"))

	require.NoError(t, s.Recover(false))
	snap := s.State()
	assert.Equal(t, types.LevelWarning, snap.State.Level)
	assert.Equal(t, 3, snap.State.Config.BatchSize)

	require.NoError(t, s.Recover(true))
	snap = s.State()
	assert.Equal(t, types.LevelNormal, snap.State.Level)
	assert.Equal(t, DefaultConfig(types.ModeBalanced), snap.State.Config)
}

func TestMonitorEscalatesOnMemoryPressure(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(0.97, 0.1)
	var released atomic.Int32
	s := newTestStrategy(t, sampler, Actions{
		ReleaseCaches: func() { released.Add(1) },
	})

	require.NoError(t, s.StartMonitoring())
	assert.Eventually(t, func() bool {
		snap := s.State()
		return snap.State.Level == types.LevelEmergency &&
			snap.State.Config.BatchSize < DefaultConfig(types.ModeBalanced).BatchSize
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, released.Load(), int32(0))
}

func TestMonitorNeverAutoRecovers(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(0.97, 0.1)
	s := newTestStrategy(t, sampler, Actions{})

	require.NoError(t, s.StartMonitoring())
	assert.Eventually(t, func() bool {
		return s.State().State.Level == types.LevelEmergency
	}, 2*time.Second, 10*time.Millisecond)

	// Pressure clears but the level stays until an explicit recover.
	sampler.set(0.10, 0.1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.LevelEmergency, s.State().State.Level)

	require.NoError(t, s.Recover(true))
	assert.Equal(t, types.LevelNormal, s.State().State.Level)
}

func TestCPUBreachReducesConcurrencyOnly(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(0.50, 0.95) // over balanced cpu threshold, memory fine
	s := newTestStrategy(t, sampler, Actions{})

	require.NoError(t, s.StartMonitoring())
	assert.Eventually(t, func() bool {
		return s.State().State.Config.MaxConcurrent < DefaultConfig(types.ModeBalanced).MaxConcurrent
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.State()
	assert.Equal(t, types.LevelNormal, snap.State.Level)
	assert.Equal(t, DefaultConfig(types.ModeBalanced).BatchSize, snap.State.Config.BatchSize)
}

func TestCloseRejectsFurtherCommands(t *testing.T) {
	sampler := &fakeSampler{}
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	s := New(log, sampler.sample, Actions{}, WithInterval(time.Millisecond))
	require.NoError(t, s.Close(time.Second))
	assert.Error(t, s.Degrade("late"))
}

func TestActiveLanguageSparedFromUnload(t *testing.T) {
	var gotLang string
	var mu sync.Mutex
	s := newTestStrategy(t, &fakeSampler{}, Actions{
		UnloadIdle: func(lang string, idleFor time.Duration) bool {
			mu.Lock()
			gotLang = lang
			mu.Unlock()
			return true
		},
	})
	require.NoError(t, s.SetActiveLanguage("zh"))
	require.NoError(t, s.Degrade("a"))
	require.NoError(t, s.Degrade("b")) // reaches critical, unload fires

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "zh", gotLang)
}
