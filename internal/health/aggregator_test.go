package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually-advanced time source.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testAggregator() (*Aggregator, *testClock) {
	cfg := AggregatorConfig{
		Window:           5 * time.Minute,
		HalfLife:         time.Minute,
		SuspectThreshold: 60,
		DownThreshold:    30,
		RecoverThreshold: 80,
		SuspectDebounce:  15 * time.Second,
		DownDebounce:     60 * time.Second,
	}
	a := NewAggregator(cfg)
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	a.SetClock(clock.now)
	return a, clock
}

func (c *testClock) sample(region string, success bool) Sample {
	return Sample{Region: region, Success: success, Timestamp: c.t, Latency: 10 * time.Millisecond}
}

func feed(a *Aggregator, c *testClock, region string, success bool, n int, step time.Duration) {
	for i := 0; i < n; i++ {
		c.advance(step)
		a.Observe(c.sample(region, success))
	}
}

func TestAggregator_HealthyBaseline(t *testing.T) {
	a, clock := testAggregator()

	feed(a, clock, "us-east", true, 10, time.Second)

	assert.Equal(t, StateHealthy, a.StateOf("us-east"))
	assert.Greater(t, a.Score("us-east"), 99.0)
	assert.Equal(t, 0, a.FailStreak("us-east"))
}

func TestAggregator_UnknownWithoutSamples(t *testing.T) {
	a, _ := testAggregator()
	assert.Equal(t, StateUnknown, a.StateOf("nowhere"))
	assert.Equal(t, float64(-1), a.Score("nowhere"))
}

func TestAggregator_ShortDipDoesNotSuspect(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", true, 30, time.Second)
	require.Equal(t, StateHealthy, a.StateOf("us-east"))

	// Score drops below T_suspect but recovers one tick before the
	// debounce period D elapses.
	feed(a, clock, "us-east", false, 14, time.Second)
	assert.Equal(t, StateHealthy, a.StateOf("us-east"))

	feed(a, clock, "us-east", true, 30, time.Second)
	assert.Equal(t, StateHealthy, a.StateOf("us-east"))
}

func TestAggregator_SustainedFailureGoesSuspectThenDown(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", true, 10, time.Second)
	require.Equal(t, StateHealthy, a.StateOf("us-east"))

	// Hard failure: score decays toward 0. After D it is suspect,
	// after D2 past the down threshold it is down.
	feed(a, clock, "us-east", false, 90, time.Second)

	assert.Equal(t, StateDown, a.StateOf("us-east"))
	assert.Less(t, a.Score("us-east"), 30.0)
	assert.Equal(t, 90, a.FailStreak("us-east"))
}

func TestAggregator_RecoveryRequiresDebounce(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", true, 10, time.Second)
	feed(a, clock, "us-east", false, 90, time.Second)
	require.Equal(t, StateDown, a.StateOf("us-east"))

	// A handful of good samples lift the score past T_recover, but the
	// state holds until the debounce period has elapsed.
	feed(a, clock, "us-east", true, 5, time.Second)
	if a.Score("us-east") > 80 {
		assert.Equal(t, StateDown, a.StateOf("us-east"))
	}

	feed(a, clock, "us-east", true, 180, time.Second)
	assert.Equal(t, StateHealthy, a.StateOf("us-east"))
}

func TestAggregator_TickAdvancesDebounce(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", true, 10, time.Second)

	// Push the score below both thresholds, then let the debounce
	// clocks run with no new samples.
	feed(a, clock, "us-east", false, 25, time.Second)
	require.Equal(t, StateSuspect, a.StateOf("us-east"))

	clock.advance(2 * time.Minute)
	a.Tick()

	assert.Equal(t, StateDown, a.StateOf("us-east"))
}

func TestAggregator_WindowEvictsOldSamples(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", false, 10, time.Second)

	// All failure samples age out of the window entirely.
	clock.advance(10 * time.Minute)
	assert.Equal(t, float64(-1), a.Score("us-east"))
}

func TestAggregator_ConcurrentReadsAndWrites(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())

	// Readers and writers on the same region; run with -race.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a.Observe(Sample{Region: "us-east", Success: true, Timestamp: time.Now()})
				a.Score("us-east")
				a.StateOf("us-east")
				a.Tick()
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, a.Score("us-east"), 99.0)
}

func TestAggregator_LastSuccessTracked(t *testing.T) {
	a, clock := testAggregator()
	feed(a, clock, "us-east", true, 3, time.Second)
	want := clock.t
	feed(a, clock, "us-east", false, 3, time.Second)

	assert.Equal(t, want, a.LastSuccess("us-east"))
	assert.Equal(t, 3, a.FailStreak("us-east"))
}
