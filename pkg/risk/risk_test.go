package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/privkeyio/keepcore/pkg/clock"
)

func alwaysHasAppSettings(string) bool { return true }
func neverHasAppSettings(string) bool  { return false }

func TestAssessSensitiveKindFirstTimeNewApp(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	a := New(fc, neverHasAppSettings)

	score := a.Assess("caller-a", 0) // kind 0 is sensitive
	// sensitive(40) + first-time-kind(15) + new-app(15) = 70 -> EXPLICIT
	assert.Equal(t, 70, score.Value)
	assert.Equal(t, AuthExplicit, score.AuthLevel)
}

func TestAssessSecondRequestSameKindNotFirstTime(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	a := New(fc, alwaysHasAppSettings)

	a.Assess("caller-a", 1)
	fc.Advance(25 * time.Hour) // past the 24h new-app window
	score := a.Assess("caller-a", 1)
	assert.Equal(t, 0, score.Value)
	assert.Equal(t, AuthNone, score.AuthLevel)
}

func TestAssessHighFrequencyFactor(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	a := New(fc, alwaysHasAppSettings)
	fc.Advance(25 * time.Hour)

	for i := 0; i < highFrequencyThreshold; i++ {
		a.Assess("caller-a", 1)
		fc.Advance(time.Millisecond)
	}
	score := a.Assess("caller-a", 1)
	assert.GreaterOrEqual(t, score.Value, weightHighFrequency)
}

func TestAssessUnusualHour(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC))
	a := New(fc, alwaysHasAppSettings)
	fc.Advance(25 * time.Hour)
	score := a.Assess("caller-a", 1)
	assert.GreaterOrEqual(t, score.Value, weightUnusualHour)
}

func TestAssessScoreCapsAt100(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC))
	a := New(fc, neverHasAppSettings)
	score := a.Assess("caller-a", 0)
	assert.LessOrEqual(t, score.Value, 100)
}

func TestAssessEvictsOldestWhenTrackingFull(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a := New(fc, alwaysHasAppSettings)
	for i := 0; i < maxTrackedPackages; i++ {
		a.Assess(string(rune(i)), 1)
		fc.Advance(time.Microsecond)
	}
	assert.Len(t, a.history, maxTrackedPackages)
	a.Assess("overflow-caller", 1)
	assert.Len(t, a.history, maxTrackedPackages)
}
