package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/privkeyio/keepcore/pkg/clock"
)

func TestLimiterAllowsUnderThreshold(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < 30; i++ {
		assert.Equal(t, Allowed, l.Check("caller-a"))
	}
}

func TestLimiterRejectsOnPerClientOverflow(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < 30; i++ {
		assert.Equal(t, Allowed, l.Check("caller-a"))
	}
	assert.Equal(t, Rejected, l.Check("caller-a"))
}

func TestLimiterBackoffBlocksFollowingRequests(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < 31; i++ {
		l.Check("caller-a")
	}
	// Still within the 1s initial backoff window.
	assert.Equal(t, Rejected, l.Check("caller-a"))
	// Past the backoff and past the 60s window holding the first 30.
	fc.Advance(61 * time.Second)
	assert.Equal(t, Allowed, l.Check("caller-a"))
}

func TestLimiterRecordSuccessResetsOverflowStreak(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < 31; i++ {
		l.Check("caller-a")
	}
	l.RecordSuccess("caller-a")
	fc.Advance(61 * time.Second)
	assert.Equal(t, Allowed, l.Check("caller-a"))
	assert.Equal(t, 0, l.clients["caller-a"].consecutiveOverflow)
}

func TestLimiterGlobalWindowRejectsEveryone(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < globalRejectAt; i++ {
		caller := "caller-" + string(rune('a'+i%20))
		l.Check(caller)
		fc.Advance(time.Millisecond)
	}
	assert.Equal(t, Rejected, l.Check("brand-new-caller"))
}

func TestLimiterEvictsOldestWhenTrackingSetFull(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc)
	for i := 0; i < maxTrackedClients; i++ {
		caller := "c" + string(rune(i))
		l.Check(caller)
		fc.Advance(time.Microsecond)
	}
	assert.Len(t, l.clients, maxTrackedClients)

	l.Check("overflow-client")
	assert.Len(t, l.clients, maxTrackedClients)
}
