package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFakeClock_Frozen(t *testing.T) {
	clock := NewFakeClock(epoch)
	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(epoch)

	assert.Equal(t, epoch.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, epoch.Add(time.Minute+time.Second), clock.Advance(time.Minute))
	assert.Equal(t, epoch.Add(time.Minute+time.Second), clock.Now())
}

func TestFakeClock_SetNormalizesToUTC(t *testing.T) {
	clock := NewFakeClock(epoch)
	seoul := time.FixedZone("KST", 9*60*60)

	clock.Set(time.Date(2026, 3, 2, 18, 0, 0, 0, seoul))
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), clock.Now())
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(epoch)
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(numGoroutines*time.Millisecond), clock.Now())
}
