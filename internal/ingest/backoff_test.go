package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5), "capped at Max")
	assert.Equal(t, 10*time.Second, p.Delay(12))
	assert.Equal(t, time.Second, p.Delay(0), "attempt below 1 treated as first")
}

func TestRetryPolicy_Deterministic(t *testing.T) {
	for i := 1; i < 6; i++ {
		assert.Equal(t, DefaultRetryPolicy.Delay(i), DefaultRetryPolicy.Delay(i))
	}
}
