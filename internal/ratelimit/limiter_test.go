package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenExhaustion(t *testing.T) {
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow(), "bucket should be empty after burst")
}

func TestLimiter_Refill(t *testing.T) {
	// 100 tokens/sec so the refill is observable without a slow test.
	l := NewLimiter(100, 1)

	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, l.Allow(), "token should refill within 25ms at 100/s")
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l := NewLimiter(1000, 2)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, l.Tokens(), 2.0, "bucket must not exceed burst size")
}
