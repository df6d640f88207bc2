package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(Config{Enabled: false})
	defer l.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("!room:example.com"))
	}
}

func TestEnabledLimiterThrottlesBurst(t *testing.T) {
	l := New(Config{Enabled: true, Threshold: 2, Cooloff: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("!room:example.com"))
	assert.True(t, l.Allow("!room:example.com"))
	assert.False(t, l.Allow("!room:example.com"))
}

func TestLimiterIsPerRoom(t *testing.T) {
	l := New(Config{Enabled: true, Threshold: 1, Cooloff: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("!a:example.com"))
	assert.False(t, l.Allow("!a:example.com"))
	assert.True(t, l.Allow("!b:example.com"))
}
