package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWheel_PopDue_OrdersByTime(t *testing.T) {
	w := New()
	base := time.Now()

	w.Schedule(2, base.Add(2*time.Second))
	w.Schedule(1, base.Add(1*time.Second))
	w.Schedule(3, base.Add(3*time.Second))

	due := w.PopDue(base.Add(2500 * time.Millisecond))
	assert.Len(t, due, 2)
	assert.Equal(t, int64(1), due[0].TaskID)
	assert.Equal(t, int64(2), due[1].TaskID)
	assert.Equal(t, 1, w.Len())
}

func TestWheel_PopDue_NoneDue(t *testing.T) {
	w := New()
	base := time.Now()
	w.Schedule(1, base.Add(time.Hour))

	due := w.PopDue(base)
	assert.Empty(t, due)
	assert.Equal(t, 1, w.Len())
}

func TestWheel_PopDue_ExactlyAtTime(t *testing.T) {
	w := New()
	now := time.Now()
	w.Schedule(1, now)

	due := w.PopDue(now)
	assert.Len(t, due, 1)
}
