package ratelimiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnlimitedIsPassthrough(t *testing.T) {
	r := New(0)
	assert.True(t, r.Unlimited())
	assert.EqualValues(t, 1<<20, r.Acquire(1<<20, true))
	assert.EqualValues(t, 1<<20, r.Acquire(1<<20, false))
}

func TestNonBlockingInsufficientReturnsNegativeOne(t *testing.T) {
	r := New(1024)
	// first request drains the bucket's initial capacity
	got := r.Acquire(1024, false)
	assert.EqualValues(t, 1024, got)

	// bucket is now empty; a further non-blocking request must fail
	// instead of blocking or returning a partial count
	got = r.Acquire(1024, false)
	assert.EqualValues(t, -1, got)
}

func TestOversizedRequestGrowsCapacity(t *testing.T) {
	r := New(1024)
	// a request larger than the configured rate must still eventually
	// succeed rather than being rejected forever
	got := r.Acquire(4096, true)
	assert.EqualValues(t, 4096, got)
	assert.EqualValues(t, 4096, r.capacity)
}

func TestRefreshChangesRate(t *testing.T) {
	r := New(1024)
	assert.EqualValues(t, 1024, r.Rate())

	r.Refresh(2048)
	assert.EqualValues(t, 2048, r.Rate())
	assert.False(t, r.Unlimited())

	r.Refresh(0)
	assert.True(t, r.Unlimited())
	assert.EqualValues(t, 100, r.Acquire(100, false))
}

func TestBucketNeverYieldsMoreThanCapacityPlusRateOverTime(t *testing.T) {
	r := New(1000)
	// draining fully, then immediately re-requesting more than capacity
	// without waiting must fail: the bucket cannot exceed capacity +
	// rate*elapsed for any elapsed ~= 0.
	got := r.Acquire(1000, false)
	assert.EqualValues(t, 1000, got)
	got = r.Acquire(1, false)
	assert.EqualValues(t, -1, got)
}
