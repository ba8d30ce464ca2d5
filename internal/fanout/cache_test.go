package fanout

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/ivm/internal/testutil"
)

func TestDedupCacheWindow(t *testing.T) {
	c := newDedupCache(time.Minute, 0)
	now := testutil.Epoch

	assert.False(t, c.check("a", now))
	assert.True(t, c.check("a", now.Add(30*time.Second)))
	assert.False(t, c.check("a", now.Add(61*time.Second)), "expired entries are evicted lazily")
}

func TestDedupCacheTrimsToSize(t *testing.T) {
	c := newDedupCache(time.Hour, 3)
	now := testutil.Epoch

	for i := 0; i < 5; i++ {
		c.check(fmt.Sprintf("k%d", i), now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, c.len())
	assert.True(t, c.check("k4", now.Add(10*time.Second)), "newest entries survive the trim")
	assert.False(t, c.check("k0", now.Add(10*time.Second)), "oldest entries are dropped")
}

func TestDedupCachePeriodicTrim(t *testing.T) {
	c := newDedupCache(time.Minute, 0)
	now := testutil.Epoch

	c.check("a", now)
	c.check("b", now.Add(10*time.Second))
	c.check("c", now.Add(2*time.Minute))
	assert.Equal(t, 1, c.len(), "a full-window trim drops expired entries")
}

func TestDedupCacheDisabled(t *testing.T) {
	c := newDedupCache(0, 0)
	assert.False(t, c.check("a", testutil.Epoch))
	assert.False(t, c.check("a", testutil.Epoch))
}

func TestJobRegistryEvictsFinishedJobs(t *testing.T) {
	r := newJobRegistry(2)
	now := testutil.Epoch

	r.start("j1", Request{}, now)
	r.finish("j1", Result{Status: StatusSuccess}, now)
	r.start("j2", Request{}, now.Add(time.Second))
	r.start("j3", Request{}, now.Add(2*time.Second))

	jobs := r.snapshot()
	assert.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)
	assert.Equal(t, StatusRunning, jobs[0].Status)
}
