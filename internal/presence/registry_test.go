package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int64
	closed bool
}

func (c *fakeConn) SelfID() int64 { return c.id }
func (c *fakeConn) Closed() bool { return c.closed }

func newConn(id int64) *fakeConn { return &fakeConn{id: id} }

func TestAddRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newConn(111)

	assert.True(t, r.AddBot(111, c))
	assert.False(t, r.AddBot(111, c))
	assert.Equal(t, []int64{111}, r.OnlineBots())

	got, ok := r.Conn(111)
	require.True(t, ok)
	assert.Same(t, c, got)

	r.RemoveBot(111)
	r.RemoveBot(111)
	assert.Empty(t, r.OnlineBots())
	_, ok = r.Conn(111)
	assert.False(t, ok)
}

func TestReleaseIgnoresStaleHandle(t *testing.T) {
	r := NewRegistry()
	old := newConn(111)
	fresh := newConn(111)

	r.AddBot(111, old)
	r.AddBot(111, fresh)

	assert.False(t, r.Release(111, old), "stale connection must not evict the new one")
	assert.True(t, r.IsOnline(111))
	assert.True(t, r.Release(111, fresh))
	assert.False(t, r.IsOnline(111))
}

func TestClosedHandleIsNotOnline(t *testing.T) {
	r := NewRegistry()
	c := newConn(5)
	r.AddBot(5, c)
	c.closed = true

	assert.Empty(t, r.OnlineBots())
	assert.False(t, r.IsOnline(5))
}

func TestInGroup_OptimisticDefault(t *testing.T) {
	r := NewRegistry()
	for _, g := range []int64{1, 42, 987654321} {
		assert.True(t, r.InGroup(111, g), "unknown membership must default to true for group %d", g)
	}

	r.UpdateGroups(111, []int64{42})
	assert.True(t, r.InGroup(111, 42))
	assert.False(t, r.InGroup(111, 1))

	r.UpdateGroups(111, nil)
	assert.True(t, r.HasGroupData(111))
	assert.False(t, r.InGroup(111, 42), "an empty recorded set is exact")

	r.ClearGroups(111)
	assert.False(t, r.HasGroupData(111))
	assert.True(t, r.InGroup(111, 1))
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	r.AddBot(1, newConn(1))
	r.UpdateGroups(1, []int64{30, 10, 20})

	s := r.Snapshot()
	assert.True(t, s.Online[1])
	assert.Equal(t, []int64{10, 20, 30}, s.Groups[1])
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := newConn(id)
			r.AddBot(id, c)
			r.UpdateGroups(id, []int64{id})
			_ = r.InGroup(id, id)
			_ = r.OnlineBots()
			r.Release(id, c)
		}(i)
	}
	wg.Wait()
	assert.Empty(t, r.OnlineBots())
}
