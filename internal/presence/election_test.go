package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestElect_GroupMembership(t *testing.T) {
	const group = int64(5000)
	priority := []int64{111, 222}

	r := NewRegistry()
	r.AddBot(111, newConn(111))
	r.AddBot(222, newConn(222))
	r.UpdateGroups(111, []int64{group})
	r.UpdateGroups(222, []int64{9999})

	leader, ok := r.Elect(priority, group)
	assert.True(t, ok)
	assert.Equal(t, int64(111), leader)

	r.RemoveBot(111)
	_, ok = r.Elect(priority, group)
	assert.False(t, ok, "222 is online but not a member, so nobody leads")

	r.UpdateGroups(222, []int64{group})
	leader, ok = r.Elect(priority, group)
	assert.True(t, ok)
	assert.Equal(t, int64(222), leader)
}

func TestElect_PrivateConversation(t *testing.T) {
	r := NewRegistry()
	r.AddBot(222, newConn(222))
	r.UpdateGroups(222, nil)

	leader, ok := r.Elect([]int64{111, 222}, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(222), leader)
}

func TestShouldRespond(t *testing.T) {
	r := NewRegistry()
	r.AddBot(111, newConn(111))
	r.AddBot(222, newConn(222))
	priority := []int64{111, 222}

	tests := []struct {
		name  string
		self  int64
		group int64
		want  bool
	}{
		{"leader responds", 111, 1, true},
		{"follower suppressed", 222, 1, false},
		{"unlisted bot always responds", 333, 1, true},
		{"private leader", 111, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ShouldRespond(tt.self, priority, tt.group))
		})
	}
}

func TestShouldRespond_NoCandidate(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.ShouldRespond(111, []int64{111}, 1), "self offline means no leader")
}

// Exactly one listed bot believes it should respond whenever a leader exists,
// and none does when no candidate qualifies.
func TestElect_AtMostOneResponder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bots := rapid.SliceOfNDistinct(rapid.Int64Range(1, 50), 1, 6, rapid.ID[int64]).Draw(t, "bots")
		group := rapid.Int64Range(1, 5).Draw(t, "group")

		r := NewRegistry()
		for i, id := range bots {
			if rapid.Bool().Draw(t, "online") {
				r.AddBot(id, newConn(id))
			}
			switch rapid.IntRange(0, 2).Draw(t, "membership") {
			case 1:
				r.UpdateGroups(id, []int64{group})
			case 2:
				r.UpdateGroups(id, []int64{group + int64(i) + 100})
			}
		}

		responders := 0
		for _, id := range bots {
			if r.ShouldRespond(id, bots, group) {
				responders++
			}
		}
		leader, ok := r.Elect(bots, group)
		if ok {
			if responders != 1 {
				t.Fatalf("leader %d elected but %d responders", leader, responders)
			}
		} else if responders != 0 {
			t.Fatalf("no leader but %d responders", responders)
		}
	})
}
