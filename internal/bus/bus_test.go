package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_OrderAndIsolation(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe("ping", "first", func(_ context.Context, e Event) error {
		got = append(got, "first")
		return errors.New("boom")
	})
	b.Subscribe("ping", "second", func(_ context.Context, e Event) error {
		got = append(got, "second")
		panic("handler exploded")
	})
	b.Subscribe("ping", "third", func(_ context.Context, e Event) error {
		got = append(got, "third")
		return nil
	})

	b.Emit(context.Background(), "ping", map[string]any{"n": 1}, "")

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPublish_FillsDefaults(t *testing.T) {
	b := New()
	var seen Event
	b.Subscribe("x", "probe", func(_ context.Context, e Event) error {
		seen = e
		return nil
	})

	b.Publish(context.Background(), Event{Name: "x"})

	assert.NotEmpty(t, seen.ID)
	assert.Equal(t, SourceSystem, seen.Source)
	assert.False(t, seen.Time.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	h := func(context.Context, Event) error { calls++; return nil }

	b.Subscribe("x", "a", h)
	b.Subscribe("x", "b", h)
	b.Unsubscribe("x", "a")
	b.Unsubscribe("x", "missing")
	b.Unsubscribe("nope", "a")

	require.Equal(t, []string{"b"}, b.Listeners("x"))
	b.Emit(context.Background(), "x", nil, "test")
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("x", "self", func(context.Context, Event) error {
		calls++
		b.Unsubscribe("x", "self")
		return nil
	})
	b.Subscribe("x", "other", func(context.Context, Event) error {
		calls++
		return nil
	})

	b.Emit(context.Background(), "x", nil, "")
	b.Emit(context.Background(), "x", nil, "")

	assert.Equal(t, 3, calls)
}

func TestClear(t *testing.T) {
	b := New()
	b.Subscribe("x", "a", func(context.Context, Event) error { return nil })
	b.Clear()
	assert.Empty(t, b.Listeners("x"))
}
