package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/qbot/internal/bus"
)

func publish(deps *Deps, name string, data map[string]any) {
	deps.Bus.Publish(context.Background(), bus.Event{Name: name, Data: data, Source: "test"})
}

func received(groupID, userID, messageID int64, text string) map[string]any {
	return map[string]any{
		"group_id":    groupID,
		"user_id":     userID,
		"message_id":  messageID,
		"raw_message": text,
	}
}

func unrecalled(t *testing.T, deps *Deps, groupID int64) []int64 {
	t.Helper()
	ids, err := deps.Stores.Messages.Unrecalled(context.Background(), groupID, 0)
	require.NoError(t, err)
	return ids
}

func TestArchiveStoresMessages(t *testing.T) {
	deps := newDeps(t)
	a := NewArchive(deps)
	load(t, a, nil)

	publish(deps, bus.EventMessageReceived, received(group, someone, 1, "hello"))
	publish(deps, bus.EventMessageSent, received(group, botA, 2, "reply"))
	publish(deps, bus.EventMessageReceived, received(0, someone, 3, "private"))
	publish(deps, bus.EventMessageReceived, received(group, someone, 0, "no id"))

	require.Eventually(t, func() bool {
		return len(unrecalled(t, deps, group)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2, 1}, unrecalled(t, deps, group))
	assert.Empty(t, unrecalled(t, deps, 0), "private messages are off by default")

	publish(deps, bus.EventMessageRecalled, map[string]any{"group_id": group, "user_id": someone, "message_id": int64(1)})
	require.Eventually(t, func() bool {
		ids := unrecalled(t, deps, group)
		return len(ids) == 1 && ids[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestArchiveFilters(t *testing.T) {
	deps := newDeps(t)
	a := NewArchive(deps)
	load(t, a, map[string]any{"groups": []any{float64(group)}, "save_private": true})

	publish(deps, bus.EventMessageReceived, received(1, someone, 10, "elsewhere"))
	publish(deps, bus.EventMessageReceived, received(0, someone, 11, "private"))
	publish(deps, bus.EventMessageReceived, received(group, someone, 12, "here"))

	require.Eventually(t, func() bool {
		return len(unrecalled(t, deps, group)) == 1 && len(unrecalled(t, deps, 0)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, unrecalled(t, deps, 1))
}

func TestArchiveDrainsOnUnload(t *testing.T) {
	deps := newDeps(t)
	a := NewArchive(deps)
	require.NoError(t, a.OnLoad(context.Background(), nil))

	for i := int64(1); i <= 20; i++ {
		publish(deps, bus.EventMessageReceived, received(group, someone, i, "burst"))
	}
	require.NoError(t, a.OnUnload(context.Background()))
	assert.Len(t, unrecalled(t, deps, group), 20)

	publish(deps, bus.EventMessageReceived, received(group, someone, 99, "after unload"))
	assert.Len(t, unrecalled(t, deps, group), 20)
}

func TestArchiveDisabled(t *testing.T) {
	deps := newDeps(t)
	a := NewArchive(deps)
	load(t, a, nil)
	a.SetEnabled(false)

	publish(deps, bus.EventMessageReceived, received(group, someone, 1, "ignored"))
	a.SetEnabled(true)
	publish(deps, bus.EventMessageReceived, received(group, someone, 2, "kept"))

	require.Eventually(t, func() bool {
		return len(unrecalled(t, deps, group)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2}, unrecalled(t, deps, group))
}

func TestArchiveNeverAnswers(t *testing.T) {
	deps := newDeps(t)
	a := NewArchive(deps)
	load(t, a, nil)
	ok, err := a.CanHandle(context.Background(), "x", groupMsg("x", someone, newFakeConn(botA)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveNeedsStore(t *testing.T) {
	a := NewArchive(&Deps{})
	assert.Error(t, a.OnLoad(context.Background(), nil))
}
