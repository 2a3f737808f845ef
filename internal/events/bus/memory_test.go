package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdev/labdev/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var received []*Event
	_, err := b.Subscribe("lab.session.running", func(_ context.Context, event *Event) error {
		received = append(received, event)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("lab.session.running", "test", map[string]interface{}{"session_id": "s1"})
	require.NoError(t, b.Publish(context.Background(), "lab.session.running", event))

	require.Len(t, received, 1)
	assert.Equal(t, "s1", received[0].Data["session_id"])
	assert.NotEmpty(t, received[0].ID)
}

func TestMemoryBus_WildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("lab.session.*", func(_ context.Context, event *Event) error {
		subjects = append(subjects, event.Type)
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"lab.session.requested", "lab.session.terminated"} {
		require.NoError(t, b.Publish(context.Background(), subject, NewEvent(subject, "test", nil)))
	}
	// Different token count; must not match.
	require.NoError(t, b.Publish(context.Background(), "lab.other", NewEvent("lab.other", "test", nil)))

	assert.Equal(t, []string{"lab.session.requested", "lab.session.terminated"}, subjects)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("lab.session.running", func(context.Context, *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "lab.session.running", NewEvent("lab.session.running", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "lab.session.running", NewEvent("lab.session.running", "test", nil)))

	assert.Equal(t, 1, count)
	assert.False(t, sub.IsValid())
}

func TestMemoryBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	delivered := false
	_, err := b.Subscribe("x", func(context.Context, *Event) error {
		return fmt.Errorf("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("x", func(context.Context, *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.True(t, delivered)
}

func TestMemoryBus_Close(t *testing.T) {
	b := newTestBus(t)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestSubjectMatches(t *testing.T) {
	assert.True(t, subjectMatches("lab.session.running", "lab.session.running"))
	assert.True(t, subjectMatches("lab.session.*", "lab.session.failed"))
	assert.True(t, subjectMatches("lab.*.running", "lab.session.running"))

	assert.False(t, subjectMatches("lab.session.*", "lab.session"))
	assert.False(t, subjectMatches("lab.session.*", "lab.session.health.editor"))
	assert.False(t, subjectMatches("lab.session.running", "lab.session.failed"))
}
