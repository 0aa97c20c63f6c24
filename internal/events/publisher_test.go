package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

func TestSubject(t *testing.T) {
	ev := model.SessionEvent{ConversationID: "42", State: model.SessionDone}
	assert.Equal(t, "ragchat.42.session.done", Subject(ev))
}

func TestMemory(t *testing.T) {
	var m Memory
	require.NoError(t, m.Publish(context.Background(), model.SessionEvent{SessionID: "a"}))
	require.NoError(t, m.Publish(context.Background(), model.SessionEvent{SessionID: "b"}))

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].SessionID)

	assert.NoError(t, Nop{}.Publish(context.Background(), model.SessionEvent{}))
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := Connect(ctx, NATSConfig{URL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestNATSPublisher_IsConnectedWithoutConnection(t *testing.T) {
	var p NATSPublisher
	assert.False(t, p.IsConnected())
	p.Close()
}
