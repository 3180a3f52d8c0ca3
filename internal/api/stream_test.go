package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) dial(t *testing.T, id uuid.UUID, owner string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/api/tasks/" + id.String() + "/stream?access_token=" + e.token(t, owner)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStream_FollowsTaskUntilCompletion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.createTask(t, "owner-1", `{"task_type":"wait"}`)
	env.waitForStatus(t, id, domain.TaskStatusRunning)

	conn, _, err := env.dial(t, id, "owner-1")
	require.NoError(t, err)

	snapshot := readMessage(t, conn)
	assert.Equal(t, MessageSnapshot, snapshot.Type)
	require.NotNil(t, snapshot.Task)
	assert.Equal(t, domain.TaskStatusRunning, snapshot.Task.Status)
	assert.Equal(t, 1, env.hub.Subscribers(id))

	close(env.release)

	var final *events.TaskEvent
	for final == nil {
		msg := readMessage(t, conn)
		require.Equal(t, MessageEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, id, msg.Event.TaskID)
		if msg.Event.Type == events.TaskStatusChanged && msg.Event.Status.IsTerminal() {
			final = msg.Event
		}
	}
	assert.Equal(t, domain.TaskStatusCompleted, final.Status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	assert.Eventually(t, func() bool { return env.hub.Subscribers(id) == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestStream_TerminalTaskSendsSnapshotOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.createTask(t, "owner-1", `{"task_type":"echo","request":{"a":1}}`)
	env.waitForStatus(t, id, domain.TaskStatusCompleted)

	conn, _, err := env.dial(t, id, "owner-1")
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageSnapshot, msg.Type)
	assert.JSONEq(t, `{"a":1}`, string(msg.Task.Result))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestStream_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.createTask(t, "owner-1", `{"task_type":"wait"}`)

	_, resp, err := env.dial(t, id, "owner-2")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.hub.Subscribers(id))
}

func TestHub_DropsEventsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(logger.Discard())
	id := uuid.New()
	sub, unsubscribe := hub.subscribe(id)

	ev := &events.TaskEvent{ID: uuid.New(), Type: events.TaskProgress, TaskID: id}
	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, hub.HandleEvent(context.Background(), ev))
	}
	assert.Len(t, sub.ch, subscriberBuffer)

	// Events for other tasks are not delivered.
	require.NoError(t, hub.HandleEvent(context.Background(), &events.TaskEvent{TaskID: uuid.New()}))
	assert.Len(t, sub.ch, subscriberBuffer)

	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers(id))
	require.NoError(t, hub.HandleEvent(context.Background(), ev))
}
