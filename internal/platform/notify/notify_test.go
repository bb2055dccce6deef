package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := domain.Job{ID: "42", WebhookURL: srv.URL, CSRFToken: "tok"}
	err := NewWebhook(time.Second).Notify(context.Background(), job, domain.EventJobReceived, map[string]string{"received_time": "now"})
	require.NoError(t, err)

	assert.Equal(t, "job_received", got["event"])
	assert.Equal(t, "42", got["job_id"])
	assert.Equal(t, "tok", got["__csrf_token"])
	assert.Equal(t, map[string]any{"received_time": "now"}, got["data"])
}

func TestWebhookSkipsJobsWithoutURL(t *testing.T) {
	assert.NoError(t, NewWebhook(time.Second).Notify(context.Background(), domain.Job{ID: "1"}, domain.EventGradingResult, nil))
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWebhook(time.Second).Notify(context.Background(), domain.Job{ID: "1", WebhookURL: srv.URL}, domain.EventGradingResult, nil)
	assert.ErrorContains(t, err, "403")
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublishesKeyedEvent(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}

	job := domain.Job{ID: "7", CSRFToken: "secret"}
	require.NoError(t, k.Notify(context.Background(), job, domain.EventGradingResult, map[string]bool{"succeeded": true}))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "7", string(msg.Key))
	assert.Equal(t, "grading_result", string(msg.Headers[0].Value))
	assert.NotContains(t, string(msg.Value), "secret")

	require.NoError(t, Multi{k}.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafka(nil, "events")
	assert.Error(t, err)
	_, err = NewKafka([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestRedisBroadcasterPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "grader:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	b := NewRedisBroadcaster(client, "grader:events")
	require.NoError(t, b.Notify(ctx, domain.Job{ID: "9"}, domain.EventJobReceived, nil))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, domain.JobID("9"), ev.JobID)
		assert.Equal(t, "job_received", ev.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

type notifierFunc func(ctx context.Context, job domain.Job, event string, data any) error

func (f notifierFunc) Notify(ctx context.Context, job domain.Job, event string, data any) error {
	return f(ctx, job, event, data)
}

func TestMultiContinuesPastFailures(t *testing.T) {
	var calls int
	failing := notifierFunc(func(context.Context, domain.Job, string, any) error {
		calls++
		return errors.New("down")
	})
	ok := notifierFunc(func(context.Context, domain.Job, string, any) error {
		calls++
		return nil
	})

	err := Multi{failing, ok}.Notify(context.Background(), domain.Job{ID: "1"}, domain.EventGradingResult, nil)
	assert.EqualError(t, err, "down")
	assert.Equal(t, 2, calls)
}

func TestBestEffortLogsFailure(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := notifierFunc(func(context.Context, domain.Job, string, any) error { return io.ErrUnexpectedEOF })

	BestEffort(context.Background(), failing, logger, domain.Job{ID: "1"}, domain.EventJobReceived, nil)
	assert.Contains(t, buf.String(), "Failed to deliver job event")
	BestEffort(context.Background(), nil, logger, domain.Job{ID: "1"}, domain.EventJobReceived, nil)
}
