package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/pulse/internal/event"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{
		Endpoint:       srv.URL + "/",
		APIKey:         "pk_test",
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	return c, srv
}

func testBatch() *event.EventBatch {
	return &event.EventBatch{
		SessionID: "s-1",
		VisitorID: "v-1",
		Events:    []event.TrackingEvent{event.NewCustom("signup", nil)},
	}
}

func TestSendEventsSuccess(t *testing.T) {
	var got event.EventBatch
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathEvents, r.URL.Path)
		assert.Equal(t, "pk_test", r.Header.Get(HeaderAPIKey))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{"success":true,"accepted":1,"sessionId":"s-1"}`)
	})

	require.NoError(t, c.SendEvents(context.Background(), testBatch()))
	assert.Equal(t, "s-1", got.SessionID)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "signup", got.Events[0].Name)
}

func TestSendEventsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"success":true,"accepted":1}`)
	})

	require.NoError(t, c.SendEvents(context.Background(), testBatch()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendEventsGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.SendEvents(context.Background(), testBatch())
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadGateway, serr.Code)
	assert.Equal(t, int32(4), calls.Load())
}

func TestSendEventsClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad api key", http.StatusUnauthorized)
	})

	err := c.SendEvents(context.Background(), testBatch())
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Retryable())
	assert.Contains(t, serr.Error(), "bad api key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendEventsRateLimitedIsRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"success":true}`)
	})

	require.NoError(t, c.SendEvents(context.Background(), testBatch()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendEventsRejected(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"success":false,"error":"unknown site"}`)
	})

	err := c.SendEvents(context.Background(), testBatch())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown site")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMalformedResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>oops</html>`)
	})

	err := c.SendEvents(context.Background(), testBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestSendChunk(t *testing.T) {
	var got event.RecordingChunk
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathRecordings, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{"success":true,"chunkIndex":4}`)
	})

	chunk := &event.RecordingChunk{SessionID: "s-1", ChunkIndex: 4, Events: "e30=", Encoding: event.EncodingSnappy, EventCount: 2}
	require.NoError(t, c.SendChunk(context.Background(), chunk))
	assert.Equal(t, 4, got.ChunkIndex)
	assert.Equal(t, event.EncodingSnappy, got.Encoding)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.cfg.RetryBaseDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.SendEvents(ctx, testBatch())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGetJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, PathConfig, r.URL.Path)
		assert.Equal(t, "pk_test", r.Header.Get(HeaderAPIKey))
		io.WriteString(w, `{"value":7}`)
	})

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.GetJSON(context.Background(), PathConfig, &out))
	assert.Equal(t, 7, out.Value)
}

func TestBeaconUsesQueryKey(t *testing.T) {
	type seen struct {
		path, query, header, contentType string
		body                             []byte
	}
	got := make(chan seen, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			path:        r.URL.Path,
			query:       r.URL.Query().Get(QueryAPIKey),
			header:      r.Header.Get(HeaderAPIKey),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
	})

	c.BeaconEvents(testBatch())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	s := <-got
	assert.Equal(t, PathEvents, s.path)
	assert.Equal(t, "pk_test", s.query)
	assert.Empty(t, s.header)
	assert.Contains(t, s.contentType, "text/plain")

	var batch event.EventBatch
	require.NoError(t, json.Unmarshal(s.body, &batch))
	assert.Equal(t, "v-1", batch.VisitorID)
}

func TestBeaconFailureIsSilent(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1", APIKey: "k", Timeout: 200 * time.Millisecond})
	c.BeaconChunk(&event.RecordingChunk{SessionID: "s", IsLast: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, c.Wait(ctx))
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	c.Beacon(PathEvents, map[string]string{"k": "v"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(c.Wait(ctx), context.DeadlineExceeded))
}

func TestLinearBackOffSchedule(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		want []time.Duration
	}{
		{"one second base", time.Second, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{"millisecond base", 250 * time.Millisecond, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 750 * time.Millisecond}},
		{"zero base", 0, []time.Duration{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &linearBackOff{base: tt.base}
			for i, want := range tt.want {
				assert.Equal(t, want, b.NextBackOff(), "retry %d", i+1)
			}
			b.Reset()
			assert.Equal(t, tt.base, b.NextBackOff(), "reset restarts the schedule")
		})
	}
}
