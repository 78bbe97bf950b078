package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.convsync/internal/config"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/snowflake"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*config.RemoteConfig)) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.RemoteConfig{
		BaseURL:         server.URL,
		Timeout:         2 * time.Second,
		RetryMaxElapsed: time.Second,
		Breaker: config.BreakerConfig{
			MaxRequests:      1,
			Timeout:          time.Minute,
			FailureThreshold: 3,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	client, err := NewClient(cfg, "secret-token", node)
	require.NoError(t, err)
	return client
}

func TestClient_FetchConversations_Envelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		w.Write([]byte(`{"code":0,"message":"success","data":[{"_id":"c1","members":["a","b"],"unreadCount":3}]}`))
	}, nil)

	convs, err := client.FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	require.NotNil(t, convs[0].UnreadCount.Legacy)
	assert.Equal(t, 3, *convs[0].UnreadCount.Legacy)
}

func TestClient_FetchConversations_RawBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"_id":"c1","unreadCount":{"a":2}}]`))
	}, nil)

	convs, err := client.FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount.PerUser["a"])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var ids []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get(HeaderRequestID))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}, nil)

	convs, err := client.FetchConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, ids[0], ids[2], "retries keep the request id")
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":11002,"message":"bad query"}`))
	}, nil)

	_, err := client.SearchConversation(context.Background(), "x")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, 11002, se.Code)
	assert.Equal(t, "bad query", se.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)

	_, err := client.FetchConversations(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func TestClient_BusinessErrorInEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":13001,"message":"会话不存在","data":null}`))
	}, nil)

	err := client.MarkConversationAsRead(context.Background(), "c1")
	assert.NoError(t, err, "mutations ignore the response body")

	_, err = client.SearchConversation(context.Background(), "x")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 13001, se.Code)
}

func TestClient_SearchConversation_Query(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/search", r.URL.Path)
		assert.Equal(t, "alice smith", r.URL.Query().Get("q"))
		w.Write([]byte(`{"code":0,"data":[{"_id":"c9"}]}`))
	}, nil)

	convs, err := client.SearchConversation(context.Background(), "alice smith")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c9", convs[0].ID)
}

func TestClient_SearchUserByEmail(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		expectedID string
	}{
		{"found", http.StatusOK, `{"code":0,"data":{"_id":"u1","email":"a@b.com","username":"a"}}`, "u1"},
		{"null data", http.StatusOK, `{"code":0,"data":null}`, ""},
		{"missing id", http.StatusOK, `{"code":0,"data":{"message":"not found"}}`, ""},
		{"not found status", http.StatusNotFound, `{"message":"User not found"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/users/search", r.URL.Path)
				assert.Equal(t, "a@b.com", r.URL.Query().Get("email"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, nil)

			user, err := client.SearchUserByEmail(context.Background(), "a@b.com")
			require.NoError(t, err)
			if tt.expectedID == "" {
				assert.Nil(t, user)
				return
			}
			require.NotNil(t, user)
			assert.Equal(t, tt.expectedID, user.ID)
		})
	}
}

func TestClient_Mutations(t *testing.T) {
	var seen []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	require.NoError(t, client.MarkConversationAsRead(context.Background(), "c1"))
	require.NoError(t, client.DeleteConversationForUser(context.Background(), "c1", false))

	assert.Equal(t, []string{
		"PUT /conversations/c1/read?",
		"DELETE /conversations/c1?deleteMessages=false",
	}, seen)
}

func TestClient_MutationsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	err := client.MarkConversationAsRead(context.Background(), "c1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(cfg *config.RemoteConfig) {
		cfg.RetryMaxElapsed = 0
	})

	for i := 0; i < 3; i++ {
		_, err := client.FetchConversations(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, client.State())

	_, err := client.FetchConversations(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	for i := 0; i < 5; i++ {
		_ = client.DeleteConversationForUser(context.Background(), "missing", false)
	}
	assert.Equal(t, gobreaker.StateClosed, client.State())
}
