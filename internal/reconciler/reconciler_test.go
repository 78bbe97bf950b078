package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/store"
	"sudooom.im.convsync/internal/transport/memory"
	"sudooom.im.convsync/internal/unread"
	"sudooom.im.convsync/internal/visibility"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/proto"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls atomic.Int32
	done  chan struct{}
	err   error
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{done: make(chan struct{}, 8)}
}

func (f *fakeRefresher) Fetch(ctx context.Context) ([]model.Conversation, error) {
	f.calls.Add(1)
	f.done <- struct{}{}
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeRefresher) Install(convs []model.Conversation) {}

// blockingRefresher 拉取阻塞到测试放行，返回放行时给出的列表
type blockingRefresher struct {
	store     *store.Store
	calls     atomic.Int32
	started   chan struct{}
	release   chan []model.Conversation
	installed chan struct{}
}

func newBlockingRefresher(s *store.Store) *blockingRefresher {
	return &blockingRefresher{
		store:     s,
		started:   make(chan struct{}, 8),
		release:   make(chan []model.Conversation),
		installed: make(chan struct{}, 8),
	}
}

func (b *blockingRefresher) Fetch(ctx context.Context) ([]model.Conversation, error) {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case convs := <-b.release:
		return convs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingRefresher) Install(convs []model.Conversation) {
	b.store.ReplaceAll(convs)
	b.installed <- struct{}{}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newStore() *store.Store {
	s := store.New("me")
	s.ReplaceAll([]model.Conversation{{
		ID:          "c1",
		Members:     []string{"me", "bob"},
		LastMessage: "old",
		UpdatedAt:   base,
		DeletedAt:   map[string]time.Time{"bob": base.Add(-time.Hour)},
		UnreadCount: model.NewUnreadCount(map[string]int{"me": 1, "bob": 3}),
	}})
	return s
}

func countPtr(n int) *int { return &n }

func TestApply_MessageReceived(t *testing.T) {
	s := newStore()
	r := New(memory.NewBus(), s, nil, Config{})

	createdAt := base.Add(time.Minute)
	outcome := r.Apply(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1",
		Content:        "hi there",
		Type:           model.MessageTypeImage,
		FromUserID:     "bob",
		CreatedAt:      createdAt,
	}))
	require.Equal(t, OutcomeApplied, outcome)

	conv, ok := s.FindByID("c1")
	require.True(t, ok)
	assert.Equal(t, "hi there", conv.LastMessage)
	assert.Equal(t, model.MessageTypeImage, conv.LastMessageType)
	assert.Equal(t, "bob", conv.LastMessageSenderID)
	assert.True(t, createdAt.Equal(conv.UpdatedAt))

	// 未出现在事件中的字段保持不变
	assert.Equal(t, []string{"me", "bob"}, conv.Members)
	assert.Equal(t, map[string]int{"me": 1, "bob": 3}, conv.UnreadCount.PerUser)
	assert.Len(t, conv.DeletedAt, 1)
}

func TestApply_MessageReceived_StaleRejected(t *testing.T) {
	s := newStore()
	r := New(memory.NewBus(), s, nil, Config{})

	newer := proto.MessageReceived{ConversationID: "c1", Content: "newer", FromUserID: "bob", CreatedAt: base.Add(2 * time.Minute)}
	older := proto.MessageReceived{ConversationID: "c1", Content: "older", FromUserID: "bob", CreatedAt: base.Add(time.Minute)}

	require.Equal(t, OutcomeApplied, r.Apply(proto.EventMessageReceived, mustJSON(t, newer)))
	assert.Equal(t, OutcomeStale, r.Apply(proto.EventMessageReceived, mustJSON(t, older)))
	assert.Equal(t, OutcomeStale, r.Apply(proto.EventMessageReceived, mustJSON(t, newer)))

	conv, _ := s.FindByID("c1")
	assert.Equal(t, "newer", conv.LastMessage)
}

func TestApply_MessageReceived_Dropped(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Outcome
	}{
		{"not json", []byte(`{`), OutcomeMalformed},
		{"wrong shape", []byte(`[1,2]`), OutcomeMalformed},
		{"missing conversation id", []byte(`{"content":"x"}`), OutcomeMalformed},
		{"missing content", []byte(`{"conversationId":"c1"}`), OutcomeMalformed},
		{"unknown conversation", []byte(`{"conversationId":"nope","content":"x"}`), OutcomeIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			r := New(memory.NewBus(), s, nil, Config{})
			before := s.Snapshot()

			assert.Equal(t, tt.expected, r.Apply(proto.EventMessageReceived, tt.data))
			assert.Equal(t, before, s.Snapshot())
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestApply_MessageReceived_DeletedTriggersRefresh(t *testing.T) {
	s := newStore()
	s.RemoveSoft("c1", "me", base.Add(time.Second))
	refresher := newFakeRefresher()
	r := New(memory.NewBus(), s, refresher, Config{})

	outcome := r.Apply(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1",
		Content:        "ping",
		FromUserID:     "bob",
		CreatedAt:      base.Add(time.Hour),
	}))
	require.Equal(t, OutcomeApplied, outcome)

	select {
	case <-refresher.done:
	case <-time.After(time.Second):
		t.Fatal("refresh was not triggered")
	}
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestApply_MessageReceived_NoRefreshWhenNotDeleted(t *testing.T) {
	refresher := newFakeRefresher()
	r := New(memory.NewBus(), newStore(), refresher, Config{})

	r.Apply(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1",
		Content:        "ping",
		CreatedAt:      base.Add(time.Hour),
	}))
	r.refreshWg.Wait()

	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestApply_UnreadCountUpdated_PerUserIsolation(t *testing.T) {
	s := newStore()
	r := New(memory.NewBus(), s, nil, Config{})

	outcome := r.Apply(proto.EventUnreadCountUpdated, mustJSON(t, proto.UnreadCountUpdated{
		ConversationID: "c1",
		Count:          countPtr(7),
		UserID:         "me",
	}))
	require.Equal(t, OutcomeApplied, outcome)

	conv, _ := s.FindByID("c1")
	assert.Equal(t, 7, unread.Get(&conv, "me"))
	assert.Equal(t, 3, unread.Get(&conv, "bob"))
}

func TestApply_UnreadCountUpdated_Dropped(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Outcome
	}{
		{"count not a number", []byte(`{"conversationId":"c1","count":"7","userId":"me"}`), OutcomeMalformed},
		{"count missing", []byte(`{"conversationId":"c1","userId":"me"}`), OutcomeMalformed},
		{"user missing", []byte(`{"conversationId":"c1","count":2}`), OutcomeMalformed},
		{"unknown conversation", []byte(`{"conversationId":"nope","count":2,"userId":"me"}`), OutcomeIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			r := New(memory.NewBus(), s, nil, Config{})

			assert.Equal(t, tt.expected, r.Apply(proto.EventUnreadCountUpdated, tt.data))
			conv, _ := s.FindByID("c1")
			assert.Equal(t, map[string]int{"me": 1, "bob": 3}, conv.UnreadCount.PerUser)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestApply_NewConversation_Idempotent(t *testing.T) {
	s := newStore()
	r := New(memory.NewBus(), s, nil, Config{})

	data := mustJSON(t, proto.NewConversationCreated{Conversation: &model.Conversation{
		ID:        "c2",
		Members:   []string{"me", "carol"},
		UpdatedAt: base,
	}})

	assert.Equal(t, OutcomeApplied, r.Apply(proto.EventNewConversationCreated, data))
	once := s.Snapshot()
	assert.Equal(t, OutcomeIgnored, r.Apply(proto.EventNewConversationCreated, data))
	assert.Equal(t, once, s.Snapshot())
	assert.Equal(t, 2, s.Len())
}

func TestApply_NewConversation_Malformed(t *testing.T) {
	s := newStore()
	r := New(memory.NewBus(), s, nil, Config{})

	assert.Equal(t, OutcomeMalformed, r.Apply(proto.EventNewConversationCreated, []byte(`{}`)))
	assert.Equal(t, OutcomeMalformed, r.Apply(proto.EventNewConversationCreated, []byte(`{"conversation":{"_id":""}}`)))
	assert.Equal(t, OutcomeUnknown, r.Apply("typing", []byte(`{}`)))
	assert.Equal(t, 1, s.Len())
}

func TestReconciler_StartStop(t *testing.T) {
	bus := memory.NewBus()
	s := newStore()
	r := New(bus, s, nil, Config{QueueSize: 16})

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	for _, event := range proto.Events {
		assert.Equal(t, 1, bus.Subscribers(event))
	}

	bus.Publish(proto.EventUnreadCountUpdated, mustJSON(t, proto.UnreadCountUpdated{
		ConversationID: "c1", Count: countPtr(4), UserID: "bob",
	}))
	bus.Publish(proto.EventMessageReceived, []byte(`garbage`))
	bus.Publish(proto.EventNewConversationCreated, mustJSON(t, proto.NewConversationCreated{
		Conversation: &model.Conversation{ID: "c2", Members: []string{"me", "dan"}},
	}))

	require.NoError(t, r.Stop(context.Background()))
	for _, event := range proto.Events {
		assert.Equal(t, 0, bus.Subscribers(event))
	}

	conv, _ := s.FindByID("c1")
	assert.Equal(t, 4, unread.Get(&conv, "bob"))
	_, ok := s.FindByID("c2")
	assert.True(t, ok)

	// 停止后的事件不再处理
	bus.Publish(proto.EventNewConversationCreated, mustJSON(t, proto.NewConversationCreated{
		Conversation: &model.Conversation{ID: "c3"},
	}))
	_, ok = s.FindByID("c3")
	assert.False(t, ok)
}

func TestReconciler_StartFailsOnClosedBus(t *testing.T) {
	bus := memory.NewBus()
	require.NoError(t, bus.Close())

	r := New(bus, newStore(), nil, Config{})
	err := r.Start(context.Background())
	assert.Error(t, err)
	assert.NoError(t, r.Stop(context.Background()))
}

func TestReconciler_RefreshErrorIsLogged(t *testing.T) {
	s := newStore()
	s.RemoveSoft("c1", "me", base)
	refresher := newFakeRefresher()
	refresher.err = errors.New("offline")
	r := New(memory.NewBus(), s, refresher, Config{})

	r.Apply(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1", Content: "x", CreatedAt: base.Add(time.Hour),
	}))
	r.refreshWg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	conv, _ := s.FindByID("c1")
	assert.Equal(t, "x", conv.LastMessage)

	// 失败的刷新结束后，新的触发重新拉取
	r.Apply(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1", Content: "y", CreatedAt: base.Add(2 * time.Hour),
	}))
	r.refreshWg.Wait()
	assert.Equal(t, int32(2), refresher.calls.Load())
}

// hiddenDirect 当前用户已删除的单聊
func hiddenDirect(id, other string) model.Conversation {
	return model.Conversation{
		ID:          id,
		Members:     []string{"me", other},
		UpdatedAt:   base,
		DeletedAt:   map[string]time.Time{"me": base.Add(time.Second)},
		UnreadCount: model.NewUnreadCount(map[string]int{}),
	}
}

func TestReconciler_RevivalDuringRefreshSurvives(t *testing.T) {
	serverList := func() []model.Conversation {
		return []model.Conversation{hiddenDirect("x", "bob"), hiddenDirect("y", "carol")}
	}
	s := store.New("me")
	s.ReplaceAll(serverList())
	refresher := newBlockingRefresher(s)
	bus := memory.NewBus()
	r := New(bus, s, refresher, Config{QueueSize: 16})
	require.NoError(t, r.Start(context.Background()))

	bus.Publish(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "x", Content: "hi x", FromUserID: "bob", CreatedAt: base.Add(time.Minute),
	}))
	waitSignal(t, refresher.started)

	// 第一次刷新还在拉取时 y 也收到消息
	bus.Publish(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "y", Content: "hi y", FromUserID: "carol", CreatedAt: base.Add(2 * time.Minute),
	}))
	require.Eventually(t, func() bool {
		conv, _ := s.FindByID("y")
		return conv.LastMessage == "hi y"
	}, time.Second, 5*time.Millisecond)

	// 两次拉取都返回收到消息之前的列表
	refresher.release <- serverList()
	waitSignal(t, refresher.installed)
	waitSignal(t, refresher.started)
	refresher.release <- serverList()
	waitSignal(t, refresher.installed)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, int32(2), refresher.calls.Load(), "a trigger during a refresh schedules one more")

	for id, content := range map[string]string{"x": "hi x", "y": "hi y"} {
		conv, ok := s.FindByID(id)
		require.True(t, ok)
		assert.Equal(t, content, conv.LastMessage, "conversation %s", id)
		assert.True(t, visibility.Visible(&conv, "me"), "conversation %s", id)
	}
}

func TestReconciler_RefreshReplaysEventsDuringFetch(t *testing.T) {
	s := store.New("me")
	s.ReplaceAll([]model.Conversation{{ID: "c1", Members: []string{"me", "bob"}, UpdatedAt: base}})
	refresher := newBlockingRefresher(s)
	bus := memory.NewBus()
	r := New(bus, s, refresher, Config{QueueSize: 16})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Refresh(context.Background()) }()
	waitSignal(t, refresher.started)

	bus.Publish(proto.EventNewConversationCreated, mustJSON(t, proto.NewConversationCreated{
		Conversation: &model.Conversation{ID: "c2", Members: []string{"me", "dan"}, UpdatedAt: base},
	}))
	bus.Publish(proto.EventMessageReceived, mustJSON(t, proto.MessageReceived{
		ConversationID: "c1", Content: "during fetch", FromUserID: "bob", CreatedAt: base.Add(time.Minute),
	}))
	require.Eventually(t, func() bool {
		conv, _ := s.FindByID("c1")
		return conv.LastMessage == "during fetch"
	}, time.Second, 5*time.Millisecond)

	refresher.release <- []model.Conversation{{ID: "c1", Members: []string{"me", "bob"}, LastMessage: "server", UpdatedAt: base}}
	require.NoError(t, <-errCh)

	conv, ok := s.FindByID("c1")
	require.True(t, ok)
	assert.Equal(t, "during fetch", conv.LastMessage)
	_, ok = s.FindByID("c2")
	assert.True(t, ok)
	assert.Equal(t, int32(1), refresher.calls.Load())

	r.jmu.Lock()
	assert.Empty(t, r.journal)
	r.jmu.Unlock()
}

func TestReconciler_RefreshAfterStop(t *testing.T) {
	s := newStore()
	refresher := newBlockingRefresher(s)
	r := New(memory.NewBus(), s, refresher, Config{})
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	go func() { refresher.release <- nil }()
	err := r.Refresh(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportClosed))
	assert.Equal(t, 1, s.Len())
}

func TestOutcome_Err(t *testing.T) {
	assert.True(t, apperrors.Is(OutcomeMalformed.Err(), apperrors.ErrMalformedEvent))
	assert.NoError(t, OutcomeApplied.Err())
	assert.NoError(t, OutcomeStale.Err())
}
