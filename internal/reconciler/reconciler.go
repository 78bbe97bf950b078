// Package reconciler 把推送事件合并到本地会话集合
package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/store"
	"sudooom.im.convsync/internal/transport"
	"sudooom.im.convsync/internal/workerpool"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/proto"
)

// Refresher 全量会话的拉取和替换
// Fetch 不修改本地集合，Install 在事件处理协程中执行
type Refresher interface {
	Fetch(ctx context.Context) ([]model.Conversation, error)
	Install(convs []model.Conversation)
}

// Outcome 事件处理结果
type Outcome int

const (
	OutcomeApplied   Outcome = iota // 已合并
	OutcomeIgnored                  // 会话不存在或重复
	OutcomeStale                    // 事件时间不晚于本地，丢弃
	OutcomeMalformed                // 载荷不合法
	OutcomeUnknown                  // 未知事件
)

// Err 未合并原因对应的错误，合并成功返回 nil
func (o Outcome) Err() error {
	switch o {
	case OutcomeMalformed:
		return apperrors.ErrMalformedEvent
	default:
		return nil
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Config 配置
type Config struct {
	QueueSize      int           // 事件队列长度
	RefreshTimeout time.Duration // 单次全量刷新超时
}

// Reconciler 事件合并器
// 事件经单 worker 协程池串行处理
type Reconciler struct {
	bus       transport.Bus
	store     *store.Store
	refresher Refresher
	config    Config

	mu      sync.Mutex
	pool    *workerpool.Pool
	unsubs  []transport.Unsubscribe
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	// 刷新期间已合并的事件，替换集合后重放
	jmu        sync.Mutex
	journaling int
	journal    []journalEntry
	refreshing bool // 推送触发的刷新进行中
	dirty      bool // 刷新进行中又收到触发，结束后再刷新一次
	refreshWg  sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

// New 创建事件合并器，refresher 可以为 nil
func New(bus transport.Bus, s *store.Store, refresher Refresher, config Config) *Reconciler {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 15 * time.Second
	}
	return &Reconciler{
		bus:       bus,
		store:     s,
		refresher: refresher,
		config:    config,
		now:       time.Now,
		logger:    slog.Default().With("component", "Reconciler"),
	}
}

// Start 订阅全部推送事件
// 任何一个订阅失败都会释放已获得的订阅
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pool = workerpool.NewSerial(r.config.QueueSize)

	for _, event := range proto.Events {
		unsub, err := r.bus.Subscribe(event, r.enqueue(event))
		if err != nil {
			r.releaseLocked()
			_ = r.pool.Shutdown(context.Background())
			r.pool = nil
			r.cancel()
			return apperrors.ErrTransportClosed.Wrap(err)
		}
		r.unsubs = append(r.unsubs, unsub)
	}

	r.running = true
	r.logger.Info("Reconciler started", "viewerId", r.store.ViewerID(), "events", proto.Events)
	return nil
}

// Stop 取消订阅，等待已入队事件和进行中的刷新结束
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	pool := r.pool
	r.releaseLocked()
	r.mu.Unlock()

	err := pool.Shutdown(ctx)
	r.cancel()
	r.refreshWg.Wait()

	r.logger.Info("Reconciler stopped")
	return err
}

// releaseLocked 释放订阅，调用方持有 r.mu
func (r *Reconciler) releaseLocked() {
	for _, unsub := range r.unsubs {
		if err := unsub(); err != nil {
			r.logger.Warn("Failed to unsubscribe", "error", err)
		}
	}
	r.unsubs = nil
}

func (r *Reconciler) enqueue(event string) transport.Handler {
	return func(data []byte) {
		payload := append([]byte(nil), data...)

		r.mu.Lock()
		pool, ctx := r.pool, r.ctx
		r.mu.Unlock()

		if pool == nil {
			return
		}
		if !pool.Submit(ctx, func() { r.Apply(event, payload) }) {
			r.logger.Warn("Dropped event, reconciler stopping", "event", event)
		}
	}
}

// Apply 同步处理一条事件
func (r *Reconciler) Apply(event string, data []byte) Outcome {
	outcome := r.dispatch(event, data, false)
	if outcome == OutcomeApplied {
		r.record(event, data)
	}
	return outcome
}

func (r *Reconciler) dispatch(event string, data []byte, replay bool) Outcome {
	var outcome Outcome
	switch event {
	case proto.EventMessageReceived:
		outcome = r.applyMessageReceived(data, replay)
	case proto.EventUnreadCountUpdated:
		outcome = r.applyUnreadCountUpdated(data)
	case proto.EventNewConversationCreated:
		outcome = r.applyNewConversation(data)
	default:
		outcome = OutcomeUnknown
	}

	if outcome != OutcomeApplied {
		r.logger.Debug("Event not applied", "event", event, "outcome", outcome.String(), "replay", replay, "error", outcome.Err())
	}
	return outcome
}

func (r *Reconciler) applyMessageReceived(data []byte, replay bool) Outcome {
	var msg proto.MessageReceived
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn("Malformed message event", "error", apperrors.ErrMalformedEvent.Wrap(err))
		return OutcomeMalformed
	}
	if msg.ConversationID == "" || msg.Content == "" {
		return OutcomeMalformed
	}

	conv, ok := r.store.FindByID(msg.ConversationID)
	if !ok {
		return OutcomeIgnored
	}

	// 重复或乱序到达的旧消息不覆盖本地状态
	if !msg.CreatedAt.IsZero() && !msg.CreatedAt.After(conv.UpdatedAt) {
		return OutcomeStale
	}

	updatedAt := msg.CreatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}
	msgType := msg.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}

	r.store.UpsertByID(msg.ConversationID, store.Patch{
		LastMessage:         &msg.Content,
		LastMessageType:     &msgType,
		LastMessageSenderID: &msg.FromUserID,
		UpdatedAt:           &updatedAt,
	})

	// 本地数据可能已过期，已隐藏的会话通过全量刷新恢复
	if _, deleted := conv.DeletedAtFor(r.store.ViewerID()); deleted && !replay {
		r.triggerRefresh(msg.ConversationID)
	}
	return OutcomeApplied
}

func (r *Reconciler) applyUnreadCountUpdated(data []byte) Outcome {
	var evt proto.UnreadCountUpdated
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Warn("Malformed unread event", "error", apperrors.ErrMalformedEvent.Wrap(err))
		return OutcomeMalformed
	}
	if evt.ConversationID == "" || evt.UserID == "" || evt.Count == nil {
		return OutcomeMalformed
	}

	if !r.store.SetUnread(evt.ConversationID, evt.UserID, *evt.Count) {
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (r *Reconciler) applyNewConversation(data []byte) Outcome {
	var evt proto.NewConversationCreated
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Warn("Malformed conversation event", "error", apperrors.ErrMalformedEvent.Wrap(err))
		return OutcomeMalformed
	}
	if evt.Conversation == nil || evt.Conversation.ID == "" {
		return OutcomeMalformed
	}

	if !r.store.InsertIfAbsent(*evt.Conversation) {
		return OutcomeIgnored
	}
	r.logger.Info("Conversation added", "conversationId", evt.Conversation.ID)
	return OutcomeApplied
}

// Refresh 同步全量刷新
// 拉取期间合并的事件在替换集合后重放，不会被旧的拉取结果覆盖
func (r *Reconciler) Refresh(ctx context.Context) error {
	if r.refresher == nil {
		return nil
	}
	r.beginJournal()
	defer r.endJournal()

	convs, err := r.refresher.Fetch(ctx)
	if err != nil {
		return err
	}
	if !r.serial(ctx, func() { r.install(convs) }) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.ErrTransportClosed
	}
	return nil
}

// triggerRefresh 异步全量刷新
// 进行中的刷新结束后会再刷新一次，保证每次触发之后都有一次完整拉取
func (r *Reconciler) triggerRefresh(conversationID string) {
	if r.refresher == nil {
		return
	}

	r.jmu.Lock()
	if r.refreshing {
		r.dirty = true
		r.jmu.Unlock()
		r.logger.Debug("Refresh in flight, scheduled another", "conversationId", conversationID)
		return
	}
	r.refreshing = true
	r.journaling++
	r.jmu.Unlock()

	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	r.refreshWg.Add(1)
	go r.refreshLoop(parent, conversationID)
}

func (r *Reconciler) refreshLoop(parent context.Context, conversationID string) {
	defer r.refreshWg.Done()

	for {
		r.logger.Info("Refreshing conversations for revived conversation", "conversationId", conversationID)

		ctx, cancel := context.WithTimeout(parent, r.config.RefreshTimeout)
		convs, err := r.refresher.Fetch(ctx)
		if err != nil {
			cancel()
			r.logger.Error("Failed to refresh conversations", "conversationId", conversationID, "error", err)
			r.finishRefresh()
			return
		}

		again := false
		ok := r.serial(ctx, func() {
			r.install(convs)
			again = r.takeDirty()
		})
		cancel()
		if !ok {
			r.finishRefresh()
			return
		}
		if !again {
			return
		}
	}
}

// install 替换集合并重放刷新期间的事件，需在事件处理协程中调用
func (r *Reconciler) install(convs []model.Conversation) {
	r.refresher.Install(convs)

	r.jmu.Lock()
	entries := append([]journalEntry(nil), r.journal...)
	r.jmu.Unlock()

	for _, e := range entries {
		r.dispatch(e.event, e.data, true)
	}
	if len(entries) > 0 {
		r.logger.Debug("Replayed events after refresh", "count", len(entries))
	}
}

// takeDirty 没有新的触发时结束本轮刷新并返回 false
func (r *Reconciler) takeDirty() bool {
	r.jmu.Lock()
	defer r.jmu.Unlock()

	if r.dirty {
		r.dirty = false
		return true
	}
	r.refreshing = false
	r.endJournalLocked()
	return false
}

func (r *Reconciler) finishRefresh() {
	r.jmu.Lock()
	defer r.jmu.Unlock()

	r.refreshing = false
	r.dirty = false
	r.endJournalLocked()
}

type journalEntry struct {
	event string
	data  []byte
}

func (r *Reconciler) beginJournal() {
	r.jmu.Lock()
	r.journaling++
	r.jmu.Unlock()
}

func (r *Reconciler) endJournal() {
	r.jmu.Lock()
	r.endJournalLocked()
	r.jmu.Unlock()
}

func (r *Reconciler) endJournalLocked() {
	r.journaling--
	if r.journaling <= 0 {
		r.journaling = 0
		r.journal = nil
	}
}

func (r *Reconciler) record(event string, data []byte) {
	r.jmu.Lock()
	defer r.jmu.Unlock()

	if r.journaling > 0 {
		r.journal = append(r.journal, journalEntry{event: event, data: data})
	}
}

// serial 在事件处理协程中执行 fn 并等待完成，未启动时直接执行
// 等待被取消时，尚未开始的 fn 不再执行
func (r *Reconciler) serial(ctx context.Context, fn func()) bool {
	r.mu.Lock()
	pool, poolCtx := r.pool, r.ctx
	r.mu.Unlock()

	if pool == nil {
		fn()
		return true
	}

	var (
		mu        sync.Mutex
		started   bool
		abandoned bool
	)
	done := make(chan struct{})
	task := func() {
		mu.Lock()
		if abandoned {
			mu.Unlock()
			return
		}
		started = true
		mu.Unlock()

		defer close(done)
		fn()
	}
	if !pool.Submit(ctx, task) {
		return false
	}

	select {
	case <-done:
		return true
	case <-ctx.Done():
	case <-poolCtx.Done():
	}

	mu.Lock()
	if !started {
		abandoned = true
		mu.Unlock()
		return false
	}
	mu.Unlock()
	<-done
	return true
}
