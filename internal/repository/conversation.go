package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.convsync/internal/model"
	apperrors "sudooom.im.convsync/pkg/errors"
)

// Schema 会话相关表结构
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	nickname   TEXT NOT NULL DEFAULT '',
	avatar     TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	gender     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS conversations (
	id                     TEXT PRIMARY KEY,
	is_group               BOOLEAN NOT NULL DEFAULT FALSE,
	name                   TEXT NOT NULL DEFAULT '',
	avatar                 TEXT NOT NULL DEFAULT '',
	last_message           TEXT NOT NULL DEFAULT '',
	last_message_type      TEXT NOT NULL DEFAULT 'text',
	last_message_sender_id TEXT NOT NULL DEFAULT '',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deactivated_at         TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS conversation_deletions (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	deleted_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS conversation_unreads (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	count           INT NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, user_id)
);
`

// ConversationRepository 直连数据库的会话数据源，以 viewerID 的视角读写
type ConversationRepository struct {
	db       *pgxpool.Pool
	viewerID string
	now      func() time.Time
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *pgxpool.Pool, viewerID string) *ConversationRepository {
	return &ConversationRepository{db: db, viewerID: viewerID, now: time.Now}
}

// EnsureSchema 建表
func (r *ConversationRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

// FetchConversations 当前用户参与的全部会话
func (r *ConversationRepository) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	query := `
		SELECT c.id, c.is_group, c.name, c.avatar, c.last_message, c.last_message_type,
		       c.last_message_sender_id, c.updated_at, c.deactivated_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.updated_at DESC
	`
	convs, err := r.queryConversations(ctx, query, r.viewerID)
	return convs, dbError(err)
}

// SearchConversation 按群名或其他成员的用户名、昵称模糊搜索
func (r *ConversationRepository) SearchConversation(ctx context.Context, text string) ([]model.Conversation, error) {
	query := `
		SELECT c.id, c.is_group, c.name, c.avatar, c.last_message, c.last_message_type,
		       c.last_message_sender_id, c.updated_at, c.deactivated_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		  AND (
		    c.name ILIKE $2
		    OR EXISTS (
		      SELECT 1 FROM conversation_members om
		      JOIN users u ON u.id = om.user_id
		      WHERE om.conversation_id = c.id AND om.user_id <> $1
		        AND (u.username ILIKE $2 OR u.nickname ILIKE $2)
		    )
		  )
		ORDER BY c.updated_at DESC
	`
	convs, err := r.queryConversations(ctx, query, r.viewerID, "%"+escapeLike(text)+"%")
	return convs, dbError(err)
}

// SearchUserByEmail 按邮箱精确查找用户，不存在返回 nil
func (r *ConversationRepository) SearchUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `
		SELECT id, username, nickname, avatar, email, gender
		FROM users WHERE LOWER(email) = LOWER($1)
		LIMIT 1
	`
	user := &model.User{}
	err := r.db.QueryRow(ctx, query, strings.TrimSpace(email)).Scan(
		&user.ID,
		&user.Username,
		&user.Nickname,
		&user.Avatar,
		&user.Email,
		&user.Gender,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbError(err)
	}
	return user, nil
}

// MarkConversationAsRead 当前用户的未读数清零
func (r *ConversationRepository) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	return dbError(pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := r.requireMember(ctx, tx, conversationID); err != nil {
			return err
		}
		query := `
			INSERT INTO conversation_unreads (conversation_id, user_id, count)
			VALUES ($1, $2, 0)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET count = 0
		`
		_, err := tx.Exec(ctx, query, conversationID, r.viewerID)
		return err
	}))
}

// DeleteConversationForUser 为当前用户打上删除标记
// deleteMessages 为 true 时同时清空该用户的未读数
func (r *ConversationRepository) DeleteConversationForUser(ctx context.Context, conversationID string, deleteMessages bool) error {
	return dbError(pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := r.requireMember(ctx, tx, conversationID); err != nil {
			return err
		}
		query := `
			INSERT INTO conversation_deletions (conversation_id, user_id, deleted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET deleted_at = EXCLUDED.deleted_at
		`
		if _, err := tx.Exec(ctx, query, conversationID, r.viewerID, r.now().UTC()); err != nil {
			return err
		}
		if deleteMessages {
			_, err := tx.Exec(ctx,
				`DELETE FROM conversation_unreads WHERE conversation_id = $1 AND user_id = $2`,
				conversationID, r.viewerID)
			return err
		}
		return nil
	}))
}

func (r *ConversationRepository) requireMember(ctx context.Context, tx pgx.Tx, conversationID string) error {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`
	if err := tx.QueryRow(ctx, query, conversationID, r.viewerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperrors.ErrConversationNotFound
	}
	return nil
}

// queryConversations 查询会话行，再批量补齐成员、删除标记和未读数
func (r *ConversationRepository) queryConversations(ctx context.Context, query string, args ...any) ([]model.Conversation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		var conv model.Conversation
		var msgType string
		if err := rows.Scan(
			&conv.ID,
			&conv.IsGroup,
			&conv.Name,
			&conv.Avatar,
			&conv.LastMessage,
			&msgType,
			&conv.LastMessageSenderID,
			&conv.UpdatedAt,
			&conv.DeactivatedAt,
		); err != nil {
			return nil, err
		}
		conv.LastMessageType = model.MessageType(msgType)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}

	d := newDetails()
	if err := r.loadMembers(ctx, ids, d); err != nil {
		return nil, err
	}
	if err := r.loadDeletions(ctx, ids, d); err != nil {
		return nil, err
	}
	if err := r.loadUnreads(ctx, ids, d); err != nil {
		return nil, err
	}
	d.apply(convs)
	return convs, nil
}

func (r *ConversationRepository) loadMembers(ctx context.Context, ids []string, d *details) error {
	query := `
		SELECT m.conversation_id, m.user_id,
		       COALESCE(u.username, ''), COALESCE(u.nickname, ''), COALESCE(u.avatar, ''),
		       COALESCE(u.email, ''), COALESCE(u.gender, ''), u.id IS NOT NULL
		FROM conversation_members m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ANY($1)
		ORDER BY m.conversation_id, m.user_id
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var convID string
		var user model.User
		var known bool
		if err := rows.Scan(&convID, &user.ID, &user.Username, &user.Nickname, &user.Avatar, &user.Email, &user.Gender, &known); err != nil {
			return err
		}
		d.members[convID] = append(d.members[convID], user.ID)
		if known {
			d.previews[convID] = append(d.previews[convID], user)
		}
	}
	return rows.Err()
}

func (r *ConversationRepository) loadDeletions(ctx context.Context, ids []string, d *details) error {
	query := `SELECT conversation_id, user_id, deleted_at FROM conversation_deletions WHERE conversation_id = ANY($1)`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		var at time.Time
		if err := rows.Scan(&convID, &userID, &at); err != nil {
			return err
		}
		if d.deletions[convID] == nil {
			d.deletions[convID] = make(map[string]time.Time)
		}
		d.deletions[convID][userID] = at
	}
	return rows.Err()
}

func (r *ConversationRepository) loadUnreads(ctx context.Context, ids []string, d *details) error {
	query := `SELECT conversation_id, user_id, count FROM conversation_unreads WHERE conversation_id = ANY($1)`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		var count int
		if err := rows.Scan(&convID, &userID, &count); err != nil {
			return err
		}
		if d.unreads[convID] == nil {
			d.unreads[convID] = make(map[string]int)
		}
		d.unreads[convID][userID] = count
	}
	return rows.Err()
}

// details 按会话 ID 分组的附属数据
type details struct {
	members   map[string][]string
	previews  map[string][]model.User
	deletions map[string]map[string]time.Time
	unreads   map[string]map[string]int
}

func newDetails() *details {
	return &details{
		members:   make(map[string][]string),
		previews:  make(map[string][]model.User),
		deletions: make(map[string]map[string]time.Time),
		unreads:   make(map[string]map[string]int),
	}
}

func (d *details) apply(convs []model.Conversation) {
	for i := range convs {
		id := convs[i].ID
		convs[i].Members = d.members[id]
		if convs[i].Members == nil {
			convs[i].Members = []string{}
		}
		convs[i].MemberPreviews = d.previews[id]
		convs[i].DeletedAt = d.deletions[id]
		unread := d.unreads[id]
		if unread == nil {
			unread = make(map[string]int)
		}
		convs[i].UnreadCount = model.NewUnreadCount(unread)
	}
}

// dbError 业务错误原样返回，其余包装为数据库错误
func dbError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ErrDBError.Wrap(err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
