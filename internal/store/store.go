// Package store 是消息日志的持久化层：按会话对追加消息、推进状态、分页读取历史。
package store

import (
	"context"
	"errors"
	"fmt"

	"o3chat/internal/models"
)

var (
	ErrNotFound = errors.New("message not found")
	ErrStorage  = errors.New("storage failure")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryQuery 描述一页历史：BeforeID 为 0 时取最新一页，否则取该 id 之前更旧的一页。
type HistoryQuery struct {
	BeforeID uint
	Limit    int
}

func (q HistoryQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return q.Limit
}

// Page 内的消息总是按 id 升序（旧到新）。
type Page struct {
	Messages []models.Message
	HasMore  bool
}

// ConversationRow 是重建会话列表所需的最小信息。
type ConversationRow struct {
	OtherID uint
	Last    models.Message
	Unread  int64
}

type MessageStore interface {
	// Append 持久化新消息并回填 ID。若同一发送者的 TempID 已存在，
	// 则把已存在的记录写回 m 并返回 created=false。
	Append(ctx context.Context, m *models.Message) (created bool, err error)
	Get(ctx context.Context, id uint) (*models.Message, error)
	// UpdateStatus 只允许状态前进；回退请求是 no-op，changed=false。
	UpdateStatus(ctx context.Context, id uint, status models.Status) (m *models.Message, changed bool, err error)
	MarkSeen(ctx context.Context, senderID, recipientID, uptoID uint) (int64, error)
	History(ctx context.Context, userA, userB uint, q HistoryQuery) (Page, error)
	Conversations(ctx context.Context, userID uint) ([]ConversationRow, error)
	DeleteConversation(ctx context.Context, userA, userB uint) (int64, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
