package service

import (
	"context"
	"sort"
	"strings"
	"sync"

	"o3chat/internal/models"
	"o3chat/internal/protocol"
	"o3chat/internal/session"
	"o3chat/internal/store"

	"github.com/rs/zerolog/log"
)

// ChatList 为在线用户维护会话列表的物化视图。
// 视图只存在于内存，离线即丢弃，重新上线时从消息存储重建。
type ChatList struct {
	store        store.MessageStore
	profiles     ProfileSource
	registry     *session.Registry
	previewRunes int

	mu    sync.Mutex
	views map[uint]*userView
}

type userView struct {
	mu     sync.Mutex
	loaded bool
	// watermark 是加载时已计入视图的最大消息 ID，之后到达的事件只有超过它才计入未读数。
	watermark uint
	rows      map[uint]*convRow
}

type convRow struct {
	last   models.Message
	unread int
}

func NewChatList(s store.MessageStore, profiles ProfileSource, registry *session.Registry, previewRunes int) *ChatList {
	if previewRunes <= 0 {
		previewRunes = 60
	}
	return &ChatList{
		store:        s,
		profiles:     profiles,
		registry:     registry,
		previewRunes: previewRunes,
		views:        make(map[uint]*userView),
	}
}

// view 返回用户的视图。只有在线用户的视图会驻留；离线用户得到一次性的临时视图。
// 在线检查与插入都在 c.mu 内，detach 先注销再 Forget，因此不会留下离线用户的视图。
func (c *ChatList) view(userID uint) *userView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.views[userID]; v != nil {
		return v
	}
	v := &userView{}
	if c.registry.IsOnline(userID) {
		c.views[userID] = v
	}
	return v
}

// loadLocked 从存储重建视图，调用方持有 v.mu。只持有单个用户的锁，不影响其他用户。
func (c *ChatList) loadLocked(ctx context.Context, userID uint, v *userView) error {
	if v.loaded {
		return nil
	}
	rows, err := c.store.Conversations(ctx, userID)
	if err != nil {
		return err
	}
	v.rows = make(map[uint]*convRow, len(rows))
	v.watermark = 0
	for _, r := range rows {
		v.rows[r.OtherID] = &convRow{last: r.Last, unread: int(r.Unread)}
		if r.Last.ID > v.watermark {
			v.watermark = r.Last.ID
		}
	}
	v.loaded = true
	return nil
}

// ApplyMessage 把新持久化的消息计入双方视图，并把新列表推给双方的全部连接。
func (c *ChatList) ApplyMessage(ctx context.Context, m *models.Message) {
	for _, userID := range []uint{m.SenderID, m.RecipientID} {
		if !c.registry.IsOnline(userID) {
			continue
		}
		v := c.view(userID)
		v.mu.Lock()
		fresh := !v.loaded
		err := c.loadLocked(ctx, userID, v)
		if err == nil && !fresh {
			applyMessageLocked(v, userID, m)
		}
		v.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Uint("user_id", userID).Msg("chat list rebuild")
			continue
		}
		c.Push(ctx, userID)
	}
}

func applyMessageLocked(v *userView, userID uint, m *models.Message) {
	other := m.Counterparty(userID)
	row := v.rows[other]
	if row == nil {
		row = &convRow{}
		v.rows[other] = row
	}
	if m.ID > row.last.ID {
		row.last = *m
	}
	if m.RecipientID == userID && m.Status < models.StatusSeen && m.ID > v.watermark {
		row.unread++
	}
}

// ApplyStatus 更新状态图标；actor 发出 seen 时其未读数只保留晚于该消息的部分。
func (c *ChatList) ApplyStatus(ctx context.Context, m *models.Message, actor uint) {
	for _, userID := range []uint{m.SenderID, m.RecipientID} {
		if !c.registry.IsOnline(userID) {
			continue
		}
		v := c.view(userID)
		v.mu.Lock()
		err := c.loadLocked(ctx, userID, v)
		if err == nil {
			if row := v.rows[m.Counterparty(userID)]; row != nil {
				if row.last.ID == m.ID && m.Status > row.last.Status {
					row.last.Status = m.Status
				}
				if userID == actor && m.Status == models.StatusSeen {
					if m.ID >= row.last.ID {
						row.unread = 0
					} else {
						// 之后还有消息，只有 id ≤ m.ID 的被标记为已读，按存储重算
						v.loaded = false
						err = c.loadLocked(ctx, userID, v)
					}
				}
			}
		}
		v.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Uint("user_id", userID).Msg("chat list rebuild")
			continue
		}
		c.Push(ctx, userID)
	}
}

// Invalidate 丢弃已加载的视图内容，下次访问时重建，但不推送。
func (c *ChatList) Invalidate(userID uint) {
	c.mu.Lock()
	v := c.views[userID]
	c.mu.Unlock()
	if v == nil {
		return
	}
	v.mu.Lock()
	v.loaded = false
	v.rows = nil
	v.mu.Unlock()
}

// Forget 在用户下线后释放其视图。
func (c *ChatList) Forget(userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, userID)
}

// Views 返回当前驻留内存的视图数量。
func (c *ChatList) Views() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.views)
}

type rowSnapshot struct {
	otherID uint
	last    models.Message
	unread  int
}

// Snapshot 返回按最近活跃排序的会话列表，search 非空时按对方名称做不区分大小写的包含匹配。
func (c *ChatList) Snapshot(ctx context.Context, userID uint, search string) ([]protocol.ConversationSummary, error) {
	v := c.view(userID)
	v.mu.Lock()
	if err := c.loadLocked(ctx, userID, v); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	rows := make([]rowSnapshot, 0, len(v.rows))
	for other, r := range v.rows {
		rows = append(rows, rowSnapshot{otherID: other, last: r.last, unread: r.unread})
	}
	v.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].last, rows[j].last
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.otherID)
	}
	profiles, err := c.profiles.Profiles(ctx, ids)
	if err != nil {
		// 展示字段缺失不影响列表本身
		log.Warn().Err(err).Uint("user_id", userID).Msg("chat list profiles")
	}

	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]protocol.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		p := profiles[r.otherID]
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		out = append(out, protocol.ConversationSummary{
			OtherID:     r.otherID,
			Name:        p.Name,
			Avatar:      p.Avatar,
			Bio:         p.Bio,
			LastMessage: preview(r.last.Text, c.previewRunes),
			LastImage:   r.last.ImageURL != "",
			LastID:      r.last.ID,
			DateTime:    r.last.CreatedAt.UTC(),
			UnreadCount: r.unread,
			StatusID:    int(r.last.Status),
			Outgoing:    r.last.SenderID == userID,
		})
	}
	return out, nil
}

// Push 把完整列表推给该用户的全部连接，用户离线时什么也不做。
func (c *ChatList) Push(ctx context.Context, userID uint) {
	if !c.registry.IsOnline(userID) {
		return
	}
	list, err := c.Snapshot(ctx, userID, "")
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("chat list push")
		return
	}
	c.registry.Broadcast(userID, protocol.Encode(protocol.ChatList{Type: protocol.TypeChatList, ChatList: list}), nil)
}

func preview(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
