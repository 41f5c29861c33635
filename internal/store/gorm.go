package store

import (
	"context"
	"errors"
	"time"

	"o3chat/internal/models"

	"gorm.io/gorm"
)

const pairClause = "((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))"

// GormStore 是基于 GORM 的 MessageStore，生产用 Postgres，本地与测试用 SQLite。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, m *models.Message) (bool, error) {
	if m.TempID != nil && *m.TempID == "" {
		m.TempID = nil
	}
	if m.TempID != nil {
		existing, err := s.findByTempID(ctx, m.SenderID, *m.TempID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			*m = *existing
			return false, nil
		}
	}

	m.ID = 0
	m.Status = models.StatusSent
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		// 同一发送者的两个连接并发重放同一个 temp_id
		if errors.Is(err, gorm.ErrDuplicatedKey) && m.TempID != nil {
			existing, lerr := s.findByTempID(ctx, m.SenderID, *m.TempID)
			if lerr == nil && existing != nil {
				*m = *existing
				return false, nil
			}
		}
		return false, storageErr("append message", err)
	}
	return true, nil
}

func (s *GormStore) findByTempID(ctx context.Context, senderID uint, tempID string) (*models.Message, error) {
	var existing models.Message
	err := s.db.WithContext(ctx).Where("sender_id = ? AND temp_id = ?", senderID, tempID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("lookup temp id", err)
	}
	return &existing, nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).Take(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get message", err)
	}
	return &m, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id uint, status models.Status) (*models.Message, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status < ?", id, status).
		Update("status", status)
	if res.Error != nil {
		return nil, false, storageErr("update status", res.Error)
	}
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, res.RowsAffected > 0, nil
}

func (s *GormStore) MarkSeen(ctx context.Context, senderID, recipientID, uptoID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND recipient_id = ? AND id <= ? AND status < ?", senderID, recipientID, uptoID, models.StatusSeen).
		Update("status", models.StatusSeen)
	if res.Error != nil {
		return 0, storageErr("mark seen", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) History(ctx context.Context, userA, userB uint, q HistoryQuery) (Page, error) {
	limit := q.limit()
	tx := s.db.WithContext(ctx).Where(pairClause, userA, userB, userB, userA)
	if q.BeforeID > 0 {
		tx = tx.Where("id < ?", q.BeforeID)
	}
	var msgs []models.Message
	if err := tx.Order("id desc").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return Page{}, storageErr("load history", err)
	}
	page := Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs
	return page, nil
}

func (s *GormStore) Conversations(ctx context.Context, userID uint) ([]ConversationRow, error) {
	var lasts []struct {
		OtherID uint
		LastID  uint
	}
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS other_id, MAX(id) AS last_id", userID).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Group("other_id").
		Scan(&lasts).Error
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	if len(lasts) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(lasts))
	for _, l := range lasts {
		ids = append(ids, l.LastID)
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error; err != nil {
		return nil, storageErr("load last messages", err)
	}
	byID := make(map[uint]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var unread []struct {
		SenderID uint
		Unread   int64
	}
	err = s.db.WithContext(ctx).Model(&models.Message{}).
		Select("sender_id, COUNT(*) AS unread").
		Where("recipient_id = ? AND status < ?", userID, models.StatusSeen).
		Group("sender_id").
		Scan(&unread).Error
	if err != nil {
		return nil, storageErr("count unread", err)
	}
	unreadBy := make(map[uint]int64, len(unread))
	for _, u := range unread {
		unreadBy[u.SenderID] = u.Unread
	}

	out := make([]ConversationRow, 0, len(lasts))
	for _, l := range lasts {
		m, ok := byID[l.LastID]
		if !ok {
			continue
		}
		out = append(out, ConversationRow{OtherID: l.OtherID, Last: m, Unread: unreadBy[l.OtherID]})
	}
	return out, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, userA, userB uint) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(pairClause, userA, userB, userB, userA).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, storageErr("delete conversation", err)
	}
	return deleted, nil
}
