package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"o3chat/internal/models"
)

// MemoryStore 是用于测试与本地运行的内存实现，语义与 GormStore 一致。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint
	byID   map[uint]*models.Message
	byTemp map[tempKey]uint
}

type tempKey struct {
	sender uint
	temp   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[uint]*models.Message{}, byTemp: map[tempKey]uint{}}
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	if m.ReplyToID != nil {
		v := *m.ReplyToID
		c.ReplyToID = &v
	}
	if m.TempID != nil {
		v := *m.TempID
		c.TempID = &v
	}
	return &c
}

func (s *MemoryStore) Append(ctx context.Context, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.TempID != nil && *m.TempID == "" {
		m.TempID = nil
	}
	if m.TempID != nil {
		if id, ok := s.byTemp[tempKey{m.SenderID, *m.TempID}]; ok {
			*m = *cloneMessage(s.byID[id])
			return false, nil
		}
	}
	s.nextID++
	m.ID = s.nextID
	m.Status = models.StatusSent
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.byID[m.ID] = cloneMessage(m)
	if m.TempID != nil {
		s.byTemp[tempKey{m.SenderID, *m.TempID}] = m.ID
	}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uint) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uint, status models.Status) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	changed := false
	if status > m.Status {
		m.Status = status
		changed = true
	}
	return cloneMessage(m), changed, nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, senderID, recipientID, uptoID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.byID {
		if id <= uptoID && m.SenderID == senderID && m.RecipientID == recipientID && m.Status < models.StatusSeen {
			m.Status = models.StatusSeen
			n++
		}
	}
	return n, nil
}

func inPair(m *models.Message, a, b uint) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// sortedLocked 返回按 id 升序排列的全部消息，调用方需持有读锁。
func (s *MemoryStore) sortedLocked() []*models.Message {
	out := make([]*models.Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) History(ctx context.Context, userA, userB uint, q HistoryQuery) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := q.limit()
	var matched []models.Message
	for _, m := range s.sortedLocked() {
		if !inPair(m, userA, userB) {
			continue
		}
		if q.BeforeID > 0 && m.ID >= q.BeforeID {
			continue
		}
		matched = append(matched, *cloneMessage(m))
	}
	page := Page{HasMore: len(matched) > limit}
	if page.HasMore {
		matched = matched[len(matched)-limit:]
	}
	page.Messages = matched
	return page, nil
}

func (s *MemoryStore) Conversations(ctx context.Context, userID uint) ([]ConversationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := map[uint]*ConversationRow{}
	var order []uint
	for _, m := range s.sortedLocked() {
		if !m.Involves(userID) {
			continue
		}
		other := m.Counterparty(userID)
		row, ok := rows[other]
		if !ok {
			row = &ConversationRow{OtherID: other}
			rows[other] = row
			order = append(order, other)
		}
		row.Last = *cloneMessage(m)
		if m.RecipientID == userID && m.Status < models.StatusSeen {
			row.Unread++
		}
	}
	out := make([]ConversationRow, 0, len(order))
	for _, id := range order {
		out = append(out, *rows[id])
	}
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, userA, userB uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.byID {
		if !inPair(m, userA, userB) {
			continue
		}
		if m.TempID != nil {
			delete(s.byTemp, tempKey{m.SenderID, *m.TempID})
		}
		delete(s.byID, id)
		n++
	}
	return n, nil
}

// Len 返回当前消息总数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
