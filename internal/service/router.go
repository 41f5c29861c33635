package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"o3chat/internal/config"
	"o3chat/internal/metrics"
	"o3chat/internal/models"
	"o3chat/internal/protocol"
	"o3chat/internal/session"
	"o3chat/internal/store"

	"github.com/rs/zerolog/log"
)

const maxTempIDLen = 128

type handlerFunc func(ctx context.Context, c session.Conn, in *protocol.Inbound) error

// Router 是投递核心：按帧类型分发，负责持久化、状态推进与扇出。
// 回复只写回发起请求的连接；推送通过 Registry 找到目标用户的全部连接。
type Router struct {
	store    store.MessageStore
	registry *session.Registry
	chats    *ChatList
	cfg      config.RouterConfig
	gate     *writeGate
	handlers map[string]handlerFunc
}

func NewRouter(s store.MessageStore, registry *session.Registry, chats *ChatList, cfg config.RouterConfig) *Router {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = store.DefaultHistoryLimit
	}
	if cfg.MaxTextRunes <= 0 {
		cfg.MaxTextRunes = 4096
	}
	if cfg.StorageCallTimeout <= 0 {
		cfg.StorageCallTimeout = 5 * time.Second
	}
	r := &Router{
		store:    s,
		registry: registry,
		chats:    chats,
		cfg:      cfg,
		gate:     newWriteGate(cfg.FailureThreshold, cfg.DegradedCooldown),
	}
	r.handlers = map[string]handlerFunc{
		protocol.TypeSend:            r.handleSend,
		protocol.TypeDelivered:       r.handleDelivered,
		protocol.TypeSeen:            r.handleSeen,
		protocol.TypeLoadChatHistory: r.handleLoadHistory,
		protocol.TypeLoadChats:       r.handleLoadChats,
		protocol.TypeDeleteChat:      r.handleDeleteChat,
	}
	return r
}

// Dispatch 处理一个已解码的入站帧。返回的错误由连接层转换为 error 帧。
func (r *Router) Dispatch(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	h, ok := r.handlers[in.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrProtocol, in.Type)
	}
	metrics.WsFramesIn.WithLabelValues(in.Type).Inc()
	return h(ctx, c, in)
}

// Degraded 报告当前是否因存储连续失败而拒绝新消息。
func (r *Router) Degraded() bool { return !r.gate.allow() }

func (r *Router) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StorageCallTimeout)
}

func (r *Router) validateSend(sender uint, in *protocol.Inbound) (*models.Message, error) {
	if in.ToID == 0 {
		return nil, fmt.Errorf("%w: to_id is required", ErrValidation)
	}
	if in.ToID == sender {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	var text, image string
	if in.Message != nil {
		text = *in.Message
	}
	if in.Image != nil {
		image = strings.TrimSpace(*in.Image)
	}
	if strings.TrimSpace(text) == "" && image == "" {
		return nil, fmt.Errorf("%w: message or image is required", ErrValidation)
	}
	if utf8.RuneCountInString(text) > r.cfg.MaxTextRunes {
		return nil, fmt.Errorf("%w: message too long", ErrValidation)
	}
	if image != "" {
		u, err := url.Parse(image)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: image must be an http(s) url", ErrValidation)
		}
	}
	if len(in.TempID) > maxTempIDLen {
		return nil, fmt.Errorf("%w: temp_id too long", ErrValidation)
	}
	m := &models.Message{
		SenderID:    sender,
		RecipientID: in.ToID,
		Text:        text,
		ImageURL:    image,
		ReplyToID:   in.ReplyID,
	}
	if in.TempID != "" {
		tid := in.TempID
		m.TempID = &tid
	}
	return m, nil
}

func (r *Router) handleSend(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	sender := c.UserID()
	m, err := r.validateSend(sender, in)
	if err != nil {
		return err
	}
	if !r.gate.allow() {
		return ErrStorageUnavailable
	}

	var reply *models.Message
	if m.ReplyToID != nil {
		reply, err = r.lookup(ctx, *m.ReplyToID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: reply_id does not exist", ErrValidation)
		}
		if err != nil {
			return err
		}
		if !reply.Involves(sender) || !reply.Involves(m.RecipientID) {
			return fmt.Errorf("%w: reply_id belongs to another conversation", ErrValidation)
		}
	}

	sctx, cancel := r.storageCtx(ctx)
	created, err := r.store.Append(sctx, m)
	cancel()
	if err != nil {
		r.gate.failure()
		metrics.StorageFailures.WithLabelValues("append").Inc()
		return fmt.Errorf("persist message: %w", err)
	}
	r.gate.success()

	c.Send(protocol.Encode(protocol.NewAck(in.TempID, m)))
	if !created {
		metrics.MessagesReplayed.Inc()
		log.Debug().Uint("user_id", sender).Uint("chat_id", m.ID).Str("temp_id", in.TempID).Msg("replayed send")
		return nil
	}
	metrics.MessagesPersisted.Inc()

	frame := protocol.NewMessageFrame(m, reply)
	// 发送者的其他设备需要 temp_id 做对账，接收方不需要。
	r.registry.Broadcast(sender, protocol.Encode(frame), c)
	frame.TempID = ""
	delivered := r.registry.Broadcast(m.RecipientID, protocol.Encode(frame), nil)

	log.Debug().Uint("user_id", sender).Uint("to_id", m.RecipientID).Uint("chat_id", m.ID).Int("pushed", delivered).Msg("message routed")
	r.chats.ApplyMessage(ctx, m)
	return nil
}

func (r *Router) lookup(ctx context.Context, id uint) (*models.Message, error) {
	sctx, cancel := r.storageCtx(ctx)
	defer cancel()
	return r.store.Get(sctx, id)
}

// advance 校验 actor 是消息接收方，然后把状态向前推进。
// 未知消息只记录日志。changed=false 表示状态未发生变化（重复或回退）。
func (r *Router) advance(ctx context.Context, actor, chatID uint, status models.Status) (*models.Message, bool, error) {
	if chatID == 0 {
		return nil, false, fmt.Errorf("%w: chat_id is required", ErrValidation)
	}
	m, err := r.lookup(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		log.Info().Uint("user_id", actor).Uint("chat_id", chatID).Msg("status update for unknown message")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if m.RecipientID != actor {
		return nil, false, fmt.Errorf("%w: message is not addressed to you", ErrForbidden)
	}
	sctx, cancel := r.storageCtx(ctx)
	updated, changed, err := r.store.UpdateStatus(sctx, chatID, status)
	cancel()
	if errors.Is(err, ErrNotFound) {
		// 读取后被 delete_chat 删除
		return nil, false, nil
	}
	if err != nil {
		metrics.StorageFailures.WithLabelValues("update_status").Inc()
		return nil, false, err
	}
	if changed {
		metrics.StatusUpdates.WithLabelValues(fmt.Sprint(int(status))).Inc()
	}
	return updated, changed, nil
}

func (r *Router) handleDelivered(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	actor := c.UserID()
	m, changed, err := r.advance(ctx, actor, in.ChatID, models.StatusDelivered)
	if err != nil || m == nil || !changed {
		return err
	}
	r.registry.Broadcast(m.SenderID, protocol.Encode(protocol.Delivered{
		Type: protocol.TypeDelivered, ChatID: m.ID, DeliveredTo: actor, FromID: m.SenderID,
	}), nil)
	r.chats.ApplyStatus(ctx, m, actor)
	return nil
}

func (r *Router) handleSeen(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	actor := c.UserID()
	m, changed, err := r.advance(ctx, actor, in.ChatID, models.StatusSeen)
	if err != nil || m == nil {
		return err
	}
	// 看到某条消息意味着之前的消息也都已读
	sctx, cancel := r.storageCtx(ctx)
	marked, err := r.store.MarkSeen(sctx, m.SenderID, actor, m.ID)
	cancel()
	if err != nil {
		metrics.StorageFailures.WithLabelValues("mark_seen").Inc()
		log.Error().Err(err).Uint("user_id", actor).Uint("chat_id", m.ID).Msg("mark earlier messages seen")
	}
	if !changed && marked == 0 {
		return nil
	}
	r.registry.Broadcast(m.SenderID, protocol.Encode(protocol.Seen{
		Type: protocol.TypeSeen, ChatID: m.ID, SeenBy: actor, FromID: m.SenderID,
	}), nil)
	r.chats.ApplyStatus(ctx, m, actor)
	return nil
}

func (r *Router) handleLoadHistory(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	frame, err := r.History(ctx, c.UserID(), in.OtherID, in.BeforeID, in.Limit)
	if err != nil {
		return err
	}
	c.Send(protocol.Encode(frame))
	return nil
}

// History 读取请求者与 otherID 之间的一页历史。查询条件本身限定了请求者必须是会话一方。
func (r *Router) History(ctx context.Context, requester, otherID, beforeID uint, limit int) (protocol.ChatHistory, error) {
	if otherID == 0 || otherID == requester {
		return protocol.ChatHistory{}, fmt.Errorf("%w: other_id is invalid", ErrValidation)
	}
	if limit <= 0 {
		limit = r.cfg.HistoryPageSize
	}
	sctx, cancel := r.storageCtx(ctx)
	page, err := r.store.History(sctx, requester, otherID, store.HistoryQuery{BeforeID: beforeID, Limit: limit})
	cancel()
	if err != nil {
		metrics.StorageFailures.WithLabelValues("history").Inc()
		return protocol.ChatHistory{}, err
	}

	byID := make(map[uint]*models.Message, len(page.Messages))
	for i := range page.Messages {
		byID[page.Messages[i].ID] = &page.Messages[i]
	}
	chats := make([]protocol.MessageFrame, 0, len(page.Messages))
	for i := range page.Messages {
		m := &page.Messages[i]
		var reply *models.Message
		if m.ReplyToID != nil {
			reply = byID[*m.ReplyToID]
			if reply == nil {
				if got, err := r.lookup(ctx, *m.ReplyToID); err == nil {
					reply = got
					byID[got.ID] = got
				}
			}
		}
		f := protocol.NewMessageFrame(m, reply)
		if m.SenderID != requester {
			f.TempID = ""
		}
		chats = append(chats, f)
	}
	return protocol.ChatHistory{Type: protocol.TypeChatHistory, OtherID: otherID, Chats: chats, HasMore: page.HasMore}, nil
}

func (r *Router) handleLoadChats(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	list, err := r.chats.Snapshot(ctx, c.UserID(), in.SearchText)
	if err != nil {
		metrics.StorageFailures.WithLabelValues("conversations").Inc()
		return err
	}
	c.Send(protocol.Encode(protocol.ChatList{Type: protocol.TypeChatList, ChatList: list}))
	return nil
}

func (r *Router) handleDeleteChat(ctx context.Context, c session.Conn, in *protocol.Inbound) error {
	_, err := r.DeleteChat(ctx, c.UserID(), in.OtherID)
	return err
}

// DeleteChat 删除会话对的全部消息。只通知请求者的连接，对方视图静默失效。
func (r *Router) DeleteChat(ctx context.Context, requester, otherID uint) (int64, error) {
	if otherID == 0 || otherID == requester {
		return 0, fmt.Errorf("%w: other_id is invalid", ErrValidation)
	}
	sctx, cancel := r.storageCtx(ctx)
	n, err := r.store.DeleteConversation(sctx, requester, otherID)
	cancel()
	if err != nil {
		metrics.StorageFailures.WithLabelValues("delete_conversation").Inc()
		return 0, err
	}
	log.Info().Uint("user_id", requester).Uint("other_id", otherID).Int64("deleted", n).Msg("chat deleted")

	r.chats.Invalidate(otherID)
	r.chats.Invalidate(requester)
	// HTTP 入口的请求者可能没有在线连接
	if !r.registry.IsOnline(requester) {
		return n, nil
	}
	r.registry.Broadcast(requester, protocol.Encode(protocol.ChatHistory{
		Type: protocol.TypeChatHistory, OtherID: otherID, Chats: []protocol.MessageFrame{},
	}), nil)
	r.chats.Push(ctx, requester)
	return n, nil
}

// writeGate 在连续 threshold 次写失败后拒绝新消息 cooldown 时长，之后放行试探。
type writeGate struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func newWriteGate(threshold int, cooldown time.Duration) *writeGate {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &writeGate{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (g *writeGate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openUntil.IsZero() || !g.now().Before(g.openUntil)
}

func (g *writeGate) success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	if !g.openUntil.IsZero() {
		g.openUntil = time.Time{}
		metrics.StorageDegraded.Set(0)
		log.Info().Msg("message store recovered, accepting sends")
	}
}

func (g *writeGate) failure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.threshold {
		g.openUntil = g.now().Add(g.cooldown)
		metrics.StorageDegraded.Set(1)
		log.Warn().Int("failures", g.failures).Dur("cooldown", g.cooldown).Msg("message store failing, rejecting sends")
	}
}
