// Package protocol 定义 WebSocket 上交换的 JSON 帧。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"o3chat/internal/models"
)

// 入站帧类型
const (
	TypeSend            = "send"
	TypeDelivered       = "delivered"
	TypeSeen            = "seen"
	TypeLoadChatHistory = "load_chat_history"
	TypeLoadChats       = "load_chats"
	TypeDeleteChat      = "delete_chat"
)

// 出站帧类型
const (
	TypeMessage     = "message"
	TypeAck         = "ack"
	TypeChatHistory = "chat_history"
	TypeChatList    = "chat_list"
	TypeError       = "error"
)

// 错误码
const (
	CodeValidation         = "validation_error"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeDeliveryFailed     = "delivery_failed"
	CodeStorageUnavailable = "storage_unavailable"
	CodeProtocol           = "protocol_error"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

var ErrMalformed = errors.New("malformed frame")

// Inbound 合并了全部入站帧的字段，由 Type 区分。
type Inbound struct {
	Type       string  `json:"type"`
	ToID       uint    `json:"to_id,omitempty"`
	Message    *string `json:"message,omitempty"`
	Image      *string `json:"image,omitempty"`
	ReplyID    *uint   `json:"reply_id,omitempty"`
	TempID     string  `json:"temp_id,omitempty"`
	ChatID     uint    `json:"chat_id,omitempty"`
	OtherID    uint    `json:"other_id,omitempty"`
	BeforeID   uint    `json:"before_id,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	SearchText string  `json:"searchText,omitempty"`
}

// Decode 只做语法层面的校验：JSON 可解析且 type 已知。业务校验由 Router 完成。
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch in.Type {
	case TypeSend, TypeDelivered, TypeSeen, TypeLoadChatHistory, TypeLoadChats, TypeDeleteChat:
		return &in, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, in.Type)
	}
}

type Reply struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
	FromID  uint   `json:"from_id"`
}

type MessageFrame struct {
	Type     string    `json:"type"`
	ID       uint      `json:"id"`
	FromID   uint      `json:"from_id"`
	ToID     uint      `json:"to_id"`
	Message  string    `json:"message,omitempty"`
	Image    string    `json:"image,omitempty"`
	DateTime time.Time `json:"date_time"`
	StatusID int       `json:"status_id"`
	ReplyID  *uint     `json:"reply_id,omitempty"`
	Reply    *Reply    `json:"reply,omitempty"`
	TempID   string    `json:"temp_id,omitempty"`
}

// NewMessageFrame 把持久化后的消息转换为出站帧；reply 为被回复的消息，可为 nil。
func NewMessageFrame(m *models.Message, reply *models.Message) MessageFrame {
	f := MessageFrame{
		Type:     TypeMessage,
		ID:       m.ID,
		FromID:   m.SenderID,
		ToID:     m.RecipientID,
		Message:  m.Text,
		Image:    m.ImageURL,
		DateTime: m.CreatedAt.UTC(),
		StatusID: int(m.Status),
		ReplyID:  m.ReplyToID,
	}
	if m.TempID != nil {
		f.TempID = *m.TempID
	}
	if reply != nil {
		f.Reply = &Reply{Message: reply.Text, Image: reply.ImageURL, FromID: reply.SenderID}
	}
	return f
}

type Ack struct {
	Type     string `json:"type"`
	TempID   string `json:"temp_id"`
	ChatID   uint   `json:"chat_id"`
	StatusID int    `json:"status_id"`
}

func NewAck(tempID string, m *models.Message) Ack {
	return Ack{Type: TypeAck, TempID: tempID, ChatID: m.ID, StatusID: int(m.Status)}
}

// Delivered 通知原发送者消息已送达接收方设备。
type Delivered struct {
	Type        string `json:"type"`
	ChatID      uint   `json:"chat_id"`
	DeliveredTo uint   `json:"delivered_to"`
	FromID      uint   `json:"from_id"`
}

type Seen struct {
	Type   string `json:"type"`
	ChatID uint   `json:"chat_id"`
	SeenBy uint   `json:"seen_by"`
	FromID uint   `json:"from_id"`
}

type ChatHistory struct {
	Type    string         `json:"type"`
	OtherID uint           `json:"other_id"`
	Chats   []MessageFrame `json:"chats"`
	HasMore bool           `json:"has_more"`
}

type ConversationSummary struct {
	OtherID     uint      `json:"other_id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	LastMessage string    `json:"last_message"`
	LastImage   bool      `json:"last_image"`
	LastID      uint      `json:"last_id"`
	DateTime    time.Time `json:"date_time"`
	UnreadCount int       `json:"unread_count"`
	StatusID    int       `json:"status_id"`
	Outgoing    bool      `json:"outgoing"`
}

type ChatList struct {
	Type     string                `json:"type"`
	ChatList []ConversationSummary `json:"chatList"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"temp_id,omitempty"`
}

func NewError(code, msg, tempID string) Error {
	return Error{Type: TypeError, Code: code, Message: msg, TempID: tempID}
}

// Encode 序列化出站帧。出站结构都是本包内的固定类型，失败意味着编程错误。
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(NewError(CodeInternal, "encode failed", ""))
	}
	return b
}
