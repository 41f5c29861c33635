package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"o3chat/internal/config"
	"o3chat/internal/models"
	"o3chat/internal/protocol"
	"o3chat/internal/session"
	"o3chat/internal/store"
)

type fakeConn struct {
	id     string
	userID uint
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) ID() string   { return f.id }
func (f *fakeConn) UserID() uint { return f.userID }
func (f *fakeConn) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, b)
	return true
}

// ofType 返回某类型的全部帧
func (f *fakeConn) ofType(typ string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, b := range f.frames {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &head) == nil && head.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func lastOf[T any](t *testing.T, c *fakeConn, typ string) T {
	t.Helper()
	var v T
	frames := c.ofType(typ)
	if len(frames) == 0 {
		t.Fatalf("conn %s received no %q frame", c.id, typ)
	}
	if err := json.Unmarshal(frames[len(frames)-1], &v); err != nil {
		t.Fatalf("decode %q: %v", typ, err)
	}
	return v
}

type staticProfiles map[uint]Profile

func (p staticProfiles) Profiles(_ context.Context, ids []uint) (map[uint]Profile, error) {
	out := make(map[uint]Profile, len(ids))
	for _, id := range ids {
		if v, ok := p[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// faultyStore 在 failing 置位时让 Append 返回存储错误。
type faultyStore struct {
	store.MessageStore
	failing atomic.Bool
}

func (s *faultyStore) Append(ctx context.Context, m *models.Message) (bool, error) {
	if s.failing.Load() {
		return false, fmt.Errorf("append: %w: connection refused", store.ErrStorage)
	}
	return s.MessageStore.Append(ctx, m)
}

const (
	alice uint = 1
	bob   uint = 2
	carol uint = 3
)

type fixture struct {
	mem      *store.MemoryStore
	faulty   *faultyStore
	registry *session.Registry
	chats    *ChatList
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	faulty := &faultyStore{MessageStore: mem}
	reg := session.NewRegistry()
	profiles := staticProfiles{
		alice: {ID: alice, Name: "Alice"},
		bob:   {ID: bob, Name: "Bob"},
		carol: {ID: carol, Name: "Carol"},
	}
	chats := NewChatList(faulty, profiles, reg, 60)
	cfg := config.Default().Router
	return &fixture{mem: mem, faulty: faulty, registry: reg, chats: chats, router: NewRouter(faulty, reg, chats, cfg)}
}

func (f *fixture) connect(userID uint, id string) *fakeConn {
	c := &fakeConn{id: id, userID: userID}
	if f.registry.Register(userID, c) {
		f.chats.Invalidate(userID)
	}
	return c
}

func textFrame(to uint, text, temp string) *protocol.Inbound {
	return &protocol.Inbound{Type: protocol.TypeSend, ToID: to, Message: &text, TempID: temp}
}

func TestRouter_SendAcksAndPushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := f.connect(alice, "phone")
	laptop := f.connect(alice, "laptop")
	bobConn := f.connect(bob, "bob")

	if err := f.router.Dispatch(ctx, phone, textFrame(bob, "hello", "t1")); err != nil {
		t.Fatalf("Dispatch(send) error = %v", err)
	}

	ack := lastOf[protocol.Ack](t, phone, protocol.TypeAck)
	if ack.TempID != "t1" || ack.ChatID == 0 || ack.StatusID != int(models.StatusSent) {
		t.Errorf("ack = %+v", ack)
	}
	if n := len(phone.ofType(protocol.TypeMessage)); n != 0 {
		t.Errorf("sending connection got %d message frames, want 0", n)
	}

	mirror := lastOf[protocol.MessageFrame](t, laptop, protocol.TypeMessage)
	if mirror.TempID != "t1" || mirror.ID != ack.ChatID {
		t.Errorf("sender's other device frame = %+v", mirror)
	}

	got := lastOf[protocol.MessageFrame](t, bobConn, protocol.TypeMessage)
	if got.ID != ack.ChatID || got.FromID != alice || got.ToID != bob || got.Message != "hello" {
		t.Errorf("recipient frame = %+v", got)
	}
	if got.TempID != "" {
		t.Errorf("recipient frame carries temp_id %q", got.TempID)
	}

	list := lastOf[protocol.ChatList](t, bobConn, protocol.TypeChatList)
	if len(list.ChatList) != 1 || list.ChatList[0].OtherID != alice || list.ChatList[0].UnreadCount != 1 {
		t.Errorf("bob chat list = %+v", list.ChatList)
	}
	if list.ChatList[0].Name != "Alice" {
		t.Errorf("chat list name = %q, want Alice", list.ChatList[0].Name)
	}
}

func TestRouter_SendReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := f.connect(alice, "phone")
	bobConn := f.connect(bob, "bob")

	for i := 0; i < 3; i++ {
		if err := f.router.Dispatch(ctx, phone, textFrame(bob, "once", "retry-1")); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if f.mem.Len() != 1 {
		t.Errorf("stored messages = %d, want 1", f.mem.Len())
	}
	acks := phone.ofType(protocol.TypeAck)
	if len(acks) != 3 {
		t.Fatalf("acks = %d, want 3", len(acks))
	}
	var first protocol.Ack
	_ = json.Unmarshal(acks[0], &first)
	for _, b := range acks[1:] {
		var a protocol.Ack
		_ = json.Unmarshal(b, &a)
		if a.ChatID != first.ChatID {
			t.Errorf("replay ack chat_id = %d, want %d", a.ChatID, first.ChatID)
		}
	}
	if n := len(bobConn.ofType(protocol.TypeMessage)); n != 1 {
		t.Errorf("recipient got %d message frames, want 1", n)
	}
}

func TestRouter_SendValidation(t *testing.T) {
	long := strings.Repeat("a", config.Default().Router.MaxTextRunes+1)
	badImage := "ftp://example.com/x.png"
	blank := "   "
	missingReply := uint(999)

	tests := []struct {
		name string
		in   *protocol.Inbound
	}{
		{"missing recipient", textFrame(0, "hi", "")},
		{"to self", textFrame(alice, "hi", "")},
		{"no content", &protocol.Inbound{Type: protocol.TypeSend, ToID: bob}},
		{"whitespace only", &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Message: &blank}},
		{"text too long", textFrame(bob, long, "")},
		{"image not http", &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Image: &badImage}},
		{"temp id too long", textFrame(bob, "hi", strings.Repeat("x", maxTempIDLen+1))},
		{"unknown reply", &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Message: strPtr("hi"), ReplyID: &missingReply}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.connect(alice, "a")
			err := f.router.Dispatch(context.Background(), c, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Dispatch() error = %v, want ErrValidation", err)
			}
			if f.mem.Len() != 0 {
				t.Errorf("stored messages = %d, want 0", f.mem.Len())
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestRouter_ImageOnlyMessage(t *testing.T) {
	f := newFixture(t)
	c := f.connect(alice, "a")
	bobConn := f.connect(bob, "b")
	img := "https://cdn.example.com/images/cat.png"

	err := f.router.Dispatch(context.Background(), c, &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Image: &img})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got := lastOf[protocol.MessageFrame](t, bobConn, protocol.TypeMessage)
	if got.Image != img || got.Message != "" {
		t.Errorf("frame = %+v", got)
	}
	list := lastOf[protocol.ChatList](t, bobConn, protocol.TypeChatList)
	if len(list.ChatList) != 1 || !list.ChatList[0].LastImage {
		t.Errorf("chat list = %+v, want last_image", list.ChatList)
	}
}

func TestRouter_ReplyMustBelongToPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	bobConn := f.connect(bob, "b")

	if err := f.router.Dispatch(ctx, a, textFrame(carol, "to carol", "")); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Dispatch(ctx, a, textFrame(bob, "to bob", "")); err != nil {
		t.Fatal(err)
	}
	acks := a.ofType(protocol.TypeAck)
	var carolMsg, bobMsg protocol.Ack
	_ = json.Unmarshal(acks[0], &carolMsg)
	_ = json.Unmarshal(acks[1], &bobMsg)

	foreign := &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Message: strPtr("re"), ReplyID: &carolMsg.ChatID}
	if err := f.router.Dispatch(ctx, a, foreign); !errors.Is(err, ErrValidation) {
		t.Errorf("reply to another conversation: error = %v, want ErrValidation", err)
	}

	own := &protocol.Inbound{Type: protocol.TypeSend, ToID: bob, Message: strPtr("re"), ReplyID: &bobMsg.ChatID}
	if err := f.router.Dispatch(ctx, a, own); err != nil {
		t.Fatalf("reply in same conversation: %v", err)
	}
	got := lastOf[protocol.MessageFrame](t, bobConn, protocol.TypeMessage)
	if got.Reply == nil || got.Reply.Message != "to bob" || got.Reply.FromID != alice {
		t.Errorf("reply preview = %+v", got.Reply)
	}
}

func TestRouter_PreservesSendOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	bobConn := f.connect(bob, "b")

	const n = 20
	for i := 0; i < n; i++ {
		if err := f.router.Dispatch(ctx, a, textFrame(bob, fmt.Sprintf("m%02d", i), fmt.Sprintf("t%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	frames := bobConn.ofType(protocol.TypeMessage)
	if len(frames) != n {
		t.Fatalf("recipient frames = %d, want %d", len(frames), n)
	}
	var prev uint
	for i, b := range frames {
		var m protocol.MessageFrame
		_ = json.Unmarshal(b, &m)
		if m.Message != fmt.Sprintf("m%02d", i) {
			t.Errorf("frame %d = %q", i, m.Message)
		}
		if m.ID <= prev {
			t.Errorf("frame %d id %d not after %d", i, m.ID, prev)
		}
		prev = m.ID
	}

	page, err := f.router.History(ctx, bob, alice, 0, n)
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range page.Chats {
		if m.Message != fmt.Sprintf("m%02d", i) {
			t.Errorf("history[%d] = %q", i, m.Message)
		}
	}
}

func TestRouter_StatusIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	b := f.connect(bob, "b")

	if err := f.router.Dispatch(ctx, a, textFrame(bob, "hi", "")); err != nil {
		t.Fatal(err)
	}
	id := lastOf[protocol.Ack](t, a, protocol.TypeAck).ChatID

	if err := f.router.Dispatch(ctx, a, &protocol.Inbound{Type: protocol.TypeSeen, ChatID: id}); !errors.Is(err, ErrForbidden) {
		t.Errorf("sender marking own message seen: error = %v, want ErrForbidden", err)
	}

	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeSeen, ChatID: id}); err != nil {
		t.Fatal(err)
	}
	seen := lastOf[protocol.Seen](t, a, protocol.TypeSeen)
	if seen.ChatID != id || seen.SeenBy != bob {
		t.Errorf("seen frame = %+v", seen)
	}

	before := len(a.ofType(protocol.TypeDelivered))
	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeDelivered, ChatID: id}); err != nil {
		t.Fatal(err)
	}
	if after := len(a.ofType(protocol.TypeDelivered)); after != before {
		t.Errorf("late delivered produced %d notifications", after-before)
	}

	m, err := f.mem.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != models.StatusSeen {
		t.Errorf("status = %d, want %d", m.Status, models.StatusSeen)
	}
}

func TestRouter_DeliveredNotifiesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	b := f.connect(bob, "b")

	if err := f.router.Dispatch(ctx, a, textFrame(bob, "hi", "")); err != nil {
		t.Fatal(err)
	}
	id := lastOf[protocol.Ack](t, a, protocol.TypeAck).ChatID
	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeDelivered, ChatID: id}); err != nil {
		t.Fatal(err)
	}
	d := lastOf[protocol.Delivered](t, a, protocol.TypeDelivered)
	if d.ChatID != id || d.DeliveredTo != bob || d.FromID != alice {
		t.Errorf("delivered frame = %+v", d)
	}
	list := lastOf[protocol.ChatList](t, a, protocol.TypeChatList)
	if list.ChatList[0].StatusID != int(models.StatusDelivered) {
		t.Errorf("sender chat list status = %d, want %d", list.ChatList[0].StatusID, models.StatusDelivered)
	}
}

func TestRouter_StatusForUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	b := f.connect(bob, "b")
	for _, typ := range []string{protocol.TypeDelivered, protocol.TypeSeen} {
		if err := f.router.Dispatch(context.Background(), b, &protocol.Inbound{Type: typ, ChatID: 42}); err != nil {
			t.Errorf("%s for unknown message: error = %v", typ, err)
		}
	}
	if b.count() != 0 {
		t.Errorf("frames = %d, want 0", b.count())
	}
}

func TestRouter_SeenResetsUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	b := f.connect(bob, "b")

	for i := 0; i < 3; i++ {
		if err := f.router.Dispatch(ctx, a, textFrame(bob, fmt.Sprint("m", i), "")); err != nil {
			t.Fatal(err)
		}
	}
	list := lastOf[protocol.ChatList](t, b, protocol.TypeChatList)
	if list.ChatList[0].UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", list.ChatList[0].UnreadCount)
	}

	lastID := lastOf[protocol.Ack](t, a, protocol.TypeAck).ChatID
	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeSeen, ChatID: lastID}); err != nil {
		t.Fatal(err)
	}
	list = lastOf[protocol.ChatList](t, b, protocol.TypeChatList)
	if list.ChatList[0].UnreadCount != 0 {
		t.Errorf("unread after seen = %d, want 0", list.ChatList[0].UnreadCount)
	}

	page, err := f.router.History(ctx, bob, alice, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range page.Chats {
		if m.StatusID != int(models.StatusSeen) {
			t.Errorf("message %d status = %d, want seen", m.ID, m.StatusID)
		}
	}

	// 重新上线后从存储重建的视图也必须是 0
	f.registry.Unregister(bob, b)
	f.chats.Forget(bob)
	b2 := f.connect(bob, "b2")
	if err := f.router.Dispatch(ctx, b2, &protocol.Inbound{Type: protocol.TypeLoadChats}); err != nil {
		t.Fatal(err)
	}
	list = lastOf[protocol.ChatList](t, b2, protocol.TypeChatList)
	if list.ChatList[0].UnreadCount != 0 {
		t.Errorf("rebuilt unread = %d, want 0", list.ChatList[0].UnreadCount)
	}
}

func TestRouter_OfflineRecipientReadsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")

	if err := f.router.Dispatch(ctx, a, textFrame(bob, "while you were away", "")); err != nil {
		t.Fatal(err)
	}
	if f.chats.Views() != 1 {
		t.Errorf("views = %d, want only the online sender", f.chats.Views())
	}

	b := f.connect(bob, "b")
	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeLoadChatHistory, OtherID: alice}); err != nil {
		t.Fatal(err)
	}
	h := lastOf[protocol.ChatHistory](t, b, protocol.TypeChatHistory)
	if len(h.Chats) != 1 || h.Chats[0].Message != "while you were away" {
		t.Fatalf("history = %+v", h.Chats)
	}
	if h.Chats[0].StatusID != int(models.StatusSent) {
		t.Errorf("status = %d, want sent", h.Chats[0].StatusID)
	}

	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeLoadChats}); err != nil {
		t.Fatal(err)
	}
	list := lastOf[protocol.ChatList](t, b, protocol.TypeChatList)
	if len(list.ChatList) != 1 || list.ChatList[0].UnreadCount != 1 {
		t.Errorf("chat list = %+v", list.ChatList)
	}
}

func TestRouter_HistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	for i := 0; i < 5; i++ {
		if err := f.router.Dispatch(ctx, a, textFrame(bob, fmt.Sprint(i), "")); err != nil {
			t.Fatal(err)
		}
	}

	first, err := f.router.History(ctx, alice, bob, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Chats) != 2 || !first.HasMore || first.Chats[0].Message != "3" || first.Chats[1].Message != "4" {
		t.Fatalf("first page = %+v has_more=%v", first.Chats, first.HasMore)
	}
	rest, err := f.router.History(ctx, alice, bob, first.Chats[0].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest.Chats) != 3 || rest.HasMore {
		t.Errorf("second page = %d messages has_more=%v", len(rest.Chats), rest.HasMore)
	}

	if _, err := f.router.History(ctx, alice, alice, 0, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("history with self: error = %v, want ErrValidation", err)
	}
}

func TestRouter_DeleteChatScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	b := f.connect(bob, "b")

	for _, to := range []uint{bob, carol, bob} {
		if err := f.router.Dispatch(ctx, a, textFrame(to, "x", "")); err != nil {
			t.Fatal(err)
		}
	}
	bobFrames := b.count()

	if err := f.router.Dispatch(ctx, a, &protocol.Inbound{Type: protocol.TypeDeleteChat, OtherID: bob}); err != nil {
		t.Fatal(err)
	}

	h := lastOf[protocol.ChatHistory](t, a, protocol.TypeChatHistory)
	if h.OtherID != bob || len(h.Chats) != 0 {
		t.Errorf("cleared history frame = %+v", h)
	}
	list := lastOf[protocol.ChatList](t, a, protocol.TypeChatList)
	if len(list.ChatList) != 1 || list.ChatList[0].OtherID != carol {
		t.Errorf("chat list after delete = %+v", list.ChatList)
	}
	if b.count() != bobFrames {
		t.Errorf("counterparty received %d frames from delete", b.count()-bobFrames)
	}

	gone, _ := f.router.History(ctx, bob, alice, 0, 0)
	if len(gone.Chats) != 0 {
		t.Errorf("deleted pair still has %d messages", len(gone.Chats))
	}
	kept, _ := f.router.History(ctx, alice, carol, 0, 0)
	if len(kept.Chats) != 1 {
		t.Errorf("other conversation has %d messages, want 1", len(kept.Chats))
	}

	// 对方下一次读取列表时看到的是重建后的结果
	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeLoadChats}); err != nil {
		t.Fatal(err)
	}
	if got := lastOf[protocol.ChatList](t, b, protocol.TypeChatList); len(got.ChatList) != 0 {
		t.Errorf("counterparty list = %+v, want empty", got.ChatList)
	}

	if _, err := f.router.DeleteChat(ctx, alice, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("DeleteChat(0) error = %v, want ErrValidation", err)
	}
}

func TestRouter_DegradedMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	f.faulty.failing.Store(true)

	threshold := config.Default().Router.FailureThreshold
	for i := 0; i < threshold; i++ {
		err := f.router.Dispatch(ctx, a, textFrame(bob, "x", fmt.Sprint("t", i)))
		if !errors.Is(err, ErrStorage) {
			t.Fatalf("attempt %d: error = %v, want ErrStorage", i, err)
		}
	}
	if !f.router.Degraded() {
		t.Fatal("router not degraded after consecutive failures")
	}

	f.faulty.failing.Store(false)
	if err := f.router.Dispatch(ctx, a, textFrame(bob, "x", "blocked")); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("send while degraded: error = %v, want ErrStorageUnavailable", err)
	}
	if f.mem.Len() != 0 {
		t.Errorf("stored = %d while degraded", f.mem.Len())
	}

	// 读操作不受影响
	if err := f.router.Dispatch(ctx, a, &protocol.Inbound{Type: protocol.TypeLoadChats}); err != nil {
		t.Errorf("load_chats while degraded: %v", err)
	}

	later := time.Now().Add(config.Default().Router.DegradedCooldown + time.Second)
	f.router.gate.now = func() time.Time { return later }
	if err := f.router.Dispatch(ctx, a, textFrame(bob, "x", "after")); err != nil {
		t.Fatalf("send after cooldown: %v", err)
	}
	if f.router.Degraded() {
		t.Error("router still degraded after a successful write")
	}
}

func TestRouter_UnknownType(t *testing.T) {
	f := newFixture(t)
	c := f.connect(alice, "a")
	if err := f.router.Dispatch(context.Background(), c, &protocol.Inbound{Type: "typing"}); !errors.Is(err, ErrProtocol) {
		t.Errorf("Dispatch(typing) error = %v, want ErrProtocol", err)
	}
}

func TestRouter_SeenOnEarlierMessageKeepsLaterUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	b := f.connect(bob, "b")

	var ids []uint
	for i := 0; i < 3; i++ {
		if err := f.router.Dispatch(ctx, a, textFrame(bob, fmt.Sprint("m", i), "")); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, lastOf[protocol.Ack](t, a, protocol.TypeAck).ChatID)
	}

	if err := f.router.Dispatch(ctx, b, &protocol.Inbound{Type: protocol.TypeSeen, ChatID: ids[0]}); err != nil {
		t.Fatal(err)
	}
	list := lastOf[protocol.ChatList](t, b, protocol.TypeChatList)
	if list.ChatList[0].UnreadCount != 2 {
		t.Errorf("live unread = %d, want 2", list.ChatList[0].UnreadCount)
	}

	// 重建结果必须与增量结果一致
	f.chats.Invalidate(bob)
	rebuilt, err := f.chats.Snapshot(ctx, bob, "")
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt[0].UnreadCount != 2 {
		t.Errorf("rebuilt unread = %d, want 2", rebuilt[0].UnreadCount)
	}
}

func TestRouter_OfflineUsersKeepNoView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(alice, "a")
	if err := f.router.Dispatch(ctx, a, textFrame(bob, "hi", "")); err != nil {
		t.Fatal(err)
	}
	f.registry.Unregister(alice, a)
	f.chats.Forget(alice)

	// HTTP 删除会话的请求者可以没有任何连接
	for u := uint(10); u < 20; u++ {
		if _, err := f.router.DeleteChat(ctx, u, alice); err != nil {
			t.Fatalf("DeleteChat(%d): %v", u, err)
		}
	}
	if _, err := f.router.DeleteChat(ctx, alice, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := f.chats.Snapshot(ctx, carol, ""); err != nil {
		t.Fatal(err)
	}
	f.chats.ApplyMessage(ctx, &models.Message{ID: 99, SenderID: bob, RecipientID: carol, Text: "x"})

	if got := f.chats.Views(); got != 0 {
		t.Errorf("views = %d with no user online, want 0", got)
	}
}
