// Package session 维护"用户 -> 在线连接集合"的映射，只用于判断能否实时推送。
package session

import "sync"

// Conn 是注册表可见的连接视图。Send 必须是非阻塞的入队操作。
type Conn interface {
	ID() string
	UserID() uint
	Send(frame []byte) bool
}

// Registry 是并发安全的在线连接表。进程重启即清空，不承担任何持久化职责。
type Registry struct {
	mu    sync.RWMutex
	users map[uint]map[Conn]struct{}
	total int
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[uint]map[Conn]struct{})}
}

// Register 重复注册同一连接是 no-op。返回该用户是否因此从离线变为在线。
func (r *Registry) Register(userID uint, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[userID]
	if set == nil {
		set = make(map[Conn]struct{})
		r.users[userID] = set
	}
	if _, ok := set[c]; ok {
		return false
	}
	set[c] = struct{}{}
	r.total++
	return len(set) == 1
}

// Unregister 移除连接；集合为空时删除该用户条目。返回该用户是否因此下线。
func (r *Registry) Unregister(userID uint, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[userID]
	if set == nil {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	r.total--
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// ConnectionsFor 返回快照，调用方可以在不持锁的情况下遍历。
func (r *Registry) ConnectionsFor(userID uint) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Count 返回在线连接总数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Users 返回在线用户数。
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Broadcast 把同一帧推给某用户的全部连接，except 不为空时跳过该连接。
// 返回成功入队的连接数。
func (r *Registry) Broadcast(userID uint, frame []byte, except Conn) int {
	n := 0
	for _, c := range r.ConnectionsFor(userID) {
		if except != nil && c == except {
			continue
		}
		if c.Send(frame) {
			n++
		}
	}
	return n
}
