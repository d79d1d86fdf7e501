package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/framebridge/internal/frame"
)

// Role 表示连接在帧通道中的一端。
type Role string

const (
	RoleHost   Role = frame.HostRole
	RoleClient Role = frame.ClientRole
)

func (r Role) valid() bool { return r == RoleHost || r == RoleClient }

func (r Role) opposite() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

const writeTimeout = 10 * time.Second

type peer struct {
	conn    *websocket.Conn
	origin  string
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (p *peer) write(env frame.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(env)
}

func (p *peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

type slots map[Role]*peer

// Hub 管理每个帧的 host/client 两个连接槽位
type Hub struct {
	mu     sync.RWMutex
	frames map[string]slots
}

// NewHub 创建连接中心
func NewHub() *Hub {
	return &Hub{frames: make(map[string]slots)}
}

// attach 放入连接；同一槽位的旧连接会被关闭。
func (h *Hub) attach(frameID string, role Role, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.frames[frameID]
	if !ok {
		s = make(slots, 2)
		h.frames[frameID] = s
	}
	if old, exists := s[role]; exists && old != p {
		old.conn.Close()
	}
	s[role] = p
}

// detach 仅在槽位仍属于 p 时移除。
func (h *Hub) detach(frameID string, role Role, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.frames[frameID]
	if !ok || s[role] != p {
		return
	}
	delete(s, role)
	if len(s) == 0 {
		delete(h.frames, frameID)
	}
}

func (h *Hub) peer(frameID string, role Role) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.frames[frameID][role]
	return p, ok
}

// Connected 报告某帧某端是否在线。
func (h *Hub) Connected(frameID string, role Role) bool {
	_, ok := h.peer(frameID, role)
	return ok
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for frameID, s := range h.frames {
		for _, p := range s {
			p.conn.Close()
		}
		delete(h.frames, frameID)
	}
}
