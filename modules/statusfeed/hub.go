package statusfeed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusEvent - 클라이언트로 push하는 상태 전이 이벤트
type StatusEvent struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	ModelURL  string    `json:"modelUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client - 연결된 websocket 클라이언트 1개
// closed는 Hub.mu로 보호된다: send로의 전송과 close가 같은 락 아래에서만 일어난다
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// Hub - generation별 구독자를 관리하는 websocket 허브
// UI가 폴링 대신 상태 전이를 push로 받을 수 있게 해준다
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*client]bool // generation id → 구독 클라이언트들
	upgrader websocket.Upgrader
}

// NewHub - Hub 생성
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 개발용 - 모든 origin 허용
				return true
			},
		},
	}
}

// HandleWS - GET /ws/generations?job=<generation_id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "job parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ [StatusFeed] WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 16),
	}

	h.subscribe(jobID, c)
	log.Printf("👤 [StatusFeed] Subscriber joined for job %s", jobID)

	go c.writePump()
	go h.readPump(jobID, c)
}

// Publish - 상태 전이를 해당 generation 구독자 전원에게 broadcast
func (h *Hub) Publish(generationID, status, detail string) {
	h.PublishEvent(StatusEvent{
		JobID:     generationID,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// PublishEvent - 이벤트 전체를 broadcast (modelUrl 포함 가능)
// 전송이 락 안에서 일어나므로 동시 disconnect가 닫은 채널로 보낼 수 없다
func (h *Hub) PublishEvent(event StatusEvent) {
	messageBytes, err := json.Marshal(event)
	if err != nil {
		log.Printf("❌ [StatusFeed] Failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs[event.JobID] {
		select {
		case c.send <- messageBytes:
		default:
			// 버퍼가 가득 찬 느린 클라이언트는 제거
			h.dropLocked(event.JobID, c)
		}
	}
}

// SubscriberCount - 특정 generation의 구독자 수 (metrics/테스트용)
func (h *Hub) SubscriberCount(generationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[generationID])
}

// subscribe - 클라이언트 등록
func (h *Hub) subscribe(generationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[generationID] == nil {
		h.subs[generationID] = make(map[*client]bool)
	}
	h.subs[generationID][c] = true
}

// unsubscribe - 클라이언트 제거 및 빈 구독 정리
func (h *Hub) unsubscribe(generationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(generationID, c)
}

// dropLocked - Hub.mu를 쥔 상태에서만 호출. send 채널은 정확히 한 번 닫는다
func (h *Hub) dropLocked(generationID string, c *client) {
	clients, ok := h.subs[generationID]
	if !ok {
		return
	}
	if _, exists := clients[c]; exists {
		delete(clients, c)
		if !c.closed {
			c.closed = true
			close(c.send)
		}
	}
	if len(clients) == 0 {
		delete(h.subs, generationID)
	}
}

// readPump - 클라이언트 메시지는 무시, 연결 종료만 감지
func (h *Hub) readPump(generationID string, c *client) {
	defer func() {
		h.unsubscribe(generationID, c)
		c.conn.Close()
		log.Printf("👋 [StatusFeed] Subscriber left job %s", generationID)
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️  [StatusFeed] WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump - send 채널의 메시지를 클라이언트로 전송
func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("⚠️  [StatusFeed] WebSocket write error: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
