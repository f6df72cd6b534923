package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"randforest/ml"
	"randforest/pipeline"
)

// MessageType 消息类型
type MessageType string

const (
	TreeTrained MessageType = "tree_trained"
	RunFinished MessageType = "run_finished"
	Heartbeat   MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message 推送给客户端的消息
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessage 客户端发来的消息
type ClientMessage struct {
	Type  string      `json:"type"` // subscribe, unsubscribe, ping
	Topic MessageType `json:"topic"`
}

// RunEvent 训练结束事件
type RunEvent struct {
	Summary *pipeline.RunSummary `json:"summary,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type outbound struct {
	typ     MessageType
	payload []byte
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool // 为空时接收全部消息
}

func (c *Client) wants(typ MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ] || typ == Heartbeat
}

// Hub 把训练进度广播给所有 WebSocket 客户端
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	done       chan struct{}

	connected atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
	nextID    atomic.Int64
}

// HubStats 统计
type HubStats struct {
	ConnectedClients int64 `json:"connected_clients"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// NewHub 创建WebSocket中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 来源检查由 CORS 中间件负责
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run 运行中心循环，直到 ctx 结束。每个 Hub 只能运行一次。
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.logger.Debug("websocket hub stopped")
	}()

	heartbeat := time.NewTicker(pingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.connected.Store(int64(len(h.clients)))
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.connected.Store(int64(len(h.clients)))
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-heartbeat.C:
			if payload, err := encode(Heartbeat, map[string]int{"clients": len(h.clients)}); err == nil {
				h.deliver(outbound{typ: Heartbeat, payload: payload})
			}

		case <-ctx.Done():
			// 关闭所有连接
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.connected.Store(0)
			return
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	for client := range h.clients {
		if !client.wants(msg.typ) {
			continue
		}
		select {
		case client.send <- msg.payload:
			h.sent.Add(1)
		default:
			// 客户端过慢，断开
			close(client.send)
			delete(h.clients, client)
			h.connected.Store(int64(len(h.clients)))
		}
	}
}

// Stats 返回统计
func (h *Hub) Stats() HubStats {
	return HubStats{
		ConnectedClients: h.connected.Load(),
		MessagesSent:     h.sent.Load(),
		MessagesDropped:  h.dropped.Load(),
	}
}

// HandleWebSocket 处理WebSocket连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      fmt.Sprintf("client-%d", h.nextID.Add(1)),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// 启动客户端协程
	go client.writePump(h.logger)
	go client.readPump(h)
}

// Publish 广播消息，队列满时丢弃
func (h *Hub) Publish(typ MessageType, data interface{}) error {
	payload, err := encode(typ, data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{typ: typ, payload: payload}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("websocket broadcast queue is full, dropping message", zap.String("type", string(typ)))
	}
	return nil
}

// TreeTrained 实现 ml.Observer
func (h *Hub) TreeTrained(event ml.TreeEvent) {
	if err := h.Publish(TreeTrained, event); err != nil {
		h.logger.Warn("failed to publish tree event", zap.Error(err))
	}
}

// RunFinished 实现 pipeline.RunListener
func (h *Hub) RunFinished(summary *pipeline.RunSummary, err error) {
	event := RunEvent{Summary: summary}
	if err != nil {
		event.Error = err.Error()
	}
	if err := h.Publish(RunFinished, event); err != nil {
		h.logger.Warn("failed to publish run event", zap.Error(err))
	}
}

func encode(typ MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket error", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("failed to parse client message", zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

// handleClientMessage 处理客户端消息
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case "subscribe":
		c.subscriptions[msg.Topic] = true
	case "unsubscribe":
		delete(c.subscriptions, msg.Topic)
	}
}
