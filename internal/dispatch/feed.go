// =============================================================================
// 文件: internal/dispatch/feed.go
// 描述: 命令推送 - WebSocket 广播下发命令，订阅者按序收到 JSON 消息
// =============================================================================
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
)

// clientBuffer 每个订阅者的发送缓冲
const clientBuffer = 64

// FeedServer WebSocket 推送服务器，实现 Sink
type FeedServer struct {
	addr         string
	path         string
	writeTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	logger     *logx.Logger
	metrics    *metrics.LinkRateMetrics

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	stopped bool
	wg      sync.WaitGroup

	// 统计
	activeClients int64
	sent          uint64
	evicted       uint64
}

type feedClient struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
	once   sync.Once
}

// NewFeedServer 创建推送服务器
func NewFeedServer(addr, path string, writeTimeout time.Duration, logger *logx.Logger, m *metrics.LinkRateMetrics) *FeedServer {
	if logger == nil {
		logger = logx.Nop()
	}
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	return &FeedServer{
		addr:         addr,
		path:         path,
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      m,
		clients:      make(map[*feedClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 构造路由
func (s *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start 启动服务器，ctx 取消时停止
func (s *FeedServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Log(logx.LevelError, "[Feed] HTTP 服务器错误: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Log(logx.LevelInfo, "[Feed] 推送服务器已启动: %s%s", ln.Addr(), s.path)
	return nil
}

// Addr 实际监听地址
func (s *FeedServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// handleWebSocket 订阅连接
func (s *FeedServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Log(logx.LevelDebug, "[Feed] WebSocket 升级失败: %v", err)
		return
	}

	c := &feedClient{
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		remote: r.RemoteAddr,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	atomic.AddInt64(&s.activeClients, 1)
	s.metrics.RecordFeedClients(1)
	s.logger.Log(logx.LevelInfo, "[Feed] 订阅者连接: %s", r.RemoteAddr)

	go s.writeLoop(c)

	// 读取循环只用于感知关闭
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Log(logx.LevelDebug, "[Feed] 读取错误 %s: %v", r.RemoteAddr, err)
			}
			break
		}
	}
	s.remove(c)
}

// writeLoop 单连接写协程
func (s *FeedServer) writeLoop(c *feedClient) {
	defer s.wg.Done()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Log(logx.LevelDebug, "[Feed] 写入错误 %s: %v", c.remote, err)
			s.remove(c)
			// 排空以便 remove 关闭通道后退出
			for range c.send {
			}
			return
		}
		atomic.AddUint64(&s.sent, 1)
	}
}

// remove 移除订阅者，可重复调用
func (s *FeedServer) remove(c *feedClient) {
	c.once.Do(func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()

		close(c.send)
		c.conn.Close()
		atomic.AddInt64(&s.activeClients, -1)
		s.metrics.RecordFeedClients(-1)
		s.logger.Log(logx.LevelInfo, "[Feed] 订阅者断开: %s", c.remote)
	})
}

// Deliver 实现 Sink。慢订阅者的缓冲满时将其断开
func (s *FeedServer) Deliver(ev Event) {
	data, err := json.Marshal(NewFeedMessage(ev))
	if err != nil {
		s.logger.Log(logx.LevelError, "[Feed] 编码失败: %v", err)
		return
	}

	s.mu.Lock()
	var slow []*feedClient
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		atomic.AddUint64(&s.evicted, 1)
		s.logger.Log(logx.LevelError, "[Feed] 订阅者 %s 跟不上，断开", c.remote)
		s.remove(c)
	}
}

// Stop 停止服务器并关闭全部订阅者
func (s *FeedServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	clients := make([]*feedClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.remove(c)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	s.wg.Wait()
}

// GetActiveClients 当前订阅者数
func (s *FeedServer) GetActiveClients() int64 {
	return atomic.LoadInt64(&s.activeClients)
}

// GetSent 已发送消息数
func (s *FeedServer) GetSent() uint64 {
	return atomic.LoadUint64(&s.sent)
}
