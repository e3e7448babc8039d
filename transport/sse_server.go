package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/houzhh15/pkd-trust/logging"
)

// ErrStreamingUnsupported 响应不支持 Flush
var ErrStreamingUnsupported = errors.New("streaming not supported")

// sseClient 一个 SSE 订阅
type sseClient struct {
	id      string
	topic   string
	channel chan *Event
}

// sseServer SSE 推送服务器实现
type sseServer struct {
	mu        sync.RWMutex
	clients   map[string]*sseClient
	logger    logging.Logger
	heartbeat time.Duration
	buffer    int
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSSEServer 创建 SSE 服务器
func NewSSEServer(logger logging.Logger, heartbeat time.Duration) EventStream {
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	return &sseServer{
		clients:   make(map[string]*sseClient),
		logger:    logging.OrNop(logger),
		heartbeat: heartbeat,
		buffer:    16,
		stopChan:  make(chan struct{}),
	}
}

// Stop 停止 SSE 服务器并等待所有订阅退出
func (s *sseServer) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// Subscribe 处理客户端订阅（阻塞式，保持连接）
func (s *sseServer) Subscribe(ctx context.Context, clientID, topic string, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	select {
	case <-s.stopChan:
		return nil
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	client := &sseClient{id: clientID, topic: topic, channel: make(chan *Event, s.buffer)}
	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Info("SSE client connected", "client_id", clientID, "topic", topic)

	if err := s.send(w, flusher, NewEvent("connected", map[string]string{"clientId": clientID, "topic": topic})); err != nil {
		return err
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// SSE 注释格式心跳
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()

		case event := <-client.channel:
			if err := s.send(w, flusher, event); err != nil {
				s.logger.Error("Failed to send event", "client_id", clientID, "error", err)
				return err
			}

		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "client_id", clientID)
			return nil

		case <-s.stopChan:
			return nil
		}
	}
}

// Publish 非阻塞投递；通道已满的客户端丢弃该事件
func (s *sseServer) Publish(topic string, event *Event) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := 0
	for _, client := range s.clients {
		if client.topic != "" && client.topic != topic {
			continue
		}
		select {
		case client.channel <- event:
			delivered++
		default:
			s.logger.Warn("Client channel full, event dropped", "client_id", client.id)
		}
	}
	return delivered
}

// clientCount 当前订阅数
func (s *sseServer) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// send 写出 SSE 格式事件
// 格式：event: <type>\ndata: <json>\n\n
func (s *sseServer) send(w http.ResponseWriter, flusher http.Flusher, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
