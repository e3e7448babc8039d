package transport

import (
	"context"
	"net"
	"net/http"
)

// HTTPServer HTTP/REST API 服务器
type HTTPServer interface {
	// Start 监听 addr 并阻塞至关闭
	Start(addr string, handler http.Handler) error
	// Serve 在已有 Listener 上服务（测试用随机端口）
	Serve(l net.Listener, handler http.Handler) error
	// Stop 优雅关闭
	Stop() error
	// RegisterMiddleware 注册中间件
	RegisterMiddleware(mw func(http.Handler) http.Handler)
}

// EventStream SSE 事件推送（被动认证进度）
type EventStream interface {
	// Subscribe 阻塞直到 ctx 结束或服务停止；topic 为空时接收全部事件
	Subscribe(ctx context.Context, clientID, topic string, w http.ResponseWriter) error
	// Publish 投递到订阅 topic 的客户端，返回投递数量
	Publish(topic string, event *Event) int
	// Stop 断开所有订阅
	Stop() error
}
