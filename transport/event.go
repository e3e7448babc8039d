package transport

import "time"

// 事件类型
const (
	EventProgress  = "pa.progress"
	EventCompleted = "pa.completed"
)

// Event 推送事件
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent 创建新事件
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}
