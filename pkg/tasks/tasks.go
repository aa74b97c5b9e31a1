// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// TranscriptTask 描述一条已结束的会话消息，交给转写管道切块、入库和索引。
type TranscriptTask struct {
	PersonaID   string    `json:"persona_id"`
	TurnID      string    `json:"turn_id"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	ImageObject string    `json:"image_object,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
