package bus

import (
	"context"
	"strings"
)

const folderTopicPrefix = "folder."

// Message kinds pushed to folder subscribers.
const (
	KindTaskStarted   = "TASK_STARTED"
	KindTaskCompleted = "TASK_COMPLETED"
	KindTaskFailed    = "TASK_FAILED"
	KindTaskUpdated   = "TASK_UPDATED"
	KindObjectAdded   = "OBJECT_ADDED"
)

// Platform event topics consumed by in-process triggers.
const (
	TopicObjectAdded = "platform.object_added"
)

// FolderEvent is the payload delivered on a folder topic.
type FolderEvent struct {
	FolderID string `json:"folderId"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload,omitempty"`
}

// ObjectAddedEvent announces a new object in a folder.
type ObjectAddedEvent struct {
	EventID   string
	FolderID  string
	ObjectKey string
}

// FolderTopic returns the topic carrying events for one folder.
func FolderTopic(folderID string) string {
	return folderTopicPrefix + folderID
}

// FolderFromTopic extracts the folder id from a folder topic.
func FolderFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, folderTopicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, folderTopicPrefix)
	return id, id != ""
}

// Sink adapts the bus to the scheduler's notification interface.
type Sink struct {
	bus *Bus
}

func NewSink(b *Bus) *Sink {
	return &Sink{bus: b}
}

// Notify publishes to the folder topic. A blank folder id has no audience.
func (s *Sink) Notify(_ context.Context, folderID, kind string, payload any) error {
	if s == nil || s.bus == nil || folderID == "" {
		return nil
	}
	s.bus.Publish(FolderTopic(folderID), FolderEvent{FolderID: folderID, Kind: kind, Payload: payload})
	return nil
}
