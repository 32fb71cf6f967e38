package eventbus

import "time"

type EventType string

const (
	EventSessionLaunched EventType = "session.launched"
	EventSessionClosed   EventType = "session.closed"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
)

// SessionsTopic carries lifecycle events for every browser session.
const SessionsTopic = "sessions"

type Event struct {
	Type EventType `json:"type"`
	// Subject is the id of the session or job the event is about.
	Subject   string    `json:"subject"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ChannelKey(topic string) string {
	return "embedder:" + topic + ":events"
}

// JobTopic is where a job's completion is announced.
func JobTopic(jobID string) string {
	return "job:" + jobID
}
