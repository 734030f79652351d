package types

import "time"

// QueuedMessageInfo describes a message waiting for the current turn to end.
type QueuedMessageInfo struct {
	QueueID     string    `json:"queueId"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submittedAt"`
}
