package queue

import "encoding/json"

// Message is the payload dispatched to worker processes. A message refers to
// a claimed run; the worker drives the pipeline for it.
type Message struct {
	RunID       string `json:"runId"`
	Fingerprint string `json:"fingerprint"`
	RequestID   string `json:"requestId"`
	EnqueuedAt  string `json:"enqueuedAt"`
	Version     int    `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
