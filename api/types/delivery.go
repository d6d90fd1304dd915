package types

import "time"

type TaskType string

const (
	// ExternalCallTask forwards an inbound message to the accounting API.
	ExternalCallTask TaskType = "external_call"
	// OutboundReplyTask sends a formatted message back through the chat transport.
	OutboundReplyTask TaskType = "outbound_reply"
)

type DeliveryTask struct {
	ID          string    `json:"id"`
	Type        TaskType  `json:"type"`
	Target      string    `json:"target"`
	Payload     string    `json:"payload"`
	SenderHint  string    `json:"sender_hint,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

type DeliveryResult struct {
	TaskID         string         `json:"task_id"`
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

type QueueStatus struct {
	Pending        int    `json:"pending"`
	Processing     int    `json:"processing"`
	TotalProcessed uint64 `json:"total_processed"`
}

// AccountingOutcome is the answer of the accounting collaborator for one message.
// Irrelevant marks messages that were understood but have nothing to record.
type AccountingOutcome struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Irrelevant bool   `json:"irrelevant"`
}

// InboundMessage is the body of POST /messages.
type InboundMessage struct {
	Target  string `json:"target"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// OutboundReply is the body of POST /replies.
type OutboundReply struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

type APIError struct {
	Error string `json:"error"`
}
