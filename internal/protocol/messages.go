package protocol

import "encoding/json"

// Websocket message types. Providers send register/result/error/status,
// the broker sends task/abort.
const (
	TypeRegister = "register"
	TypeTask     = "task"
	TypeAbort    = "abort"
	TypeResult   = "result"
	TypeError    = "error"
	TypeStatus   = "status"
)

// Envelope is the outer frame of every websocket message. Payload fields are
// decoded lazily once the type is known.
type Envelope struct {
	Type string `json:"type"`

	// register
	NodeID     string      `json:"node_id,omitempty"`
	PublicMeta *PublicMeta `json:"public_meta,omitempty"`

	// task
	TaskID      string          `json:"task_id,omitempty"`
	TaskInfo    json.RawMessage `json:"task_info,omitempty"`
	TaskOptions json.RawMessage `json:"task_options,omitempty"`

	// result
	ResultsURL []string `json:"results_url,omitempty"`

	// error / status
	Reason string `json:"reason,omitempty"`
	Status string `json:"status,omitempty"`
}

// TaskMessage is the broker-to-provider dispatch frame.
type TaskMessage struct {
	Type        string  `json:"type"`
	TaskID      string  `json:"task_id"`
	MaxPrice    float64 `json:"max_price"`
	TaskOptions any     `json:"task_options,omitempty"`
}

// AbortMessage asks a provider to cancel an in-flight task.
type AbortMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// Result is a completed generation delivered back to the client.
type Result struct {
	Version int    `json:"_v"`
	Image   string `json:"image"`
}
