package client

import (
	"fmt"
	"time"
)

// SubmitRequest registers a bot whose executable already exists on the
// supervisor host.
type SubmitRequest struct {
	Owner      string `json:"owner,omitempty"` // honoured for administrators only
	Executable string `json:"executable"`
	Runtime    string `json:"runtime"`
	Name       string `json:"name,omitempty"`
	StorageDir string `json:"storage_dir,omitempty"`
}

// UploadRequest submits a script by uploading it. Runtime may be empty when
// the file extension identifies it.
type UploadRequest struct {
	Owner   string
	Path    string // local file to upload
	Runtime string
	Name    string
}

// Bot is the status of one managed bot.
type Bot struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Executable    string     `json:"executable"`
	StorageDir    string     `json:"storage_dir,omitempty"`
	Runtime       string     `json:"runtime"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	RestartCount  int        `json:"restart_count"`
	LogPath       string     `json:"log_path"`
	CreatedAt     time.Time  `json:"created_at"`
	LastExit      string     `json:"last_exit,omitempty"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryBytes   uint64     `json:"memory_bytes"`
}

// Event is one lifecycle transition recorded by the history sinks.
type Event struct {
	Type         string    `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	RecordID     string    `json:"record_id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	Message      string    `json:"message,omitempty"`
}

// ReconcileResult summarises one crash-monitor pass.
type ReconcileResult struct {
	Checked    int      `json:"checked"`
	Dead       int      `json:"dead"`
	Restarted  []string `json:"restarted"`
	Suppressed []string `json:"suppressed"`
	Failed     []string `json:"failed"`
}

// Logs is the tail of a bot's log. Message is set when nothing was logged yet.
type Logs struct {
	Lines   []string `json:"lines"`
	Message string   `json:"message,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type submitResponse struct {
	ID string `json:"id"`
}
