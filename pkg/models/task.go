package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Task represents a subtitle removal job submitted by a user
type Task struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	VideoURL     string    `json:"video_url" db:"video_url"`
	MaskData     MaskData  `json:"mask_data" db:"mask_data"`
	Status       string    `json:"status" db:"status"`
	Provider     string    `json:"provider,omitempty" db:"provider"`
	PredictionID string    `json:"prediction_id,omitempty" db:"prediction_id"`
	ResultURL    string    `json:"result_url,omitempty" db:"result_url"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// MaskData is the denormalized mask description kept on a task for auditing
type MaskData struct {
	Regions     []Region `json:"regions"`
	MaskURL     string   `json:"maskUrl"`
	VideoWidth  int      `json:"videoWidth"`
	VideoHeight int      `json:"videoHeight"`
}

// Value implements driver.Valuer for database storage
func (m MaskData) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *MaskData) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported mask data type %T", value)
	}
}

// IsTerminal reports whether the task has reached a final state
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsTerminalStatus reports whether status is completed, failed or canceled
func IsTerminalStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// TaskStatus constants
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCanceled   = "canceled"
)
