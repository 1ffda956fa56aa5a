package messagequeue

import (
	"time"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
)

// Subjects for terminal task announcements.
const (
	SubjectTaskCompleted = "tasks.completed"
	SubjectTaskFailed    = "tasks.failed"
	SubjectTaskCancelled = "tasks.cancelled"
)

// TaskTerminalPayload announces a task reaching a terminal state.
type TaskTerminalPayload struct {
	TaskID     string     `json:"task_id"`
	OwnerID    string     `json:"owner_id"`
	Status     string     `json:"status"`
	Decision   string     `json:"decision,omitempty"`
	Error      string     `json:"error,omitempty"`
	Usage      cost.Usage `json:"usage"`
	FinishedAt time.Time  `json:"finished_at"`
}
