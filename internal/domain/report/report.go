// Package report defines the aggregated result of a completed analysis task.
package report

import (
	"encoding/json"
	"time"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
)

// Section summarizes one stage's contribution to the final report.
type Section struct {
	Stage   int             `json:"stage"`
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"` // array of per-agent result payloads
}

// Report is the aggregated outcome of all stages, attached to the
// task_complete event and persisted alongside the terminal task record.
type Report struct {
	TaskID      string     `json:"task_id"`
	Symbol      string     `json:"symbol,omitempty"`
	Decision    string     `json:"decision,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Sections    []Section  `json:"sections"`
	Usage       cost.Usage `json:"usage"`
	GeneratedAt time.Time  `json:"generated_at"`
}
