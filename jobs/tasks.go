package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPostingSweep drains due outbound postings across integrations.
	TaskPostingSweep = "posting:sweep"
)

// PostingSweepPayload carries scheduling metadata. An empty TenantID sweeps
// every tenant.
type PostingSweepPayload struct {
	TenantID     string    `json:"tenant_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewPostingSweepTask constructs an Asynq task for the posting sweep.
func NewPostingSweepTask(tenantID string) (*asynq.Task, error) {
	payload := PostingSweepPayload{TenantID: tenantID, ScheduledFor: time.Now()}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostingSweep, body, asynq.Queue(QueueDefault)), nil
}
