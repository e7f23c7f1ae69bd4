package jobs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/parishdesk/parishdesk/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSweepExpired is the task type for the expired-edge hygiene sweep.
	TaskSweepExpired = "authz:sweep_expired"
)

// SweepExpiredPayload parameterises a hygiene sweep run.
type SweepExpiredPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewSweepExpiredTask constructs an Asynq task for the hygiene sweep.
func NewSweepExpiredTask(payload SweepExpiredPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepExpired, data), nil
}

// Sweeper deactivates lapsed authorization edges.
type Sweeper interface {
	SweepExpired(ctx context.Context, retention time.Duration) (authz.SweepResult, error)
}

// NewSweepExpiredHandler returns the handler deactivating edges whose expiry
// passed longer than the retention window ago. Resolution applies the
// liveness predicate at read time, so this sweep only bounds table growth
// and is never load-bearing for security.
func NewSweepExpiredHandler(service Sweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepExpiredPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		result, err := service.SweepExpired(ctx, payload.Retention)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("expired edges swept",
				slog.Int64("role_assignments", result.RoleAssignments),
				slog.Int64("ward_assignments", result.WardAssignments),
				slog.Int64("overrides", result.Overrides),
			)
		}
		return nil
	}
}
