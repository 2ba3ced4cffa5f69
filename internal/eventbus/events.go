package eventbus

import "time"

// Event types.
const (
	TypeFiringStarted  = "firing.started"
	TypeFiringFinished = "firing.finished"
	TypeDeliverySent   = "delivery.sent"
	TypeDeliveryFailed = "delivery.failed"
	TypeRetryStarted   = "delivery.retry"
	TypeLeaseStalled   = "lease.stalled"
	TypeOutcomeReport  = "outcome.reported"

	TypeTaskFailed  = "task.failed"
	TypeTaskDropped = "task.dropped"
)

type FiringEvent struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	FiredAt    time.Time `json:"fired_at"`
	Channels   int       `json:"channels"`
	Sent       int       `json:"sent,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Success    bool      `json:"success"`
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type DeliveryEvent struct {
	SendLogID         string `json:"send_log_id"`
	ScheduleID        string `json:"schedule_id"`
	ChannelID         string `json:"channel_id"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	RetryCount        int    `json:"retry_count"`
	Error             string `json:"error,omitempty"`
}

type LeaseEvent struct {
	ScheduleID string `json:"schedule_id"`
}

type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}
