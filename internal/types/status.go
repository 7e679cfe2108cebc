package types

import "time"

// Job lifecycle states, shared by the job store and the status events.
const (
	LAUNCHED  = "LAUNCHED"
	RUNNING   = "RUNNING"
	SUCCEEDED = "SUCCEEDED"
	FAILED    = "FAILED"
)

// IsTerminal reports whether no further transition follows status.
func IsTerminal(status string) bool {
	return status == SUCCEEDED || status == FAILED
}

func statusRank(status string) int {
	switch {
	case IsTerminal(status):
		return 3
	case status == RUNNING:
		return 2
	case status == LAUNCHED:
		return 1
	}
	return 0
}

// Advances reports whether a job may move from status from to status to.
// A job never goes back, e.g. from RUNNING or a terminal state to LAUNCHED.
func Advances(from, to string) bool {
	return statusRank(to) >= statusRank(from)
}

// JobRecord is the last known state of the latest job for one (bucket, key).
type JobRecord struct {
	JobID     string    `json:"jobId"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Sequencer string    `json:"sequencer,omitempty"`
	Status    string    `json:"status"`
	TaskArns  []string  `json:"taskArns,omitempty"`
	Outputs   []string  `json:"outputs,omitempty"`
	Failed    []string  `json:"failed,omitempty"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	JobID     string   `json:"jobId"`
	Bucket    string   `json:"bucket"`
	Key       string   `json:"key"`
	Sequencer string   `json:"sequencer,omitempty"`
	Status    string   `json:"status"`
	Outputs   []string `json:"outputs,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	ErrorMsg  string   `json:"errorMsg,omitempty"`
}

// StatusMessage is the full status event envelope.
type StatusMessage struct {
	Pattern string     `json:"pattern"`
	Data    StatusData `json:"data"`
}

// QueueMessage is one message received from the notification queue.
type QueueMessage struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// LaunchRequest is what the dispatcher hands the launcher for one record.
type LaunchRequest struct {
	JobID  string
	Params JobParameters
}

// LaunchReceipt identifies the task(s) a launch started.
type LaunchReceipt struct {
	JobID    string
	TaskArns []string
}
