package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
)

// wireJob is the JSON message body published to the broker. Field names are
// part of the wire contract shared with non-Go producers; dead-lettered
// messages retain this exact body.
type wireJob struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Queue            string          `json:"queue,omitempty"`
	Data             []byte          `json:"data"`
	Opts             job.Options     `json:"opts"`
	Attempts         int             `json:"attempts"`
	Timestamp        int64           `json:"timestamp"`
	Progress         json.RawMessage `json:"progress,omitempty"`
	State            job.Status      `json:"state"`
	FailedReason     string          `json:"failedReason,omitempty"`
	Source           string          `json:"source,omitempty"`
	IntegrityEnabled *bool           `json:"integrity_enabled,omitempty"`
}

// encodeJob serializes j into the broker wire format.
func encodeJob(j *job.Job) ([]byte, error) {
	w := wireJob{
		ID:           j.ID,
		Name:         j.Name,
		Queue:        j.Queue,
		Data:         j.Data,
		Opts:         j.Opts,
		Attempts:     j.AttemptsMade,
		Timestamp:    j.Timestamp.UnixMilli(),
		Progress:     j.Progress,
		State:        j.State,
		FailedReason: j.FailedReason,
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("broker: encode job %s: %w", j.ID, err)
	}
	return body, nil
}

// decodeJob parses a broker message body back into a Job.
func decodeJob(body []byte) (*job.Job, error) {
	var w wireJob
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("broker: decode message: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("broker: decode message: missing id")
	}
	return &job.Job{
		ID:           w.ID,
		Name:         w.Name,
		Queue:        w.Queue,
		Data:         w.Data,
		Opts:         w.Opts,
		AttemptsMade: w.Attempts,
		Timestamp:    time.UnixMilli(w.Timestamp),
		Progress:     w.Progress,
		State:        w.State,
		FailedReason: w.FailedReason,
	}, nil
}
