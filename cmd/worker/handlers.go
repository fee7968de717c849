package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/serialization"
)

// Example processors for demonstration. Replace these with your actual job
// processors.

var payloadSerializer = serialization.NewJSONSerializer()

func defaultJobTypes() []string {
	return []string{"count_items", "send_email", "process_data"}
}

func lookupProcessor(jobType string) (queue.Processor, bool) {
	switch jobType {
	case "count_items":
		return processCountItems, true
	case "send_email":
		return processSendEmail, true
	case "process_data":
		return processData, true
	default:
		return nil, false
	}
}

// processCountItems counts items in a JSON array payload
func processCountItems(ctx context.Context, j *job.Job) ([]byte, error) {
	var items []string
	if err := payloadSerializer.Unmarshal(j.Data, &items); err != nil {
		return nil, err
	}
	logger.Default().Info("counted items", "job_id", j.ID, "count", len(items))
	return json.Marshal(map[string]int{"count": len(items)})
}

// processSendEmail simulates sending an email
func processSendEmail(ctx context.Context, j *job.Job) ([]byte, error) {
	var email struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := payloadSerializer.Unmarshal(j.Data, &email); err != nil {
		return nil, err
	}
	logger.Default().Info("sending email", "job_id", j.ID, "to", email.To)
	select {
	case <-time.After(2 * time.Second): // Simulate work
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]string{"status": "sent", "to": email.To})
}

// processData simulates data processing
func processData(ctx context.Context, j *job.Job) ([]byte, error) {
	logger.Default().Info("processing data", "job_id", j.ID)
	select {
	case <-time.After(3 * time.Second): // Simulate work
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]string{"status": "processed"})
}
