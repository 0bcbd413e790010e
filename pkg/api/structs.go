package api

import (
	"github.com/codemug/certgate/pkg/jobs"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Id      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type GenerateResponse struct {
	Success bool            `json:"success"`
	Id      string          `json:"id"`
	Message string          `json:"message"`
	Files   []jobs.Artifact `json:"files"`
}

type QueuedResponse struct {
	Success           bool   `json:"success"`
	Queued            bool   `json:"queued"`
	Id                string `json:"id"`
	Message           string `json:"message"`
	QueuePosition     int    `json:"queuePosition"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
	CurrentProcessing int    `json:"currentProcessing"`
	MaxConcurrent     int    `json:"maxConcurrent"`
}

type QueueStatus struct {
	Success              bool `json:"success"`
	CurrentProcessing    int  `json:"currentProcessing"`
	QueueLength          int  `json:"queueLength"`
	MaxConcurrent        int  `json:"maxConcurrent"`
	MaxRequestsPerMinute int  `json:"maxRequestsPerMinute"`
	MaxTempDirs          int  `json:"maxTempDirs"`
	IsAcceptingRequests  bool `json:"isAcceptingRequests"`
}

type JobStatus struct {
	Success bool `json:"success"`
	jobs.Record
	QueuePosition int `json:"queuePosition,omitempty"`
}

type HealthResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
