package api

import (
	"exploit-executor/internal/executor"
	"exploit-executor/internal/model"
)

// CommandResponse acknowledges a published job command.
type CommandResponse struct {
	Action model.Action `json:"action"`
	JobID  int64        `json:"job_id"`
	Status string       `json:"status"` // accepted
}

// InFlightResponse lists the jobs this executor is currently running.
type InFlightResponse struct {
	Count int                 `json:"count"`
	Jobs  []executor.InFlight `json:"jobs"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Database     bool   `json:"database"`
	JobsInFlight int    `json:"jobs_in_flight"`
	Uptime       string `json:"uptime"`
}
