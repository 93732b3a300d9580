package models

// EligibilityRequest is the payload for starting an eligibility run
type EligibilityRequest struct {
	Data map[string]any `json:"data"`
	URL  string         `json:"url,omitempty"`
}

// StartResponse is returned when a run is queued in the background
type StartResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// SubmitOTPRequest hands a one-time password to a waiting session
type SubmitOTPRequest struct {
	SessionID string `json:"session_id"`
	OTP       string `json:"otp"`
}

// SubmitOTPResponse acknowledges an accepted code
type SubmitOTPResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AgentStatus reports the admission counters
type AgentStatus struct {
	ActiveJobs int    `json:"active_jobs"`
	QueuedJobs int    `json:"queued_jobs"`
	Status     string `json:"status"`
}
