package model

// JobRequest is a single job submission. Refs are relative to the
// configured input and output directories.
type JobRequest struct {
	JobID  string `json:"job_id,omitempty"`
	Input  string `json:"input" binding:"required"`
	Output string `json:"output,omitempty"`
}

// BatchRequest submits several jobs at once
type BatchRequest struct {
	BatchID string       `json:"batch_id,omitempty"`
	Jobs    []JobRequest `json:"jobs" binding:"required,min=1,dive"`
}

// JobResponse represents the outcome of one job
type JobResponse struct {
	JobID         string `json:"job_id"`
	OutputRef     string `json:"output_ref,omitempty"`
	ExitCode      int    `json:"exit_code"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"status_message"`
	Success       bool   `json:"success"`
	ExecutionTime string `json:"execution_time,omitempty"`
	WorkerID      string `json:"worker_id,omitempty"`
}

// BatchResponse holds per-job responses in submission order
type BatchResponse struct {
	BatchID   string        `json:"batch_id"`
	Results   []JobResponse `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}
