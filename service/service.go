package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchengine/executor"
	"batchengine/internal"
	"batchengine/logger"
	"batchengine/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Status messages reported per job
const (
	StatusSuccess          = "Success"
	StatusTransformFailed  = "Transform Failed"
	StatusTransformTimeout = "Transform Timeout"
	StatusInvalidRequest   = "Invalid Request"
	StatusPoolExhausted    = "Pool Exhausted"
	StatusPoolClosed       = "Pool Closed"
	StatusWorkerLost       = "Worker Lost"
	StatusInfrastructure   = "Infrastructure Error"
)

type BatchService struct {
	pool        *executor.WorkerPool
	runner      *executor.JobRunner
	coordinator *executor.BatchCoordinator
	streamer    *logger.JobLogStreamer
	logger      *zap.Logger
}

func NewBatchService(pool *executor.WorkerPool, transform executor.TransformConfig, streamer *logger.JobLogStreamer, log *zap.Logger) *BatchService {
	if log == nil {
		log = zap.NewNop()
	}
	runner := executor.NewJobRunner(pool, transform)
	return &BatchService{
		pool:        pool,
		runner:      runner,
		coordinator: executor.NewBatchCoordinator(runner),
		streamer:    streamer,
		logger:      log,
	}
}

// RunJob executes a single job and never returns an error: failures are
// described in the response.
func (s *BatchService) RunJob(ctx context.Context, req model.JobRequest) model.JobResponse {
	if err := validate(req); err != nil {
		return invalid(req, err)
	}

	job := executor.Job{ID: req.JobID, Input: req.Input, Output: req.Output}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Output == "" {
		job.Output = executor.DefaultOutputRef
	}

	res, err := s.runner.Run(ctx, job)
	resp := toResponse(job, res, err)
	s.record(job.ID, resp)
	return resp
}

// RunBatch executes every job concurrently. Invalid jobs are reported in
// their slot without being run.
func (s *BatchService) RunBatch(ctx context.Context, req model.BatchRequest) model.BatchResponse {
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	responses := make([]model.JobResponse, len(req.Jobs))
	jobs := make([]executor.Job, 0, len(req.Jobs))
	slots := make([]int, 0, len(req.Jobs))

	for i, jr := range req.Jobs {
		if err := validate(jr); err != nil {
			responses[i] = invalid(jr, err)
			continue
		}
		output := jr.Output
		if output == "" {
			output = fmt.Sprintf("result_%d.json", i)
		}
		jobs = append(jobs, executor.Job{ID: jr.JobID, Input: jr.Input, Output: output})
		slots = append(slots, i)
	}

	start := time.Now()
	for k, br := range s.coordinator.RunBatch(ctx, jobs) {
		responses[slots[k]] = toResponse(br.Job, br.Result, br.Err)
	}

	out := model.BatchResponse{BatchID: batchID, Results: responses}
	for _, r := range responses {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		s.record(batchID, r)
	}

	s.logger.Info("Batch finished",
		zap.String("batch_id", batchID),
		zap.Int("jobs", len(responses)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Duration("duration", time.Since(start)))
	return out
}

func (s *BatchService) Stats() executor.PoolStats {
	return s.pool.Stats()
}

func (s *BatchService) record(traceID string, resp model.JobResponse) {
	level := zapcore.InfoLevel
	if !resp.Success {
		level = zapcore.WarnLevel
	}
	s.streamer.Log(level, traceID, "Job "+resp.StatusMessage, map[string]any{
		"job_id":         resp.JobID,
		"exit_code":      resp.ExitCode,
		"worker_id":      resp.WorkerID,
		"execution_time": resp.ExecutionTime,
		"error":          resp.Error,
	}, "service", nil)
}

func validate(req model.JobRequest) error {
	if err := internal.ValidateRef(req.Input, false); err != nil {
		return err
	}
	return internal.ValidateRef(req.Output, true)
}

func invalid(req model.JobRequest, err error) model.JobResponse {
	return model.JobResponse{
		JobID:         req.JobID,
		ExitCode:      -1,
		Error:         err.Error(),
		StatusMessage: StatusInvalidRequest,
	}
}

func toResponse(job executor.Job, res executor.JobResult, err error) model.JobResponse {
	if err != nil {
		return model.JobResponse{
			JobID:         job.ID,
			OutputRef:     job.Output,
			ExitCode:      -1,
			Error:         err.Error(),
			StatusMessage: StatusFor(err),
		}
	}

	resp := model.JobResponse{
		JobID:         res.JobID,
		OutputRef:     res.OutputRef,
		ExitCode:      res.ExitCode,
		Output:        res.Output,
		StatusMessage: StatusSuccess,
		Success:       res.Succeeded(),
		ExecutionTime: res.Duration.String(),
		WorkerID:      res.WorkerID,
	}
	if !resp.Success {
		resp.StatusMessage = StatusTransformFailed
		resp.Error = fmt.Sprintf("transform exited with code %d", res.ExitCode)
	}
	return resp
}

// StatusFor maps an infrastructure error to its status message
func StatusFor(err error) string {
	var verr *internal.ValidationError
	switch {
	case errors.As(err, &verr):
		return StatusInvalidRequest
	case errors.Is(err, executor.ErrPoolClosed):
		return StatusPoolClosed
	case errors.Is(err, executor.ErrPoolExhausted):
		return StatusPoolExhausted
	case errors.Is(err, executor.ErrTransformTimeout):
		return StatusTransformTimeout
	case errors.Is(err, executor.ErrWorkerLost):
		return StatusWorkerLost
	default:
		return StatusInfrastructure
	}
}
