package natshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"batchengine/executor"
	"batchengine/model"
	"batchengine/service"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoLauncher struct {
	mu  sync.Mutex
	seq int
}

func (e *echoLauncher) Launch(ctx context.Context, spec executor.LaunchSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("nats-worker-%d", e.seq), nil
}

func (e *echoLauncher) InspectStatus(ctx context.Context, ref string) (executor.WorkerStatus, error) {
	return executor.StatusRunning, nil
}

func (e *echoLauncher) Stop(ctx context.Context, ref string) error { return nil }

func (e *echoLauncher) Exec(ctx context.Context, ref string, cmd []string) (executor.ExecResult, error) {
	return executor.ExecResult{Output: "done"}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *recordingPublisher) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	pool, err := executor.NewWorkerPool(&echoLauncher{}, executor.LaunchSpec{Image: "test"}, executor.PoolConfig{
		MaxWorkers:         2,
		HealthPollInterval: 5 * time.Millisecond,
		AcquireTimeout:     time.Second,
		ReconcileInterval:  time.Hour,
	}, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	pub := &recordingPublisher{}
	svc := service.NewBatchService(pool, executor.TransformConfig{}, nil, nil)
	return NewHandler(svc, pub, nil), pub
}

func TestHandleJobRequest(t *testing.T) {
	h, pub := newTestHandler(t)

	data, _ := json.Marshal(model.JobRequest{JobID: "j1", Input: "config1.json"})
	h.HandleJobRequest(context.Background(), &nats.Msg{Subject: SubjectJob, Reply: "_INBOX.1", Data: data})

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "_INBOX.1", pub.subjects[0])

	var resp model.JobResponse
	require.NoError(t, json.Unmarshal(pub.payloads[0], &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "j1", resp.JobID)
	assert.Equal(t, "done", resp.Output)
}

func TestHandleBatchRequest(t *testing.T) {
	h, pub := newTestHandler(t)

	data, _ := json.Marshal(model.BatchRequest{BatchID: "b1", Jobs: []model.JobRequest{
		{Input: "a.json"}, {Input: "b.json"},
	}})
	h.HandleBatchRequest(context.Background(), &nats.Msg{Subject: SubjectBatch, Reply: "_INBOX.2", Data: data})

	require.Len(t, pub.payloads, 1)
	var resp model.BatchResponse
	require.NoError(t, json.Unmarshal(pub.payloads[0], &resp))
	assert.Equal(t, "b1", resp.BatchID)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, "result_1.json", resp.Results[1].OutputRef)
}

func TestHandleJobRequest_BadPayload(t *testing.T) {
	h, pub := newTestHandler(t)

	h.HandleJobRequest(context.Background(), &nats.Msg{Reply: "_INBOX.3", Data: []byte("{not json")})

	require.Len(t, pub.payloads, 1)
	var resp model.JobResponse
	require.NoError(t, json.Unmarshal(pub.payloads[0], &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid Request Format", resp.StatusMessage)
}

func TestHandle_NoReplySubject(t *testing.T) {
	h, pub := newTestHandler(t)

	data, _ := json.Marshal(model.JobRequest{Input: "a.json"})
	h.HandleJobRequest(context.Background(), &nats.Msg{Data: data})
	assert.Empty(t, pub.payloads)
}
