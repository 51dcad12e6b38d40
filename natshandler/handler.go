package natshandler

import (
	"context"
	"encoding/json"
	"sync"

	"batchengine/model"
	"batchengine/service"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectBatch = "batch.execute.request"
	SubjectJob   = "jobs.execute.request"
)

// Publisher is the part of *nats.Conn used to send replies
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Handler struct {
	svc    *service.BatchService
	pub    Publisher
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewHandler(svc *service.BatchService, pub Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, pub: pub, logger: logger}
}

// Subscribe registers both request subjects. Each message is served on
// its own goroutine so a long batch does not hold up the subscription.
func (h *Handler) Subscribe(ctx context.Context, nc *nats.Conn) ([]*nats.Subscription, error) {
	routes := map[string]func(context.Context, *nats.Msg){
		SubjectBatch: h.HandleBatchRequest,
		SubjectJob:   h.HandleJobRequest,
	}

	subs := make([]*nats.Subscription, 0, len(routes))
	for subject, handle := range routes {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				handle(ctx, msg)
			}()
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Wait blocks until in-flight requests have been answered
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) HandleJobRequest(ctx context.Context, msg *nats.Msg) {
	var req model.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("Failed to parse job request", zap.Error(err))
		h.reply(msg, model.JobResponse{
			Error:         err.Error(),
			ExitCode:      -1,
			StatusMessage: "Invalid Request Format",
		})
		return
	}

	h.reply(msg, h.svc.RunJob(ctx, req))
}

func (h *Handler) HandleBatchRequest(ctx context.Context, msg *nats.Msg) {
	var req model.BatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("Failed to parse batch request", zap.Error(err))
		h.reply(msg, map[string]any{
			"error":          err.Error(),
			"status_message": "Invalid Request Format",
		})
		return
	}

	h.reply(msg, h.svc.RunBatch(ctx, req))
}

func (h *Handler) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	resData, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := h.pub.Publish(msg.Reply, resData); err != nil {
		h.logger.Error("Failed to publish reply",
			zap.String("reply", msg.Reply),
			zap.Error(err))
	}
}
