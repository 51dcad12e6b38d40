package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Custom log level for NOTICE (below DebugLevel, non-error informational logs)
const NoticeLevel zapcore.Level = -2

// logEntry is one job record shipped to the log ingest
type logEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"` // batch id, groups the jobs of one submission
	Layer      string         `json:"layer"`
	Attributes map[string]any `json:"attributes"`
}

// JobLogStreamer ships per-job records to a file (development) or a log
// ingest endpoint (production). Every record is mirrored to zap.
type JobLogStreamer struct {
	sourceToken string
	environment string
	uploadURL   string
	logger      *zap.Logger
	client      *http.Client
	fileWriter  io.Writer
	fileMu      sync.Mutex
	inflight    sync.WaitGroup
}

func NewJobLogStreamer(sourceToken, environment, uploadURL string, logger *zap.Logger) *JobLogStreamer {
	streamer := &JobLogStreamer{
		sourceToken: sourceToken,
		environment: environment,
		uploadURL:   uploadURL,
		logger:      logger,
	}

	if environment == "development" {
		f, err := os.OpenFile("jobs.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("Failed to open log file", zap.Error(err))
			streamer.fileWriter = os.Stderr
		} else {
			streamer.fileWriter = f
		}
	}

	if environment == "production" && uploadURL != "" {
		streamer.client = &http.Client{Timeout: 10 * time.Second}
	}

	return streamer
}

// Log records one job event. Records without a trace id are dropped.
func (s *JobLogStreamer) Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error) {
	if s == nil || traceID == "" {
		return
	}

	if attributes == nil {
		attributes = make(map[string]any)
	}
	if err != nil {
		attributes["error"] = err.Error()
	}

	entry := logEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelName(level),
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	}

	body, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		s.logger.Error("Failed to marshal log", zap.Error(marshalErr))
		return
	}

	switch {
	case s.fileWriter != nil:
		s.fileMu.Lock()
		_, writeErr := s.fileWriter.Write(append(body, '\n'))
		s.fileMu.Unlock()
		if writeErr != nil {
			s.logger.Error("Failed to write log to file", zap.Error(writeErr))
		}
	case s.client != nil:
		s.upload(body)
	}

	fields := []zap.Field{zap.String("trace_id", traceID), zap.Any("attributes", attributes)}
	if level == NoticeLevel {
		level = zapcore.InfoLevel
	}
	s.logger.Log(level, message, fields...)
}

func (s *JobLogStreamer) upload(body []byte) {
	req, err := http.NewRequest(http.MethodPost, s.uploadURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to create HTTP request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.sourceToken)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Error("Failed to ship job log", zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			s.logger.Error("Unexpected response from log ingest", zap.String("status", resp.Status))
		}
	}()
}

// Flush waits for in-flight uploads
func (s *JobLogStreamer) Flush() {
	if s == nil {
		return
	}
	s.inflight.Wait()
}

func levelName(level zapcore.Level) string {
	switch level {
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.WarnLevel:
		return "WARN"
	case zapcore.InfoLevel:
		return "INFO"
	case NoticeLevel:
		return "NOTICE"
	case zapcore.DebugLevel:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}
