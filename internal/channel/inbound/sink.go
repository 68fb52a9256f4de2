package inbound

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Record is one debug observation of a dispatch.
type Record struct {
	InstanceID int64     `json:"instance_id"`
	Stage      string    `json:"stage"`
	Payload    any       `json:"payload"`
	At         time.Time `json:"at"`
}

// Sink receives debug records for instances with debug flags set.
type Sink interface {
	Record(ctx context.Context, r Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record)

func (f SinkFunc) Record(ctx context.Context, r Record) { f(ctx, r) }

// LogSink writes records to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{logger: log.With(slog.String("service", "debug_sink"))}
}

func (s *LogSink) Record(ctx context.Context, r Record) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		s.logger.Warn("debug payload not encodable", slog.String("stage", r.Stage), slog.Any("error", err))
		return
	}
	s.logger.InfoContext(ctx, "debug record",
		slog.Int64("instance_id", r.InstanceID),
		slog.String("stage", r.Stage),
		slog.String("payload", string(payload)),
	)
}

// Fanout forwards every record to each sink.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, r Record) {
	for _, s := range f {
		if s != nil {
			s.Record(ctx, r)
		}
	}
}
