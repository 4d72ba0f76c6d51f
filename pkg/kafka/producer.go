package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers     []string
	RecordTopic string
	ErrorTopic  string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, recordTopic string, errorTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:     brokerList,
		RecordTopic: recordTopic,
		ErrorTopic:  errorTopic,
	}
}

// Producer publishes monitored call records for downstream consumers
type Producer struct {
	writer      *kafka.Writer
	errorWriter *kafka.Writer
	logger      ectologger.Logger
	topic       string
	errorTopic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.RecordTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		// Without this, a first publish may fail with "Unknown Topic Or Partition".
		AllowAutoTopicCreation: true,
	}

	errorWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.ErrorTopic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:      writer,
		errorWriter: errorWriter,
		logger:      logger,
		topic:       cfg.RecordTopic,
		errorTopic:  cfg.ErrorTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	if err := p.writer.Close(); err != nil {
		firstErr = err
	}
	if p.errorWriter != nil {
		if err := p.errorWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ToolCallRecordMessage is the durable record of one monitored tool call,
// published for downstream analytics consumers.
type ToolCallRecordMessage struct {
	// Metadata
	TenantID      string    `json:"tenant_id"`
	SessionID     string    `json:"session_id"`
	IntegrationID string    `json:"integration_id,omitempty"`
	ExecutionID   string    `json:"execution_id"`
	ToolName      string    `json:"tool_name"`
	Timestamp     time.Time `json:"timestamp"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Request details
	RequestMethod   string `json:"request_method"`
	RequestEndpoint string `json:"request_endpoint"`

	// Outcome
	Status            string `json:"status"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ResponseSize      int64  `json:"response_size,omitempty"`
	ContentType       string `json:"content_type,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
}

func (p *Producer) headers(ctx context.Context, msg *ToolCallRecordMessage) []kafka.Header {
	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(msg.TenantID)},
		{Key: "session_id", Value: []byte(msg.SessionID)},
		{Key: "execution_id", Value: []byte(msg.ExecutionID)},
		{Key: "tool_name", Value: []byte(msg.ToolName)},
	}
	// W3C trace context headers for distributed tracing
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}
	return headers
}

// PublishRecord publishes a tool call record to the record topic
func (p *Producer) PublishRecord(ctx context.Context, msg *ToolCallRecordMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishRecord")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("execution_id", msg.ExecutionID),
		attribute.String("tool_name", msg.ToolName),
	)

	msg.TraceID = tracing.GetTraceID(ctx)
	msg.SpanID = tracing.GetSpanID(ctx)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// tenant_id + session_id keys keep a session's records in one partition
	key := fmt.Sprintf("%s:%s", msg.TenantID, msg.SessionID)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: p.headers(ctx, msg),
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).Debugf("Published tool call record to Kafka: execution=%s tool=%s status=%s trace=%s",
		msg.ExecutionID, msg.ToolName, msg.Status, msg.TraceID)

	return nil
}

// PublishError publishes a failed call record to the error topic.
func (p *Producer) PublishError(ctx context.Context, msg *ToolCallRecordMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishError")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.errorTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("execution_id", msg.ExecutionID),
		attribute.String("error_kind", msg.ErrorKind),
	)

	msg.TraceID = tracing.GetTraceID(ctx)
	msg.SpanID = tracing.GetSpanID(ctx)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if p.errorWriter == nil {
		return fmt.Errorf("errorWriter is nil (error topic not configured)")
	}

	key := fmt.Sprintf("%s:%s", msg.TenantID, msg.SessionID)

	if err := p.errorWriter.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: p.headers(ctx, msg),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.errorTopic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka error topic %s", p.errorTopic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.errorTopic, "success")
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}
