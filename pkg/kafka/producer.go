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

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventStepCompleted      = "step.completed"
)

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, topic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers: brokerList,
		Topic:   topic,
	}
}

// MessageWriter is the part of kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes workflow lifecycle events
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter builds a producer on an existing writer
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ExecutionEventMessage is a lifecycle event for a workflow execution.
type ExecutionEventMessage struct {
	Type          string               `json:"type"`
	ExecutionID   string               `json:"execution_id"`
	ExecutionName string               `json:"execution_name"`
	State         models.WorkflowState `json:"state"`
	Error         string               `json:"error,omitempty"`
	Step          *models.StepResult   `json:"step,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	TraceID       string               `json:"trace_id,omitempty"`
}

// ExecutionStarted publishes execution.started
func (p *Producer) ExecutionStarted(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.PublishExecutionEvent(ctx, &ExecutionEventMessage{
		Type:          EventExecutionStarted,
		ExecutionID:   execution.ID.String(),
		ExecutionName: execution.Name,
		State:         execution.State,
	})
}

// ExecutionCompleted publishes execution.completed with the terminal state
func (p *Producer) ExecutionCompleted(ctx context.Context, execution *models.WorkflowExecution) error {
	evt := &ExecutionEventMessage{
		Type:          EventExecutionCompleted,
		ExecutionID:   execution.ID.String(),
		ExecutionName: execution.Name,
		State:         execution.State,
	}
	if execution.ErrorMessage != nil {
		evt.Error = *execution.ErrorMessage
	}
	return p.PublishExecutionEvent(ctx, evt)
}

// StepCompleted publishes step.completed
func (p *Producer) StepCompleted(ctx context.Context, execution *models.WorkflowExecution, step *models.StepResult) error {
	return p.PublishExecutionEvent(ctx, &ExecutionEventMessage{
		Type:          EventStepCompleted,
		ExecutionID:   execution.ID.String(),
		ExecutionName: execution.Name,
		State:         step.Stage,
		Step:          step,
	})
}

// PublishExecutionEvent writes one event keyed by execution name so events of
// an execution stay ordered on one partition.
func (p *Producer) PublishExecutionEvent(ctx context.Context, evt *ExecutionEventMessage) error {
	if evt == nil {
		return fmt.Errorf("execution event is nil")
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishExecutionEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("execution_name", evt.ExecutionName),
		attribute.String("event_type", evt.Type),
	)

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal execution event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "execution_id", Value: []byte(evt.ExecutionID)},
		{Key: "execution_name", Value: []byte(evt.ExecutionName)},
		{Key: "type", Value: []byte(evt.Type)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.ExecutionName),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish execution event to Kafka topic %s", p.topic)
		return err
	}

	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published %s for %s", evt.Type, evt.ExecutionName)
	return nil
}
