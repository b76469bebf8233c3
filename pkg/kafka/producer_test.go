package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

type recordingWriter struct {
	messages []kafkago.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestParseConfig(t *testing.T) {
	cfg := kafka.ParseConfig("a:9092, b:9092", "fern.workflow.events")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
	assert.Equal(t, "fern.workflow.events", cfg.Topic)
}

func TestProducer_ExecutionCompleted(t *testing.T) {
	writer := &recordingWriter{}
	producer := kafka.NewProducerWithWriter(writer, "events", ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	msg := "merge failed"
	execution := &models.WorkflowExecution{ID: uuid.New(), Name: "run-1", State: models.WorkflowStateFailed, ErrorMessage: &msg}
	require.NoError(t, producer.ExecutionCompleted(context.Background(), execution))

	require.Len(t, writer.messages, 1)
	sent := writer.messages[0]
	assert.Equal(t, "run-1", string(sent.Key))
	assert.Equal(t, kafka.EventExecutionCompleted, header(sent, "type"))

	var evt kafka.ExecutionEventMessage
	require.NoError(t, json.Unmarshal(sent.Value, &evt))
	assert.Equal(t, models.WorkflowStateFailed, evt.State)
	assert.Equal(t, "merge failed", evt.Error)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestProducer_StepCompleted(t *testing.T) {
	writer := &recordingWriter{}
	producer := kafka.NewProducerWithWriter(writer, "events", ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	execution := &models.WorkflowExecution{ID: uuid.New(), Name: "run-2"}
	step := &models.StepResult{Sequence: 3, Stage: models.WorkflowStateMerging, Success: true, RowsAffected: 7}
	require.NoError(t, producer.StepCompleted(context.Background(), execution, step))

	var evt kafka.ExecutionEventMessage
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &evt))
	require.NotNil(t, evt.Step)
	assert.Equal(t, int64(7), evt.Step.RowsAffected)
	assert.Equal(t, models.WorkflowStateMerging, evt.State)
}

func TestProducer_WriteFailure(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	producer := kafka.NewProducerWithWriter(writer, "events", ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	err := producer.ExecutionStarted(context.Background(), &models.WorkflowExecution{ID: uuid.New(), Name: "run-3"})
	assert.EqualError(t, err, "broker down")
}
