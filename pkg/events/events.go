// Package events publishes job lifecycle and scaling events.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event types.
const (
	JobStarted    = "job.started"
	JobFinished   = "job.finished"
	JobFailed     = "job.failed"
	ScaleUp       = "fleet.scale_up"
	ScaleDown     = "fleet.scale_down"
	WorkerExited  = "fleet.worker_exited"
	SpawnDeferred = "fleet.spawn_deferred"
)

// Event is a single lifecycle notification.
// Zero fields are omitted from the encoded message.
type Event struct {
	Type     string
	Time     time.Time
	JobID    string
	Queue    string
	Func     string
	Worker   string
	Duration time.Duration
	Error    string
	// Scaling
	From    int
	To      int
	Backlog int64
	Pid     int
	Code    int
}

// Key returns the partitioning key of the event.
// Job events of the same job and worker events of the same worker land on the same partition.
func (e *Event) Key() string {
	if e.JobID != "" {
		return e.JobID
	}
	return e.Worker
}

// Encode serializes the event to JSON.
func (e *Event) Encode() ([]byte, error) {
	fields := map[string]interface{}{
		"type": e.Type,
		"time": e.Time.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range map[string]string{
		"job_id": e.JobID,
		"queue":  e.Queue,
		"func":   e.Func,
		"worker": e.Worker,
		"error":  e.Error,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if e.Duration != 0 {
		fields["duration_ms"] = float64(e.Duration) / float64(time.Millisecond)
	}
	if e.From != 0 || e.To != 0 {
		fields["from"] = e.From
		fields["to"] = e.To
	}
	if e.Backlog != 0 {
		fields["backlog"] = e.Backlog
	}
	if e.Pid != 0 {
		fields["pid"] = e.Pid
		fields["exit_code"] = e.Code
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return protojson.Marshal(s)
}

// Sink receives events.
// Emit must not block for long and must not fail the caller.
type Sink interface {
	Emit(e *Event)
}

// Nop discards all events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(*Event) {}

// DefaultBuffer is the number of events a KafkaSink queues before dropping new ones.
const DefaultBuffer = 1024

// KafkaSink writes events to a Kafka topic.
// Messages are sent from a background goroutine,
// so a slow broker never holds up the emitting component.
type KafkaSink struct {
	Producer sarama.SyncProducer
	Topic    string
	Log      *zap.Logger

	lock   sync.RWMutex
	closed bool
	queue  chan *sarama.ProducerMessage
	done   chan struct{}
}

// NewKafkaSink starts a sink queueing up to buffer events.
func NewKafkaSink(producer sarama.SyncProducer, topic string, log *zap.Logger, buffer int) *KafkaSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	k := &KafkaSink{
		Producer: producer,
		Topic:    topic,
		Log:      log,
		queue:    make(chan *sarama.ProducerMessage, buffer),
		done:     make(chan struct{}),
	}
	go k.run()
	return k
}

// Emit queues the event for delivery.
// Events are dropped if the buffer is full or the sink is closed.
func (k *KafkaSink) Emit(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	buf, err := e.Encode()
	if err != nil {
		k.Log.Error("Failed to encode event", zap.String("event.type", e.Type), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.Topic,
		Value: sarama.ByteEncoder(buf),
	}
	if key := e.Key(); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	k.lock.RLock()
	defer k.lock.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- msg:
	default:
		k.Log.Warn("Event buffer full, dropping event", zap.String("event.type", e.Type))
	}
}

func (k *KafkaSink) run() {
	defer close(k.done)
	for msg := range k.queue {
		if _, _, err := k.Producer.SendMessage(msg); err != nil {
			k.Log.Warn("Failed to send event to Kafka", zap.Error(err))
		}
	}
}

// Close delivers the queued events and stops the sink.
// The producer is left open.
func (k *KafkaSink) Close() {
	k.lock.Lock()
	if !k.closed {
		k.closed = true
		close(k.queue)
	}
	k.lock.Unlock()
	<-k.done
}
