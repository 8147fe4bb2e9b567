package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func decode(t *testing.T, buf []byte) map[string]interface{} {
	s := new(structpb.Struct)
	require.NoError(t, protojson.Unmarshal(buf, s))
	return s.AsMap()
}

func TestEvent_Encode(t *testing.T) {
	e := &Event{
		Type:     JobFinished,
		Time:     time.Unix(1600000000, 0),
		JobID:    "j1",
		Queue:    "default",
		Duration: 1500 * time.Millisecond,
	}
	buf, err := e.Encode()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"type":        JobFinished,
		"time":        "2020-09-13T12:26:40Z",
		"job_id":      "j1",
		"queue":       "default",
		"duration_ms": 1500.0,
	}, decode(t, buf))
	assert.Equal(t, "j1", e.Key())

	scale := &Event{Type: ScaleUp, Time: time.Unix(0, 0), From: 1, To: 3, Backlog: 150}
	buf, err = scale.Encode()
	require.NoError(t, err)
	fields := decode(t, buf)
	assert.Equal(t, 1.0, fields["from"])
	assert.Equal(t, 3.0, fields["to"])
	assert.Equal(t, 150.0, fields["backlog"])
	assert.Empty(t, scale.Key())
}

func TestKafkaSink(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { assert.NoError(t, producer.Close()) }()
	sink := NewKafkaSink(producer, "fleet-events", zaptest.NewLogger(t), 0)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		fields := decode(t, val)
		if fields["type"] != WorkerExited || fields["worker"] != "w1" {
			return errors.New("unexpected event")
		}
		return nil
	})
	sink.Emit(&Event{Type: WorkerExited, Worker: "w1", Pid: 123, Code: 1})

	// Delivery errors are swallowed.
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sink.Emit(&Event{Type: JobStarted, JobID: "j2"})

	// Close waits for queued events, later ones are dropped.
	sink.Close()
	sink.Emit(&Event{Type: JobStarted, JobID: "j3"})
	sink.Close()

	Nop{}.Emit(&Event{Type: JobStarted})
}

// stalledProducer blocks every send until released.
type stalledProducer struct {
	sarama.SyncProducer
	release chan struct{}
	lock    sync.Mutex
	sent    int
}

func (p *stalledProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sent++
	return 0, 0, nil
}

func TestKafkaSink_SlowBroker(t *testing.T) {
	producer := &stalledProducer{release: make(chan struct{})}
	sink := NewKafkaSink(producer, "fleet-events", zaptest.NewLogger(t), 2)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 10; i++ {
			sink.Emit(&Event{Type: ScaleUp, From: i, To: i + 1})
		}
	}()
	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a stalled broker")
	}

	close(producer.release)
	sink.Close()
	producer.lock.Lock()
	defer producer.lock.Unlock()
	// One message in flight plus a full buffer, the rest was dropped.
	assert.GreaterOrEqual(t, producer.sent, 2)
	assert.LessOrEqual(t, producer.sent, 3)
}
