// Package jobs defines the job record shared by producers and workers,
// and the table of functions workers are allowed to invoke.
package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the lifecycle state of a job.
type Status string

// Job states.
const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
	StatusScheduled Status = "scheduled"
)

// Retention defaults.
// Failures are kept much longer than results, since they need investigation.
const (
	DefaultResultTTL  = 500 * time.Second
	DefaultFailureTTL = 24 * time.Hour
)

// ErrUnserializable is returned when job arguments or results cannot be encoded.
var ErrUnserializable = errors.New("unserializable value")

// Special TTL values.
// A zero TTL in enqueue options selects the default.
const (
	TTLForever time.Duration = -1 // never expire
	TTLDiscard time.Duration = -2 // delete as soon as the job ends
)

// Job is a unit of work stored in the broker.
type Job struct {
	ID     string
	Func   string
	Args   []interface{}
	Kwargs map[string]interface{}
	Origin string // queue name

	Timeout    time.Duration // 0 = worker default, negative = unlimited
	ResultTTL  time.Duration
	FailureTTL time.Duration

	Status       Status
	DependsOn    string
	CreatedAt    time.Time
	EnqueuedAt   time.Time
	ScheduledFor time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	WorkerName   string

	Result  interface{}
	ExcInfo string
}

// Hash field names.
const (
	FieldID         = "id"
	FieldFunc       = "func"
	FieldData       = "data"
	FieldOrigin     = "origin"
	FieldTimeout    = "timeout"
	FieldResultTTL  = "result_ttl"
	FieldFailureTTL = "failure_ttl"
	FieldStatus     = "status"
	FieldDependsOn  = "depends_on"
	FieldCreated    = "created_at"
	FieldEnqueued   = "enqueued_at"
	FieldScheduled  = "scheduled_for"
	FieldStarted    = "started_at"
	FieldEnded      = "ended_at"
	FieldWorker     = "worker_name"
	FieldResult     = "result"
	FieldExcInfo    = "exc_info"
)

// Encode converts the job to a Redis hash.
// The payload is a protobuf-encoded struct, so the hash must travel through a binary-safe client.
func (j *Job) Encode() (map[string]interface{}, error) {
	data, err := EncodePayload(j.Args, j.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	h := map[string]interface{}{
		FieldID:         j.ID,
		FieldFunc:       j.Func,
		FieldData:       data,
		FieldOrigin:     j.Origin,
		FieldTimeout:    formatDuration(j.Timeout),
		FieldResultTTL:  strconv.FormatInt(TTLSeconds(j.ResultTTL), 10),
		FieldFailureTTL: strconv.FormatInt(TTLSeconds(j.FailureTTL), 10),
		FieldStatus:     string(j.Status),
		FieldCreated:    FormatTime(j.CreatedAt),
	}
	if j.DependsOn != "" {
		h[FieldDependsOn] = j.DependsOn
	}
	if !j.EnqueuedAt.IsZero() {
		h[FieldEnqueued] = FormatTime(j.EnqueuedAt)
	}
	if !j.ScheduledFor.IsZero() {
		h[FieldScheduled] = FormatTime(j.ScheduledFor)
	}
	return h, nil
}

// Decode reads a job from a Redis hash.
func Decode(h map[string]string) (*Job, error) {
	j := &Job{
		ID:         h[FieldID],
		Func:       h[FieldFunc],
		Origin:     h[FieldOrigin],
		Status:     Status(h[FieldStatus]),
		DependsOn:  h[FieldDependsOn],
		WorkerName: h[FieldWorker],
		ExcInfo:    h[FieldExcInfo],
	}
	if j.ID == "" {
		return nil, fmt.Errorf("job hash without id")
	}
	var err error
	if j.Args, j.Kwargs, err = DecodePayload([]byte(h[FieldData])); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.Timeout, err = parseDuration(h[FieldTimeout]); err != nil {
		return nil, fmt.Errorf("job %s: invalid timeout: %w", j.ID, err)
	}
	if j.ResultTTL, err = parseTTL(h[FieldResultTTL]); err != nil {
		return nil, fmt.Errorf("job %s: invalid result_ttl: %w", j.ID, err)
	}
	if j.FailureTTL, err = parseTTL(h[FieldFailureTTL]); err != nil {
		return nil, fmt.Errorf("job %s: invalid failure_ttl: %w", j.ID, err)
	}
	for field, dst := range map[string]*time.Time{
		FieldCreated:   &j.CreatedAt,
		FieldEnqueued:  &j.EnqueuedAt,
		FieldScheduled: &j.ScheduledFor,
		FieldStarted:   &j.StartedAt,
		FieldEnded:     &j.EndedAt,
	} {
		if *dst, err = ParseTime(h[field]); err != nil {
			return nil, fmt.Errorf("job %s: invalid %s: %w", j.ID, field, err)
		}
	}
	if res, ok := h[FieldResult]; ok {
		if j.Result, err = DecodeResult([]byte(res)); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

// EncodePayload serializes call arguments.
func EncodePayload(args []interface{}, kwargs map[string]interface{}) ([]byte, error) {
	argList, err := structpb.NewList(args)
	if err != nil {
		return nil, fmt.Errorf("%w: args: %v", ErrUnserializable, err)
	}
	kwargStruct, err := structpb.NewStruct(kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: kwargs: %v", ErrUnserializable, err)
	}
	payload := &structpb.Struct{Fields: map[string]*structpb.Value{
		"args":   structpb.NewListValue(argList),
		"kwargs": structpb.NewStructValue(kwargStruct),
	}}
	return proto.Marshal(payload)
}

// DecodePayload deserializes call arguments.
func DecodePayload(data []byte) ([]interface{}, map[string]interface{}, error) {
	payload := new(structpb.Struct)
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, nil, fmt.Errorf("corrupt payload: %w", err)
	}
	args := payload.GetFields()["args"].GetListValue().AsSlice()
	kwargs := payload.GetFields()["kwargs"].GetStructValue().AsMap()
	return args, kwargs, nil
}

// EncodeResult serializes a job return value.
func EncodeResult(result interface{}) ([]byte, error) {
	v, err := structpb.NewValue(result)
	if err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrUnserializable, err)
	}
	return proto.Marshal(v)
}

// DecodeResult deserializes a job return value.
func DecodeResult(data []byte) (interface{}, error) {
	v := new(structpb.Value)
	if err := proto.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("corrupt result: %w", err)
	}
	return v.AsInterface(), nil
}

// FormatTime encodes a timestamp as unix milliseconds.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixNano()/int64(time.Millisecond), 10)
}

// ParseTime decodes a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ms*int64(time.Millisecond)), nil
}

// Durations are stored as whole seconds, negative values stay negative.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-1"
	}
	return strconv.FormatInt(int64(d/time.Second), 10)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return -1, nil
	}
	return time.Duration(secs) * time.Second, nil
}

func parseTTL(s string) (time.Duration, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	switch {
	case secs < 0:
		return TTLForever, nil
	case secs == 0:
		return TTLDiscard, nil
	default:
		return time.Duration(secs) * time.Second, nil
	}
}

// TTLSeconds converts a retention duration to the value stored in Redis.
// -1 keeps forever, 0 discards.
func TTLSeconds(d time.Duration) int64 {
	switch {
	case d == TTLDiscard:
		return 0
	case d < 0:
		return -1
	case d < time.Second:
		// Round up so short positive TTLs are not mistaken for discard.
		if d > 0 {
			return 1
		}
		return 0
	default:
		return int64(d / time.Second)
	}
}
