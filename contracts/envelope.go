package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Broker headers carried on each delivery. The broker is the system of
// record for retry state: the retry count travels in x-retry-count, the
// last handler error in x-last-error.
const (
	HeaderRetryCount = "x-retry-count"
	HeaderLastError  = "x-last-error"
)

// Job is implemented by every job payload published through the exchange.
// Concrete jobs embed JobMeta, which keeps the wire shape flat:
// { "type": ..., "timestamp": ..., "retryCount": ..., <domain fields> }.
type Job interface {
	GetID() string
	GetType() string
	GetTimestamp() int64
	GetRetryCount() int
}

// JobMeta provides the common envelope fields for all job types.
// Timestamp is epoch milliseconds. Both timestamp and retryCount are
// optional on the wire; the publisher stamps defaults for absent fields
// and consumers tolerate missing values.
type JobMeta struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// NewJobMeta creates job metadata with a generated ID and current timestamp.
func NewJobMeta(jobType string) JobMeta {
	return JobMeta{
		ID:        uuid.New().String(),
		Type:      jobType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// GetID returns the job ID.
func (m JobMeta) GetID() string { return m.ID }

// GetType returns the job type.
func (m JobMeta) GetType() string { return m.Type }

// GetTimestamp returns the job creation time in epoch milliseconds.
func (m JobMeta) GetTimestamp() int64 { return m.Timestamp }

// GetRetryCount returns the retry count the job was published with.
func (m JobMeta) GetRetryCount() int { return m.RetryCount }

// Time returns the job timestamp as a time.Time.
func (m JobMeta) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// MessageEnvelope pairs a parsed job with the broker delivery fields and
// properties it arrived with. It is created per delivery and its ownership
// ends at ack or nack.
type MessageEnvelope struct {
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	ContentType string
	Priority    uint8
	Headers     map[string]interface{}
	RetryCount  int
	LastError   string
}

// RetryCountFromHeaders reads the x-retry-count header, tolerating the
// integer widths AMQP clients use for header values. Absent or malformed
// headers count as zero.
func RetryCountFromHeaders(headers map[string]interface{}) int {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// LastErrorFromHeaders reads the x-last-error header if present.
func LastErrorFromHeaders(headers map[string]interface{}) string {
	if headers == nil {
		return ""
	}
	if s, ok := headers[HeaderLastError].(string); ok {
		return s
	}
	return ""
}
