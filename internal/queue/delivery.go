package queue

import (
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderRetryCount = "retry_count"
	HeaderDeath      = "x-death"

	// HeaderDeathCount carries the x-death count of a message onto the
	// error exchange, where the broker's own x-death history is dropped.
	HeaderDeathCount = "x-death-count"
)

// Headers is an immutable snapshot of a delivery's header table.
type Headers struct {
	table amqp.Table
}

func NewHeaders(t amqp.Table) Headers {
	if len(t) == 0 {
		return Headers{}
	}
	cp := make(amqp.Table, len(t))
	for k, v := range t {
		cp[k] = v
	}
	return Headers{table: cp}
}

func (h Headers) Get(key string) (any, bool) {
	v, ok := h.table[key]
	return v, ok
}

func (h Headers) Len() int {
	return len(h.table)
}

// Table returns a copy of the headers suitable for publishing.
func (h Headers) Table() amqp.Table {
	if len(h.table) == 0 {
		return nil
	}
	cp := make(amqp.Table, len(h.table))
	for k, v := range h.table {
		cp[k] = v
	}
	return cp
}

// With returns a new snapshot with key set to v. The receiver is unchanged.
func (h Headers) With(key string, v any) Headers {
	cp := make(amqp.Table, len(h.table)+1)
	for k, val := range h.table {
		cp[k] = val
	}
	cp[key] = v
	return Headers{table: cp}
}

// RetryCount returns the retry_count header as an integer, 0 if absent or unparseable.
func (h Headers) RetryCount() int {
	v, ok := h.table[HeaderRetryCount]
	if !ok {
		return 0
	}
	return toInt(v)
}

// DeathCount returns the number of x-death records the broker attached.
func (h Headers) DeathCount() int {
	switch deaths := h.table[HeaderDeath].(type) {
	case []any:
		return len(deaths)
	case []amqp.Table:
		return len(deaths)
	default:
		return 0
	}
}

// ErrorDeathCount returns the x-death-count header stamped on messages
// moved to the error exchange, 0 if absent.
func (h Headers) ErrorDeathCount() int {
	v, ok := h.table[HeaderDeathCount]
	if !ok {
		return 0
	}
	return toInt(v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	case []byte:
		i, err := strconv.Atoi(strings.TrimSpace(string(n)))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

// Delivery identifies one delivered message and its broker metadata.
// It is disposed of exactly once by the acknowledgment handler.
type Delivery struct {
	Tag         uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Headers     Headers
	Body        []byte
}

// RedeliveryCount is the length of the broker's x-death history.
func (d Delivery) RedeliveryCount() int {
	return d.Headers.DeathCount()
}

func FromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Tag:         d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     NewHeaders(d.Headers),
		Body:        d.Body,
	}
}
