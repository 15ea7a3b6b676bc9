// Package kafka provides a Kafka transport for hellobus built on kafka-go.
//
// Transport name: "kafka"
//
// Each topic is a Kafka topic and each subscriber group is a Kafka consumer
// group, so every group reads every record while readers inside a group split
// the partitions.
//
// Config keys:
//   - brokers: list or comma separated string (default "localhost:9092")
//   - concurrency: fetch workers per subscription (default 1)
//   - start_offset: "first" or "last" for groups without a committed offset (default "last")
//   - dead_letter: topic receiving Nacked records (optional)
//   - required_acks: "none", "one" or "all" (default "one")
//   - auto_create_topics: let the writer create missing topics (default true)
//   - batch_timeout: writer flush interval (default 10ms)
//   - max_wait: reader fetch wait (default 500ms)
//   - max_bytes: reader fetch size cap (default 10MB)
//   - logger: zerolog.Logger, filled in by the bus builder
//
// Without dead_letter a Nacked record is logged at warn and left uncommitted,
// and the next commit on its partition moves past it.
package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"

	"github.com/trickstertwo/hellobus"
)

// Config for the Kafka transport.
type Config struct {
	Brokers          []string
	Concurrency      int
	StartOffset      string
	DeadLetter       string
	RequiredAcks     string
	AutoCreateTopics bool
	BatchTimeout     time.Duration
	MaxWait          time.Duration
	MaxBytes         int

	// Logger receives transport warnings. Nil takes the bus logger.
	Logger *zerolog.Logger
}

// Defaults returns a Config for a single local broker.
func Defaults() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Concurrency:      1,
		StartOffset:      "last",
		RequiredAcks:     "one",
		AutoCreateTopics: true,
		BatchTimeout:     10 * time.Millisecond,
		MaxWait:          500 * time.Millisecond,
		MaxBytes:         10e6,
	}
}

// Validate checks Config before building readers and writers.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: brokers required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	switch c.StartOffset {
	case "first", "last":
	default:
		return fmt.Errorf("config: start_offset must be first or last, got %q", c.StartOffset)
	}
	switch c.RequiredAcks {
	case "none", "one", "all":
	default:
		return fmt.Errorf("config: required_acks must be none, one or all, got %q", c.RequiredAcks)
	}
	return nil
}

func (c Config) startOffset() int64 {
	if c.StartOffset == "first" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

func (c Config) requiredAcks() kafka.RequiredAcks {
	switch c.RequiredAcks {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

func (c Config) toMap() map[string]any {
	m := map[string]any{
		"brokers":            c.Brokers,
		"concurrency":        c.Concurrency,
		"start_offset":       c.StartOffset,
		"dead_letter":        c.DeadLetter,
		"required_acks":      c.RequiredAcks,
		"auto_create_topics": c.AutoCreateTopics,
		"batch_timeout":      c.BatchTimeout,
		"max_wait":           c.MaxWait,
		"max_bytes":          c.MaxBytes,
	}
	if c.Logger != nil {
		m[hellobus.LoggerOption] = c.Logger
	}
	return m
}

// ConfigFromMap overlays m onto Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	switch v := m["brokers"].(type) {
	case nil:
	case string:
		if brokers := splitList(v); len(brokers) > 0 {
			c.Brokers = brokers
		}
	default:
		if brokers := cast.ToStringSlice(v); len(brokers) > 0 {
			c.Brokers = brokers
		}
	}
	if v := cast.ToInt(m["concurrency"]); v > 0 {
		c.Concurrency = v
	}
	if v := strings.ToLower(cast.ToString(m["start_offset"])); v != "" {
		c.StartOffset = v
	}
	c.DeadLetter = cast.ToString(m["dead_letter"])
	if v := strings.ToLower(cast.ToString(m["required_acks"])); v != "" {
		c.RequiredAcks = v
	}
	if v, ok := m["auto_create_topics"]; ok {
		c.AutoCreateTopics = cast.ToBool(v)
	}
	if v := cast.ToDuration(m["batch_timeout"]); v > 0 {
		c.BatchTimeout = v
	}
	if v := cast.ToDuration(m["max_wait"]); v > 0 {
		c.MaxWait = v
	}
	if v := cast.ToInt(m["max_bytes"]); v > 0 {
		c.MaxBytes = v
	}
	if _, ok := m[hellobus.LoggerOption]; ok {
		l := hellobus.LoggerOf(m)
		c.Logger = &l
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
