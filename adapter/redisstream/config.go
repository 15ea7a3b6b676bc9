package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"github.com/trickstertwo/hellobus"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery; disabled when ClaimMinIdle is 0.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Logger receives transport warnings. Nil takes the bus logger.
	Logger *zerolog.Logger
}

// Defaults returns a Config usable against a local Redis.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "hellobus"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("hellobus-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config before connecting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	m := map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
	if c.Logger != nil {
		m[hellobus.LoggerOption] = c.Logger
	}
	return m
}

// ConfigFromMap overlays m onto Defaults. Zero or empty values keep the default
// for fields where zero is meaningless (addr, consumer, sizes, durations).
// An explicit claim_min_idle of 0 turns pending entry recovery off.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v := cast.ToString(m["addr"]); v != "" {
		c.Addr = v
	}
	c.Username = cast.ToString(m["username"])
	c.Password = cast.ToString(m["password"])
	c.DB = cast.ToInt(m["db"])
	c.TLS = cast.ToBool(m["tls"])
	c.TLSServerName = cast.ToString(m["tls_server_name"])
	if v := cast.ToString(m["consumer"]); v != "" {
		c.Consumer = v
	}
	if v := cast.ToInt(m["concurrency"]); v > 0 {
		c.Concurrency = v
	}
	if v := cast.ToInt(m["batch_size"]); v > 0 {
		c.BatchSize = v
	}
	if v := cast.ToDuration(m["block"]); v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"]; ok {
		c.AutoCreate = cast.ToBool(v)
	}
	c.AutoDeleteOnAck = cast.ToBool(m["auto_delete_on_ack"])
	c.DeadLetter = cast.ToString(m["dead_letter"])
	if v := cast.ToInt64(m["max_len_approx"]); v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := m["claim_min_idle"]; ok {
		c.ClaimMinIdle = cast.ToDuration(v)
	}
	if v := cast.ToInt(m["claim_batch"]); v > 0 {
		c.ClaimBatch = v
	}
	if v := cast.ToDuration(m["claim_interval"]); v > 0 {
		c.ClaimInterval = v
	}
	if _, ok := m[hellobus.LoggerOption]; ok {
		l := hellobus.LoggerOf(m)
		c.Logger = &l
	}

	return c
}
