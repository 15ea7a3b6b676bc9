// Package redisstream provides a Redis Streams transport for hellobus.
//
// Transport name: "redis-streams"
//
// Each topic is a stream; each subscriber group is a Redis consumer group, so
// every group receives every entry while consumers inside a group share them.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db, tls, tls_server_name
//   - consumer: consumer name inside the group (default "hellobus-<host>-<pid>")
//   - concurrency: workers per subscription (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving Nacked entries (optional)
//   - max_len_approx: approximate stream cap on XADD (optional)
//   - claim_min_idle: idle time before a pending entry is redelivered (default 30s, 0 disables)
//   - claim_batch, claim_interval: pending entry recovery (defaults 128, 15s)
//   - logger: zerolog.Logger, filled in by the bus builder
//
// Example:
//
//	bus, _ := hellobus.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "concurrency": 4,
//	        "block":       "2s",
//	        "dead_letter": "common.message-dlq",
//	    }).
//	    Build()
package redisstream

// stream entry field names
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw bytes
	fieldProducedAt = "producedAt" // unix ns
	fieldMetaPrefix = "meta:"
)
