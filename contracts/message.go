// Package contracts holds the message types shared by producers and consumers.
package contracts

// MessageName is the event name the bus carries Message under.
const MessageName = "Message"

// DefaultTopic is the topic Message is published to unless configured otherwise.
const DefaultTopic = "common.message"

// Message is the hello world payload: a single line of text.
type Message struct {
	Text string `json:"text"`
}

// EventName ties Message to MessageName on the bus.
func (Message) EventName() string { return MessageName }
