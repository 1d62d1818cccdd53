package contracts

import "fmt"

// Frame is a protocol method exchanged with the broker on one channel.
// Channel 0 carries connection-level frames.
type Frame interface {
	ChannelID() uint16
	String() string
}

// ChannelOpen opens a channel on the broker
type ChannelOpen struct {
	Channel uint16
}

// ChannelClose closes a channel. Sent by the client on Close; received when
// the broker closes the channel with an error.
type ChannelClose struct {
	Channel   uint16
	ReplyCode int
	ReplyText string
}

// ConnectionClose reports that the physical connection is gone. Transports
// emit it inbound on channel 0 when the connection is lost or closed.
type ConnectionClose struct {
	ReplyCode int
	ReplyText string
}

// BasicQos limits the number of unacknowledged deliveries on a channel
type BasicQos struct {
	Channel       uint16
	PrefetchCount int
}

// BasicConsume starts a consumer on a queue. Acknowledgement is always
// manual on the broker side; the client decides when to ack.
type BasicConsume struct {
	Channel     uint16
	Queue       string
	ConsumerTag string
	Exclusive   bool
	Arguments   Table
}

// BasicCancel stops a consumer. Sent by the client on cancel; received when
// the broker cancels a consumer (for example, its queue was deleted).
type BasicCancel struct {
	Channel     uint16
	ConsumerTag string
}

// BasicAck acknowledges one delivery, or every outstanding delivery up to
// and including DeliveryTag when Multiple is set
type BasicAck struct {
	Channel     uint16
	DeliveryTag uint64
	Multiple    bool
}

// BasicNack negatively acknowledges deliveries
type BasicNack struct {
	Channel     uint16
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

// BasicReject rejects a single delivery
type BasicReject struct {
	Channel     uint16
	DeliveryTag uint64
	Requeue     bool
}

// BasicPublish publishes a message to an exchange
type BasicPublish struct {
	Channel    uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Properties Properties
	Body       []byte
}

// BasicDeliver carries a message pushed by the broker to a consumer
type BasicDeliver struct {
	Channel     uint16
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  Properties
	Body        []byte
}

func (f *ChannelOpen) ChannelID() uint16     { return f.Channel }
func (f *ChannelClose) ChannelID() uint16    { return f.Channel }
func (f *ConnectionClose) ChannelID() uint16 { return 0 }
func (f *BasicQos) ChannelID() uint16        { return f.Channel }
func (f *BasicConsume) ChannelID() uint16    { return f.Channel }
func (f *BasicCancel) ChannelID() uint16     { return f.Channel }
func (f *BasicAck) ChannelID() uint16        { return f.Channel }
func (f *BasicNack) ChannelID() uint16       { return f.Channel }
func (f *BasicReject) ChannelID() uint16     { return f.Channel }
func (f *BasicPublish) ChannelID() uint16    { return f.Channel }
func (f *BasicDeliver) ChannelID() uint16    { return f.Channel }

func (f *ChannelOpen) String() string {
	return fmt.Sprintf("channel.open ch=%d", f.Channel)
}

func (f *ChannelClose) String() string {
	return fmt.Sprintf("channel.close ch=%d code=%d text=%q", f.Channel, f.ReplyCode, f.ReplyText)
}

func (f *ConnectionClose) String() string {
	return fmt.Sprintf("connection.close code=%d text=%q", f.ReplyCode, f.ReplyText)
}

func (f *BasicQos) String() string {
	return fmt.Sprintf("basic.qos ch=%d prefetch=%d", f.Channel, f.PrefetchCount)
}

func (f *BasicConsume) String() string {
	return fmt.Sprintf("basic.consume ch=%d queue=%s tag=%s exclusive=%t", f.Channel, f.Queue, f.ConsumerTag, f.Exclusive)
}

func (f *BasicCancel) String() string {
	return fmt.Sprintf("basic.cancel ch=%d tag=%s", f.Channel, f.ConsumerTag)
}

func (f *BasicAck) String() string {
	return fmt.Sprintf("basic.ack ch=%d tag=%d multiple=%t", f.Channel, f.DeliveryTag, f.Multiple)
}

func (f *BasicNack) String() string {
	return fmt.Sprintf("basic.nack ch=%d tag=%d multiple=%t requeue=%t", f.Channel, f.DeliveryTag, f.Multiple, f.Requeue)
}

func (f *BasicReject) String() string {
	return fmt.Sprintf("basic.reject ch=%d tag=%d requeue=%t", f.Channel, f.DeliveryTag, f.Requeue)
}

func (f *BasicPublish) String() string {
	return fmt.Sprintf("basic.publish ch=%d exchange=%q key=%q size=%d", f.Channel, f.Exchange, f.RoutingKey, len(f.Body))
}

func (f *BasicDeliver) String() string {
	return fmt.Sprintf("basic.deliver ch=%d tag=%s delivery=%d key=%q redelivered=%t", f.Channel, f.ConsumerTag, f.DeliveryTag, f.RoutingKey, f.Redelivered)
}
