package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/google/uuid"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("inmemory: broker closed")

// Broker is an in-process AMQP broker implementing contracts.Broker. Queues
// hold their ready messages in buntdb; routing is limited to the default
// exchange.
//
// Consumption is always acknowledged manually: every delivery stays unacked
// on its channel until the client acks, nacks or rejects it, or the channel
// closes. Prefetch limits apply per channel.
type Broker struct {
	logger *slog.Logger
	path   string
	store  *messageStore

	mu       sync.Mutex
	handler  contracts.FrameHandler
	queues   map[string]*queue
	channels map[uint16]*channel
	queueID  uint64
	seq      uint64
	closed   bool

	// frames for the client, emitted in order by the delivery loop
	outbox []contracts.Frame
	kick   chan struct{}
	done   chan struct{}

	// held by the delivery loop while it hands a batch to the client
	emitMu sync.Mutex
}

type queue struct {
	id        uint64
	name      string
	options   contracts.QueueOptions
	consumers []*consumer
	next      int
}

type consumer struct {
	tag       string
	channel   *channel
	queue     *queue
	exclusive bool
}

type channel struct {
	id        uint16
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*unackedMessage
	consumers map[string]*consumer
}

type unackedMessage struct {
	queue       *queue
	consumerTag string
	record      messageRecord
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPath stores messages in a buntdb file instead of memory
func WithPath(path string) Option {
	return func(b *Broker) {
		b.path = path
	}
}

// New creates a broker and starts its delivery loop
func New(options ...Option) (*Broker, error) {
	b := &Broker{
		logger:   slog.Default(),
		queues:   make(map[string]*queue),
		channels: make(map[uint16]*channel),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(b)
	}

	store, err := openStore(b.path)
	if err != nil {
		return nil, err
	}
	b.store = store

	go b.loop()
	return b, nil
}

// OnFrame installs the client's inbound frame handler
func (b *Broker) OnFrame(handler contracts.FrameHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Close stops the broker and releases its store
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.outbox = nil
	close(b.done)
	return b.store.close()
}

// Send applies one client frame
func (b *Broker) Send(ctx context.Context, frame contracts.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := frame.(*contracts.ChannelOpen); ok {
		// frames of a closed channel already taken by the loop must reach
		// the client before its id is reused
		b.emitMu.Lock()
		b.emitMu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	var err error
	switch f := frame.(type) {
	case *contracts.ChannelOpen:
		err = b.openChannel(f)
	case *contracts.ChannelClose:
		err = b.closeChannel(f.Channel)
	case *contracts.BasicQos:
		err = b.qos(f)
	case *contracts.BasicConsume:
		err = b.consume(f)
	case *contracts.BasicCancel:
		err = b.cancel(f)
	case *contracts.BasicAck:
		err = b.settle(f.Channel, f.DeliveryTag, f.Multiple, false, false)
	case *contracts.BasicNack:
		err = b.settle(f.Channel, f.DeliveryTag, f.Multiple, true, f.Requeue)
	case *contracts.BasicReject:
		err = b.settle(f.Channel, f.DeliveryTag, false, true, f.Requeue)
	case *contracts.BasicPublish:
		err = b.publish(f)
	default:
		err = contracts.NewError(contracts.NotImplemented, fmt.Sprintf("unsupported frame %s", frame), true)
	}
	if err != nil {
		return err
	}

	b.dispatch()
	return nil
}

func (b *Broker) channel(id uint16) (*channel, error) {
	ch, ok := b.channels[id]
	if !ok {
		return nil, contracts.NewError(contracts.ChannelError, fmt.Sprintf("channel %d not open", id), true)
	}
	return ch, nil
}

func (b *Broker) openChannel(f *contracts.ChannelOpen) error {
	if _, exists := b.channels[f.Channel]; exists {
		return contracts.NewError(contracts.ChannelError, fmt.Sprintf("channel %d already open", f.Channel), true)
	}
	b.channels[f.Channel] = &channel{
		id:        f.Channel,
		unacked:   make(map[uint64]*unackedMessage),
		consumers: make(map[string]*consumer),
	}
	return nil
}

// closeChannel drops the channel's consumers and requeues what it left
// unacknowledged
func (b *Broker) closeChannel(id uint16) error {
	ch, err := b.channel(id)
	if err != nil {
		return err
	}

	for _, c := range ch.consumers {
		b.detach(c)
	}
	requeued, err := b.requeueAll(ch)
	delete(b.channels, id)
	b.dropFrames(id)

	b.logger.Debug("channel closed", "channel", id, "requeued", requeued)
	return err
}

// dropFrames removes queued frames for a channel that no longer exists
func (b *Broker) dropFrames(id uint16) {
	kept := b.outbox[:0]
	for _, f := range b.outbox {
		if f.ChannelID() != id {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(b.outbox); i++ {
		b.outbox[i] = nil
	}
	b.outbox = kept
}

func (b *Broker) requeueAll(ch *channel) (int, error) {
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var errs []error
	for _, tag := range tags {
		if err := b.requeue(ch.unacked[tag]); err != nil {
			errs = append(errs, err)
		}
		delete(ch.unacked, tag)
	}
	return len(tags), errors.Join(errs...)
}

func (b *Broker) qos(f *contracts.BasicQos) error {
	ch, err := b.channel(f.Channel)
	if err != nil {
		return err
	}
	ch.prefetch = f.PrefetchCount
	return nil
}

func (b *Broker) consume(f *contracts.BasicConsume) error {
	ch, err := b.channel(f.Channel)
	if err != nil {
		return err
	}
	q, ok := b.queues[f.Queue]
	if !ok {
		return contracts.NewError(contracts.NotFound, fmt.Sprintf("no queue '%s'", f.Queue), true)
	}
	if _, dup := ch.consumers[f.ConsumerTag]; dup {
		return contracts.NewError(contracts.NotAllowed, fmt.Sprintf("attempt to reuse consumer tag '%s'", f.ConsumerTag), true)
	}
	for _, other := range q.consumers {
		if other.exclusive || f.Exclusive {
			return contracts.NewError(contracts.AccessRefused, fmt.Sprintf("queue '%s' in exclusive use", q.name), true)
		}
	}

	c := &consumer{tag: f.ConsumerTag, channel: ch, queue: q, exclusive: f.Exclusive}
	ch.consumers[c.tag] = c
	q.consumers = append(q.consumers, c)

	b.logger.Debug("consumer attached", "queue", q.name, "consumerTag", c.tag, "channel", ch.id)
	return nil
}

func (b *Broker) cancel(f *contracts.BasicCancel) error {
	ch, err := b.channel(f.Channel)
	if err != nil {
		return err
	}
	c, ok := ch.consumers[f.ConsumerTag]
	if !ok {
		return nil
	}
	b.detach(c)

	if c.queue.options.AutoDelete && len(c.queue.consumers) == 0 {
		if _, err := b.deleteQueue(c.queue); err != nil {
			return err
		}
	}
	return nil
}

// detach removes a consumer from its channel and queue
func (b *Broker) detach(c *consumer) {
	delete(c.channel.consumers, c.tag)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// settle resolves deliveries on a channel; negative marks a nack or reject
func (b *Broker) settle(channelID uint16, tag uint64, multiple, negative, requeue bool) error {
	ch, err := b.channel(channelID)
	if err != nil {
		return err
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		return contracts.NewError(contracts.PreconditionFailed, fmt.Sprintf("unknown delivery tag %d", tag), true)
	}

	var errs []error
	for _, t := range tags {
		m := ch.unacked[t]
		delete(ch.unacked, t)
		if negative && requeue {
			if err := b.requeue(m); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// requeue puts an unacknowledged message back at its original position
func (b *Broker) requeue(m *unackedMessage) error {
	if q, alive := b.queues[m.queue.name]; !alive || q != m.queue {
		return nil
	}
	m.record.Redelivered = true
	if err := b.store.put(m.queue.id, m.record); err != nil {
		return contracts.NewError(contracts.InternalError, err.Error(), true)
	}
	return nil
}

func (b *Broker) publish(f *contracts.BasicPublish) error {
	if _, err := b.channel(f.Channel); err != nil {
		return err
	}
	if f.Exchange != "" {
		return contracts.NewError(contracts.NotFound, fmt.Sprintf("no exchange '%s'", f.Exchange), true)
	}

	q, ok := b.queues[f.RoutingKey]
	if !ok {
		b.logger.Debug("dropping unroutable message", "routingKey", f.RoutingKey, "mandatory", f.Mandatory)
		return nil
	}

	b.seq++
	rec := messageRecord{
		Seq:        b.seq,
		Exchange:   f.Exchange,
		RoutingKey: f.RoutingKey,
		Properties: f.Properties.Clone(),
		Body:       append([]byte(nil), f.Body...),
	}
	if err := b.store.put(q.id, rec); err != nil {
		return contracts.NewError(contracts.InternalError, err.Error(), true)
	}
	return nil
}

// dispatch moves ready messages to consumers with spare prefetch capacity,
// round-robin within each queue. Caller holds b.mu.
func (b *Broker) dispatch() {
	queued := len(b.outbox)
	for _, q := range b.queues {
		for {
			c := q.nextConsumer()
			if c == nil {
				break
			}
			rec, ok, err := b.store.pop(q.id)
			if err != nil {
				b.logger.Error("failed to read message", "queue", q.name, "error", err)
				break
			}
			if !ok {
				break
			}

			ch := c.channel
			ch.nextTag++
			ch.unacked[ch.nextTag] = &unackedMessage{queue: q, consumerTag: c.tag, record: rec}
			b.outbox = append(b.outbox, &contracts.BasicDeliver{
				Channel:     ch.id,
				ConsumerTag: c.tag,
				DeliveryTag: ch.nextTag,
				Redelivered: rec.Redelivered,
				Exchange:    rec.Exchange,
				RoutingKey:  rec.RoutingKey,
				Properties:  rec.Properties,
				Body:        rec.Body,
			})
		}
	}
	if len(b.outbox) > queued {
		b.signal()
	}
}

// nextConsumer returns the next consumer in round-robin order whose channel
// is below its prefetch limit
func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.channel.prefetch == 0 || len(c.channel.unacked) < c.channel.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// loop hands queued frames to the client outside the broker lock, so the
// client may call Send from its frame handler
func (b *Broker) loop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
		}

		for {
			if !b.emit() {
				break
			}
		}
	}
}

// emit hands one batch of queued frames to the client. It reports false
// when there was nothing to send.
func (b *Broker) emit() bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	frames := b.outbox
	b.outbox = nil
	handler := b.handler
	b.mu.Unlock()

	if len(frames) == 0 {
		return false
	}
	for _, f := range frames {
		if handler != nil {
			handler(f)
		}
	}
	return true
}

// DeclareQueue declares a queue; an empty name gets a generated one
func (b *Broker) DeclareQueue(ctx context.Context, name string, options contracts.QueueOptions) (contracts.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return contracts.QueueInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.QueueInfo{}, ErrClosed
	}

	q, exists := b.queues[name]
	switch {
	case exists:
		if !options.Passive && !equivalent(q.options, options) {
			return contracts.QueueInfo{}, contracts.NewError(contracts.PreconditionFailed,
				fmt.Sprintf("inequivalent arguments for queue '%s'", name), true)
		}
	case options.Passive:
		return contracts.QueueInfo{}, contracts.NewError(contracts.NotFound, fmt.Sprintf("no queue '%s'", name), true)
	default:
		if name == "" {
			name = "amq.gen-" + uuid.NewString()
		}
		b.queueID++
		q = &queue{id: b.queueID, name: name, options: options}
		b.queues[name] = q
		b.logger.Debug("queue declared", "queue", name, "durable", options.Durable, "autoDelete", options.AutoDelete)
	}

	return b.info(q)
}

func equivalent(a, b contracts.QueueOptions) bool {
	return a.Durable == b.Durable && a.AutoDelete == b.AutoDelete && a.Exclusive == b.Exclusive
}

// InspectQueue returns the ready-message and consumer counts of a queue
func (b *Broker) InspectQueue(ctx context.Context, name string) (contracts.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return contracts.QueueInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.QueueInfo{}, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return contracts.QueueInfo{}, contracts.NewError(contracts.NotFound, fmt.Sprintf("no queue '%s'", name), true)
	}
	return b.info(q)
}

func (b *Broker) info(q *queue) (contracts.QueueInfo, error) {
	n, err := b.store.count(q.id)
	if err != nil {
		return contracts.QueueInfo{}, contracts.NewError(contracts.InternalError, err.Error(), true)
	}
	return contracts.QueueInfo{Name: q.name, Messages: n, Consumers: len(q.consumers)}, nil
}

// PurgeQueue removes the ready messages of a queue
func (b *Broker) PurgeQueue(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, contracts.NewError(contracts.NotFound, fmt.Sprintf("no queue '%s'", name), true)
	}
	n, err := b.store.purge(q.id)
	if err != nil {
		return 0, contracts.NewError(contracts.InternalError, err.Error(), true)
	}
	return n, nil
}

// DeleteQueue deletes a queue. Its consumers receive a broker cancel.
// Deleting a missing queue is not an error.
func (b *Broker) DeleteQueue(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return b.deleteQueue(q)
}

func (b *Broker) deleteQueue(q *queue) (int, error) {
	consumers := append([]*consumer(nil), q.consumers...)
	for _, c := range consumers {
		b.detach(c)
		b.outbox = append(b.outbox, &contracts.BasicCancel{Channel: c.channel.id, ConsumerTag: c.tag})
	}
	if len(consumers) > 0 {
		b.signal()
	}

	n, err := b.store.purge(q.id)
	delete(b.queues, q.name)
	if err != nil {
		return 0, contracts.NewError(contracts.InternalError, err.Error(), true)
	}

	b.logger.Debug("queue deleted", "queue", q.name, "messages", n, "consumers", len(consumers))
	return n, nil
}

// Disconnect simulates losing the connection: every channel is dropped, its
// unacknowledged messages are requeued and the client receives a
// ConnectionClose. The broker keeps running and accepts new channels.
func (b *Broker) Disconnect(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.channels {
		for _, c := range ch.consumers {
			b.detach(c)
		}
		if _, err := b.requeueAll(ch); err != nil {
			b.logger.Error("failed to requeue on disconnect", "channel", id, "error", err)
		}
		delete(b.channels, id)
	}
	b.outbox = append(b.outbox[:0], &contracts.ConnectionClose{ReplyCode: code, ReplyText: reason})
	b.signal()
}

// CloseChannel closes a channel from the broker side, as on a channel-level
// protocol error. The client receives a ChannelClose.
func (b *Broker) CloseChannel(id uint16, code int, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if err := b.closeChannel(id); err != nil {
		return err
	}
	b.outbox = append(b.outbox, &contracts.ChannelClose{Channel: id, ReplyCode: code, ReplyText: reason})
	b.signal()
	b.dispatch()
	return nil
}

// Unacked returns how many messages from queue are delivered but not yet
// acknowledged, across all channels
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ch := range b.channels {
		for _, m := range ch.unacked {
			if m.queue.name == name {
				n++
			}
		}
	}
	return n
}
