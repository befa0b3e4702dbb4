// Package rabbitmqtest provides an in-memory AMQP broker for unit tests.
//
// It implements the subset of queue semantics the rabbitmq package relies on:
// durable queue declaration with flag equivalence checks, the default
// exchange, per-consumer prefetch, manual ack/nack and redelivery of unacked
// messages when a channel closes.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cadence/internal/rabbitmq"
)

// maxBuffered bounds unacked deliveries per consumer when no prefetch is set
const maxBuffered = 1024

// ErrDialRefused is a convenience dial error for tests
var ErrDialRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Broker is an in-memory broker. The zero value is not usable; use New.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	conns    map[*Conn]struct{}
	dials    int
	dialErr  error
	dialHook func()
	seq      int
}

type message struct {
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	ready     []message
	consumers []*consumer
	next      int
	discarded int
	acked     int
}

type consumer struct {
	tag     string
	ch      *Channel
	q       *queue
	out     chan amqp.Delivery
	autoAck bool
	unacked int
}

type pending struct {
	q        *queue
	msg      message
	consumer *consumer
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Conn]struct{}),
	}
}

// Dial opens a connection. It satisfies rabbitmq.Dialer.
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	hook := b.dialHook
	b.mu.Unlock()

	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{
		broker:   b,
		channels: make(map[*Channel]struct{}),
	}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// Dialer returns b.Dial as a rabbitmq.Dialer
func (b *Broker) Dialer() rabbitmq.Dialer {
	return b.Dial
}

// Dials returns how many dials were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetDialError makes every following dial fail with err; nil restores dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetDialHook installs fn to run at the start of every dial, outside the
// broker lock. Tests use it to hold a dial open.
func (b *Broker) SetDialHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialHook = fn
}

// DropConnections force-closes every open connection as the server would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	var notify []func()
	for conn := range b.conns {
		notify = append(notify, conn.shutdownLocked(&amqp.Error{
			Code:   amqp.ConnectionForced,
			Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
			Server: true,
		}))
	}
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// OpenConnections returns the number of open connections
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DeclareQueue creates a queue outside of any client channel
func (b *Broker) DeclareQueue(name string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: durable}
	}
}

// Publish enqueues body on queue, declaring it durable if missing
func (b *Broker) Publish(queueName string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{name: queueName, durable: true}
		b.queues[queueName] = q
	}
	b.seq++
	q.ready = append(q.ready, message{pub: amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("injected-%d", b.seq),
		Timestamp:    time.Now(),
		Body:         body,
	}})
	b.dispatchLocked(q)
}

// QueueLength returns the number of ready messages in queue
func (b *Broker) QueueLength(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages from queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	n := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			for _, p := range ch.unacked {
				if p.q == q {
					n++
				}
			}
		}
	}
	return n
}

// Acked returns how many messages from queue were acknowledged
func (b *Broker) Acked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acked
	}
	return 0
}

// Discarded returns how many messages from queue were rejected without requeue
func (b *Broker) Discarded(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.discarded
	}
	return 0
}

// Consumers returns the number of consumers attached to queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Durable reports whether queue exists and is durable
func (b *Broker) Durable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// dispatchLocked hands ready messages to consumers with spare prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		c.ch.nextTag++
		tag := c.ch.nextTag
		if c.autoAck {
			q.acked++
		} else {
			c.unacked++
			c.ch.unacked[tag] = &pending{q: q, msg: msg, consumer: c}
		}

		c.out <- amqp.Delivery{
			Acknowledger:    c.ch,
			Headers:         msg.pub.Headers,
			ContentType:     msg.pub.ContentType,
			ContentEncoding: msg.pub.ContentEncoding,
			DeliveryMode:    msg.pub.DeliveryMode,
			Priority:        msg.pub.Priority,
			CorrelationId:   msg.pub.CorrelationId,
			ReplyTo:         msg.pub.ReplyTo,
			Expiration:      msg.pub.Expiration,
			MessageId:       msg.pub.MessageId,
			Timestamp:       msg.pub.Timestamp,
			Type:            msg.pub.Type,
			UserId:          msg.pub.UserId,
			AppId:           msg.pub.AppId,
			ConsumerTag:     c.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			RoutingKey:      q.name,
			Body:            msg.pub.Body,
		}
	}
}

// pick returns the next consumer in round-robin order with spare capacity.
func (q *queue) pick() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) == 0 {
		q.next = 0
	} else {
		q.next %= len(q.consumers)
	}
}

func (c *consumer) hasCapacity() bool {
	if c.ch.closed || len(c.out) >= cap(c.out) {
		return false
	}
	limit := c.ch.prefetch
	if limit <= 0 || limit > maxBuffered {
		limit = maxBuffered
	}
	return c.unacked < limit
}

// Conn is an in-memory connection
type Conn struct {
	broker      *Broker
	closed      bool
	channels    map[*Channel]struct{}
	closeNotify []chan *amqp.Error
}

// Channel opens a channel on the connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection close
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := c.shutdownLocked(nil)
	c.broker.mu.Unlock()

	notify()
	return nil
}

func (c *Conn) shutdownLocked(cause *amqp.Error) func() {
	if c.closed {
		return func() {}
	}
	c.closed = true
	delete(c.broker.conns, c)

	var fns []func()
	for ch := range c.channels {
		fns = append(fns, ch.shutdownLocked(cause))
	}
	receivers := c.closeNotify
	c.closeNotify = nil

	return func() {
		for _, fn := range fns {
			fn()
		}
		notifyAll(receivers, cause)
	}
}

// Channel is an in-memory channel. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	broker      *Broker
	conn        *Conn
	closed      bool
	prefetch    int
	nextTag     uint64
	unacked     map[uint64]*pending
	consumers   map[string]*consumer
	closeNotify []chan *amqp.Error
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

// QueueDeclare declares a queue. Redeclaring with different durability closes
// the channel with PRECONDITION_FAILED as a real broker does.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}

	q, ok := b.queues[name]
	if ok && q.durable != durable {
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/'", name),
			Server: true,
		}
		notify := ch.shutdownLocked(err)
		b.mu.Unlock()
		notify()
		return amqp.Queue{}, err
	}
	if !ok {
		q = &queue{name: name, durable: durable}
		b.queues[name] = q
	}

	result := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return result, nil
}

// PublishWithContext routes msg through the default exchange. Unroutable
// messages are dropped.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if exchange != "" {
		return fmt.Errorf("rabbitmqtest: only the default exchange is supported, got %q", exchange)
	}

	q, ok := b.queues[key]
	if !ok {
		return nil
	}
	q.ready = append(q.ready, message{pub: msg})
	b.dispatchLocked(q)
	return nil
}

// Qos sets the per-consumer prefetch for consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume attaches a consumer to an existing queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		err := &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName),
			Server: true,
		}
		notify := ch.shutdownLocked(err)
		b.mu.Unlock()
		notify()
		return nil, err
	}

	if tag == "" {
		b.seq++
		tag = fmt.Sprintf("ctag-%d", b.seq)
	}
	if _, exists := ch.consumers[tag]; exists {
		err := &amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
			Server: true,
		}
		b.mu.Unlock()
		return nil, err
	}

	c := &consumer{
		tag:     tag,
		ch:      ch,
		q:       q,
		out:     make(chan amqp.Delivery, maxBuffered),
		autoAck: autoAck,
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)

	b.mu.Unlock()
	return c.out, nil
}

// Cancel detaches a consumer. Deliveries already handed out stay unacked.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.q.removeConsumer(c)
	close(c.out)
	return nil
}

// NotifyClose registers a listener for channel close
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeNotify = append(ch.closeNotify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing unacked messages
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	if ch.closed {
		ch.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := ch.shutdownLocked(nil)
	ch.broker.mu.Unlock()

	notify()
	return nil
}

// Fail closes the channel with a server error, as a channel exception would
func (ch *Channel) Fail(code int, reason string) {
	ch.broker.mu.Lock()
	notify := ch.shutdownLocked(&amqp.Error{Code: code, Reason: reason, Server: true})
	ch.broker.mu.Unlock()
	notify()
}

// shutdownLocked marks the channel closed, requeues its unacked messages and
// returns a func that notifies listeners once the lock is released.
func (ch *Channel) shutdownLocked(cause *amqp.Error) func() {
	if ch.closed {
		return func() {}
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	// Deliveries buffered for a consumer are lost with the channel; they are
	// still unacked and get requeued below.
	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		c.q.removeConsumer(c)
	drain:
		for {
			select {
			case <-c.out:
			default:
				break drain
			}
		}
		close(c.out)
	}

	// Requeue in delivery order at the head of each queue.
	touched := make(map[*queue][]message)
	var order []*queue
	for tag := uint64(1); tag <= ch.nextTag; tag++ {
		p, ok := ch.unacked[tag]
		if !ok {
			continue
		}
		if _, seen := touched[p.q]; !seen {
			order = append(order, p.q)
		}
		msg := p.msg
		msg.redelivered = true
		touched[p.q] = append(touched[p.q], msg)
	}
	ch.unacked = make(map[uint64]*pending)

	for _, q := range order {
		q.ready = append(touched[q], q.ready...)
		ch.broker.dispatchLocked(q)
	}

	receivers := ch.closeNotify
	ch.closeNotify = nil

	return func() {
		notifyAll(receivers, cause)
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(p *pending) {
		p.q.acked++
	})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(p *pending) {
		if requeue {
			msg := p.msg
			msg.redelivered = true
			p.q.ready = append([]message{msg}, p.q.ready...)
			return
		}
		p.q.discarded++
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*pending)) error {
	b := ch.broker
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = append(tags, tag)
	}

	if len(tags) == 0 {
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
			Server: true,
		}
		notify := ch.shutdownLocked(err)
		b.mu.Unlock()
		notify()
		return err
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.unacked--
		apply(p)
		touched[p.q] = struct{}{}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}

	b.mu.Unlock()
	return nil
}

func notifyAll(receivers []chan *amqp.Error, cause *amqp.Error) {
	for _, receiver := range receivers {
		if cause != nil {
			receiver <- cause
		}
		close(receiver)
	}
}
