package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// RabbitMQ is a durable Queue. Jobs are persistent JSON messages on a direct exchange
// and are acknowledged manually, so a worker that dies mid-job gets its job redelivered.
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	queueName  string
	log        *logrus.Entry

	publishMu  sync.Mutex
	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitMQ connects and declares the exchange, queue and binding. prefetch bounds the
// number of unacknowledged jobs held by this consumer
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetch int, log *logrus.Entry) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail("set prefetch", err)
		}
	}

	log.WithFields(logrus.Fields{
		"exchange":    cfg.Exchange,
		"queue":       q.Name,
		"routing_key": cfg.RoutingKey,
		"prefetch":    prefetch,
	}).Info("Connected to RabbitMQ")

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		queueName:  q.Name,
		log:        log,
	}, nil
}

// Enqueue implements Queue
func (r *RabbitMQ) Enqueue(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if r.channel.IsClosed() {
		return utils.ErrQueueClosed
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"archive_id": job.ArchiveID,
		"attempt":    job.Attempt,
	}).Debug("Published archive job")
	return nil
}

func (r *RabbitMQ) consume() (<-chan amqp.Delivery, error) {
	r.consumeMu.Lock()
	defer r.consumeMu.Unlock()

	if r.deliveries != nil {
		return r.deliveries, nil
	}
	deliveries, err := r.channel.Consume(r.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	r.deliveries = deliveries
	return deliveries, nil
}

// Dequeue implements Queue. Messages that do not decode as a job are dropped
func (r *RabbitMQ) Dequeue(ctx context.Context) (Delivery, error) {
	deliveries, err := r.consume()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil, utils.ErrQueueClosed
			}
			var job models.Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				r.log.Warnf("Discarding malformed job message: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			return &rabbitDelivery{delivery: d, job: job}, nil
		}
	}
}

// Close implements Queue
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

type rabbitDelivery struct {
	delivery amqp.Delivery
	job      models.Job
}

func (d *rabbitDelivery) Job() models.Job { return d.job }

func (d *rabbitDelivery) Ack() error { return d.delivery.Ack(false) }

func (d *rabbitDelivery) Nack(requeue bool) error { return d.delivery.Nack(false, requeue) }
