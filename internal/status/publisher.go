package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

const routingKey = "status"

// Publisher emits job status events.
type Publisher interface {
	Publish(ctx context.Context, message *types.StatusMessage) error
	Close() error
}

// RabbitMqPublisher publishes status events to a direct exchange with routing key "status".
type RabbitMqPublisher struct {
	mu       sync.Mutex
	url      string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewRabbitMqPublisher(url string, exchange string) (*RabbitMqPublisher, error) {
	p := &RabbitMqPublisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMqPublisher) connect() error {
	conn, err := utils.NewRabbitMQClient(p.url)
	if err != nil {
		return err
	}
	ch, err := utils.NewChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if err := utils.DeclareExchange(ch, p.exchange); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	p.conn, p.channel = conn, ch
	return nil
}

// Publish reconnects once when the connection or channel was lost.
func (p *RabbitMqPublisher) Publish(ctx context.Context, message *types.StatusMessage) error {
	serializedMessage, err := utils.SerializeJSON(message)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, serializedMessage)
	if err != nil && utils.IsFatalError(err) {
		p.closeLocked()
		if connErr := p.connect(); connErr != nil {
			return fmt.Errorf("failed to publish message: %w (reconnect: %v)", err, connErr)
		}
		err = p.publish(ctx, serializedMessage)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *RabbitMqPublisher) publish(ctx context.Context, body []byte) error {
	if p.channel == nil || p.channel.IsClosed() {
		return amqp.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

func (p *RabbitMqPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *RabbitMqPublisher) closeLocked() error {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// LogPublisher writes status events to the log when no broker is configured.
type LogPublisher struct {
	Logger logrus.FieldLogger
}

func (p LogPublisher) Publish(ctx context.Context, message *types.StatusMessage) error {
	p.Logger.WithFields(logrus.Fields{
		"job_id":  message.Data.JobID,
		"bucket":  message.Data.Bucket,
		"key":     message.Data.Key,
		"status":  message.Data.Status,
		"outputs": message.Data.Outputs,
		"failed":  message.Data.Failed,
	}).Infof("[status] %s", message.Data.Status)
	return nil
}

func (p LogPublisher) Close() error { return nil }
