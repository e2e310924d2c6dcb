package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/junocash/jmined/internal/miner"
	"github.com/junocash/jmined/internal/pool"
	"github.com/junocash/jmined/pkg/log"
)

const (
	// publishQueueSize bounds how many events can wait on a slow broker
	// before new ones are dropped.
	publishQueueSize = 64
	// publishTimeout caps one broker write, retries included.
	publishTimeout = 5 * time.Second
)

// jsonPublisher is the slice of KafkaClient the event publisher needs.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, event interface{}) error
}

type queuedEvent struct {
	topic string
	key   string
	event interface{}
}

// EventPublisher pushes mining lifecycle events onto Kafka topics. Events
// are queued and written by a background worker, so publishing never blocks
// the mining loop; a full queue drops the event with a log line, and broker
// failures are logged and swallowed.
type EventPublisher struct {
	client jsonPublisher
	logger *log.Logger

	queue     chan queuedEvent
	done      chan struct{}
	closeOnce sync.Once
}

var _ miner.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher on top of a Kafka client and starts
// its delivery worker.
func NewEventPublisher(client *KafkaClient, logger *log.Logger) *EventPublisher {
	return newEventPublisher(client, logger)
}

func newEventPublisher(client jsonPublisher, logger *log.Logger) *EventPublisher {
	p := &EventPublisher{
		client: client,
		logger: logger.WithComponent("events"),
		queue:  make(chan queuedEvent, publishQueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.client.PublishJSON(ctx, ev.topic, ev.key, ev.event); err != nil {
			p.logger.Warn("failed to publish event",
				"topic", ev.topic, "key", ev.key, "error", err.Error())
		}
		cancel()
	}
}

func (p *EventPublisher) enqueue(topic, key string, event interface{}) {
	select {
	case p.queue <- queuedEvent{topic: topic, key: key, event: event}:
	default:
		p.logger.Warn("event queue full, dropping event", "topic", topic, "key", key)
	}
}

// Close drains queued events and stops the delivery worker.
func (p *EventPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
	})
	<-p.done
}

// PublishTemplateSwitch implements miner.EventPublisher.
func (p *EventPublisher) PublishTemplateSwitch(_ context.Context, height int64, prevHash string, reason string) {
	p.enqueue(TopicTemplates, fmt.Sprintf("%d", height), TemplateSwitchEvent{
		Height:     height,
		PrevHash:   prevHash,
		Reason:     reason,
		SwitchedAt: time.Now(),
	})
}

// PublishShare implements miner.EventPublisher.
func (p *EventPublisher) PublishShare(_ context.Context, share *miner.Share, status pool.ShareStatus, message string) {
	p.enqueue(TopicShares, share.PowHash.String(), ShareEvent{
		Height:      share.Height,
		Nonce:       share.Nonce,
		PowHash:     share.PowHash.String(),
		Status:      string(status),
		Message:     message,
		FoundAt:     share.FoundAt,
		SubmittedAt: time.Now(),
	})
}

// PublishHealth publishes a daemon state transition.
func (p *EventPublisher) PublishHealth(_ context.Context, state, detail string) {
	p.enqueue(TopicHealth, state, HealthEvent{
		State:     state,
		Detail:    detail,
		ChangedAt: time.Now(),
	})
}
