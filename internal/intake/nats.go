package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Stream and consumer names for the work intake.
const (
	StreamWork  = "MEDIASPIDER_WORK"
	durableName = "work-consumer"

	fetchBatch = 16
	fetchWait  = 2 * time.Second
	ackWait    = 5 * time.Minute
)

// NATSSource consumes work items published as JSON on a subject, backed by a
// JetStream durable consumer. Messages are acked only after the orchestrator
// reaches a terminal result, so items queued or in flight when the process
// dies are redelivered on restart.
type NATSSource struct {
	conn *nats.Conn
	sub  *nats.Subscription
	ch   chan *model.WorkItem
	log  *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*nats.Msg
}

// NewNATSSource connects, ensures the work stream exists, and starts pulling
// from a durable consumer on the configured subject.
func NewNATSSource(cfg config.IntakeConfig, log *logger.Logger) (*NATSSource, error) {
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("mediaspider-intake"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if err := ensureWorkStream(js, cfg.Subject); err != nil {
		conn.Close()
		return nil, err
	}

	sub, err := js.PullSubscribe(cfg.Subject, durableName,
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(256),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Subject, err)
	}

	s := &NATSSource{
		conn:    conn,
		sub:     sub,
		ch:      make(chan *model.WorkItem, fetchBatch),
		log:     log.WithComponent("nats-intake"),
		pending: make(map[string]*nats.Msg),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.fetchLoop(ctx)

	s.log.Info("work intake subscribed",
		"url", conn.ConnectedUrl(), "stream", StreamWork, "subject", cfg.Subject, "durable", durableName)
	return s, nil
}

// ensureWorkStream creates the work stream if it does not exist yet.
func ensureWorkStream(js nats.JetStreamContext, subject string) error {
	streamCfg := &nats.StreamConfig{
		Name:        StreamWork,
		Description: "Crawl work items",
		Subjects:    []string{subject},
		Storage:     nats.FileStorage,
		Retention:   nats.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Discard:     nats.DiscardOld,
	}

	_, err := js.StreamInfo(StreamWork)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", StreamWork, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", StreamWork, err)
	}
	return nil
}

// fetchLoop is the only sender on s.ch; it closes the channel on exit.
// Malformed messages are terminated so the server never redelivers them.
func (s *NATSSource) fetchLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.ch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || ctx.Err() != nil {
				continue
			}
			s.log.WithError(err).Warn("fetching work items")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			item, err := decodeItem(msg.Data)
			if err != nil {
				s.log.WithError(err).Warn("terminating malformed work item")
				if terr := msg.Term(); terr != nil {
					s.log.WithError(terr).Warn("terminating message")
				}
				continue
			}

			s.track(item.ID, msg)
			select {
			case s.ch <- item:
			case <-ctx.Done():
				s.forget(item.ID)
				if nerr := msg.Nak(); nerr != nil {
					s.log.WithError(nerr).Warn("nacking undelivered item", "item_id", item.ID)
				}
				return
			}
		}
	}
}

func (s *NATSSource) track(itemID string, msg *nats.Msg) {
	s.mu.Lock()
	s.pending[itemID] = msg
	s.mu.Unlock()
}

func (s *NATSSource) forget(itemID string) *nats.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pending[itemID]
	if !ok {
		return nil
	}
	delete(s.pending, itemID)
	return msg
}

// Ack marks an item's message processed so the consumer never redelivers it.
// Call only once the item reached a terminal result; an unknown id is a
// no-op.
func (s *NATSSource) Ack(itemID string) {
	msg := s.forget(itemID)
	if msg == nil {
		return
	}
	if err := msg.Ack(); err != nil {
		s.log.WithError(err).Warn("acking work item", "item_id", itemID)
	}
}

func (s *NATSSource) Items() <-chan *model.WorkItem { return s.ch }

// Close stops the fetch loop, nacks everything still unacked for prompt
// redelivery, and closes the connection.
func (s *NATSSource) Close() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*nats.Msg)
	s.mu.Unlock()
	for itemID, msg := range pending {
		if err := msg.Nak(); err != nil {
			s.log.WithError(err).Warn("nacking unfinished item", "item_id", itemID)
		}
	}

	// No Unsubscribe: that would delete the durable consumer and with it the
	// redelivery state a restart resumes from.
	s.conn.Close()
	return nil
}

// ProgressPublisher pushes per-item results onto a subject so external
// consumers can watch a crawl advance.
type ProgressPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewProgressPublisher connects to the bus for result publishing.
func NewProgressPublisher(cfg config.IntakeConfig, log *logger.Logger) (*ProgressPublisher, error) {
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("mediaspider-progress"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &ProgressPublisher{
		conn:    conn,
		subject: cfg.ProgressSubject,
		log:     log.WithComponent("nats-progress"),
	}, nil
}

// Publish sends one finished result. Failures are logged, not fatal; the
// crawl does not depend on observers.
func (p *ProgressPublisher) Publish(result *model.CrawlResult) {
	data, err := json.Marshal(result)
	if err != nil {
		p.log.WithError(err).Warn("encoding result", "result_id", result.ID)
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.WithError(err).Warn("publishing result", "result_id", result.ID)
	}
}

// Close flushes pending publishes and closes the connection.
func (p *ProgressPublisher) Close() error {
	if err := p.conn.Flush(); err != nil {
		p.conn.Close()
		return err
	}
	p.conn.Close()
	return nil
}
