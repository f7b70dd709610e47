// Package events forwards the audit outbox to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/opensandbox/wadm/internal/audit"
	"github.com/opensandbox/wadm/internal/metrics"
)

const (
	StreamName    = "WADM_EVENTS"
	subjectPrefix = "wadm.events"

	batchSize       = 100
	defaultInterval = 2 * time.Second
)

// Outbox is the source of unpublished events.
type Outbox interface {
	UnsyncedEvents(ctx context.Context, limit int) ([]audit.Event, error)
	MarkEventsSynced(ctx context.Context, ids []int64) error
}

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Event is the JSON payload published to NATS.
type Event struct {
	Type      string          `json:"type"`
	Host      string          `json:"host"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher drains the outbox into JetStream on a ticker.
type Publisher struct {
	nc       *nats.Conn
	js       jetStream
	outbox   Outbox
	host     string
	interval time.Duration
	log      zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher connects to NATS and makes sure the stream exists.
func NewPublisher(natsURL, host string, outbox Outbox, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("wadm"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	logger = logger.With().Str("component", "events").Logger()
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   30 * 24 * time.Hour,
	})
	if err != nil {
		// Already exists with a different config, or no JetStream yet; publishing will tell.
		logger.Debug().Err(err).Msg("stream setup")
	}

	p := newPublisher(js, outbox, host, logger)
	p.nc = nc
	return p, nil
}

// subjectToken keeps a hostname to a single NATS subject token.
var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func newPublisher(js jetStream, outbox Outbox, host string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:       js,
		outbox:   outbox,
		host:     subjectToken.Replace(host),
		interval: defaultInterval,
		log:      logger,
		stop:     make(chan struct{}),
	}
}

// Subject returns the subject an event type is published on.
func Subject(host, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, host, eventType)
}

// Start begins the sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Sync(context.Background())
			case <-p.stop:
				// Final flush
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.Sync(ctx)
				cancel()
				return
			}
		}
	}()
}

// Stop flushes once more and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// Sync publishes one batch of pending events and returns how many were
// published. Events that fail stay in the outbox for the next round.
func (p *Publisher) Sync(ctx context.Context) int {
	pending, err := p.outbox.UnsyncedEvents(ctx, batchSize)
	if err != nil {
		p.log.Warn().Err(err).Msg("read outbox")
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	var synced []int64
	for _, e := range pending {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		data, err := json.Marshal(Event{
			Type:      e.Type,
			Host:      p.host,
			Payload:   payload,
			Timestamp: e.CreatedAt,
		})
		if err != nil {
			continue
		}
		if _, err := p.js.Publish(Subject(p.host, e.Type), data); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
			p.log.Warn().Err(err).Int64("event_id", e.ID).Str("type", e.Type).Msg("publish failed")
			break
		}
		metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
		synced = append(synced, e.ID)
	}

	if err := p.outbox.MarkEventsSynced(ctx, synced); err != nil {
		p.log.Warn().Err(err).Msg("mark events synced")
		return 0
	}
	if len(synced) > 0 {
		p.log.Debug().Int("count", len(synced)).Msg("synced events to NATS")
	}
	return len(synced)
}
