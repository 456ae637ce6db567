// Package events forwards the session journal outbox to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/filip-strelec/pokedex-terminal/internal/metrics"
	"github.com/filip-strelec/pokedex-terminal/internal/store"
)

const (
	StreamName    = "BRIDGE_EVENTS"
	subjectPrefix = "bridge.events."

	syncInterval = 2 * time.Second
	batchSize    = 100
)

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher drains unsynced journal events to JetStream.
type Publisher struct {
	nc         *nats.Conn
	js         jetStream
	journal    store.Journal
	instanceID string
	interval   time.Duration
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Message is the JSON payload published to NATS.
type Message struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Subject returns the subject events of an instance are published on.
func Subject(instanceID string) string {
	return subjectPrefix + instanceID
}

// NewPublisher connects to NATS and makes sure the stream exists.
func NewPublisher(natsURL, instanceID string, journal store.Journal) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("termbridge-"+instanceID),
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

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		// Usually means it already exists.
		log.Printf("events: stream setup: %v", err)
	}

	p := newPublisher(js, instanceID, journal)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, instanceID string, journal store.Journal) *Publisher {
	return &Publisher{
		js:         js,
		journal:    journal,
		instanceID: instanceID,
		interval:   syncInterval,
		stop:       make(chan struct{}),
	}
}

// Start begins the outbox sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Flush(context.Background())
			case <-p.stop:
				p.Flush(context.Background())
				return
			}
		}
	}()
}

// Stop runs a final flush and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// Flush publishes one batch of unsynced events and returns how many were
// published. Events that fail to publish stay in the outbox for the next run.
func (p *Publisher) Flush(ctx context.Context) int {
	events, err := p.journal.UnsyncedEvents(ctx, batchSize)
	if err != nil {
		log.Printf("events: read outbox: %v", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	subject := Subject(p.instanceID)
	var synced []int64
	for _, e := range events {
		data, err := json.Marshal(Message{
			Type:       e.Type,
			SessionID:  e.SessionID,
			InstanceID: p.instanceID,
			Payload:    e.Payload,
			Timestamp:  e.CreatedAt,
		})
		if err != nil {
			log.Printf("events: marshal event %d: %v", e.ID, err)
			continue
		}
		if _, err := p.js.Publish(subject, data); err != nil {
			log.Printf("events: publish error for session %s: %v", e.SessionID, err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(e.Type).Inc()
		synced = append(synced, e.ID)
	}

	if err := p.journal.MarkSynced(ctx, synced); err != nil {
		log.Printf("events: mark synced: %v", err)
		return 0
	}
	if len(synced) > 0 {
		log.Printf("events: published %d events to NATS", len(synced))
	}
	return len(synced)
}
