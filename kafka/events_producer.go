// Package kafka publishes consensus events to the event stream for
// downstream consumers (settlement, notifications, analytics).
package kafka

import (
	"context"
	"encoding/json"
	"log"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/metrics"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type EventsProducer struct {
	kcl     KafkaClient
	metrics *metrics.OracleNodeMetrics
}

func NewEventsProducer(client KafkaClient, m *metrics.OracleNodeMetrics) *EventsProducer {
	return &EventsProducer{
		kcl:     client,
		metrics: m,
	}
}

// PublishEvent produces the event asynchronously. Publishing is fire and
// forget: the consensus commit path never waits for the broker, failures are
// logged and counted. Peers that miss an event converge via reconciliation.
func (p *EventsProducer) PublishEvent(ctx context.Context, event *domain.Event) {
	record, err := createEventRecord(event)
	if err != nil {
		log.Printf("[ERROR] creating event record: %v", err)
		p.metrics.IncUnpublishedEvents()
		return
	}
	p.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			log.Printf("[ERROR] producing event record [%s]: %v", event.ID, err)
			p.metrics.IncUnpublishedEvents()
			return
		}
		p.metrics.IncPublishedEvents()
	})
}

func createEventRecord(event *domain.Event) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling event to json")
	}

	return &kgo.Record{
		Key:   []byte(event.SubjectID),
		Value: payload,
	}, nil
}
