// Package events delivers consensus events to the outside world: the kafka
// stream for downstream consumers and a direct broadcast to the active peer
// nodes. Delivery is fire and forget; peers that miss an event converge
// through reconciliation.
package events

import (
	"context"
	"log"
	"time"

	"github.com/forecastnet/oracle-node/domain"
)

type Producer interface {
	PublishEvent(ctx context.Context, event *domain.Event)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, peerList []domain.NodeOperator, event *domain.Event) int
}

type OperatorLister interface {
	ListOperators() ([]domain.NodeOperator, error)
}

type Fanout struct {
	producer    Producer
	broadcaster Broadcaster
	store       OperatorLister
	nodeID      string
	timeout     time.Duration
}

func NewFanout(producer Producer, broadcaster Broadcaster, store OperatorLister, nodeID string, timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{
		producer:    producer,
		broadcaster: broadcaster,
		store:       store,
		nodeID:      nodeID,
		timeout:     timeout,
	}
}

// Announce hands the event off for delivery and returns immediately. The
// voting flows never wait for the network.
func (f *Fanout) Announce(event *domain.Event) {
	go f.deliver(event)
}

func (f *Fanout) deliver(event *domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	f.producer.PublishEvent(ctx, event)

	peerList, err := f.broadcastTargets()
	if err != nil {
		log.Printf("[WARN] listing peers for event broadcast: %v", err)
		return
	}
	if len(peerList) == 0 {
		return
	}
	acked := f.broadcaster.Broadcast(ctx, peerList, event)
	log.Printf("[INFO] event [%s] acknowledged by [%d] of [%d] peers.", event.Type, acked, len(peerList))
}

func (f *Fanout) broadcastTargets() ([]domain.NodeOperator, error) {
	operators, err := f.store.ListOperators()
	if err != nil {
		return nil, err
	}
	var peerList []domain.NodeOperator
	for _, operator := range operators {
		if operator.ID == f.nodeID || operator.Status != domain.OperatorActive || operator.Endpoint == "" {
			continue
		}
		peerList = append(peerList, operator)
	}
	return peerList, nil
}
