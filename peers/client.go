// Package peers is the HTTP transport to other oracle nodes: pull reads for
// reconciliation and the fire-and-forget event broadcast.
package peers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Client struct {
	restyClient *resty.Client
}

func NewClient(timeout time.Duration) *Client {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{restyClient: client}
}

// FetchLedgerEntries returns the peer's ledger entries with sequence strictly
// greater than sinceMs.
func (c *Client) FetchLedgerEntries(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.TimeLedgerEntry, error) {
	var out struct {
		Entries []domain.TimeLedgerEntry `json:"entries"`
	}
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(sinceMs, 10)).
		SetResult(&out).
		Get(peer.Endpoint + "/v1/sync/ledger-entries")
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching ledger entries from [%s]: %v", peer.ID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching ledger entries from [%s]: status [%d]", peer.ID, resp.StatusCode())
	}
	return out.Entries, nil
}

// FetchTransactions returns the peer's transactions created strictly after
// sinceMs.
func (c *Client) FetchTransactions(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.Transaction, error) {
	var out struct {
		Transactions []domain.Transaction `json:"transactions"`
	}
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(sinceMs, 10)).
		SetResult(&out).
		Get(peer.Endpoint + "/v1/sync/transactions")
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching transactions from [%s]: %v", peer.ID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching transactions from [%s]: status [%d]", peer.ID, resp.StatusCode())
	}
	return out.Transactions, nil
}

// FetchBets returns the peer's bets created strictly after sinceMs.
func (c *Client) FetchBets(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.Bet, error) {
	var out struct {
		Bets []domain.Bet `json:"bets"`
	}
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(sinceMs, 10)).
		SetResult(&out).
		Get(peer.Endpoint + "/v1/sync/bets")
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching bets from [%s]: %v", peer.ID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(domain.ErrNetworkUnavailable, "fetching bets from [%s]: status [%d]", peer.ID, resp.StatusCode())
	}
	return out.Bets, nil
}

// Broadcast posts an event to every given peer concurrently and returns the
// number of peers that acknowledged it. Failures are logged, never returned:
// peers that miss the event converge through reconciliation.
func (c *Client) Broadcast(ctx context.Context, peerList []domain.NodeOperator, event *domain.Event) int {
	var acks atomic.Int32
	var waitGroup sync.WaitGroup
	for i := range peerList {
		peer := peerList[i]
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			resp, err := c.restyClient.R().
				SetContext(ctx).
				SetBody(event).
				Post(peer.Endpoint + "/v1/events")
			if err != nil {
				log.Printf("[WARN] broadcasting event [%s] to [%s]: %v", event.ID, peer.ID, err)
				return
			}
			if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
				log.Printf("[WARN] broadcasting event [%s] to [%s]: status [%d]", event.ID, peer.ID, resp.StatusCode())
				return
			}
			acks.Add(1)
		}()
	}
	waitGroup.Wait()
	return int(acks.Load())
}
