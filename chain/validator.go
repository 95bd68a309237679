// Package chain validates financial transactions against an external chain
// indexer before reconciliation accepts them from peers.
package chain

import (
	"context"
	"net/http"
	"time"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Validator struct {
	restyClient      *resty.Client
	minConfirmations int
}

func NewValidator(baseURL string, timeout time.Duration, minConfirmations int) *Validator {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Validator{
		restyClient:      client,
		minConfirmations: minConfirmations,
	}
}

type transactionInfo struct {
	Hash          string `json:"hash"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amount"`
	Confirmations int    `json:"confirmations"`
}

// ValidateTransaction checks that the transaction exists on chain, carries
// exactly the claimed amount in the claimed currency and has reached
// finality. ErrValidationFailed rejections are permanent for the record,
// ErrNetworkUnavailable is retried next reconciliation round.
func (v *Validator) ValidateTransaction(ctx context.Context, hash, currency string, amount int64) error {
	var out transactionInfo
	resp, err := v.restyClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/transactions/" + hash)
	if err != nil {
		return errors.Wrapf(domain.ErrNetworkUnavailable, "querying transaction [%s]: %v", hash, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return errors.Wrapf(domain.ErrValidationFailed, "transaction [%s] does not exist on chain", hash)
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Wrapf(domain.ErrNetworkUnavailable, "querying transaction [%s]: status [%d]", hash, resp.StatusCode())
	}

	if out.Currency != currency {
		return errors.Wrapf(domain.ErrValidationFailed, "transaction [%s] carries currency [%s], claimed [%s]", hash, out.Currency, currency)
	}
	if out.Amount != amount {
		return errors.Wrapf(domain.ErrValidationFailed, "transaction [%s] carries amount [%d], claimed [%d]", hash, out.Amount, amount)
	}
	if out.Confirmations < v.minConfirmations {
		return errors.Wrapf(domain.ErrValidationFailed, "transaction [%s] has [%d] confirmations, finality needs [%d]", hash, out.Confirmations, v.minConfirmations)
	}
	return nil
}
