//go:build !ci
// +build !ci

package chain

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"

	"github.com/forecastnet/oracle-node/domain"
)

// seeded by the indexer fixtures in docker-compose
const (
	seededTxHash   = "1f0a9362c41c2c9d00e61bd2ba0a427d1cd5c1a4a8f44c0f6d875f5bc02c8e6d"
	seededCurrency = "USDC"
	seededAmount   = int64(25_000_000)
)

var (
	chainValidator *Validator
)

func TestChainValidator_validateTransaction(t *testing.T) {
	err := chainValidator.ValidateTransaction(context.Background(), seededTxHash, seededCurrency, seededAmount)
	assert.NoError(t, err)
}

func TestChainValidator_validateTransaction_givenUnknownHash_thenValidationFails(t *testing.T) {
	err := chainValidator.ValidateTransaction(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000", seededCurrency, seededAmount)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestChainValidator_validateTransaction_givenWrongAmount_thenValidationFails(t *testing.T) {
	err := chainValidator.ValidateTransaction(context.Background(), seededTxHash, seededCurrency, seededAmount+1)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestMain(m *testing.M) {
	setup()
	// Parse args and run
	flag.Parse()
	exitCode := m.Run()
	// Exit
	os.Exit(exitCode)
}

func setup() {
	const envPrefix = "FORECASTNET_ORACLE_NODE"
	err := godotenv.Load("../.env.local")
	if err != nil {
		log.Printf("[WARN] no env file found")
	}
	var cfg struct {
		Blockchain struct {
			IndexerUrl       string        `conf:"default:http://localhost:8448"`
			MinConfirmations int           `conf:"default:3"`
			Timeout          time.Duration `conf:"default:5s"`
		}
	}
	err = conf.Parse(os.Args[1:], envPrefix, &cfg)
	if err != nil {
		log.Fatalf("error getting config: %v", err)
	}

	chainValidator = NewValidator(cfg.Blockchain.IndexerUrl, cfg.Blockchain.Timeout, cfg.Blockchain.MinConfirmations)
}
