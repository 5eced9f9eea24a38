package metrics

import (
	"fmt"
	"net/http"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var log = logging.Logger("metrics")

const meterName = "github.com/thiagosm89/lix-carbon"

var (
	// TokensIssued counts tokens issued by totems or operators
	TokensIssued metric.Int64Counter

	// TokensRedeemed counts successful redemptions
	TokensRedeemed metric.Int64Counter

	// RedemptionsRejected counts redemptions refused because the code was unknown or used
	RedemptionsRejected metric.Int64Counter

	// LotsCreated counts lots formed by the batcher
	LotsCreated metric.Int64Counter

	// RecordsBatched counts records moved into lots
	RecordsBatched metric.Int64Counter

	// LotsSettled counts validator payments applied to lots
	LotsSettled metric.Int64Counter

	// AmountDistributed sums the amounts released to depositors
	AmountDistributed metric.Float64Counter

	// RecordsPaid counts records finalized as paid
	RecordsPaid metric.Int64Counter

	// Conflicts counts operations aborted by a concurrent writer
	Conflicts metric.Int64Counter
)

var (
	initOnce sync.Once
	initErr  error
)

func init() {
	// Instruments bind to the global provider, which forwards to the exporter once Init runs.
	if err := createInstruments(otel.Meter(meterName)); err != nil {
		panic(err)
	}
}

func createInstruments(meter metric.Meter) error {
	var err error
	if TokensIssued, err = meter.Int64Counter("lix_tokens_issued_total",
		metric.WithDescription("Total number of waste tokens issued")); err != nil {
		return fmt.Errorf("failed to create TokensIssued counter: %w", err)
	}
	if TokensRedeemed, err = meter.Int64Counter("lix_tokens_redeemed_total",
		metric.WithDescription("Total number of tokens redeemed into waste records")); err != nil {
		return fmt.Errorf("failed to create TokensRedeemed counter: %w", err)
	}
	if RedemptionsRejected, err = meter.Int64Counter("lix_redemptions_rejected_total",
		metric.WithDescription("Total number of redemptions refused for unknown or used codes")); err != nil {
		return fmt.Errorf("failed to create RedemptionsRejected counter: %w", err)
	}
	if LotsCreated, err = meter.Int64Counter("lix_lots_created_total",
		metric.WithDescription("Total number of lots created")); err != nil {
		return fmt.Errorf("failed to create LotsCreated counter: %w", err)
	}
	if RecordsBatched, err = meter.Int64Counter("lix_records_batched_total",
		metric.WithDescription("Total number of records sent to the validator in lots")); err != nil {
		return fmt.Errorf("failed to create RecordsBatched counter: %w", err)
	}
	if LotsSettled, err = meter.Int64Counter("lix_lots_settled_total",
		metric.WithDescription("Total number of lots paid by the validator")); err != nil {
		return fmt.Errorf("failed to create LotsSettled counter: %w", err)
	}
	if AmountDistributed, err = meter.Float64Counter("lix_amount_distributed_total",
		metric.WithDescription("Total amount released to depositors")); err != nil {
		return fmt.Errorf("failed to create AmountDistributed counter: %w", err)
	}
	if RecordsPaid, err = meter.Int64Counter("lix_records_paid_total",
		metric.WithDescription("Total number of records paid out")); err != nil {
		return fmt.Errorf("failed to create RecordsPaid counter: %w", err)
	}
	if Conflicts, err = meter.Int64Counter("lix_conflicts_total",
		metric.WithDescription("Total number of operations aborted by concurrent updates")); err != nil {
		return fmt.Errorf("failed to create Conflicts counter: %w", err)
	}
	return nil
}

// Init installs the Prometheus exporter as the global MeterProvider. Safe to call more than once.
func Init() error {
	initOnce.Do(func() {
		exporter, err := prometheus.New()
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(provider)
		log.Info("OpenTelemetry metrics initialized with Prometheus exporter")
	})
	return initErr
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
