package cashier

import (
	"context"
	"time"

	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type CashierConfig struct {
	common.CommonConfig `yaml:",inline"`
	Network             string   `yaml:"network"`
	ListenAddress       string   `yaml:"listen_address"`
	UseMock             bool     `yaml:"use_mock"`
	DustFloor           uint64   `yaml:"dust_floor"`
	FeeBase             uint64   `yaml:"fee_base"`
	FeePerInput         uint64   `yaml:"fee_per_input"`
	FeePerOutput        uint64   `yaml:"fee_per_output"`
	MaxInputsPerTx      int      `yaml:"max_inputs_per_tx"`
	MaxOutputsPerTx     int      `yaml:"max_outputs_per_tx"`
	OwedLimit           int      `yaml:"owed_limit"`
	MinConfirmations    uint64   `yaml:"min_confirmations"`
	ConfirmationTarget  uint64   `yaml:"confirmation_target"`
	AlertThreshold      int64    `yaml:"alert_threshold"`
	IsolateAfter        int64    `yaml:"isolate_after"`
	UntrackAfter        string   `yaml:"untrack_after"`
	RefundFeeFlat       uint64   `yaml:"refund_fee_flat"`
	RefundFeePercent    string   `yaml:"refund_fee_percent"`
	ReservationTTL      string   `yaml:"reservation_ttl"`
	ChainTimeout        string   `yaml:"chain_timeout"`
	PipelineInterval    string   `yaml:"pipeline_interval"`
	BatchRetention      string   `yaml:"batch_retention"`
	SignerEndpoint      string   `yaml:"signer_endpoint"`
	SignerKey           string   `yaml:"signer_key"`
	RedisAddress        string   `yaml:"redis_address"`
	KafkaBrokers        []string `yaml:"kafka_brokers"`
	KafkaTopic          string   `yaml:"kafka_topic"`
}

// Options are the parsed runtime settings of a Cashier.
type Options struct {
	Wallet             model.KaspaWalletAddr
	DustFloor          uint64
	Fees               FeeEstimator
	MaxInputsPerTx     int
	MaxOutputsPerTx    int
	OwedLimit          int
	ConfirmationTarget uint64
	AlertThreshold     int64
	// IsolateAfter is the failure count at which a claim is sent in a
	// transaction of its own so it cannot block other claims.
	IsolateAfter int64
	// UntrackAfter stops confirmation lookups of payouts whose transaction
	// can no longer be found this long after broadcast.
	UntrackAfter     time.Duration
	ReservationTTL   time.Duration
	ChainTimeout     time.Duration
	PipelineInterval time.Duration
	BatchRetention   time.Duration
}

func DefaultOptions(wallet model.KaspaWalletAddr) Options {
	return Options{
		Wallet:             wallet,
		DustFloor:          DefaultDustFloor,
		Fees:               DefaultFees,
		MaxInputsPerTx:     84,
		MaxOutputsPerTx:    20,
		OwedLimit:          1024,
		ConfirmationTarget: 100,
		AlertThreshold:     3,
		IsolateAfter:       1,
		UntrackAfter:       24 * time.Hour,
		ReservationTTL:     5 * time.Minute,
		ChainTimeout:       30 * time.Second,
		PipelineInterval:   1 * time.Minute,
		BatchRetention:     7 * 24 * time.Hour,
	}
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s `%s`", field, value)
	}
	return d, nil
}

// Options validates the config and fills unset fields with defaults.
func (cfg *CashierConfig) Options() (Options, error) {
	if cfg.PoolWallet == "" {
		return Options{}, errors.New("pool_wallet is required")
	}
	opts := DefaultOptions(model.KaspaWalletAddr(cfg.PoolWallet))
	if cfg.DustFloor > 0 {
		opts.DustFloor = cfg.DustFloor
	}
	if cfg.FeeBase > 0 || cfg.FeePerInput > 0 || cfg.FeePerOutput > 0 {
		opts.Fees = LinearFee{Base: cfg.FeeBase, PerInput: cfg.FeePerInput, PerOutput: cfg.FeePerOutput}
	}
	if cfg.MaxInputsPerTx > 0 {
		opts.MaxInputsPerTx = cfg.MaxInputsPerTx
	}
	if cfg.MaxOutputsPerTx > 0 {
		opts.MaxOutputsPerTx = cfg.MaxOutputsPerTx
	}
	if cfg.OwedLimit > 0 {
		opts.OwedLimit = cfg.OwedLimit
	}
	if cfg.ConfirmationTarget > 0 {
		opts.ConfirmationTarget = cfg.ConfirmationTarget
	}
	if cfg.AlertThreshold > 0 {
		opts.AlertThreshold = cfg.AlertThreshold
	}
	if cfg.IsolateAfter > 0 {
		opts.IsolateAfter = cfg.IsolateAfter
	}
	var err error
	if opts.ReservationTTL, err = parseDuration("reservation_ttl", cfg.ReservationTTL, opts.ReservationTTL); err != nil {
		return Options{}, err
	}
	if opts.ChainTimeout, err = parseDuration("chain_timeout", cfg.ChainTimeout, opts.ChainTimeout); err != nil {
		return Options{}, err
	}
	if opts.PipelineInterval, err = parseDuration("pipeline_interval", cfg.PipelineInterval, opts.PipelineInterval); err != nil {
		return Options{}, err
	}
	if opts.UntrackAfter, err = parseDuration("untrack_after", cfg.UntrackAfter, opts.UntrackAfter); err != nil {
		return Options{}, err
	}
	if opts.BatchRetention, err = parseDuration("batch_retention", cfg.BatchRetention, opts.BatchRetention); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Ledger is the part of the store the cashier needs. Every write is a
// conditional update so concurrent cashiers never pay a claim twice.
type Ledger interface {
	SyncOutputs(ctx context.Context, address model.KaspaWalletAddr, onChain []model.SpendableOutput) (int, int, error)
	GetFreeOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error)
	GetOwedPayments(ctx context.Context, limit int) ([]model.Payment, error)
	RecordForfeits(ctx context.Context, forfeits []model.Forfeit) error
	ReserveBatch(ctx context.Context, batch *model.Batch) error
	CommitBatch(ctx context.Context, batchID string, at time.Time) error
	ReleaseBatch(ctx context.Context, batchID string) error
	MarkBatchUnknown(ctx context.Context, batchID string) error
	GetStaleBatches(ctx context.Context, olderThan time.Time) ([]*model.Batch, error)
	PruneFailedBatches(ctx context.Context, olderThan time.Time) (int64, error)
	CheckConsistency(ctx context.Context, groupID string) ([]string, error)
	HaltGroup(ctx context.Context, groupID string, reason string) error
	CompleteDisbursements(ctx context.Context) (int, error)
	GetUnconfirmedPayouts(ctx context.Context, target uint64, limit int) ([]*model.PayoutRecord, error)
	UpdateConfirmations(ctx context.Context, check model.ConfirmationCheck) error
	HasOutputsFromTx(ctx context.Context, txID string) (bool, error)
}

type Chain interface {
	ValidateAddress(address model.KaspaWalletAddr) error
	ListSpendableOutputs(ctx context.Context, address model.KaspaWalletAddr) ([]model.SpendableOutput, error)
	PrepareTransaction(ctx context.Context, tmpl *model.TxTemplate) (*model.PreparedTx, error)
	Broadcast(ctx context.Context, tx *model.PreparedTx) model.BroadcastResult
	GetTransactionStatus(ctx context.Context, txID string, addresses []string) (model.TxStatus, error)
}

type Cashier struct {
	opts      Options
	ledger    Ledger
	chain     Chain
	failures  FailureTracker
	publisher events.Publisher
	logger    *zap.Logger
}

func NewCashier(opts Options, ledger Ledger, chain Chain, failures FailureTracker, publisher events.Publisher, logger *zap.Logger) *Cashier {
	if opts.Fees == nil {
		opts.Fees = DefaultFees
	}
	if failures == nil {
		failures = NewMemoryFailureTracker()
	}
	return &Cashier{
		opts:      opts,
		ledger:    ledger,
		chain:     chain,
		failures:  failures,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "cashier"), zap.String("wallet", string(opts.Wallet))),
	}
}

func (c *Cashier) chainCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.ChainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.ChainTimeout)
}

func (c *Cashier) publish(ctx context.Context, evts ...events.Event) {
	if c.publisher == nil || len(evts) == 0 {
		return
	}
	if err := c.publisher.Publish(ctx, evts...); err != nil {
		c.logger.Warn("failed publishing disbursement events", zap.Error(err))
	}
}
