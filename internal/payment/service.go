package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/hdwallet"
	"github.com/wheylabs/demopay/internal/invoice"
	"github.com/wheylabs/demopay/internal/ratelimit"
)

const nativeDecimals = 18

// RateLimitedError is returned by CreateInvoice when the client exceeded its
// creation budget. RetryAfter says when the oldest request ages out.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Monitor is the slice of the payment monitor the orchestrator drives.
type Monitor interface {
	Watch(ctx context.Context, inv *invoice.Invoice)
	Unwatch(id string)
}

// Notifier receives terminal invoices (the sweep's expiries). May be nil.
type Notifier interface {
	InvoiceTerminal(ctx context.Context, inv *invoice.Invoice)
}

// CreateRequest carries request provenance into invoice creation.
type CreateRequest struct {
	IPAddress string
	UserAgent string
}

// Created is the external view of a fresh invoice. It never includes key
// material: callers get the payment address only.
type Created struct {
	InvoiceID      string `json:"invoice_id"`
	PaymentAddress string `json:"payment_address"`
	Amount         string `json:"amount"`
	AmountSmallest string `json:"amount_smallest_unit"`
	ChainID        int64  `json:"chain_id"`
	ExpiresAt      int64  `json:"expires_at"`
	PaymentURI     string `json:"payment_uri"`
}

// StatusView is the read model for status queries. TimeRemaining is derived
// on read, never stored.
type StatusView struct {
	InvoiceID       string `json:"invoice_id"`
	Status          string `json:"status"`
	Confirmations   uint64 `json:"confirmations,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	PaidAmount      string `json:"paid_amount,omitempty"`
	TimeRemaining   int64  `json:"time_remaining"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Service is the invoice lifecycle orchestrator: it composes the deriver,
// rate limiter, store, and monitor behind the two public operations plus the
// expiry sweep.
type Service struct {
	store    *invoice.Store
	deriver  *hdwallet.Deriver
	limiter  *ratelimit.Limiter
	monitor  Monitor
	notifier Notifier
	sealKey  *[32]byte
	log      *zap.Logger

	amount         decimal.Decimal
	amountSmallest string
	chainID        int64
	expiry         time.Duration

	now func() time.Time
}

func NewService(
	store *invoice.Store,
	deriver *hdwallet.Deriver,
	limiter *ratelimit.Limiter,
	monitor Monitor,
	notifier Notifier,
	sealKey *[32]byte,
	amount string,
	chainID int64,
	expiry time.Duration,
	log *zap.Logger,
) (*Service, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("payment: invalid invoice amount %q: %w", amount, err)
	}
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("payment: invoice amount must be positive, got %q", amount)
	}
	smallest := amt.Shift(nativeDecimals)
	if !smallest.IsInteger() {
		return nil, fmt.Errorf("payment: invoice amount %q has sub-wei precision", amount)
	}
	return &Service{
		store:          store,
		deriver:        deriver,
		limiter:        limiter,
		monitor:        monitor,
		notifier:       notifier,
		sealKey:        sealKey,
		log:            log,
		amount:         amt,
		amountSmallest: smallest.String(),
		chainID:        chainID,
		expiry:         expiry,
		now:            time.Now,
	}, nil
}

// CreateInvoice allocates a fresh derivation index, derives its wallet,
// persists the invoice, and registers it with the monitor. Concurrent calls
// never share an index or an id: the index is a store-side atomic increment
// and ids are random.
func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest) (*Created, error) {
	dec, err := s.limiter.CheckAndRecord(ctx, req.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("payment: rate limit check: %w", err)
	}
	if !dec.Allowed {
		return nil, &RateLimitedError{RetryAfter: dec.RetryAfter}
	}

	index, err := s.store.NextIndex(ctx)
	if err != nil {
		return nil, err
	}
	wallet, err := s.deriver.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("payment: derive wallet: %w", err)
	}
	sealed, err := invoice.SealKey(s.sealKey, []byte(wallet.PrivateKeyHex()))
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv := &invoice.Invoice{
		ID:               "inv-" + uuid.NewString(),
		PaymentAddress:   wallet.Address.Hex(),
		PrivateKeySealed: sealed,
		DerivationIndex:  index,
		Amount:           s.amount.String(),
		AmountSmallest:   s.amountSmallest,
		ChainID:          s.chainID,
		Status:           invoice.StatusPending,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(s.expiry).Unix(),
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.monitor.Watch(context.WithoutCancel(ctx), inv)

	s.log.Info("invoice created",
		zap.String("invoice", inv.ID),
		zap.String("address", inv.PaymentAddress),
		zap.Uint32("index", index),
		zap.String("ip", req.IPAddress),
	)
	return &Created{
		InvoiceID:      inv.ID,
		PaymentAddress: inv.PaymentAddress,
		Amount:         inv.Amount,
		AmountSmallest: inv.AmountSmallest,
		ChainID:        inv.ChainID,
		ExpiresAt:      inv.ExpiresAt,
		PaymentURI:     PaymentURI(inv.PaymentAddress, inv.AmountSmallest, inv.ChainID),
	}, nil
}

// GetStatus is a read-through to the store.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	remaining := inv.ExpiresAt - s.now().Unix()
	if remaining < 0 || inv.Status.Terminal() {
		remaining = 0
	}
	return &StatusView{
		InvoiceID:       inv.ID,
		Status:          string(inv.Status),
		Confirmations:   inv.Confirmations,
		TransactionHash: inv.TransactionHash,
		PaidAmount:      inv.PaidAmount,
		TimeRemaining:   remaining,
		ErrorMessage:    inv.ErrorMessage,
	}, nil
}

// PaymentURIFor rebuilds the payable URI for an existing invoice.
func (s *Service) PaymentURIFor(ctx context.Context, id string) (string, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return PaymentURI(inv.PaymentAddress, inv.AmountSmallest, inv.ChainID), nil
}

// SweepExpired transitions every overdue non-terminal invoice to expired and
// deregisters it from the monitor. Each invoice is handled atomically, so the
// sweep can be interrupted between invoices without inconsistency.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) {
	overdue, err := s.store.ListExpiredPending(ctx, now.Unix())
	if err != nil {
		s.log.Error("sweep: list expired", zap.Error(err))
		return
	}
	for _, inv := range overdue {
		if ctx.Err() != nil {
			return
		}
		if err := s.store.UpdateStatus(ctx, inv.ID, invoice.StatusExpired, invoice.Update{}); err != nil {
			// A concurrent completion winning the race is expected here.
			s.log.Warn("sweep: expire", zap.String("invoice", inv.ID), zap.Error(err))
			continue
		}
		s.monitor.Unwatch(inv.ID)
		s.log.Info("invoice expired", zap.String("invoice", inv.ID))
		if s.notifier != nil {
			if expired, err := s.store.Get(ctx, inv.ID); err == nil {
				s.notifier.InvoiceTerminal(ctx, expired)
			}
		}
	}
}

// RunSweeper drives SweepExpired on an interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepExpired(ctx, s.now())
		}
	}
}

// Recover re-registers every live invoice with the monitor after a restart.
// Already-overdue invoices are left to the first sweep.
func (s *Service) Recover(ctx context.Context) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("recover: list active", zap.Error(err))
		return
	}
	now := s.now().Unix()
	for _, inv := range active {
		if inv.ExpiresAt <= now {
			continue
		}
		s.monitor.Watch(ctx, inv)
		s.log.Info("recovered invoice", zap.String("invoice", inv.ID), zap.String("status", string(inv.Status)))
	}
}
