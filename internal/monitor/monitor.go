package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/chain"
	"github.com/wheylabs/demopay/internal/invoice"
)

// nativeDecimals is the smallest-unit scale of the chain's native token (wei).
const nativeDecimals = 18

// rescanned on the first poll so a restart never misses a payment mined while
// the process was down; covers a full invoice TTL at typical testnet block times
const lookbackBlocks = 64

// Settings are the polling knobs, taken from config at wiring time.
type Settings struct {
	PollInterval       time.Duration
	ConfirmationBlocks uint64
	RetryAttempts      int
	BackoffBase        time.Duration
	BackoffMultiplier  float64
	MaxErrorRetries    int
}

// Notifier receives invoices that reached a terminal state. May be nil.
type Notifier interface {
	InvoiceTerminal(ctx context.Context, inv *invoice.Invoice)
}

// Monitor polls the chain for payments to invoice addresses and drives status
// transitions through the store. It keeps no authoritative state: everything
// needed to resume lives in the store, the per-watcher bookkeeping here is
// only scan positions and running totals.
type Monitor struct {
	reader   chain.Reader
	store    *invoice.Store
	cfg      Settings
	notifier Notifier
	log      *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(reader chain.Reader, store *invoice.Store, cfg Settings, notifier Notifier, log *zap.Logger) *Monitor {
	return &Monitor{
		reader:   reader,
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		active:   make(map[string]context.CancelFunc),
	}
}

// Watch starts polling for an invoice until it reaches a terminal state or
// its expiry deadline passes. Watching an already-watched invoice is a no-op.
func (m *Monitor) Watch(ctx context.Context, inv *invoice.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[inv.ID]; ok {
		return
	}
	wctx, cancel := context.WithDeadline(ctx, time.Unix(inv.ExpiresAt, 0))
	m.active[inv.ID] = cancel

	w := newWatcher(inv)
	go m.run(wctx, w)
}

// Unwatch cancels polling for an invoice, releasing its RPC budget.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.active[id]; ok {
		cancel()
		delete(m.active, id)
	}
}

// ActiveCount returns the number of invoices currently being polled.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

type watcher struct {
	id       string
	addr     common.Address
	required *big.Int // smallest units

	seen          map[common.Hash]struct{}
	total         *big.Int
	evidenceHash  common.Hash
	evidenceBlock uint64

	scanned     bool
	lastScanned uint64
}

func newWatcher(inv *invoice.Invoice) *watcher {
	required, ok := new(big.Int).SetString(inv.AmountSmallest, 10)
	if !ok {
		required = new(big.Int)
	}
	return &watcher{
		id:       inv.ID,
		addr:     common.HexToAddress(inv.PaymentAddress),
		required: required,
		seen:     make(map[common.Hash]struct{}),
		total:    new(big.Int),
	}
}

func (m *Monitor) run(ctx context.Context, w *watcher) {
	defer m.Unwatch(w.id)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info("monitoring invoice", zap.String("invoice", w.id), zap.String("address", w.addr.Hex()))

	for {
		done, err := m.pollOnce(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				m.log.Info("monitoring deadline reached", zap.String("invoice", w.id))
				return
			}
			if stop := m.recordFailure(ctx, w, err); stop {
				return
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitoring stopped", zap.String("invoice", w.id))
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs one polling cycle: scan new blocks for payments, recompute
// confirmations, and advance the invoice state machine. done means the
// invoice reached a terminal state and polling must stop.
func (m *Monitor) pollOnce(ctx context.Context, w *watcher) (done bool, err error) {
	cur, err := m.store.Get(ctx, w.id)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if cur.Status.Terminal() {
		return true, nil
	}
	if cur.Status == invoice.StatusError {
		// Re-registered error invoice (operator retry or restart recovery):
		// resume from pending before polling again.
		if err := m.store.UpdateStatus(ctx, w.id, invoice.StatusPending, invoice.Update{}); err != nil {
			return false, err
		}
		cur.Status = invoice.StatusPending
	}

	var head uint64
	rpcErr := chain.Backoff(ctx, m.cfg.RetryAttempts, m.cfg.BackoffBase, m.cfg.BackoffMultiplier, func(ctx context.Context) error {
		h, err := m.reader.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		from := w.scanFrom(h)
		if from > h {
			return nil
		}
		payments, err := m.reader.PaymentsTo(ctx, w.addr, from, h)
		if err != nil {
			return err
		}
		w.absorb(payments)
		w.scanned = true
		w.lastScanned = h
		return nil
	})
	if rpcErr != nil {
		return false, rpcErr
	}

	if w.total.Sign() == 0 {
		return false, nil // nothing observed yet; expiry is the sweep's job
	}

	confirmations := uint64(0)
	if head >= w.evidenceBlock {
		confirmations = head - w.evidenceBlock + 1
	}
	paidNative := decimal.NewFromBigInt(w.total, -nativeDecimals).String()
	txHash := w.evidenceHash.Hex()

	up := invoice.Update{
		TransactionHash: &txHash,
		BlockNumber:     &w.evidenceBlock,
		Confirmations:   &confirmations,
		PaidAmount:      &paidNative,
	}

	if err := m.store.UpdateStatus(ctx, w.id, invoice.StatusConfirming, up); err != nil {
		return false, err
	}
	if cur.Status == invoice.StatusPending {
		m.log.Info("payment observed",
			zap.String("invoice", w.id),
			zap.String("tx", txHash),
			zap.String("paid", paidNative),
		)
	}

	// Underpayment keeps the invoice confirming; only the cumulative observed
	// amount reaching the requested amount can complete it.
	if confirmations >= m.cfg.ConfirmationBlocks && w.total.Cmp(w.required) >= 0 {
		paidAt := time.Now().Unix()
		if err := m.store.UpdateStatus(ctx, w.id, invoice.StatusCompleted, invoice.Update{
			TransactionHash: &txHash,
			BlockNumber:     &w.evidenceBlock,
			Confirmations:   &confirmations,
			PaidAmount:      &paidNative,
			PaidAt:          &paidAt,
		}); err != nil {
			return false, err
		}
		m.log.Info("invoice completed",
			zap.String("invoice", w.id),
			zap.String("tx", txHash),
			zap.Uint64("confirmations", confirmations),
		)
		m.notifyTerminal(ctx, w.id)
		return true, nil
	}
	return false, nil
}

// recordFailure moves the invoice to error after the in-poll retry budget is
// spent, then either schedules an automatic error -> pending retry or gives
// up and leaves the record for the sweep. stop means polling must end.
func (m *Monitor) recordFailure(ctx context.Context, w *watcher, pollErr error) (stop bool) {
	cur, err := m.store.Get(ctx, w.id)
	if err != nil {
		m.log.Error("monitor: reload after failure", zap.String("invoice", w.id), zap.Error(err))
		return true
	}
	if cur.Status.Terminal() {
		return true
	}

	msg := pollErr.Error()
	if err := m.store.UpdateStatus(ctx, w.id, invoice.StatusError, invoice.Update{ErrorMessage: &msg}); err != nil {
		m.log.Error("monitor: mark error", zap.String("invoice", w.id), zap.Error(err))
		return true
	}
	m.log.Warn("invoice monitoring failed",
		zap.String("invoice", w.id),
		zap.Int("retries_used", cur.ErrorRetries),
		zap.Error(pollErr),
	)

	if cur.ErrorRetries >= m.cfg.MaxErrorRetries {
		// Retry budget spent; the sweep expires it at its deadline. Subscribers
		// still hear about the failure now, not at the deadline.
		m.notifyTerminal(ctx, w.id)
		return true
	}
	retries := cur.ErrorRetries + 1
	if err := m.store.UpdateStatus(ctx, w.id, invoice.StatusPending, invoice.Update{ErrorRetries: &retries}); err != nil {
		m.log.Error("monitor: resume from error", zap.String("invoice", w.id), zap.Error(err))
		return true
	}
	return false
}

func (m *Monitor) notifyTerminal(ctx context.Context, id string) {
	if m.notifier == nil {
		return
	}
	inv, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	m.notifier.InvoiceTerminal(ctx, inv)
}

// scanFrom picks the next block range start: a lookback window on the first
// poll, then strictly new blocks.
func (w *watcher) scanFrom(head uint64) uint64 {
	if !w.scanned {
		if head > lookbackBlocks {
			return head - lookbackBlocks
		}
		return 0
	}
	return w.lastScanned + 1
}

// absorb folds newly observed payments into the running total, deduplicating
// by transaction hash. The highest-block payment becomes the evidence tx.
func (w *watcher) absorb(payments []chain.Payment) {
	for _, p := range payments {
		if _, dup := w.seen[p.TxHash]; dup {
			continue
		}
		w.seen[p.TxHash] = struct{}{}
		w.total.Add(w.total, p.Amount)
		if p.BlockNumber >= w.evidenceBlock {
			w.evidenceBlock = p.BlockNumber
			w.evidenceHash = p.TxHash
		}
	}
}
