package invoice

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	invoiceKeyPrefix = "invoice:"
	expiryIndexKey   = "invoices:expiry"
	indexCounterKey  = "invoices:index"

	// optimistic-lock retries before giving up on a contended key
	maxTxRetries = 5
)

var (
	ErrNotFound          = errors.New("invoice: not found")
	ErrDuplicateID       = errors.New("invoice: duplicate id")
	ErrInvalidTransition = errors.New("invoice: invalid status transition")
)

func invoiceKey(id string) string {
	return invoiceKeyPrefix + id
}

// Store is the redis-backed invoice store. Status is the only mutation
// surface after creation; concurrent updates to one invoice serialize via
// WATCH on its key.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create persists a new invoice and registers it in the expiry index.
func (s *Store) Create(ctx context.Context, inv *Invoice) error {
	key := invoiceKey(inv.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashFields(inv)...)
			pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(inv.ExpiresAt), Member: inv.ID})
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, key)
}

// Get loads one invoice.
func (s *Store) Get(ctx context.Context, id string) (*Invoice, error) {
	vals, err := s.rdb.HGetAll(ctx, invoiceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("invoice: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return fromMap(vals)
}

// UpdateStatus applies a status change plus the merged fields atomically.
// Re-proposing the same terminal state with the same transaction hash is an
// idempotent no-op; any other move out of a terminal state fails
// ErrInvalidTransition and leaves the record unchanged.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus Status, up Update) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}
	key := invoiceKey(id)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		cur, err := fromMap(vals)
		if err != nil {
			return err
		}

		if cur.Status.Terminal() {
			if newStatus == cur.Status && sameEvidence(cur, up) {
				return nil // idempotent re-apply
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, newStatus)
		}
		if !CanTransition(cur.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, newStatus)
		}

		merged := *cur
		merged.Status = newStatus
		up.apply(&merged)

		if newStatus == StatusCompleted && (merged.TransactionHash == "" || merged.BlockNumber == 0 || merged.PaidAt == 0) {
			return fmt.Errorf("%w: completed requires transaction evidence", ErrInvalidTransition)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashFields(&merged)...)
			if newStatus.Terminal() {
				pipe.ZRem(ctx, expiryIndexKey, id)
			}
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, key)
}

// ListExpiredPending returns all non-terminal invoices whose expiry is at or
// before now. Error invoices are included so that even an invoice whose
// monitoring collapsed still reaches a terminal state by its deadline.
func (s *Store) ListExpiredPending(ctx context.Context, now int64) ([]*Invoice, error) {
	return s.listByExpiry(ctx, "-inf", strconv.FormatInt(now, 10), func(st Status) bool {
		return !st.Terminal()
	})
}

// ListActive returns every non-terminal invoice, regardless of expiry. Used
// to re-register monitors after a restart.
func (s *Store) ListActive(ctx context.Context) ([]*Invoice, error) {
	return s.listByExpiry(ctx, "-inf", "+inf", func(st Status) bool {
		return !st.Terminal()
	})
}

// NextIndex allocates the next derivation index: a durable atomic counter,
// strictly monotonic across restarts and never reused.
func (s *Store) NextIndex(ctx context.Context) (uint32, error) {
	n, err := s.rdb.Incr(ctx, indexCounterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("invoice: next index: %w", err)
	}
	return uint32(n - 1), nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *Store) listByExpiry(ctx context.Context, min, max string, keep func(Status) bool) ([]*Invoice, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("invoice: expiry index: %w", err)
	}
	var out []*Invoice
	for _, id := range ids {
		vals, err := s.rdb.HGetAll(ctx, invoiceKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("invoice: get %s: %w", id, err)
		}
		if len(vals) == 0 {
			continue
		}
		// One undecodable record must not stall the sweep over the rest.
		inv, err := fromMap(vals)
		if err != nil {
			continue
		}
		if keep(inv.Status) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// sameEvidence reports whether an update against a terminal invoice proposes
// the same payment evidence already recorded.
func sameEvidence(cur *Invoice, up Update) bool {
	if up.TransactionHash != nil && *up.TransactionHash != cur.TransactionHash {
		return false
	}
	if up.BlockNumber != nil && *up.BlockNumber != cur.BlockNumber {
		return false
	}
	return true
}

func (u Update) apply(inv *Invoice) {
	if u.TransactionHash != nil {
		inv.TransactionHash = *u.TransactionHash
	}
	if u.BlockNumber != nil {
		inv.BlockNumber = *u.BlockNumber
	}
	if u.Confirmations != nil {
		inv.Confirmations = *u.Confirmations
	}
	if u.PaidAmount != nil {
		inv.PaidAmount = *u.PaidAmount
	}
	if u.PaidAt != nil {
		inv.PaidAt = *u.PaidAt
	}
	if u.ErrorMessage != nil {
		inv.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorRetries != nil {
		inv.ErrorRetries = *u.ErrorRetries
	}
}

func hashFields(inv *Invoice) []interface{} {
	return []interface{}{
		"id", inv.ID,
		"payment_address", inv.PaymentAddress,
		"private_key_sealed", inv.PrivateKeySealed,
		"derivation_index", inv.DerivationIndex,
		"amount", inv.Amount,
		"amount_smallest", inv.AmountSmallest,
		"chain_id", inv.ChainID,
		"status", string(inv.Status),
		"ip_address", inv.IPAddress,
		"user_agent", inv.UserAgent,
		"created_at", inv.CreatedAt,
		"expires_at", inv.ExpiresAt,
		"transaction_hash", inv.TransactionHash,
		"block_number", inv.BlockNumber,
		"confirmations", inv.Confirmations,
		"paid_amount", inv.PaidAmount,
		"paid_at", inv.PaidAt,
		"error_message", inv.ErrorMessage,
		"error_retries", inv.ErrorRetries,
	}
}

// fromMap decodes a flat hash record. A numeric field that fails to parse is
// a corrupted record, not a zero value, so decoding fails loudly.
func fromMap(m map[string]string) (*Invoice, error) {
	derivationIndex, err := strconv.ParseUint(m["derivation_index"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode derivation_index %q: %w", m["derivation_index"], err)
	}
	chainID, err := strconv.ParseInt(m["chain_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode chain_id %q: %w", m["chain_id"], err)
	}
	createdAt, err := strconv.ParseInt(m["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode created_at %q: %w", m["created_at"], err)
	}
	expiresAt, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode expires_at %q: %w", m["expires_at"], err)
	}
	blockNumber, err := strconv.ParseUint(m["block_number"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode block_number %q: %w", m["block_number"], err)
	}
	confirmations, err := strconv.ParseUint(m["confirmations"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode confirmations %q: %w", m["confirmations"], err)
	}
	paidAt, err := strconv.ParseInt(m["paid_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invoice: decode paid_at %q: %w", m["paid_at"], err)
	}
	errorRetries, err := strconv.Atoi(m["error_retries"])
	if err != nil {
		return nil, fmt.Errorf("invoice: decode error_retries %q: %w", m["error_retries"], err)
	}
	return &Invoice{
		ID:               m["id"],
		PaymentAddress:   m["payment_address"],
		PrivateKeySealed: m["private_key_sealed"],
		DerivationIndex:  uint32(derivationIndex),
		Amount:           m["amount"],
		AmountSmallest:   m["amount_smallest"],
		ChainID:          chainID,
		Status:           Status(m["status"]),
		IPAddress:        m["ip_address"],
		UserAgent:        m["user_agent"],
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		TransactionHash:  m["transaction_hash"],
		BlockNumber:      blockNumber,
		Confirmations:    confirmations,
		PaidAmount:       m["paid_amount"],
		PaidAt:           paidAt,
		ErrorMessage:     m["error_message"],
		ErrorRetries:     errorRetries,
	}, nil
}
