package invoice

// Status is the lifecycle state of an invoice. Completed and expired are
// terminal; error may return to pending on a bounded automatic retry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirming, StatusCompleted, StatusExpired, StatusError:
		return true
	}
	return false
}

// legal transitions; a non-terminal status may also "transition" to itself
// so that confirmation counts can be refreshed in place.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirming, StatusExpired, StatusError},
	StatusConfirming: {StatusCompleted, StatusExpired, StatusError},
	StatusError:      {StatusPending, StatusExpired},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Invoice is one demo payment request. PrivateKeySealed holds the derived
// child key sealed under the deployment seal key; it is never returned to
// external callers.
type Invoice struct {
	ID               string
	PaymentAddress   string
	PrivateKeySealed string
	DerivationIndex  uint32
	Amount           string // native units, decimal string
	AmountSmallest   string // integer string, wei-equivalent
	ChainID          int64
	Status           Status

	// Request provenance, used by the rate limiter and analytics only.
	IPAddress string
	UserAgent string

	CreatedAt int64 // unix seconds
	ExpiresAt int64 // immutable once set

	// Observed payment.
	TransactionHash string
	BlockNumber     uint64
	Confirmations   uint64
	PaidAmount      string
	PaidAt          int64

	ErrorMessage string
	ErrorRetries int
}

// Update carries the fields merged atomically with a status change. Nil
// pointers are left untouched.
type Update struct {
	TransactionHash *string
	BlockNumber     *uint64
	Confirmations   *uint64
	PaidAmount      *string
	PaidAt          *int64
	ErrorMessage    *string
	ErrorRetries    *int
}
