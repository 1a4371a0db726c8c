/*
writer.go - Balance mutation protocol

PURPOSE:
  Appends one transaction and moves the denormalized balance by the same
  amount. Two implementations sit behind BalanceMutator:

  AtomicMutator (default):
    Delegates to the store's single-unit procedure. Insert and update
    commit together; concurrent writers cannot lose each other's deltas.

  TwoStepMutator (fallback, weaker):
    1. INSERT the transaction
    2. READ the balance
    3. WRITE balance + points
    4. If 2 or 3 fails, DELETE the row from step 1

    Two concurrent calls can read the same balance and both write
    balance + their own delta; one delta is lost although both rows exist.
    There is no version column to detect this. Reconciliation
    (reconcile.go) is the only repair.

FALLBACK:
  The writer tries the atomic path first and uses the two-step path only
  when the store answers ErrAtomicUnavailable. The decision is made per
  call; nothing is cached in process.

ADMIN ATTRIBUTION:
  AdminID is persisted only for admin_add/admin_subtract. If the store
  reports ErrOptionalColumn the write is retried once without it.

SEE ALSO:
  - store.go:     AtomicStore contract
  - adjust.go:    Admin credits and debits built on the writer
  - reconcile.go: Repairs drift left by the two-step path
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/attendance-points/metrics"
)

const (
	pathAtomic  = "atomic"
	pathTwoStep = "two_step"
)

// =============================================================================
// BALANCE MUTATOR
// =============================================================================

// BalanceMutator applies one transaction to the ledger and the balance.
type BalanceMutator interface {
	// Apply appends tx and adds tx.Points to the balance, returning the new
	// balance. With requireFunds a result below zero is rejected with
	// *InsufficientBalanceError and nothing is written.
	Apply(ctx context.Context, tx Transaction, requireFunds bool) (int, error)
}

// AtomicMutator delegates to the store's atomic procedure.
type AtomicMutator struct {
	Store AtomicStore
}

func (m AtomicMutator) Apply(ctx context.Context, tx Transaction, requireFunds bool) (int, error) {
	return m.Store.ApplyAtomic(ctx, tx, requireFunds)
}

// TwoStepMutator inserts, then read-modify-writes the balance, deleting the
// inserted row if the balance write fails. Not safe under concurrency.
type TwoStepMutator struct {
	Store  Store
	Logger zerolog.Logger
}

func (m *TwoStepMutator) Apply(ctx context.Context, tx Transaction, requireFunds bool) (int, error) {
	if requireFunds {
		current, err := m.Store.Balance(ctx, tx.SiteID, tx.StudentID)
		if err != nil {
			return 0, err
		}
		if current+tx.Points < 0 {
			return 0, &InsufficientBalanceError{StudentID: tx.StudentID, Available: current, Requested: -tx.Points}
		}
	}

	if err := m.Store.InsertTransaction(ctx, tx); err != nil {
		return 0, err
	}

	current, err := m.Store.Balance(ctx, tx.SiteID, tx.StudentID)
	if err == nil {
		next := current + tx.Points
		if err = m.Store.SetBalance(ctx, tx.SiteID, tx.StudentID, next); err == nil {
			return next, nil
		}
	}
	return 0, m.compensate(ctx, tx, err)
}

func (m *TwoStepMutator) compensate(ctx context.Context, tx Transaction, cause error) error {
	if delErr := m.Store.DeleteTransaction(ctx, tx.SiteID, tx.ID); delErr != nil {
		metrics.Compensations.WithLabelValues("failed").Inc()
		m.Logger.Error().
			Err(delErr).
			Str("site_id", string(tx.SiteID)).
			Str("student_id", string(tx.StudentID)).
			Str("transaction_id", string(tx.ID)).
			AnErr("cause", cause).
			Msg("Compensating delete failed, ledger and balance diverged")
		return &CompensationError{TransactionID: tx.ID, Cause: cause, DeleteErr: delErr}
	}

	metrics.Compensations.WithLabelValues("ok").Inc()
	m.Logger.Warn().
		Err(cause).
		Str("site_id", string(tx.SiteID)).
		Str("student_id", string(tx.StudentID)).
		Str("transaction_id", string(tx.ID)).
		Msg("Balance update failed, transaction removed")
	return fmt.Errorf("%w: %w", ErrBalanceUpdateFailed, cause)
}

// =============================================================================
// WRITER
// =============================================================================

// Credit describes a positive ledger entry.
type Credit struct {
	SiteID      SiteID
	StudentID   StudentID
	Points      int
	Type        TransactionType
	Description string
	ReferenceID string
	AdminID     AdminID
	AwardPeriod string
}

// Debit describes a negative ledger entry. Type defaults to admin_subtract
// when AdminID is set and to consumption otherwise.
type Debit struct {
	SiteID      SiteID
	StudentID   StudentID
	Points      int
	Type        TransactionType
	Description string
	AdminID     AdminID
}

// Posting is a committed transaction and the balance it produced.
type Posting struct {
	Transaction Transaction
	Balance     int
	Path        string
}

// Writer is the single entry point for balance mutations.
type Writer struct {
	store    Store
	atomic   BalanceMutator
	fallback BalanceMutator
	now      func() time.Time
	newID    func() TransactionID
	logger   zerolog.Logger
	noAtomic bool
}

type WriterOption func(*Writer)

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(fn func() TransactionID) WriterOption {
	return func(w *Writer) { w.newID = fn }
}

// WithoutAtomic forces the two-step path even if the store has a procedure.
func WithoutAtomic() WriterOption {
	return func(w *Writer) { w.noAtomic = true }
}

// NewWriter builds a writer over store. The atomic path is used when store
// implements AtomicStore.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  store,
		now:    time.Now,
		newID:  func() TransactionID { return TransactionID(uuid.NewString()) },
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if as, ok := store.(AtomicStore); ok && !w.noAtomic {
		w.atomic = AtomicMutator{Store: as}
	}
	w.fallback = &TwoStepMutator{Store: store, Logger: w.logger}
	return w
}

// AddPoints appends a credit of c.Points.
func (w *Writer) AddPoints(ctx context.Context, c Credit) (Posting, error) {
	if c.Points <= 0 {
		return Posting{}, w.reject(ErrInvalidPoints)
	}
	if !c.Type.IsCredit() {
		return Posting{}, w.reject(fmt.Errorf("%w: %q is not a credit type", ErrInvalidTransactionType, c.Type))
	}

	tx := w.newTransaction(c.SiteID, c.StudentID, c.Type, c.Points)
	tx.Description = c.Description
	tx.ReferenceID = c.ReferenceID
	tx.AdminID = c.AdminID
	tx.AwardPeriod = c.AwardPeriod
	return w.write(ctx, tx, false)
}

// SubtractPoints appends a debit of d.Points. A debit larger than the
// current balance is rejected with *InsufficientBalanceError and nothing
// is written.
func (w *Writer) SubtractPoints(ctx context.Context, d Debit) (Posting, error) {
	if d.Points <= 0 {
		return Posting{}, w.reject(ErrInvalidPoints)
	}

	typ := d.Type
	if typ == "" {
		typ = TxConsumption
		if d.AdminID != "" {
			typ = TxAdminSubtract
		}
	}
	if typ != TxConsumption && typ != TxAdminSubtract {
		return Posting{}, w.reject(fmt.Errorf("%w: %q is not a debit type", ErrInvalidTransactionType, typ))
	}

	tx := w.newTransaction(d.SiteID, d.StudentID, typ, -d.Points)
	tx.Description = d.Description
	tx.AdminID = d.AdminID
	return w.write(ctx, tx, true)
}

func (w *Writer) newTransaction(siteID SiteID, studentID StudentID, typ TransactionType, points int) Transaction {
	return Transaction{
		ID:        w.newID(),
		SiteID:    siteID,
		StudentID: studentID,
		Type:      typ,
		Points:    points,
		CreatedAt: w.now().UTC(),
	}
}

func (w *Writer) write(ctx context.Context, tx Transaction, requireFunds bool) (Posting, error) {
	if !tx.Type.IsAdmin() {
		tx.AdminID = ""
	}

	balance, path, err := w.apply(ctx, tx, requireFunds)
	if errors.Is(err, ErrOptionalColumn) && tx.AdminID != "" {
		metrics.AttributionDropped.Inc()
		w.logger.Warn().
			Str("site_id", string(tx.SiteID)).
			Str("student_id", string(tx.StudentID)).
			Str("admin_id", string(tx.AdminID)).
			Msg("admin_id column missing, writing without attribution")
		tx.AdminID = ""
		balance, path, err = w.apply(ctx, tx, requireFunds)
	}
	if err != nil {
		return Posting{}, w.reject(err)
	}

	metrics.LedgerWrites.WithLabelValues(string(tx.Type), path).Inc()
	w.logger.Debug().
		Str("site_id", string(tx.SiteID)).
		Str("student_id", string(tx.StudentID)).
		Str("transaction_id", string(tx.ID)).
		Str("type", string(tx.Type)).
		Int("points", tx.Points).
		Int("balance", balance).
		Str("path", path).
		Msg("Ledger write committed")
	return Posting{Transaction: tx, Balance: balance, Path: path}, nil
}

func (w *Writer) apply(ctx context.Context, tx Transaction, requireFunds bool) (int, string, error) {
	if w.atomic != nil {
		balance, err := w.atomic.Apply(ctx, tx, requireFunds)
		if !errors.Is(err, ErrAtomicUnavailable) {
			return balance, pathAtomic, err
		}
		metrics.AtomicFallbacks.Inc()
		w.logger.Warn().
			Str("site_id", string(tx.SiteID)).
			Msg("Atomic balance procedure unavailable, using two-step write")
	}
	balance, err := w.fallback.Apply(ctx, tx, requireFunds)
	return balance, pathTwoStep, err
}

func (w *Writer) reject(err error) error {
	metrics.LedgerWriteFailures.WithLabelValues(ErrorCode(err)).Inc()
	return err
}
