package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"paynode/pkg/db/option"
)

// Client is the ledger boundary the rest of the node programs against. The
// contract: per-balance operations are linearized, batches are all-or-nothing
// with the first failing index reported, and reservations expire on their
// own.
type Client interface {
	CreateBalances(ctx context.Context, inputs []CreateBalanceInput) (*BatchError, error)
	CreateTransfers(ctx context.Context, inputs []TransferInput) (*BatchError, error)
	CommitTransfers(ctx context.Context, ids []uuid.UUID, reject bool) (*BatchError, error)
	LookupBalances(ctx context.Context, ids []uuid.UUID) ([]Snapshot, error)
}

type CreateBalanceInput struct {
	ID           uuid.UUID
	Unit         int64
	DebitBalance bool
}

// TransferInput is one batch entry. Timeout == 0 means single-phase: the
// transfer settles atomically on creation. Timeout > 0 reserves funds until
// an explicit commit/rollback or expiry.
type TransferInput struct {
	ID            uuid.UUID
	SourceID      uuid.UUID
	DestinationID uuid.UUID
	Amount        int64
	Timeout       time.Duration
}

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

type Params struct {
	fx.In
	DB *gorm.DB
}

func NewService(p Params) *Service {
	return &Service{db: p.DB, now: time.Now}
}

var errBatchAborted = errors.New("ledger: batch aborted")

func (s *Service) CreateBalances(ctx context.Context, inputs []CreateBalanceInput) (*BatchError, error) {
	var batchErr *BatchError
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, in := range inputs {
			if in.ID == uuid.Nil {
				batchErr = &BatchError{Index: i, Code: CodeBalanceNotFound}
				return errBatchAborted
			}
			var n int64
			if err := tx.Model(&Balance{}).Where("id = ?", in.ID.String()).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				batchErr = &BatchError{Index: i, Code: CodeBalanceExists}
				return errBatchAborted
			}
			if err := tx.Create(&Balance{
				ID:           in.ID.String(),
				Unit:         in.Unit,
				DebitBalance: in.DebitBalance,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchAborted) {
		return nil, fmt.Errorf("ledger: create balances: %w", err)
	}
	return batchErr, nil
}

// CreateTransfers validates and applies a linked batch. On the first failing
// entry the whole batch is voided and {index, code} is returned; nil means
// every entry took effect.
func (s *Service) CreateTransfers(ctx context.Context, inputs []TransferInput) (*BatchError, error) {
	var batchErr *BatchError
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(inputs)*2)
		for _, in := range inputs {
			ids = append(ids, in.SourceID.String(), in.DestinationID.String())
		}

		balances, err := s.loadBalances(ctx, tx, ids)
		if err != nil {
			return err
		}

		now := s.now()
		seen := make(map[string]bool, len(inputs))
		pendingRows := make([]*Transfer, 0, len(inputs))

		for i, in := range inputs {
			code, err := s.validate(ctx, tx, balances, seen, in)
			if err != nil {
				return err
			}
			if code != CodeOK {
				batchErr = &BatchError{Index: i, Code: code}
				return errBatchAborted
			}
			seen[in.ID.String()] = true

			src := balances[in.SourceID.String()]
			dst := balances[in.DestinationID.String()]
			row := &Transfer{
				ID:            in.ID.String(),
				SourceID:      src.ID,
				DestinationID: dst.ID,
				Amount:        in.Amount,
			}
			if in.Timeout > 0 {
				expires := now.Add(in.Timeout)
				row.State = statePending
				row.ExpiresAt = &expires
				src.DebitsReserved += in.Amount
				dst.CreditsReserved += in.Amount
			} else {
				row.State = statePosted
				src.DebitsAccepted += in.Amount
				dst.CreditsAccepted += in.Amount
			}
			pendingRows = append(pendingRows, row)
		}

		if len(pendingRows) > 0 {
			if err := tx.Create(pendingRows).Error; err != nil {
				return err
			}
		}
		return s.storeBalances(ctx, tx, balances)
	})
	if err != nil && !errors.Is(err, errBatchAborted) {
		return nil, fmt.Errorf("ledger: create transfers: %w", err)
	}
	return batchErr, nil
}

func (s *Service) validate(ctx context.Context, tx *gorm.DB, balances map[string]*Balance, seen map[string]bool, in TransferInput) (Code, error) {
	if in.Amount <= 0 {
		return CodeInvalidAmount, nil
	}
	if in.SourceID == in.DestinationID {
		return CodeSameBalances, nil
	}

	// Idempotency before anything that depends on the payload: a reused id
	// is reported as exists even when accounts or amounts differ.
	if seen[in.ID.String()] {
		return CodeExists, nil
	}
	var n int64
	if err := tx.Model(&Transfer{}).Where("id = ?", in.ID.String()).Count(&n).Error; err != nil {
		return CodeOK, err
	}
	if n > 0 {
		return CodeExists, nil
	}

	src, ok := balances[in.SourceID.String()]
	if !ok {
		return CodeSourceNotFound, nil
	}
	dst, ok := balances[in.DestinationID.String()]
	if !ok {
		return CodeDestinationNotFound, nil
	}
	if src.Unit != dst.Unit {
		return CodeDifferentUnits, nil
	}

	if !src.DebitBalance {
		// Debits must not exceed credits: the reservation already counts.
		if src.CreditsAccepted-src.DebitsAccepted-src.DebitsReserved < in.Amount {
			return CodeExceedsCredits, nil
		}
	}
	if dst.DebitBalance {
		// Credits must not exceed debits.
		if dst.CreditsAccepted+dst.CreditsReserved+in.Amount > dst.DebitsAccepted {
			return CodeExceedsDebits, nil
		}
	}
	return CodeOK, nil
}

// CommitTransfers finalizes (or, with reject, voids) pending transfers. Like
// creation, the batch is linked: the first failure voids all entries.
func (s *Service) CommitTransfers(ctx context.Context, ids []uuid.UUID, reject bool) (*BatchError, error) {
	var batchErr *BatchError
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		for i, id := range ids {
			var row Transfer
			err := option.LockingUpdate(tx).Where("id = ?", id.String()).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				batchErr = &BatchError{Index: i, Code: CodeTransferNotFound}
				return errBatchAborted
			}
			if err != nil {
				return err
			}

			var code Code
			switch row.State {
			case statePosted, stateCommitted:
				code = CodeAlreadyCommitted
			case stateRolledBack:
				code = CodeAlreadyRolledBack
			case stateExpired:
				code = CodeExpired
			case statePending:
				if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
					// The reservation lapsed; void it now and report expiry
					// for commit and rollback alike, the effect is the same.
					if err := s.voidPending(ctx, tx, &row, stateExpired); err != nil {
						return err
					}
					code = CodeExpired
				}
			default:
				return fmt.Errorf("ledger: transfer %s in unknown state %q", row.ID, row.State)
			}
			if code != CodeOK {
				batchErr = &BatchError{Index: i, Code: code}
				return errBatchAborted
			}

			if reject {
				if err := s.voidPending(ctx, tx, &row, stateRolledBack); err != nil {
					return err
				}
				continue
			}
			if err := s.acceptPending(ctx, tx, &row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchAborted) {
		return nil, fmt.Errorf("ledger: commit transfers: %w", err)
	}
	return batchErr, nil
}

func (s *Service) LookupBalances(ctx context.Context, ids []uuid.UUID) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		strIDs := make([]string, 0, len(ids))
		for _, id := range ids {
			strIDs = append(strIDs, id.String())
		}
		balances, err := s.loadBalances(ctx, tx, strIDs)
		if err != nil {
			return err
		}
		if err := s.storeBalances(ctx, tx, balances); err != nil {
			return err
		}

		// Preserve request order; missing ids are omitted.
		for _, id := range strIDs {
			if b, ok := balances[id]; ok {
				out = append(out, snapshotOf(b))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup balances: %w", err)
	}
	return out, nil
}

// loadBalances locks the referenced balances (in id order, so two concurrent
// batches over the same set cannot deadlock) and voids any reservation that
// expired before now. Expiry is enforced here, lazily, rather than by a
// background sweeper.
func (s *Service) loadBalances(ctx context.Context, tx *gorm.DB, ids []string) (map[string]*Balance, error) {
	uniq := make(map[string]bool, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if !uniq[id] {
			uniq[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Strings(ordered)

	var expired []Transfer
	if err := option.LockingUpdate(tx).
		Where("state = ? AND expires_at <= ?", statePending, s.now()).
		Where("source_id IN ? OR destination_id IN ?", ordered, ordered).
		Find(&expired).Error; err != nil {
		return nil, err
	}
	for _, t := range expired {
		if !uniq[t.SourceID] {
			uniq[t.SourceID] = true
			ordered = append(ordered, t.SourceID)
		}
		if !uniq[t.DestinationID] {
			uniq[t.DestinationID] = true
			ordered = append(ordered, t.DestinationID)
		}
	}
	sort.Strings(ordered)

	var rows []*Balance
	if err := option.LockingUpdate(tx).Where("id IN ?", ordered).Find(&rows).Error; err != nil {
		return nil, err
	}
	balances := make(map[string]*Balance, len(rows))
	for _, b := range rows {
		balances[b.ID] = b
	}

	for i := range expired {
		t := expired[i]
		if src, ok := balances[t.SourceID]; ok {
			src.DebitsReserved -= t.Amount
		}
		if dst, ok := balances[t.DestinationID]; ok {
			dst.CreditsReserved -= t.Amount
		}
		if err := tx.Model(&Transfer{}).Where("id = ?", t.ID).
			Update("state", stateExpired).Error; err != nil {
			return nil, err
		}
	}
	return balances, nil
}

func (s *Service) storeBalances(ctx context.Context, tx *gorm.DB, balances map[string]*Balance) error {
	for _, b := range balances {
		err := tx.Model(&Balance{}).Where("id = ?", b.ID).Updates(map[string]any{
			"debits_accepted":  b.DebitsAccepted,
			"debits_reserved":  b.DebitsReserved,
			"credits_accepted": b.CreditsAccepted,
			"credits_reserved": b.CreditsReserved,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) acceptPending(ctx context.Context, tx *gorm.DB, row *Transfer) error {
	if err := s.adjust(ctx, tx, row.SourceID, map[string]any{
		"debits_reserved": gorm.Expr("debits_reserved - ?", row.Amount),
		"debits_accepted": gorm.Expr("debits_accepted + ?", row.Amount),
	}); err != nil {
		return err
	}
	if err := s.adjust(ctx, tx, row.DestinationID, map[string]any{
		"credits_reserved": gorm.Expr("credits_reserved - ?", row.Amount),
		"credits_accepted": gorm.Expr("credits_accepted + ?", row.Amount),
	}); err != nil {
		return err
	}
	return tx.Model(&Transfer{}).Where("id = ?", row.ID).Update("state", stateCommitted).Error
}

func (s *Service) voidPending(ctx context.Context, tx *gorm.DB, row *Transfer, state string) error {
	if err := s.adjust(ctx, tx, row.SourceID, map[string]any{
		"debits_reserved": gorm.Expr("debits_reserved - ?", row.Amount),
	}); err != nil {
		return err
	}
	if err := s.adjust(ctx, tx, row.DestinationID, map[string]any{
		"credits_reserved": gorm.Expr("credits_reserved - ?", row.Amount),
	}); err != nil {
		return err
	}
	return tx.Model(&Transfer{}).Where("id = ?", row.ID).Update("state", state).Error
}

func (s *Service) adjust(ctx context.Context, tx *gorm.DB, balanceID string, updates map[string]any) error {
	return tx.Model(&Balance{}).Where("id = ?", balanceID).Updates(updates).Error
}
