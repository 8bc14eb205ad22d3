package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"paynode/services/ledger"
)

// Transfer is one entry of a linked batch. A zero Timeout settles on
// creation; a positive Timeout reserves funds for two-phase commit.
type Transfer struct {
	ID                   uuid.UUID
	SourceBalanceID      uuid.UUID
	DestinationBalanceID uuid.UUID
	Amount               int64
	Timeout              time.Duration
}

// Service builds and submits linked batches of transfers against the ledger
// and translates ledger result codes into the domain taxonomy.
type Service struct {
	ledger ledger.Client
}

type Params struct {
	fx.In
	Ledger ledger.Client
}

func NewService(p Params) *Service {
	return &Service{ledger: p.Ledger}
}

// Create submits the transfers as one linked batch. A nil return means every
// entry took effect (reserved for two-phase entries, settled otherwise); a
// *BatchError names the first failing entry and nothing took effect.
func (s *Service) Create(ctx context.Context, transfers []Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	inputs := make([]ledger.TransferInput, 0, len(transfers))
	for i, t := range transfers {
		if t.Amount <= 0 {
			return &BatchError{Index: i, Err: ErrInvalidAmount}
		}
		if t.SourceBalanceID == t.DestinationBalanceID {
			return &BatchError{Index: i, Err: ErrSameBalances}
		}
		inputs = append(inputs, ledger.TransferInput{
			ID:            t.ID,
			SourceID:      t.SourceBalanceID,
			DestinationID: t.DestinationBalanceID,
			Amount:        t.Amount,
			Timeout:       t.Timeout,
		})
	}

	batchErr, err := s.ledger.CreateTransfers(ctx, inputs)
	if err != nil {
		return err
	}
	if batchErr != nil {
		mapped, err := mapCreateCode(batchErr.Code)
		if err != nil {
			return err
		}
		return &BatchError{Index: batchErr.Index, Err: mapped}
	}
	return nil
}

// Commit finalizes previously reserved transfers.
func (s *Service) Commit(ctx context.Context, ids []uuid.UUID) error {
	return s.finish(ctx, ids, false)
}

// Rollback voids previously reserved transfers, releasing the reservation.
func (s *Service) Rollback(ctx context.Context, ids []uuid.UUID) error {
	return s.finish(ctx, ids, true)
}

func (s *Service) finish(ctx context.Context, ids []uuid.UUID, reject bool) error {
	if len(ids) == 0 {
		return nil
	}
	batchErr, err := s.ledger.CommitTransfers(ctx, ids, reject)
	if err != nil {
		return err
	}
	if batchErr != nil {
		mapped, err := mapCommitCode(batchErr.Code)
		if err != nil {
			return err
		}
		return &BatchError{Index: batchErr.Index, Err: mapped}
	}
	return nil
}

// GetBalances reads balance snapshots for the given ids. Values are always
// recomputed from the ledger, never cached.
func (s *Service) GetBalances(ctx context.Context, ids []uuid.UUID) ([]ledger.Snapshot, error) {
	return s.ledger.LookupBalances(ctx, ids)
}

// GetBalance reads a single balance value; ok is false when the ledger does
// not know the id.
func (s *Service) GetBalance(ctx context.Context, id uuid.UUID) (int64, bool, error) {
	snaps, err := s.ledger.LookupBalances(ctx, []uuid.UUID{id})
	if err != nil {
		return 0, false, err
	}
	if len(snaps) == 0 {
		return 0, false, nil
	}
	return snaps[0].Value(), true, nil
}

func mapCreateCode(code ledger.Code) (Error, error) {
	switch code {
	case ledger.CodeExists:
		return ErrTransferExists, nil
	case ledger.CodeInvalidAmount:
		return ErrInvalidAmount, nil
	case ledger.CodeSameBalances:
		return ErrSameBalances, nil
	case ledger.CodeSourceNotFound:
		return ErrUnknownSourceBalance, nil
	case ledger.CodeDestinationNotFound:
		return ErrUnknownDestinationBalance, nil
	case ledger.CodeDifferentUnits:
		return ErrDifferentAssets, nil
	case ledger.CodeExceedsCredits:
		return ErrInsufficientBalance, nil
	case ledger.CodeExceedsDebits:
		return ErrInsufficientDebitBalance, nil
	default:
		// A code outside the mapping table is fatal to the operation, not
		// silently absorbed.
		zap.L().Error("unexpected ledger create code", zap.Stringer("code", code))
		return "", fmt.Errorf("transfer: unexpected ledger code %q", code)
	}
}

func mapCommitCode(code ledger.Code) (Error, error) {
	switch code {
	case ledger.CodeTransferNotFound:
		return ErrUnknownTransfer, nil
	case ledger.CodeAlreadyCommitted:
		return ErrAlreadyCommitted, nil
	case ledger.CodeAlreadyRolledBack:
		return ErrAlreadyRolledBack, nil
	case ledger.CodeExpired:
		return ErrTransferExpired, nil
	default:
		zap.L().Error("unexpected ledger commit code", zap.Stringer("code", code))
		return "", fmt.Errorf("transfer: unexpected ledger code %q", code)
	}
}
