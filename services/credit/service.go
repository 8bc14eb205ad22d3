package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"paynode/services/account"
	"paynode/services/transfer"
)

type Error string

const (
	ErrSameAccounts        Error = "SameAccounts"
	ErrUnknownAccount      Error = "UnknownAccount"
	ErrUnknownSubAccount   Error = "UnknownSubAccount"
	ErrUnrelatedSubAccount Error = "UnrelatedSubAccount"
	ErrInsufficientBalance Error = "InsufficientBalance"
	ErrInsufficientCredit  Error = "InsufficientCredit"
	ErrInsufficientDebt    Error = "InsufficientDebt"
	ErrInvalidAmount       Error = "InvalidAmount"
)

func (e Error) Error() string { return string(e) }

// Service moves spending capacity between a super-account and a strict
// descendant. Every operation is one linked ledger batch with one leg set
// per edge of the ancestor chain, so the per-edge hierarchy invariant
// (totalLent(parent) == totalBorrowed(child) on every relationship) holds
// by construction rather than by reconciliation, even when the caller
// skips levels.
type Service struct {
	accounts *account.Service
	transfer *transfer.Service
}

type Params struct {
	fx.In
	Accounts *account.Service
	Transfer *transfer.Service
}

func NewService(p Params) *Service {
	return &Service{accounts: p.Accounts, transfer: p.Transfer}
}

type ExtendParams struct {
	AccountID    string
	SubAccountID string
	Amount       int64
	// AutoApply converts the extended credit to debt immediately: the funds
	// move in the same call and no unused credit line remains.
	AutoApply bool
}

func (s *Service) ExtendCredit(ctx context.Context, p ExtendParams) error {
	path, err := s.validateChain(ctx, p.AccountID, p.SubAccountID, p.Amount)
	if err != nil {
		return err
	}

	// Top-down so auto-applied funds cascade through each intermediate
	// account within the batch.
	var entries []transfer.Transfer
	byIndex := map[int]Error{}
	for i := 0; i+1 < len(path); i++ {
		parent, child := path[i], path[i+1]
		if p.AutoApply {
			byIndex[len(entries)] = ErrInsufficientBalance
			entries = append(entries,
				funds(parent, child, p.Amount),
				debt(parent, child, p.Amount),
			)
			continue
		}
		entries = append(entries, extended(parent, child, p.Amount))
	}
	return mapBatch(s.transfer.Create(ctx, entries), byIndex)
}

type UtilizeParams struct {
	AccountID    string
	SubAccountID string
	Amount       int64
}

// UtilizeCredit converts previously extended, unused credit into an actual
// funds transfer super -> sub, recording the debt.
func (s *Service) UtilizeCredit(ctx context.Context, p UtilizeParams) error {
	path, err := s.validateChain(ctx, p.AccountID, p.SubAccountID, p.Amount)
	if err != nil {
		return err
	}

	var entries []transfer.Transfer
	byIndex := map[int]Error{}
	for i := 0; i+1 < len(path); i++ {
		parent, child := path[i], path[i+1]
		byIndex[len(entries)] = ErrInsufficientCredit
		byIndex[len(entries)+1] = ErrInsufficientBalance
		entries = append(entries,
			consume(parent, child, p.Amount),
			funds(parent, child, p.Amount),
			debt(parent, child, p.Amount),
		)
	}
	return mapBatch(s.transfer.Create(ctx, entries), byIndex)
}

type RevokeParams struct {
	AccountID    string
	SubAccountID string
	Amount       int64
}

// RevokeCredit takes back unused extended credit.
func (s *Service) RevokeCredit(ctx context.Context, p RevokeParams) error {
	path, err := s.validateChain(ctx, p.AccountID, p.SubAccountID, p.Amount)
	if err != nil {
		return err
	}

	var entries []transfer.Transfer
	byIndex := map[int]Error{}
	for i := 0; i+1 < len(path); i++ {
		byIndex[len(entries)] = ErrInsufficientCredit
		entries = append(entries, consume(path[i], path[i+1], p.Amount))
	}
	return mapBatch(s.transfer.Create(ctx, entries), byIndex)
}

type SettleParams struct {
	AccountID    string
	SubAccountID string
	Amount       int64
	// Revolve defaults to true when nil: the repaid amount becomes available
	// credit again. Only an explicit false disables revolving.
	Revolve *bool
}

// SettleDebt repays the super-account from the sub-account's balance.
func (s *Service) SettleDebt(ctx context.Context, p SettleParams) error {
	path, err := s.validateChain(ctx, p.AccountID, p.SubAccountID, p.Amount)
	if err != nil {
		return err
	}
	revolve := p.Revolve == nil || *p.Revolve

	// Bottom-up so repaid funds cascade through each intermediate account
	// within the batch.
	var entries []transfer.Transfer
	byIndex := map[int]Error{}
	for i := len(path) - 2; i >= 0; i-- {
		parent, child := path[i], path[i+1]
		byIndex[len(entries)] = ErrInsufficientDebt
		byIndex[len(entries)+1] = ErrInsufficientBalance
		entries = append(entries,
			repayDebt(parent, child, p.Amount),
			repayFunds(parent, child, p.Amount),
		)
		if revolve {
			entries = append(entries, extended(parent, child, p.Amount))
		}
	}
	return mapBatch(s.transfer.Create(ctx, entries), byIndex)
}

// Summary is recomputed from the ledger on every read; nothing here is
// stored in the relational layer.
type Summary struct {
	AvailableCredit int64
	CreditExtended  int64
	TotalBorrowed   int64
	TotalLent       int64
}

func (s *Service) GetSummary(ctx context.Context, accountID string) (*Summary, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}

	ids := []uuid.UUID{
		acct.AvailableCreditBalance(),
		acct.CreditExtendedBalance(),
		acct.BorrowedBalance(),
		acct.LentBalance(),
	}
	snaps, err := s.transfer.GetBalances(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(snaps) != len(ids) {
		return nil, fmt.Errorf("credit: account %s missing accounting balances", accountID)
	}

	return &Summary{
		AvailableCredit: snaps[0].Value(),
		CreditExtended:  snaps[1].Value(),
		TotalBorrowed:   snaps[2].Value(),
		TotalLent:       snaps[3].Value(),
	}, nil
}

// validateChain resolves the ancestor path from the super-account down to
// the sub-account, path[0] being the super-account.
func (s *Service) validateChain(ctx context.Context, accountID, subAccountID string, amount int64) ([]*account.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if accountID == subAccountID {
		return nil, ErrSameAccounts
	}

	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, subAccountID); err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			return nil, ErrUnknownSubAccount
		}
		return nil, err
	}

	// Rejects unrelated accounts and the inverse direction alike: credit
	// only flows down the super-account chain.
	path, err := s.accounts.AncestorPath(ctx, accountID, subAccountID)
	if err != nil {
		return nil, err
	}
	if path == nil {
		return nil, ErrUnrelatedSubAccount
	}
	return path, nil
}

// The five transfer shapes behind every credit operation, each applied to
// one parent/child edge of the chain. Polarity of the accounting balances
// turns over-spends into ledger rejections, which mapBatch translates per
// leg.

func extended(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      parent.CreditExtendedBalance(),
		DestinationBalanceID: child.AvailableCreditBalance(),
		Amount:               amount,
	}
}

func consume(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      child.AvailableCreditBalance(),
		DestinationBalanceID: parent.CreditExtendedBalance(),
		Amount:               amount,
	}
}

func funds(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      parent.Balance(),
		DestinationBalanceID: child.Balance(),
		Amount:               amount,
	}
}

func debt(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      parent.LentBalance(),
		DestinationBalanceID: child.BorrowedBalance(),
		Amount:               amount,
	}
}

func repayDebt(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      child.BorrowedBalance(),
		DestinationBalanceID: parent.LentBalance(),
		Amount:               amount,
	}
}

func repayFunds(parent, child *account.Account, amount int64) transfer.Transfer {
	return transfer.Transfer{
		ID:                   uuid.New(),
		SourceBalanceID:      child.Balance(),
		DestinationBalanceID: parent.Balance(),
		Amount:               amount,
	}
}

// mapBatch translates the first failing leg into this service's taxonomy.
// An insufficient-balance rejection on a leg without a mapping means an
// accounting invariant broke; that is fatal, not a domain error.
func mapBatch(err error, byIndex map[int]Error) error {
	if err == nil {
		return nil
	}
	var batchErr *transfer.BatchError
	if !errors.As(err, &batchErr) {
		return err
	}
	switch batchErr.Err {
	case transfer.ErrInsufficientBalance, transfer.ErrInsufficientDebitBalance:
		if mapped, ok := byIndex[batchErr.Index]; ok {
			return mapped
		}
		zap.L().Error("credit accounting batch rejected on unexpected leg",
			zap.Int("index", batchErr.Index),
			zap.Error(batchErr.Err),
		)
		return fmt.Errorf("credit: accounting leg %d rejected: %w", batchErr.Index, batchErr.Err)
	case transfer.ErrInvalidAmount:
		return ErrInvalidAmount
	default:
		return err
	}
}
