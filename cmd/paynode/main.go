package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/config"
	"paynode/pkg/db"
	"paynode/pkg/events"
	"paynode/pkg/id"
	"paynode/pkg/logger"
	"paynode/pkg/redis"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/credit"
	"paynode/services/deposit"
	"paynode/services/ledger"
	"paynode/services/liquidity"
	"paynode/services/payment"
	"paynode/services/rates"
	"paynode/services/transfer"
	"paynode/services/worker"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		events.Client,
		id.Module,

		ledger.Module,
		transfer.Module,
		asset.Module,
		account.Module,
		credit.Module,
		liquidity.Module,
		deposit.Module,
		rates.Module,
		payment.Module,
		worker.Module,

		// Swapped for a connector-backed client when an ILP transport is
		// deployed alongside this node.
		fx.Provide(func() payment.StreamClient { return payment.UnconnectedClient{} }),

		fx.Invoke(migrate),
	)

	app.Run()
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&ledger.Balance{},
		&ledger.Transfer{},
		&asset.Asset{},
		&account.Account{},
		&payment.OutgoingPayment{},
		&payment.Progress{},
	)
}
