package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/disclosure-intake/internal/repository"
)

// Stores — репозитории, работающие через одно подключение (пул или транзакцию).
type Stores struct {
	Users         repository.UserRepository
	Types         repository.DisclosureTypeRepository
	Disclosures   repository.DisclosureRepository
	Assignments   repository.AssignmentRepository
	Comments      repository.CommentRepository
	Reviews       repository.ReviewRepository
	Subscriptions repository.SubscriptionRepository
	Notifications repository.NotificationRepository
	Verifications repository.EmailVerificationRepository
}

// NewStores создаёт набор репозиториев поверх db.
func NewStores(db repository.DBTX) *Stores {
	return &Stores{
		Users:         repository.NewUserRepository(db),
		Types:         repository.NewDisclosureTypeRepository(db),
		Disclosures:   repository.NewDisclosureRepository(db),
		Assignments:   repository.NewAssignmentRepository(db),
		Comments:      repository.NewCommentRepository(db),
		Reviews:       repository.NewReviewRepository(db),
		Subscriptions: repository.NewSubscriptionRepository(db),
		Notifications: repository.NewNotificationRepository(db),
		Verifications: repository.NewEmailVerificationRepository(db),
	}
}

// UnitOfWork выполняет fn атомарно: все записи fn фиксируются вместе
// или не фиксируются вовсе.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(s *Stores) error) error
}

// txUnitOfWork — UnitOfWork поверх транзакции PostgreSQL.
type txUnitOfWork struct {
	runner *repository.TxRunner
}

// NewUnitOfWork создаёт UnitOfWork, открывающий транзакцию на каждый вызов.
func NewUnitOfWork(runner *repository.TxRunner) UnitOfWork {
	return &txUnitOfWork{runner: runner}
}

func (u *txUnitOfWork) Do(ctx context.Context, fn func(s *Stores) error) error {
	return u.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewStores(tx))
	})
}

// mapRepoErr переводит repository.ErrNotFound в ErrNotFound.
func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
