// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// DBTX — *pgxpool.Pool или pgx.Tx: репозитории работают в транзакции и вне её.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner — источник транзакций (*pgxpool.Pool или pgxmock).
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// retryAttempts — попыток для транзакций, прерванных сервером
// (serialization_failure, deadlock_detected).
const retryAttempts = 3

// TxRunner выполняет функции в транзакции.
type TxRunner struct {
	db       TxBeginner
	attempts int
}

// NewTxRunner создаёт TxRunner с одной попыткой на транзакцию.
func NewTxRunner(db TxBeginner) *TxRunner {
	return &TxRunner{db: db, attempts: 1}
}

// Retrying возвращает TxRunner, повторяющий прерванные сервером транзакции.
// Только для fn без побочных эффектов вне tx: повтор выполняет fn заново.
func (r *TxRunner) Retrying() *TxRunner {
	return &TxRunner{db: r.db, attempts: retryAttempts}
}

// RunInTx выполняет fn в транзакции: ошибка fn — откат, иначе фиксация.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.runOnce(ctx, fn)
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	if r.attempts > 1 {
		return fmt.Errorf("транзакция не прошла за %d попыток: %w", r.attempts, err)
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit — no-op

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("фиксация транзакции: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgerrcode.UniqueViolation
}

// notFound переводит pgx.ErrNoRows в ErrNotFound, остальные ошибки оборачивает.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("ошибка получения %s: %w", what, err)
}
