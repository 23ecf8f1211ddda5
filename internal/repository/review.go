package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// ReviewRepository — итоговая проверка сообщения (одна строка на сообщение).
type ReviewRepository interface {
	// Upsert создаёт проверку или обновляет существующую.
	// Непустые поля новой записи перезаписывают старые, пустые сохраняют прежние.
	// r заполняется итоговым состоянием строки.
	Upsert(ctx context.Context, r *model.FinalReview) error
	// GetByDisclosure возвращает проверку сообщения.
	GetByDisclosure(ctx context.Context, disclosureID int64) (*model.FinalReview, error)
}

type reviewRepo struct {
	db DBTX
}

// NewReviewRepository создаёт репозиторий итоговых проверок.
func NewReviewRepository(db DBTX) ReviewRepository {
	return &reviewRepo{db: db}
}

const reviewColumns = `id, disclosure_id, reviewer_id, summary, outcome, report_path, reviewed_at`

func (r *reviewRepo) Upsert(ctx context.Context, fr *model.FinalReview) error {
	query := fmt.Sprintf(`
		INSERT INTO final_reviews (disclosure_id, reviewer_id, summary, outcome, report_path, reviewed_at)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'Pending'), $5, $6)
		ON CONFLICT (disclosure_id) DO UPDATE SET
			reviewer_id = EXCLUDED.reviewer_id,
			summary = COALESCE(NULLIF($3, ''), final_reviews.summary),
			outcome = COALESCE(NULLIF($4, ''), final_reviews.outcome),
			report_path = COALESCE(EXCLUDED.report_path, final_reviews.report_path),
			reviewed_at = EXCLUDED.reviewed_at
		RETURNING %s`, reviewColumns)

	var outcome string
	err := r.db.QueryRow(ctx, query,
		fr.DisclosureID, fr.ReviewerID, fr.Summary, string(fr.Outcome), fr.ReportPath, fr.ReviewedAt,
	).Scan(&fr.ID, &fr.DisclosureID, &fr.ReviewerID, &fr.Summary, &outcome, &fr.ReportPath, &fr.ReviewedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения итоговой проверки: %w", err)
	}
	fr.Outcome = lifecycle.ReviewOutcome(outcome)
	fr.HasReport = fr.ReportPath != nil
	return nil
}

func (r *reviewRepo) GetByDisclosure(ctx context.Context, disclosureID int64) (*model.FinalReview, error) {
	query := fmt.Sprintf(`SELECT %s FROM final_reviews WHERE disclosure_id = $1`, reviewColumns)

	fr := &model.FinalReview{}
	var outcome string
	err := r.db.QueryRow(ctx, query, disclosureID).Scan(
		&fr.ID, &fr.DisclosureID, &fr.ReviewerID, &fr.Summary, &outcome, &fr.ReportPath, &fr.ReviewedAt,
	)
	if err != nil {
		return nil, notFound(err, "итоговой проверки")
	}
	fr.Outcome = lifecycle.ReviewOutcome(outcome)
	fr.HasReport = fr.ReportPath != nil
	return fr, nil
}
