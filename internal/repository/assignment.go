package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// AssignmentRepository — история назначений проверяющих.
type AssignmentRepository interface {
	// Create вставляет активное назначение.
	Create(ctx context.Context, a *model.Assignment) error
	// CloseActive переводит активные назначения сообщения в статус status.
	CloseActive(ctx context.Context, disclosureID int64, status string) error
	// ListByDisclosure возвращает историю назначений.
	ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.Assignment, error)
}

type assignmentRepo struct {
	db DBTX
}

// NewAssignmentRepository создаёт репозиторий назначений.
func NewAssignmentRepository(db DBTX) AssignmentRepository {
	return &assignmentRepo{db: db}
}

func (r *assignmentRepo) Create(ctx context.Context, a *model.Assignment) error {
	if a.Status == "" {
		a.Status = model.AssignmentActive
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO disclosure_assignments (disclosure_id, examiner_id, assigned_by, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, assigned_at`,
		a.DisclosureID, a.ExaminerID, a.AssignedBy, a.Status,
	).Scan(&a.ID, &a.AssignedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания назначения: %w", err)
	}
	return nil
}

func (r *assignmentRepo) CloseActive(ctx context.Context, disclosureID int64, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE disclosure_assignments SET status = $2
		WHERE disclosure_id = $1 AND status = 'Active'`, disclosureID, status)
	if err != nil {
		return fmt.Errorf("ошибка закрытия назначений: %w", err)
	}
	return nil
}

func (r *assignmentRepo) ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, disclosure_id, examiner_id, assigned_by, status, assigned_at
		FROM disclosure_assignments
		WHERE disclosure_id = $1
		ORDER BY assigned_at, id`, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения назначений: %w", err)
	}
	defer rows.Close()

	result := []model.Assignment{}
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.DisclosureID, &a.ExaminerID, &a.AssignedBy, &a.Status, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования назначения: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
