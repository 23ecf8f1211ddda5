package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// CommentRepository — служебные комментарии к сообщениям.
type CommentRepository interface {
	Create(ctx context.Context, c *model.Comment) error
	ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.Comment, error)
}

type commentRepo struct {
	db DBTX
}

// NewCommentRepository создаёт репозиторий комментариев.
func NewCommentRepository(db DBTX) CommentRepository {
	return &commentRepo{db: db}
}

func (r *commentRepo) Create(ctx context.Context, c *model.Comment) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO disclosure_comments (disclosure_id, author_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		c.DisclosureID, c.AuthorID, c.Body,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания комментария: %w", err)
	}
	return nil
}

func (r *commentRepo) ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.Comment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.disclosure_id, c.author_id, u.display_name, c.body, c.created_at
		FROM disclosure_comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.disclosure_id = $1
		ORDER BY c.created_at, c.id`, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения комментариев: %w", err)
	}
	defer rows.Close()

	result := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.DisclosureID, &c.AuthorID, &c.AuthorName, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования комментария: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
