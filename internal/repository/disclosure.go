package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// DisclosureRepository — интерфейс доступа к сообщениям и их дочерним записям.
type DisclosureRepository interface {
	// Create вставляет сообщение. ErrConflict — код сообщения уже занят.
	Create(ctx context.Context, d *model.Disclosure) error
	// AddPeople вставляет участников одной ролью одним запросом.
	AddPeople(ctx context.Context, disclosureID int64, role string, people []model.Person) error
	// AddAttachment вставляет запись о вложении.
	AddAttachment(ctx context.Context, a *model.Attachment) error
	// GetByID возвращает сообщение по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.Disclosure, error)
	// GetForUpdate читает сообщение с блокировкой строки (только внутри транзакции).
	GetForUpdate(ctx context.Context, id int64) (*model.Disclosure, error)
	// GetByReferenceCode возвращает сообщение по коду.
	GetByReferenceCode(ctx context.Context, code string) (*model.Disclosure, error)
	// UpdateState меняет статус и текущего проверяющего.
	UpdateState(ctx context.Context, id int64, status lifecycle.Status, assignedTo *int64) error
	// List возвращает строки списка. lang выбирает язык названия типа.
	List(ctx context.Context, filter model.DisclosureFilter, lang string) ([]model.DisclosureListItem, error)
	// Count возвращает количество сообщений по фильтру.
	Count(ctx context.Context, filter model.DisclosureFilter) (int, error)
	// ListPeople возвращает участников сообщения.
	ListPeople(ctx context.Context, disclosureID int64) ([]model.Person, error)
	// ListAttachments возвращает вложения сообщения.
	ListAttachments(ctx context.Context, disclosureID int64) ([]model.Attachment, error)
	// GetAttachment возвращает вложение сообщения.
	GetAttachment(ctx context.Context, disclosureID, attachmentID int64) (*model.Attachment, error)
}

type disclosureRepo struct {
	db DBTX
}

// NewDisclosureRepository создаёт репозиторий сообщений.
func NewDisclosureRepository(db DBTX) DisclosureRepository {
	return &disclosureRepo{db: db}
}

const disclosureColumns = `id, reference_code, disclosure_type_id, description, location,
	incident_start, incident_end, submitted_by, submitted_at, status, assigned_to,
	created_at, updated_at`

func scanDisclosure(row pgx.Row) (*model.Disclosure, error) {
	d := &model.Disclosure{}
	var status string
	err := row.Scan(
		&d.ID, &d.ReferenceCode, &d.DisclosureTypeID, &d.Description, &d.Location,
		&d.IncidentStart, &d.IncidentEnd, &d.SubmittedBy, &d.SubmittedAt, &status, &d.AssignedTo,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = lifecycle.Status(status)
	return d, nil
}

func (r *disclosureRepo) Create(ctx context.Context, d *model.Disclosure) error {
	query := `
		INSERT INTO disclosures (reference_code, disclosure_type_id, description, location,
			incident_start, incident_end, submitted_by, submitted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		d.ReferenceCode, d.DisclosureTypeID, d.Description, d.Location,
		d.IncidentStart, d.IncidentEnd, d.SubmittedBy, d.SubmittedAt, string(d.Status),
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания сообщения: %w", err)
	}
	return nil
}

func (r *disclosureRepo) AddPeople(ctx context.Context, disclosureID int64, role string, people []model.Person) error {
	if len(people) == 0 {
		return nil
	}

	names := make([]string, len(people))
	emails := make([]*string, len(people))
	phones := make([]*string, len(people))
	orgs := make([]*string, len(people))
	for i, p := range people {
		names[i] = p.FullName
		emails[i] = p.Email
		phones[i] = p.Phone
		orgs[i] = p.Organization
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO disclosure_people (disclosure_id, role, full_name, email, phone, organization)
		SELECT $1, $2, n, e, p, o
		FROM unnest($3::text[], $4::text[], $5::text[], $6::text[]) AS t(n, e, p, o)`,
		disclosureID, role, names, emails, phones, orgs,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения участников сообщения: %w", err)
	}
	return nil
}

func (r *disclosureRepo) AddAttachment(ctx context.Context, a *model.Attachment) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO disclosure_attachments (disclosure_id, stored_name, original_name, content_type, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		a.DisclosureID, a.StoredName, a.OriginalName, a.ContentType, a.SizeBytes, a.UploadedAt,
	).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка сохранения вложения: %w", err)
	}
	return nil
}

func (r *disclosureRepo) GetByID(ctx context.Context, id int64) (*model.Disclosure, error) {
	query := fmt.Sprintf(`SELECT %s FROM disclosures WHERE id = $1`, disclosureColumns)
	d, err := scanDisclosure(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "сообщения")
	}
	return d, nil
}

func (r *disclosureRepo) GetForUpdate(ctx context.Context, id int64) (*model.Disclosure, error) {
	query := fmt.Sprintf(`SELECT %s FROM disclosures WHERE id = $1 FOR UPDATE`, disclosureColumns)
	d, err := scanDisclosure(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "сообщения")
	}
	return d, nil
}

func (r *disclosureRepo) GetByReferenceCode(ctx context.Context, code string) (*model.Disclosure, error) {
	query := fmt.Sprintf(`SELECT %s FROM disclosures WHERE reference_code = $1`, disclosureColumns)
	d, err := scanDisclosure(r.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, notFound(err, "сообщения")
	}
	return d, nil
}

func (r *disclosureRepo) UpdateState(ctx context.Context, id int64, status lifecycle.Status, assignedTo *int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disclosures SET status = $2, assigned_to = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), assignedTo)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса сообщения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildDisclosureWhere формирует условие WHERE по фильтру.
// AssignedTo и SubmittedBy вместе дают «назначено мне ИЛИ подано мной».
func buildDisclosureWhere(filter model.DisclosureFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("d.status = $%d", len(args)))
	}
	if filter.TypeID != nil {
		args = append(args, *filter.TypeID)
		conditions = append(conditions, fmt.Sprintf("d.disclosure_type_id = $%d", len(args)))
	}

	switch {
	case filter.AssignedTo != nil && filter.SubmittedBy != nil:
		args = append(args, *filter.AssignedTo, *filter.SubmittedBy)
		conditions = append(conditions, fmt.Sprintf("(d.assigned_to = $%d OR d.submitted_by = $%d)", len(args)-1, len(args)))
	case filter.AssignedTo != nil:
		args = append(args, *filter.AssignedTo)
		conditions = append(conditions, fmt.Sprintf("d.assigned_to = $%d", len(args)))
	case filter.SubmittedBy != nil:
		args = append(args, *filter.SubmittedBy)
		conditions = append(conditions, fmt.Sprintf("d.submitted_by = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *disclosureRepo) List(ctx context.Context, filter model.DisclosureFilter, lang string) ([]model.DisclosureListItem, error) {
	where, args := buildDisclosureWhere(filter)
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT d.id, d.reference_code, t.code, t.name_en, t.name_ru, d.status,
			d.incident_start, d.submitted_at, d.assigned_to, COALESCE(u.display_name, '')
		FROM disclosures d
		JOIN disclosure_types t ON t.id = d.disclosure_type_id
		LEFT JOIN users u ON u.id = d.assigned_to
		%s
		ORDER BY d.submitted_at DESC, d.id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка сообщений: %w", err)
	}
	defer rows.Close()

	result := []model.DisclosureListItem{}
	for rows.Next() {
		var (
			item          model.DisclosureListItem
			t             model.DisclosureType
			status        string
			incidentStart time.Time
		)
		if err := rows.Scan(
			&item.ID, &item.ReferenceCode, &t.Code, &t.NameEN, &t.NameRU, &status,
			&incidentStart, &item.SubmittedAt, &item.AssignedTo, &item.AssignedToName,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сообщения: %w", err)
		}
		item.TypeCode = t.Code
		item.TypeName = t.DisplayName(lang)
		item.Status = lifecycle.Status(status)
		item.IncidentStart = incidentStart.Format(model.DateLayout)
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *disclosureRepo) Count(ctx context.Context, filter model.DisclosureFilter) (int, error) {
	where, args := buildDisclosureWhere(filter)

	var count int
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM disclosures d %s`, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта сообщений: %w", err)
	}
	return count, nil
}

func (r *disclosureRepo) ListPeople(ctx context.Context, disclosureID int64) ([]model.Person, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, role, full_name, email, phone, organization
		FROM disclosure_people
		WHERE disclosure_id = $1
		ORDER BY id`, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участников сообщения: %w", err)
	}
	defer rows.Close()

	var result []model.Person
	for rows.Next() {
		var p model.Person
		if err := rows.Scan(&p.ID, &p.Role, &p.FullName, &p.Email, &p.Phone, &p.Organization); err != nil {
			return nil, fmt.Errorf("ошибка сканирования участника: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

const attachmentColumns = `id, disclosure_id, stored_name, original_name, content_type, size_bytes, uploaded_at`

func (r *disclosureRepo) ListAttachments(ctx context.Context, disclosureID int64) ([]model.Attachment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM disclosure_attachments
		WHERE disclosure_id = $1
		ORDER BY id`, attachmentColumns)

	rows, err := r.db.Query(ctx, query, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения вложений: %w", err)
	}
	defer rows.Close()

	result := []model.Attachment{}
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.DisclosureID, &a.StoredName, &a.OriginalName,
			&a.ContentType, &a.SizeBytes, &a.UploadedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования вложения: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *disclosureRepo) GetAttachment(ctx context.Context, disclosureID, attachmentID int64) (*model.Attachment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM disclosure_attachments
		WHERE disclosure_id = $1 AND id = $2`, attachmentColumns)

	a := &model.Attachment{}
	err := r.db.QueryRow(ctx, query, disclosureID, attachmentID).Scan(
		&a.ID, &a.DisclosureID, &a.StoredName, &a.OriginalName, &a.ContentType, &a.SizeBytes, &a.UploadedAt,
	)
	if err != nil {
		return nil, notFound(err, "вложения")
	}
	return a, nil
}
