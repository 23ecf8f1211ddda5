package model

import (
	"time"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
)

// Роли участников сообщения (disclosure_people.role).
const (
	PersonRoleSuspected = "suspected"
	PersonRoleRelated   = "related"
)

// Статусы записи о назначении (disclosure_assignments.status).
const (
	AssignmentActive     = "Active"
	AssignmentReassigned = "Reassigned"
	AssignmentClosed     = "Closed"
)

// DisclosureType — справочник типов сообщений с двуязычными названиями.
type DisclosureType struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	NameEN   string `json:"name_en"`
	NameRU   string `json:"name_ru"`
	IsActive bool   `json:"is_active"`
}

// DisplayName возвращает название на указанном языке (fallback — английский).
func (t *DisclosureType) DisplayName(lang string) string {
	if lang == "ru" && t.NameRU != "" {
		return t.NameRU
	}
	return t.NameEN
}

// Disclosure — сообщение о нарушении. Корневая сущность процесса.
type Disclosure struct {
	// ID — суррогатный идентификатор
	ID int64
	// ReferenceCode — уникальный код (DISC-XXXXXXXX), выдаётся при фиксации
	ReferenceCode string
	// DisclosureTypeID — ссылка на справочник типов
	DisclosureTypeID int64
	// Description — описание инцидента
	Description string
	// Location — место инцидента (опционально)
	Location *string
	// IncidentStart — дата начала инцидента
	IncidentStart time.Time
	// IncidentEnd — дата окончания инцидента (опционально)
	IncidentEnd *time.Time
	// SubmittedBy — автор, неизменяем после фиксации
	SubmittedBy int64
	// SubmittedAt — время фиксации
	SubmittedAt time.Time
	// Status — статус жизненного цикла
	Status lifecycle.Status
	// AssignedTo — текущий проверяющий (опционально)
	AssignedTo *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Person — участник сообщения (подозреваемое или связанное лицо).
type Person struct {
	ID           int64   `json:"id,omitempty"`
	Role         string  `json:"role,omitempty"`
	FullName     string  `json:"full_name"`
	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	Organization *string `json:"organization,omitempty"`
}

// Attachment — вложение сообщения.
type Attachment struct {
	ID           int64     `json:"id"`
	DisclosureID int64     `json:"-"`
	StoredName   string    `json:"-"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Comment — служебный комментарий администратора или проверяющего.
type Comment struct {
	ID           int64     `json:"id"`
	DisclosureID int64     `json:"-"`
	AuthorID     int64     `json:"author_id"`
	AuthorName   string    `json:"author_name,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// FinalReview — итоговая проверка. Не более одной на сообщение (upsert).
type FinalReview struct {
	ID           int64                   `json:"id"`
	DisclosureID int64                   `json:"-"`
	ReviewerID   int64                   `json:"reviewer_id"`
	Summary      string                  `json:"summary"`
	Outcome      lifecycle.ReviewOutcome `json:"outcome"`
	ReportPath   *string                 `json:"-"`
	HasReport    bool                    `json:"has_report"`
	ReviewedAt   time.Time               `json:"reviewed_at"`
}

// Assignment — историческая запись о назначении проверяющего.
type Assignment struct {
	ID           int64     `json:"id"`
	DisclosureID int64     `json:"-"`
	ExaminerID   int64     `json:"examiner_id"`
	AssignedBy   int64     `json:"assigned_by"`
	Status       string    `json:"status"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// ReportSubscription — подтверждённая подписка на обновления сообщения.
type ReportSubscription struct {
	ID           int64
	DisclosureID int64
	UserID       int64
	Email        string
	ConfirmedAt  time.Time
}

// DisclosureFilter — фильтр списка сообщений.
// Scope ограничивает выборку по полномочиям действующего пользователя.
type DisclosureFilter struct {
	Status      *lifecycle.Status
	AssignedTo  *int64
	SubmittedBy *int64
	TypeID      *int64
	Limit       int
	Offset      int
}

// DisclosureListItem — строка списка сообщений (каноническая read-модель списка).
type DisclosureListItem struct {
	ID             int64            `json:"id"`
	ReferenceCode  string           `json:"reference_code"`
	TypeCode       string           `json:"type_code"`
	TypeName       string           `json:"type_name"`
	Status         lifecycle.Status `json:"status"`
	IncidentStart  string           `json:"incident_start"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	AssignedTo     *int64           `json:"assigned_to,omitempty"`
	AssignedToName string           `json:"assigned_to_name,omitempty"`
}

// DisclosureDetail — каноническая read-модель карточки сообщения.
type DisclosureDetail struct {
	ID               int64            `json:"id"`
	ReferenceCode    string           `json:"reference_code"`
	Type             DisclosureType   `json:"type"`
	TypeName         string           `json:"type_name"`
	Description      string           `json:"description"`
	Location         *string          `json:"location,omitempty"`
	IncidentStart    string           `json:"incident_start"`
	IncidentEnd      *string          `json:"incident_end,omitempty"`
	SubmittedBy      int64            `json:"submitted_by"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	Status           lifecycle.Status `json:"status"`
	AssignedTo       *int64           `json:"assigned_to,omitempty"`
	SuspectedPersons []Person         `json:"suspected_persons"`
	RelatedPersons   []Person         `json:"related_persons"`
	Attachments      []Attachment     `json:"attachments"`
	Comments         []Comment        `json:"comments"`
	Assignments      []Assignment     `json:"assignments"`
	Review           *FinalReview     `json:"review,omitempty"`
}

// DateLayout — формат дат инцидента во внешних представлениях.
const DateLayout = "2006-01-02"
