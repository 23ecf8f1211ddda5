package model

import "time"

// Шаги мастера подачи сообщения.
const (
	StepDetails     = "details"
	StepSuspected   = "suspected"
	StepRelated     = "related"
	StepAttachments = "attachments"
	StepReview      = "review"
)

// Steps — порядок шагов мастера.
var Steps = []string{StepDetails, StepSuspected, StepRelated, StepAttachments, StepReview}

// Draft — незафиксированное сообщение, хранимое по ключу сессии.
// Сериализуется целиком (JSON) в хранилище черновиков.
type Draft struct {
	SessionID        string            `json:"session_id"`
	DisclosureTypeID *int64            `json:"disclosure_type_id,omitempty"`
	Description      string            `json:"description"`
	Location         string            `json:"location"`
	IncidentStart    *time.Time        `json:"incident_start,omitempty"`
	IncidentEnd      *time.Time        `json:"incident_end,omitempty"`
	SuspectedPersons []Person          `json:"suspected_persons"`
	RelatedPersons   []Person          `json:"related_persons"`
	Attachments      []DraftAttachment `json:"attachments"`
	// CurrentStep — последний шаг, на который перешёл пользователь
	CurrentStep string    `json:"current_step"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DraftAttachment — ссылка на файл во временном хранилище.
type DraftAttachment struct {
	StoredName   string    `json:"stored_name"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// NewDraft создаёт пустой черновик для сессии.
func NewDraft(sessionID string, now time.Time) *Draft {
	return &Draft{
		SessionID:        sessionID,
		SuspectedPersons: []Person{},
		RelatedPersons:   []Person{},
		Attachments:      []DraftAttachment{},
		CurrentStep:      StepDetails,
		UpdatedAt:        now,
	}
}

// StepIndex возвращает позицию шага (0..4) или -1.
func StepIndex(step string) int {
	for i, s := range Steps {
		if s == step {
			return i
		}
	}
	return -1
}
