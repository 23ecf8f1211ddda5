// wizard.go — мастер подачи сообщения из пяти шагов.
//
// Черновик хранится по ключу сессии. Каждый шаг проверяет только свои данные,
// предыдущие шаги повторно не проверяются. Фиксация создаёт сообщение,
// участников и вложения в одной транзакции.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/domain/refcode"
	"github.com/bigkaa/disclosure-intake/internal/draft"
	"github.com/bigkaa/disclosure-intake/internal/repository"
	"github.com/bigkaa/disclosure-intake/internal/storage"
)

// Ограничения полей мастера.
const (
	maxDescriptionLen  = 4000
	maxLocationLen     = 500
	maxFullNameLen     = 200
	maxPhoneLen        = 50
	maxOrganizationLen = 200
	// maxCommitAttempts — попыток фиксации при коллизии кода сообщения
	maxCommitAttempts = 5
)

// DetailsInput — данные шага «Детали». Даты в формате YYYY-MM-DD.
type DetailsInput struct {
	DisclosureTypeID *int64 `json:"disclosure_type_id"`
	Description      string `json:"description"`
	Location         string `json:"location"`
	IncidentStart    string `json:"incident_start"`
	IncidentEnd      string `json:"incident_end"`
}

// FileUpload — загружаемый файл.
type FileUpload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// RejectedFile — файл, не прошедший проверку.
type RejectedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// AttachmentResult — итог загрузки файлов шага «Вложения».
type AttachmentResult struct {
	Accepted []model.DraftAttachment `json:"accepted"`
	Rejected []RejectedFile          `json:"rejected"`
	Draft    *model.Draft            `json:"draft"`
}

// StepView — состояние шага мастера.
type StepView struct {
	Step     string       `json:"step"`
	Index    int          `json:"index"`
	Previous string       `json:"previous,omitempty"`
	Next     string       `json:"next,omitempty"`
	Draft    *model.Draft `json:"draft"`
}

// ReviewView — сводка черновика перед фиксацией.
type ReviewView struct {
	Draft    *model.Draft `json:"draft"`
	TypeName string       `json:"type_name,omitempty"`
	// Missing — незаполненные обязательные поля
	Missing []string `json:"missing"`
}

// WizardService — мастер подачи сообщения.
type WizardService struct {
	drafts   draft.Store
	types    repository.DisclosureTypeRepository
	uow      UnitOfWork
	files    *storage.Service
	notifier *Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewWizardService создаёт мастер подачи сообщения.
func NewWizardService(
	drafts draft.Store,
	stores *Stores,
	uow UnitOfWork,
	files *storage.Service,
	notifier *Notifier,
	logger *slog.Logger,
) *WizardService {
	return &WizardService{
		drafts:   drafts,
		types:    stores.Types,
		uow:      uow,
		files:    files,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "wizard")),
	}
}

// load возвращает черновик сессии или новый пустой черновик.
func (s *WizardService) load(ctx context.Context, sessionID string) (*model.Draft, error) {
	if sessionID == "" {
		return nil, ErrUnauthorized
	}
	d, err := s.drafts.Get(ctx, sessionID)
	if errors.Is(err, draft.ErrNotFound) {
		return model.NewDraft(sessionID, s.now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("загрузка черновика: %w", err)
	}
	return d, nil
}

func (s *WizardService) save(ctx context.Context, d *model.Draft) error {
	d.UpdatedAt = s.now().UTC()
	if err := s.drafts.Save(ctx, d); err != nil {
		return fmt.Errorf("сохранение черновика: %w", err)
	}
	return nil
}

// Draft возвращает черновик сессии.
func (s *WizardService) Draft(ctx context.Context, sessionID string) (*model.Draft, error) {
	return s.load(ctx, sessionID)
}

// Types возвращает активные типы сообщений для шага «Детали».
func (s *WizardService) Types(ctx context.Context) ([]*model.DisclosureType, error) {
	types, err := s.types.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение типов сообщений: %w", err)
	}
	return types, nil
}

// Step возвращает состояние шага.
func (s *WizardService) Step(ctx context.Context, sessionID, step string) (*StepView, error) {
	idx := model.StepIndex(step)
	if idx < 0 {
		return nil, ErrNotFound
	}
	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &StepView{Step: step, Index: idx, Draft: d}
	if idx > 0 {
		view.Previous = model.Steps[idx-1]
	}
	if idx < len(model.Steps)-1 {
		view.Next = model.Steps[idx+1]
	}
	return view, nil
}

// SaveDetails проверяет и сохраняет шаг «Детали».
// При ошибке черновик не меняется.
func (s *WizardService) SaveDetails(ctx context.Context, sessionID string, in DetailsInput) (*model.Draft, error) {
	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	start, end, err := s.validateDetails(ctx, in)
	if err != nil {
		return nil, err
	}

	d.DisclosureTypeID = in.DisclosureTypeID
	d.Description = strings.TrimSpace(in.Description)
	d.Location = strings.TrimSpace(in.Location)
	d.IncidentStart = start
	d.IncidentEnd = end
	d.CurrentStep = model.StepSuspected

	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// validateDetails проверяет поля шага «Детали» и возвращает разобранные даты.
func (s *WizardService) validateDetails(ctx context.Context, in DetailsInput) (*time.Time, *time.Time, error) {
	ve := NewValidationError()

	if in.DisclosureTypeID == nil {
		ve.Add("disclosure_type_id", "обязательное поле")
	} else {
		t, err := s.types.GetByID(ctx, *in.DisclosureTypeID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			ve.Add("disclosure_type_id", "неизвестный тип сообщения")
		case err != nil:
			return nil, nil, fmt.Errorf("проверка типа сообщения: %w", err)
		case !t.IsActive:
			ve.Add("disclosure_type_id", "тип сообщения недоступен")
		}
	}

	desc := strings.TrimSpace(in.Description)
	switch {
	case desc == "":
		ve.Add("description", "обязательное поле")
	case utf8.RuneCountInString(desc) > maxDescriptionLen:
		ve.Add("description", fmt.Sprintf("не более %d символов", maxDescriptionLen))
	}

	if utf8.RuneCountInString(strings.TrimSpace(in.Location)) > maxLocationLen {
		ve.Add("location", fmt.Sprintf("не более %d символов", maxLocationLen))
	}

	today := truncateDay(s.now().UTC())

	var start, end *time.Time
	if strings.TrimSpace(in.IncidentStart) == "" {
		ve.Add("incident_start", "обязательное поле")
	} else if t, err := time.Parse(model.DateLayout, strings.TrimSpace(in.IncidentStart)); err != nil {
		ve.Add("incident_start", "ожидается дата в формате YYYY-MM-DD")
	} else if t.After(today) {
		ve.Add("incident_start", "дата не может быть в будущем")
	} else {
		start = &t
	}

	if strings.TrimSpace(in.IncidentEnd) != "" {
		if t, err := time.Parse(model.DateLayout, strings.TrimSpace(in.IncidentEnd)); err != nil {
			ve.Add("incident_end", "ожидается дата в формате YYYY-MM-DD")
		} else if t.After(today) {
			ve.Add("incident_end", "дата не может быть в будущем")
		} else {
			end = &t
		}
	}

	if start != nil && end != nil && end.Before(*start) {
		ve.Add("incident_start", "дата начала позже даты окончания")
		ve.Add("incident_end", "дата окончания раньше даты начала")
	}

	if err := ve.OrNil(); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// SavePersons проверяет и сохраняет шаг «Подозреваемые» или «Связанные лица».
// Список заменяется целиком.
func (s *WizardService) SavePersons(ctx context.Context, sessionID, role string, people []model.Person) (*model.Draft, error) {
	if role != model.PersonRoleSuspected && role != model.PersonRoleRelated {
		return nil, fieldError("role", "недопустимая роль участника")
	}

	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cleaned, err := validatePersons(people)
	if err != nil {
		return nil, err
	}

	if role == model.PersonRoleSuspected {
		d.SuspectedPersons = cleaned
		d.CurrentStep = model.StepRelated
	} else {
		d.RelatedPersons = cleaned
		d.CurrentStep = model.StepAttachments
	}

	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// validatePersons проверяет участников и нормализует поля.
func validatePersons(people []model.Person) ([]model.Person, error) {
	ve := NewValidationError()
	out := checkPersons(ve, "persons", people)
	if err := ve.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkPersons добавляет в ve ошибки полей вида prefix[i].field
// и возвращает нормализованный список.
func checkPersons(ve *ValidationError, prefix string, people []model.Person) []model.Person {
	out := make([]model.Person, 0, len(people))

	for i, p := range people {
		field := func(name string) string { return fmt.Sprintf("%s[%d].%s", prefix, i, name) }

		p.ID = 0
		p.Role = ""
		p.FullName = strings.TrimSpace(p.FullName)
		p.Email = trimOptional(p.Email)
		p.Phone = trimOptional(p.Phone)
		p.Organization = trimOptional(p.Organization)

		switch {
		case p.FullName == "":
			ve.Add(field("full_name"), "обязательное поле")
		case utf8.RuneCountInString(p.FullName) > maxFullNameLen:
			ve.Add(field("full_name"), fmt.Sprintf("не более %d символов", maxFullNameLen))
		}
		if p.Email != nil && !govalidator.IsEmail(*p.Email) {
			ve.Add(field("email"), "некорректный адрес")
		}
		if p.Phone != nil && utf8.RuneCountInString(*p.Phone) > maxPhoneLen {
			ve.Add(field("phone"), fmt.Sprintf("не более %d символов", maxPhoneLen))
		}
		if p.Organization != nil && utf8.RuneCountInString(*p.Organization) > maxOrganizationLen {
			ve.Add(field("organization"), fmt.Sprintf("не более %d символов", maxOrganizationLen))
		}
		out = append(out, p)
	}
	return out
}

// trimOptional убирает пробелы; пустое значение превращается в nil.
func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// AddAttachments сохраняет файлы во временную область и добавляет их в черновик.
// Отклонённые файлы возвращаются с причиной и в черновик не попадают.
func (s *WizardService) AddAttachments(ctx context.Context, sessionID string, files []FileUpload) (*AttachmentResult, error) {
	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := &AttachmentResult{
		Accepted: []model.DraftAttachment{},
		Rejected: []RejectedFile{},
	}
	for _, f := range files {
		att, err := s.files.SaveTemp(ctx, f.Name, f.ContentType, f.Body)
		if err != nil {
			reason, ok := rejectionReason(err)
			if !ok {
				return nil, err
			}
			res.Rejected = append(res.Rejected, RejectedFile{Name: f.Name, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, *att)
	}

	d.Attachments = append(d.Attachments, res.Accepted...)
	d.CurrentStep = model.StepReview
	if err := s.save(ctx, d); err != nil {
		// Черновик не сохранён — принятые файлы больше никто не найдёт
		names := make([]string, 0, len(res.Accepted))
		for _, a := range res.Accepted {
			names = append(names, a.StoredName)
		}
		s.files.DiscardTemp(ctx, names...)
		return nil, err
	}

	res.Draft = d
	return res, nil
}

// rejectionReason возвращает причину отказа для ошибки политики хранения.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrExtensionNotAllowed):
		return "недопустимое расширение файла", true
	case errors.Is(err, storage.ErrFileTooLarge):
		return "файл превышает допустимый размер", true
	case errors.Is(err, storage.ErrEmptyFile):
		return "пустой файл", true
	default:
		return "", false
	}
}

// RemoveAttachment удаляет файл из черновика и из временной области.
func (s *WizardService) RemoveAttachment(ctx context.Context, sessionID, storedName string) (*model.Draft, error) {
	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, a := range d.Attachments {
		if a.StoredName == storedName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotFound
	}

	d.Attachments = append(d.Attachments[:idx], d.Attachments[idx+1:]...)
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	s.files.DiscardTemp(ctx, storedName)
	return d, nil
}

// Back сохраняет частично заполненный шаг без проверки и возвращает
// предыдущий шаг. Данные черновика не удаляются.
// people учитывается только на шагах участников; nil — не менять.
func (s *WizardService) Back(ctx context.Context, sessionID, step string, people []model.Person) (string, error) {
	idx := model.StepIndex(step)
	if idx < 0 {
		return "", ErrNotFound
	}
	if idx == 0 {
		return "", fieldError("step", "первый шаг мастера")
	}

	d, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if people != nil {
		switch step {
		case model.StepSuspected:
			d.SuspectedPersons = people
		case model.StepRelated:
			d.RelatedPersons = people
		}
	}

	prev := model.Steps[idx-1]
	d.CurrentStep = prev
	if err := s.save(ctx, d); err != nil {
		return "", err
	}
	return prev, nil
}

// Review возвращает сводку черновика. lang — язык названия типа.
func (s *WizardService) Review(ctx context.Context, sessionID, lang string) (*ReviewView, error) {
	d, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &ReviewView{Draft: d, Missing: missingFields(d)}
	if d.DisclosureTypeID != nil {
		t, err := s.types.GetByID(ctx, *d.DisclosureTypeID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("получение типа сообщения: %w", err)
		}
		if t != nil {
			view.TypeName = t.DisplayName(lang)
		}
	}
	return view, nil
}

// missingFields — обязательные поля, без которых фиксация невозможна.
func missingFields(d *model.Draft) []string {
	missing := []string{}
	if d.DisclosureTypeID == nil {
		missing = append(missing, "disclosure_type_id")
	}
	if strings.TrimSpace(d.Description) == "" {
		missing = append(missing, "description")
	}
	if d.IncidentStart == nil {
		missing = append(missing, "incident_start")
	}
	return missing
}

// Commit фиксирует черновик: сообщение, участники и вложения создаются
// в одной транзакции. При сбое перенесённые файлы удаляются.
// После фиксации черновик удаляется и администраторы получают уведомление.
func (s *WizardService) Commit(ctx context.Context, sessionID string, actor *model.Actor) (*model.Disclosure, error) {
	if err := requireCap(actor, rbac.CapSubmit); err != nil {
		return nil, err
	}

	d, err := s.drafts.Get(ctx, sessionID)
	if errors.Is(err, draft.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("загрузка черновика: %w", err)
	}

	// Шаг «Назад» сохраняет участников без проверки, поэтому черновик
	// перепроверяется целиком до любых записей.
	ve := NewValidationError()
	for _, f := range missingFields(d) {
		ve.Add(f, "обязательное поле")
	}
	d.SuspectedPersons = checkPersons(ve, model.PersonRoleSuspected, d.SuspectedPersons)
	d.RelatedPersons = checkPersons(ve, model.PersonRoleRelated, d.RelatedPersons)
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	var (
		created *model.Disclosure
		lost    []string
	)
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		created, lost, err = s.commitOnce(ctx, d, actor)
		if !errors.Is(err, repository.ErrConflict) || len(lost) > 0 {
			break
		}
		s.logger.Warn("Коллизия кода сообщения, повтор",
			slog.Int("attempt", attempt),
		)
	}
	if err != nil {
		s.forgetAttachments(ctx, d, lost)
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("выдача кода сообщения: %w", err)
		}
		return nil, err
	}

	disclosuresCommittedTotal.Inc()
	s.logger.Info("Сообщение зафиксировано",
		slog.Int64("disclosure_id", created.ID),
		slog.String("reference_code", created.ReferenceCode),
		slog.Int64("submitted_by", created.SubmittedBy),
		slog.Int("attachments", len(d.Attachments)),
	)

	if err := s.drafts.Delete(ctx, sessionID); err != nil {
		s.logger.Warn("Не удалось удалить черновик",
			slog.String("error", err.Error()),
		)
	}

	code := created.ReferenceCode
	s.notifier.notify(ctx, model.EventDisclosure, func() ([]Delivery, error) {
		return s.notifier.admins(ctx, "notify.disclosure_submitted", code)
	})

	return created, nil
}

// commitOnce выполняет одну попытку фиксации с новым кодом сообщения.
// При ошибке возвращает временные имена файлов, которые уже были перенесены
// и затем удалены.
func (s *WizardService) commitOnce(ctx context.Context, d *model.Draft, actor *model.Actor) (*model.Disclosure, []string, error) {
	code, err := refcode.New()
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	disclosure := &model.Disclosure{
		ReferenceCode:    code,
		DisclosureTypeID: *d.DisclosureTypeID,
		Description:      d.Description,
		IncidentStart:    *d.IncidentStart,
		IncidentEnd:      d.IncidentEnd,
		SubmittedBy:      actor.ID(),
		SubmittedAt:      now,
		Status:           lifecycle.StatusNew,
	}
	if d.Location != "" {
		loc := d.Location
		disclosure.Location = &loc
	}

	var promoted, moved []string
	err = s.uow.Do(ctx, func(st *Stores) error {
		if err := st.Disclosures.Create(ctx, disclosure); err != nil {
			return err
		}
		if err := st.Disclosures.AddPeople(ctx, disclosure.ID, model.PersonRoleSuspected, d.SuspectedPersons); err != nil {
			return err
		}
		if err := st.Disclosures.AddPeople(ctx, disclosure.ID, model.PersonRoleRelated, d.RelatedPersons); err != nil {
			return err
		}

		for _, a := range d.Attachments {
			name, err := s.files.Promote(ctx, a.StoredName)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					moved = append(moved, a.StoredName)
				}
				return fmt.Errorf("вложение %q: %w", a.OriginalName, err)
			}
			promoted = append(promoted, name)
			moved = append(moved, a.StoredName)

			if err := st.Disclosures.AddAttachment(ctx, &model.Attachment{
				DisclosureID: disclosure.ID,
				StoredName:   name,
				OriginalName: a.OriginalName,
				ContentType:  a.ContentType,
				SizeBytes:    a.SizeBytes,
				UploadedAt:   a.UploadedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.files.Remove(ctx, promoted...)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, moved, fieldError("attachments", "файл вложения больше недоступен, загрузите его повторно")
		}
		return nil, moved, err
	}
	return disclosure, nil, nil
}

// forgetAttachments убирает из черновика вложения, файлы которых потеряны
// при неудачной фиксации. Пользователь загружает их повторно.
func (s *WizardService) forgetAttachments(ctx context.Context, d *model.Draft, tempNames []string) {
	if len(tempNames) == 0 {
		return
	}
	kept := d.Attachments[:0]
	for _, a := range d.Attachments {
		if !slices.Contains(tempNames, a.StoredName) {
			kept = append(kept, a)
		}
	}
	d.Attachments = kept
	if err := s.save(ctx, d); err != nil {
		s.logger.Warn("Не удалось обновить черновик после неудачной фиксации",
			slog.String("error", err.Error()),
		)
	}
}

// Discard удаляет черновик и его временные файлы.
func (s *WizardService) Discard(ctx context.Context, sessionID string) error {
	d, err := s.drafts.Get(ctx, sessionID)
	if errors.Is(err, draft.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("загрузка черновика: %w", err)
	}

	names := make([]string, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		names = append(names, a.StoredName)
	}
	s.files.DiscardTemp(ctx, names...)

	if err := s.drafts.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("удаление черновика: %w", err)
	}
	return nil
}

// truncateDay возвращает начало суток t (UTC).
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
