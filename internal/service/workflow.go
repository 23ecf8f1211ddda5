// workflow.go — назначение проверяющего, проверка и отклонение сообщений.
//
// Каждое действие выполняется в своей транзакции: строка сообщения
// блокируется, переход проверяется автоматом lifecycle, изменения
// фиксируются, после фиксации рассылаются уведомления.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/repository"
	"github.com/bigkaa/disclosure-intake/internal/storage"
)

const (
	maxSummaryLen = 4000
	maxReasonLen  = 2000
	maxCommentLen = 4000

	defaultDisclosureLimit = 50
	maxDisclosureLimit     = 200
)

// AssignResult — итог назначения. Changed=false — назначение проигнорировано.
type AssignResult struct {
	Changed    bool              `json:"changed"`
	Disclosure *model.Disclosure `json:"-"`
}

// ReviewInput — данные результатов проверки.
// Пустые поля не меняют ранее записанные значения.
type ReviewInput struct {
	Summary string
	Outcome string
	// Report — файл отчёта (опционально)
	Report *FileUpload
}

// DisclosureList — страница списка сообщений.
type DisclosureList struct {
	Items  []model.DisclosureListItem `json:"items"`
	Total  int                        `json:"total"`
	Limit  int                        `json:"limit"`
	Offset int                        `json:"offset"`
}

// WorkflowService — процесс проверки сообщений.
type WorkflowService struct {
	stores   *Stores
	uow      UnitOfWork
	files    *storage.Service
	notifier *Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewWorkflowService создаёт сервис процесса проверки.
func NewWorkflowService(
	stores *Stores,
	uow UnitOfWork,
	files *storage.Service,
	notifier *Notifier,
	logger *slog.Logger,
) *WorkflowService {
	return &WorkflowService{
		stores:   stores,
		uow:      uow,
		files:    files,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "workflow")),
	}
}

// transition вычисляет следующий статус. Недопустимый переход — ErrConflict,
// исходная *lifecycle.TransitionError доступна через errors.As.
func transition(from lifecycle.Status, ev lifecycle.Event) (lifecycle.Status, error) {
	to, err := lifecycle.Next(from, ev)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return to, nil
}

// Assign назначает проверяющего. Неактивный пользователь или пользователь
// без роли проверяющего (в том числе администратор) молча игнорируется.
func (s *WorkflowService) Assign(ctx context.Context, actor *model.Actor, disclosureID, examinerID int64) (*AssignResult, error) {
	if err := requireCap(actor, rbac.CapAssign); err != nil {
		return nil, err
	}

	res := &AssignResult{}
	var prevStatus lifecycle.Status
	err := s.uow.Do(ctx, func(st *Stores) error {
		d, err := st.Disclosures.GetForUpdate(ctx, disclosureID)
		if err != nil {
			return mapRepoErr(err)
		}
		res.Disclosure = d

		examiner, err := st.Users.GetByID(ctx, examinerID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !examiner.IsActive || !rbac.Assignable(examiner.Role) {
			return nil
		}
		if d.AssignedTo != nil && *d.AssignedTo == examinerID && d.Status == lifecycle.StatusAssigned {
			return nil
		}

		to, err := transition(d.Status, lifecycle.EventAssign)
		if err != nil {
			return err
		}

		if err := st.Assignments.CloseActive(ctx, d.ID, model.AssignmentReassigned); err != nil {
			return err
		}
		if err := st.Assignments.Create(ctx, &model.Assignment{
			DisclosureID: d.ID,
			ExaminerID:   examinerID,
			AssignedBy:   actor.ID(),
			Status:       model.AssignmentActive,
			AssignedAt:   s.now().UTC(),
		}); err != nil {
			return err
		}
		if err := st.Disclosures.UpdateState(ctx, d.ID, to, &examinerID); err != nil {
			return err
		}

		prevStatus = d.Status
		d.Status = to
		d.AssignedTo = &examinerID
		res.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Changed {
		s.logger.Info("Назначение проигнорировано",
			slog.Int64("disclosure_id", disclosureID),
			slog.Int64("examiner_id", examinerID),
		)
		return res, nil
	}

	transitionsTotal.WithLabelValues(string(lifecycle.EventAssign)).Inc()
	d := res.Disclosure
	s.logger.Info("Проверяющий назначен",
		slog.Int64("disclosure_id", d.ID),
		slog.Int64("examiner_id", examinerID),
		slog.String("from", string(prevStatus)),
		slog.Int64("assigned_by", actor.ID()),
	)

	s.notifier.notify(ctx, model.EventAssignment, func() ([]Delivery, error) {
		return collect(
			func() ([]Delivery, error) {
				return s.notifier.user(ctx, examinerID, "notify.disclosure_assigned_examiner", d.ReferenceCode)
			},
			func() ([]Delivery, error) {
				return s.notifier.user(ctx, d.SubmittedBy, "notify.disclosure_assigned", d.ReferenceCode)
			},
			func() ([]Delivery, error) {
				return s.notifier.subscribers(ctx, d.ID, "notify.disclosure_assigned", d.ReferenceCode)
			},
		)
	})
	return res, nil
}

// SubmitReview записывает результаты проверки. Окончательный результат
// в той же транзакции завершает сообщение.
func (s *WorkflowService) SubmitReview(ctx context.Context, actor *model.Actor, disclosureID int64, in ReviewInput) (*model.FinalReview, error) {
	if err := requireCap(actor, rbac.CapReview); err != nil {
		return nil, err
	}

	outcome, err := lifecycle.ParseOutcome(strings.TrimSpace(in.Outcome))
	if err != nil {
		return nil, fieldError("outcome", "недопустимый результат проверки")
	}
	summary := strings.TrimSpace(in.Summary)
	if utf8.RuneCountInString(summary) > maxSummaryLen {
		return nil, fieldError("summary", fmt.Sprintf("не более %d символов", maxSummaryLen))
	}
	if summary == "" && outcome == "" && in.Report == nil {
		return nil, fieldError("summary", "нет данных для сохранения")
	}

	// Отчёт сохраняется до транзакции и удаляется, если она не удалась
	var reportName *string
	if in.Report != nil {
		name, _, err := s.files.SavePermanent(ctx, in.Report.Name, in.Report.Body)
		if err != nil {
			if reason, ok := rejectionReason(err); ok {
				return nil, fieldError("report", reason)
			}
			return nil, err
		}
		reportName = &name
	}

	var (
		d         *model.Disclosure
		review    *model.FinalReview
		oldReport *string
		events    []lifecycle.Event
	)
	err = s.uow.Do(ctx, func(st *Stores) error {
		oldReport = nil
		var err error
		d, err = st.Disclosures.GetForUpdate(ctx, disclosureID)
		if err != nil {
			return mapRepoErr(err)
		}
		if !rbac.Can(actor.Role, rbac.CapViewAll) && (d.AssignedTo == nil || *d.AssignedTo != actor.ID()) {
			return ErrForbidden
		}

		to, err := transition(d.Status, lifecycle.EventReview)
		if err != nil {
			return err
		}
		events = []lifecycle.Event{lifecycle.EventReview}
		if outcome.IsFinal() {
			if to, err = transition(to, lifecycle.EventComplete); err != nil {
				return err
			}
			events = append(events, lifecycle.EventComplete)
		}

		prev, err := st.Reviews.GetByDisclosure(ctx, d.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if prev != nil && reportName != nil {
			oldReport = prev.ReportPath
		}

		review = &model.FinalReview{
			DisclosureID: d.ID,
			ReviewerID:   actor.ID(),
			Summary:      summary,
			Outcome:      outcome,
			ReportPath:   reportName,
			ReviewedAt:   s.now().UTC(),
		}
		if err := st.Reviews.Upsert(ctx, review); err != nil {
			return err
		}
		if err := st.Disclosures.UpdateState(ctx, d.ID, to, d.AssignedTo); err != nil {
			return err
		}
		if to == lifecycle.StatusCompleted {
			if err := st.Assignments.CloseActive(ctx, d.ID, model.AssignmentClosed); err != nil {
				return err
			}
		}
		d.Status = to
		return nil
	})
	if err != nil {
		if reportName != nil {
			s.files.Remove(ctx, *reportName)
		}
		return nil, err
	}

	if oldReport != nil {
		s.files.Remove(ctx, *oldReport)
	}
	for _, ev := range events {
		transitionsTotal.WithLabelValues(string(ev)).Inc()
	}

	s.logger.Info("Результаты проверки записаны",
		slog.Int64("disclosure_id", d.ID),
		slog.String("status", string(d.Status)),
		slog.String("outcome", string(review.Outcome)),
		slog.Bool("has_report", review.HasReport),
		slog.Int64("reviewer_id", actor.ID()),
	)

	code := d.ReferenceCode
	if d.Status == lifecycle.StatusCompleted {
		result := string(review.Outcome)
		s.notifier.notify(ctx, model.EventReview, func() ([]Delivery, error) {
			return collect(
				func() ([]Delivery, error) {
					return s.notifier.user(ctx, d.SubmittedBy, "notify.review_completed", code, result)
				},
				func() ([]Delivery, error) {
					return s.notifier.admins(ctx, "notify.review_completed", code, result)
				},
				func() ([]Delivery, error) {
					return s.notifier.subscribers(ctx, d.ID, "notify.review_completed", code, result)
				},
			)
		})
	} else {
		s.notifier.notify(ctx, model.EventReview, func() ([]Delivery, error) {
			return collect(
				func() ([]Delivery, error) {
					return s.notifier.user(ctx, d.SubmittedBy, "notify.review_updated", code)
				},
				func() ([]Delivery, error) {
					return s.notifier.subscribers(ctx, d.ID, "notify.review_updated", code)
				},
			)
		})
	}
	return review, nil
}

// Reject отклоняет сообщение. Администратор — в любом нетерминальном
// статусе, автор — своё сообщение в статусе New. Причина сохраняется
// служебным комментарием.
func (s *WorkflowService) Reject(ctx context.Context, actor *model.Actor, disclosureID int64, reason string) (*model.Disclosure, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, fieldError("reason", fmt.Sprintf("не более %d символов", maxReasonLen))
	}

	var d *model.Disclosure
	err := s.uow.Do(ctx, func(st *Stores) error {
		var err error
		d, err = st.Disclosures.GetForUpdate(ctx, disclosureID)
		if err != nil {
			return mapRepoErr(err)
		}

		own := d.SubmittedBy == actor.ID() && d.Status == lifecycle.StatusNew
		if !rbac.Can(actor.Role, rbac.CapReject) && !own {
			if d.SubmittedBy == actor.ID() || rbac.Can(actor.Role, rbac.CapViewAssigned) {
				return ErrForbidden
			}
			return ErrNotFound
		}

		to, err := transition(d.Status, lifecycle.EventReject)
		if err != nil {
			return err
		}

		if reason != "" {
			if err := st.Comments.Create(ctx, &model.Comment{
				DisclosureID: d.ID,
				AuthorID:     actor.ID(),
				Body:         reason,
			}); err != nil {
				return err
			}
		}
		if err := st.Disclosures.UpdateState(ctx, d.ID, to, d.AssignedTo); err != nil {
			return err
		}
		if err := st.Assignments.CloseActive(ctx, d.ID, model.AssignmentClosed); err != nil {
			return err
		}
		d.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(lifecycle.EventReject)).Inc()
	s.logger.Info("Сообщение отклонено",
		slog.Int64("disclosure_id", d.ID),
		slog.Int64("rejected_by", actor.ID()),
		slog.Bool("by_submitter", d.SubmittedBy == actor.ID()),
	)

	key, args := "notify.disclosure_rejected", []any{d.ReferenceCode}
	if reason != "" {
		key, args = "notify.disclosure_rejected_reason", []any{d.ReferenceCode, reason}
	}
	s.notifier.notify(ctx, model.EventRejected, func() ([]Delivery, error) {
		return collect(
			func() ([]Delivery, error) {
				if d.SubmittedBy == actor.ID() {
					return nil, nil
				}
				return s.notifier.user(ctx, d.SubmittedBy, key, args...)
			},
			func() ([]Delivery, error) {
				return s.notifier.subscribers(ctx, d.ID, key, args...)
			},
		)
	})
	return d, nil
}

// AddComment добавляет служебный комментарий.
func (s *WorkflowService) AddComment(ctx context.Context, actor *model.Actor, disclosureID int64, body string) (*model.Comment, error) {
	if err := requireCap(actor, rbac.CapComment); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	switch {
	case body == "":
		return nil, fieldError("body", "обязательное поле")
	case utf8.RuneCountInString(body) > maxCommentLen:
		return nil, fieldError("body", fmt.Sprintf("не более %d символов", maxCommentLen))
	}

	d, err := s.visible(ctx, actor, disclosureID)
	if err != nil {
		return nil, err
	}

	c := &model.Comment{
		DisclosureID: d.ID,
		AuthorID:     actor.ID(),
		AuthorName:   actor.User.DisplayName,
		Body:         body,
	}
	if err := s.stores.Comments.Create(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Debug("Комментарий добавлен",
		slog.Int64("disclosure_id", d.ID),
		slog.Int64("author_id", actor.ID()),
	)
	return c, nil
}

// --- Чтение ---

// canView — сообщение доступно действующему пользователю.
func canView(actor *model.Actor, d *model.Disclosure) bool {
	switch {
	case rbac.Can(actor.Role, rbac.CapViewAll):
		return true
	case d.SubmittedBy == actor.ID():
		return true
	case rbac.Can(actor.Role, rbac.CapViewAssigned):
		return d.AssignedTo != nil && *d.AssignedTo == actor.ID()
	default:
		return false
	}
}

// isStaff — пользователь видит служебные данные сообщения.
func isStaff(actor *model.Actor, d *model.Disclosure) bool {
	if rbac.Can(actor.Role, rbac.CapViewAll) {
		return true
	}
	return rbac.Can(actor.Role, rbac.CapViewAssigned) && d.AssignedTo != nil && *d.AssignedTo == actor.ID()
}

// visible возвращает сообщение, если оно доступно.
// Недоступное сообщение неотличимо от отсутствующего.
func (s *WorkflowService) visible(ctx context.Context, actor *model.Actor, id int64) (*model.Disclosure, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}
	d, err := s.stores.Disclosures.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !canView(actor, d) {
		return nil, ErrNotFound
	}
	return d, nil
}

// List возвращает страницу сообщений в пределах полномочий:
// администратор — все, проверяющий — назначенные ему и поданные им,
// пользователь — поданные им.
func (s *WorkflowService) List(ctx context.Context, actor *model.Actor, filter model.DisclosureFilter, lang string) (*DisclosureList, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}

	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset, defaultDisclosureLimit, maxDisclosureLimit)
	id := actor.ID()
	switch {
	case rbac.Can(actor.Role, rbac.CapViewAll):
	case rbac.Can(actor.Role, rbac.CapViewAssigned):
		filter.AssignedTo = &id
		filter.SubmittedBy = &id
	default:
		filter.AssignedTo = nil
		filter.SubmittedBy = &id
	}

	items, err := s.stores.Disclosures.List(ctx, filter, lang)
	if err != nil {
		return nil, err
	}
	total, err := s.stores.Disclosures.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &DisclosureList{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Get возвращает карточку сообщения. Комментарии и история назначений
// видны только администраторам и назначенному проверяющему.
func (s *WorkflowService) Get(ctx context.Context, actor *model.Actor, id int64, lang string) (*model.DisclosureDetail, error) {
	d, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	t, err := s.stores.Types.GetByID(ctx, d.DisclosureTypeID)
	if err != nil {
		return nil, fmt.Errorf("получение типа сообщения: %w", err)
	}

	detail := &model.DisclosureDetail{
		ID:               d.ID,
		ReferenceCode:    d.ReferenceCode,
		Type:             *t,
		TypeName:         t.DisplayName(lang),
		Description:      d.Description,
		Location:         d.Location,
		IncidentStart:    d.IncidentStart.Format(model.DateLayout),
		SubmittedBy:      d.SubmittedBy,
		SubmittedAt:      d.SubmittedAt,
		Status:           d.Status,
		AssignedTo:       d.AssignedTo,
		SuspectedPersons: []model.Person{},
		RelatedPersons:   []model.Person{},
		Comments:         []model.Comment{},
		Assignments:      []model.Assignment{},
	}
	if d.IncidentEnd != nil {
		end := d.IncidentEnd.Format(model.DateLayout)
		detail.IncidentEnd = &end
	}

	people, err := s.stores.Disclosures.ListPeople(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range people {
		if p.Role == model.PersonRoleSuspected {
			detail.SuspectedPersons = append(detail.SuspectedPersons, p)
		} else {
			detail.RelatedPersons = append(detail.RelatedPersons, p)
		}
	}

	if detail.Attachments, err = s.stores.Disclosures.ListAttachments(ctx, d.ID); err != nil {
		return nil, err
	}

	review, err := s.stores.Reviews.GetByDisclosure(ctx, d.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	detail.Review = review

	if isStaff(actor, d) {
		if detail.Comments, err = s.stores.Comments.ListByDisclosure(ctx, d.ID); err != nil {
			return nil, err
		}
		if detail.Assignments, err = s.stores.Assignments.ListByDisclosure(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

// OpenAttachment открывает вложение сообщения на чтение.
// Вызывающий закрывает reader.
func (s *WorkflowService) OpenAttachment(ctx context.Context, actor *model.Actor, disclosureID, attachmentID int64) (*model.Attachment, io.ReadCloser, error) {
	d, err := s.visible(ctx, actor, disclosureID)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.stores.Disclosures.GetAttachment(ctx, d.ID, attachmentID)
	if err != nil {
		return nil, nil, mapRepoErr(err)
	}
	rc, err := s.files.Open(ctx, a.StoredName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return a, rc, nil
}

// OpenReport открывает файл отчёта проверки. Возвращает имя файла для выдачи.
func (s *WorkflowService) OpenReport(ctx context.Context, actor *model.Actor, disclosureID int64) (string, io.ReadCloser, error) {
	d, err := s.visible(ctx, actor, disclosureID)
	if err != nil {
		return "", nil, err
	}
	review, err := s.stores.Reviews.GetByDisclosure(ctx, d.ID)
	if err != nil {
		return "", nil, mapRepoErr(err)
	}
	if review.ReportPath == nil {
		return "", nil, ErrNotFound
	}
	rc, err := s.files.Open(ctx, *review.ReportPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	return d.ReferenceCode + "-report" + strings.ToLower(filepath.Ext(*review.ReportPath)), rc, nil
}
