// wizard.go — обработчики мастера подачи сообщения.
// Черновик адресуется идентификатором анонимной сессии (cookie di_session).
package handlers

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/service"
	"github.com/bigkaa/disclosure-intake/internal/session"
)

// attachmentsField — поле multipart с файлами шага «Вложения».
const attachmentsField = "files"

// disclosureTypeResponse — тип сообщения на языке запроса.
type disclosureTypeResponse struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// personsRequest — тело шагов участников и возврата назад.
type personsRequest struct {
	Persons []model.Person `json:"persons"`
}

// stepResponse — итог сохранения шага.
type stepResponse struct {
	Draft *model.Draft `json:"draft"`
	Next  string       `json:"next,omitempty"`
}

// disclosureResponse — зафиксированное сообщение.
type disclosureResponse struct {
	ID            int64     `json:"id"`
	ReferenceCode string    `json:"reference_code"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
	AssignedTo    *int64    `json:"assigned_to,omitempty"`
}

func toDisclosureResponse(d *model.Disclosure) disclosureResponse {
	return disclosureResponse{
		ID:            d.ID,
		ReferenceCode: d.ReferenceCode,
		Status:        string(d.Status),
		SubmittedAt:   d.SubmittedAt,
		AssignedTo:    d.AssignedTo,
	}
}

// ListDisclosureTypes обрабатывает GET /api/v1/disclosure-types.
func (h *APIHandler) ListDisclosureTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.wizard.Types(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	lang := i18n.LangFromContext(r.Context())
	items := make([]disclosureTypeResponse, 0, len(types))
	for _, t := range types {
		items = append(items, disclosureTypeResponse{ID: t.ID, Code: t.Code, Name: t.DisplayName(lang)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetDraft обрабатывает GET /api/v1/wizard/draft.
func (h *APIHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := h.wizard.Draft(r.Context(), session.IDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DiscardDraft обрабатывает DELETE /api/v1/wizard/draft.
func (h *APIHandler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.wizard.Discard(r.Context(), session.IDFromContext(r.Context())); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStep обрабатывает GET /api/v1/wizard/steps/{step}.
// Для шага review возвращается сводка с незаполненными полями.
func (h *APIHandler) GetStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := session.IDFromContext(ctx)
	step := chi.URLParam(r, "step")

	if step == model.StepReview {
		view, err := h.wizard.Review(ctx, sid, i18n.LangFromContext(ctx))
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	view, err := h.wizard.Step(ctx, sid, step)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SaveStep обрабатывает POST /api/v1/wizard/steps/{step}.
// details, suspected, related — JSON; attachments — multipart (поле files).
func (h *APIHandler) SaveStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := session.IDFromContext(ctx)
	step := chi.URLParam(r, "step")

	var (
		d   *model.Draft
		err error
	)
	switch step {
	case model.StepDetails:
		var in service.DetailsInput
		if !decodeJSON(w, r, &in) {
			return
		}
		d, err = h.wizard.SaveDetails(ctx, sid, in)

	case model.StepSuspected, model.StepRelated:
		var in personsRequest
		if !decodeJSON(w, r, &in) {
			return
		}
		d, err = h.wizard.SavePersons(ctx, sid, step, in.Persons)

	case model.StepAttachments:
		h.uploadAttachments(w, r, sid)
		return

	case model.StepReview:
		apierrors.ValidationError(w, "Шаг review не принимает данные, для отправки используйте /api/v1/wizard/commit")
		return

	default:
		apierrors.NotFound(w, fmt.Sprintf("Неизвестный шаг мастера: %s", step))
		return
	}

	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{Draft: d, Next: nextStep(step)})
}

// uploadAttachments сохраняет файлы шага «Вложения».
// Файлы, нарушившие политику, перечисляются в rejected и не прерывают загрузку.
// Запрос без multipart-тела пропускает шаг без файлов.
func (h *APIHandler) uploadAttachments(w http.ResponseWriter, r *http.Request, sid string) {
	var uploads []service.FileUpload
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if !h.parseMultipart(w, r) {
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		headers := r.MultipartForm.File[attachmentsField]
		if len(headers) > maxUploadFiles {
			apierrors.ValidationError(w, fmt.Sprintf("Не более %d файлов за один запрос", maxUploadFiles))
			return
		}
		opened, closeAll, err := openUploads(headers)
		defer closeAll()
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		uploads = opened
	}

	res, err := h.wizard.AddAttachments(r.Context(), sid, uploads)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(res.Rejected) > 0 {
		h.logger.Info("Часть вложений отклонена",
			slog.Int("accepted", len(res.Accepted)),
			slog.Int("rejected", len(res.Rejected)),
		)
	}
	writeJSON(w, http.StatusOK, res)
}

// openUploads открывает файлы multipart. closeAll закрывает открытые файлы.
func openUploads(headers []*multipart.FileHeader) ([]service.FileUpload, func(), error) {
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	uploads := make([]service.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("не удалось прочитать файл %q: %w", fh.Filename, err)
		}
		files = append(files, f)
		uploads = append(uploads, service.FileUpload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	return uploads, closeAll, nil
}

// StepBack обрабатывает POST /api/v1/wizard/steps/{step}/back.
// Тело необязательно: {"persons": [...]} сохраняется без проверки.
func (h *APIHandler) StepBack(w http.ResponseWriter, r *http.Request) {
	var in personsRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &in) {
			return
		}
	}

	prev, err := h.wizard.Back(r.Context(), session.IDFromContext(r.Context()), chi.URLParam(r, "step"), in.Persons)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step": prev})
}

// RemoveAttachment обрабатывает DELETE /api/v1/wizard/attachments/{name}.
func (h *APIHandler) RemoveAttachment(w http.ResponseWriter, r *http.Request) {
	d, err := h.wizard.RemoveAttachment(r.Context(), session.IDFromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CommitDraft обрабатывает POST /api/v1/wizard/commit.
func (h *APIHandler) CommitDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	created, err := h.wizard.Commit(r.Context(), session.IDFromContext(r.Context()), actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisclosureResponse(created))
}

// nextStep возвращает шаг после step ("" для последнего).
func nextStep(step string) string {
	idx := model.StepIndex(step)
	if idx < 0 || idx >= len(model.Steps)-1 {
		return ""
	}
	return model.Steps[idx+1]
}
