// disclosures.go — обработчики просмотра и проверки сообщений.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/service"
)

// reportField — поле multipart с файлом отчёта проверки.
const reportField = "report"

// assignRequest — тело POST /disclosures/{id}/assign.
type assignRequest struct {
	ExaminerID int64 `json:"examiner_id"`
}

// assignResponse — итог назначения. disclosure отсутствует, если
// назначение проигнорировано.
type assignResponse struct {
	Changed    bool                `json:"changed"`
	Disclosure *disclosureResponse `json:"disclosure,omitempty"`
}

// reviewRequest — JSON-вариант тела POST /disclosures/{id}/review.
type reviewRequest struct {
	Summary string `json:"summary"`
	Outcome string `json:"outcome"`
}

// rejectRequest — тело POST /disclosures/{id}/reject.
type rejectRequest struct {
	Reason string `json:"reason"`
}

// commentRequest — тело POST /disclosures/{id}/comments.
type commentRequest struct {
	Body string `json:"body"`
}

// ListDisclosures обрабатывает GET /api/v1/disclosures.
// Фильтры: status, type_id, assigned_to; пагинация: limit, offset.
// Видимость ограничивается ролью действующего пользователя.
func (h *APIHandler) ListDisclosures(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	filter, err := parseDisclosureFilter(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	list, err := h.workflow.List(r.Context(), actor, filter, i18n.LangFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func parseDisclosureFilter(r *http.Request) (model.DisclosureFilter, error) {
	var (
		filter model.DisclosureFilter
		err    error
	)

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, parseErr := lifecycle.ParseStatus(raw)
		if parseErr != nil {
			return filter, fmt.Errorf("параметр status: %w", parseErr)
		}
		filter.Status = &status
	}
	if filter.TypeID, err = queryInt64(r, "type_id"); err != nil {
		return filter, err
	}
	if filter.AssignedTo, err = queryInt64(r, "assigned_to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

// GetDisclosure обрабатывает GET /api/v1/disclosures/{id}.
func (h *APIHandler) GetDisclosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.workflow.Get(r.Context(), actor, id, i18n.LangFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// AssignExaminer обрабатывает POST /api/v1/disclosures/{id}/assign.
// Назначение неактивного или неподходящего пользователя игнорируется (changed=false).
func (h *APIHandler) AssignExaminer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in assignRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	res, err := h.workflow.Assign(r.Context(), actor, id, in.ExaminerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := assignResponse{Changed: res.Changed}
	if res.Changed && res.Disclosure != nil {
		d := toDisclosureResponse(res.Disclosure)
		resp.Disclosure = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitReview обрабатывает POST /api/v1/disclosures/{id}/review.
// Тело — JSON {summary, outcome} или multipart с полями summary, outcome
// и файлом report.
func (h *APIHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in service.ReviewInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if !h.parseMultipart(w, r) {
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		in.Summary = r.FormValue("summary")
		in.Outcome = r.FormValue("outcome")

		file, header, err := r.FormFile(reportField)
		switch {
		case err == nil:
			defer file.Close()
			in.Report = &service.FileUpload{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Body:        file,
			}
		case !errors.Is(err, http.ErrMissingFile):
			apierrors.ValidationError(w, fmt.Sprintf("Поле '%s': %s", reportField, err.Error()))
			return
		}
	} else {
		var body reviewRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		in.Summary, in.Outcome = body.Summary, body.Outcome
	}

	review, err := h.workflow.SubmitReview(r.Context(), actor, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// RejectDisclosure обрабатывает POST /api/v1/disclosures/{id}/reject.
func (h *APIHandler) RejectDisclosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in rejectRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &in) {
			return
		}
	}

	d, err := h.workflow.Reject(r.Context(), actor, id, in.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisclosureResponse(d))
}

// AddComment обрабатывает POST /api/v1/disclosures/{id}/comments.
func (h *APIHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in commentRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	c, err := h.workflow.AddComment(r.Context(), actor, id, in.Body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// DownloadAttachment обрабатывает GET /api/v1/disclosures/{id}/attachments/{attachmentID}.
func (h *APIHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	attachmentID, ok := pathID(w, r, "attachmentID")
	if !ok {
		return
	}

	att, rc, err := h.workflow.OpenAttachment(r.Context(), actor, id, attachmentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	h.streamFile(w, rc, att.OriginalName, att.ContentType, att.SizeBytes)
}

// DownloadReport обрабатывает GET /api/v1/disclosures/{id}/review/report.
func (h *APIHandler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	name, rc, err := h.workflow.OpenReport(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	h.streamFile(w, rc, name, mime.TypeByExtension(strings.ToLower(filepath.Ext(name))), -1)
}

// streamFile отдаёт файл как вложение. size < 0 — размер неизвестен.
func (h *APIHandler) streamFile(w http.ResponseWriter, rc io.Reader, name, contentType string, size int64) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Ошибка передачи файла",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}
