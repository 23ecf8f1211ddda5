// Пакет storage — хранение вложений сообщений и отчётов проверки.
// Файлы мастера сначала попадают во временную область, при фиксации
// сообщения переносятся в постоянную под новым непредсказуемым именем.
// Политика (расширения, размер, пустые файлы) проверяется до записи
// в постоянную область.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// Ошибки политики хранения.
var (
	// ErrFileTooLarge — файл больше допустимого размера.
	ErrFileTooLarge = errors.New("файл превышает допустимый размер")
	// ErrExtensionNotAllowed — расширение файла не разрешено.
	ErrExtensionNotAllowed = errors.New("недопустимое расширение файла")
	// ErrEmptyFile — пустой файл.
	ErrEmptyFile = errors.New("пустой файл")
	// ErrNotFound — файл отсутствует в хранилище.
	ErrNotFound = errors.New("файл не найден")
)

// WriteResult — результат записи файла бэкендом.
type WriteResult struct {
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 содержимого, hex
	Checksum string
}

// Backend — физическое хранилище (диск или S3).
// Отсутствующий файл сообщается ошибкой, совместимой с fs.ErrNotExist.
type Backend interface {
	// PutTemp записывает файл во временную область.
	PutTemp(ctx context.Context, name string, r io.Reader) (*WriteResult, error)
	// PutPermanent записывает файл сразу в постоянную область.
	PutPermanent(ctx context.Context, name string, r io.Reader) (*WriteResult, error)
	// Promote переносит временный файл в постоянную область под именем newName.
	Promote(ctx context.Context, tempName, newName string) error
	// ExistsPermanent проверяет наличие файла в постоянной области.
	ExistsPermanent(ctx context.Context, name string) (bool, error)
	// Open открывает файл постоянной области на чтение.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// DeleteTemp удаляет временный файл.
	DeleteTemp(ctx context.Context, name string) error
	// Delete удаляет файл постоянной области.
	Delete(ctx context.Context, name string) error
}

// Policy — ограничения на загружаемые файлы.
type Policy struct {
	// Extensions — допустимые расширения в нижнем регистре с точкой (".pdf")
	Extensions []string
	// MaxBytes — максимальный размер файла
	MaxBytes int64
}

// Service — хранилище вложений с проверкой политики.
type Service struct {
	backend Backend
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// NewService создаёт хранилище вложений.
func NewService(backend Backend, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		policy:  policy,
		logger:  logger.With(slog.String("component", "storage")),
		now:     time.Now,
	}
}

// CheckName проверяет расширение файла по списку допустимых.
func (s *Service) CheckName(originalName string) error {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" || !slices.Contains(s.policy.Extensions, ext) {
		return fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}
	return nil
}

// SaveTemp проверяет файл и сохраняет его во временную область.
// Файл, нарушивший политику, не остаётся в хранилище.
func (s *Service) SaveTemp(ctx context.Context, originalName, contentType string, r io.Reader) (*model.DraftAttachment, error) {
	if err := s.CheckName(originalName); err != nil {
		return nil, err
	}

	name := newStoredName(originalName)
	res, err := s.backend.PutTemp(ctx, name, io.LimitReader(r, s.policy.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения временного файла: %w", err)
	}

	if err := s.checkSize(res.Size); err != nil {
		if delErr := s.backend.DeleteTemp(ctx, name); delErr != nil {
			s.logger.Warn("Не удалось удалить отклонённый файл",
				slog.String("stored_name", name),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}

	s.logger.Debug("Временный файл сохранён",
		slog.String("stored_name", name),
		slog.Int64("size", res.Size),
		slog.String("sha256", res.Checksum),
	)

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.DraftAttachment{
		StoredName:   name,
		OriginalName: filepath.Base(originalName),
		ContentType:  contentType,
		SizeBytes:    res.Size,
		UploadedAt:   s.now().UTC(),
	}, nil
}

// SavePermanent проверяет файл и сохраняет его сразу в постоянную область
// (отчёт проверяющего). Возвращает имя хранения и размер.
func (s *Service) SavePermanent(ctx context.Context, originalName string, r io.Reader) (string, int64, error) {
	if err := s.CheckName(originalName); err != nil {
		return "", 0, err
	}

	name := newStoredName(originalName)
	res, err := s.backend.PutPermanent(ctx, name, io.LimitReader(r, s.policy.MaxBytes+1))
	if err != nil {
		return "", 0, fmt.Errorf("ошибка сохранения файла: %w", err)
	}

	if err := s.checkSize(res.Size); err != nil {
		if delErr := s.backend.Delete(ctx, name); delErr != nil {
			s.logger.Warn("Не удалось удалить отклонённый файл",
				slog.String("stored_name", name),
				slog.String("error", delErr.Error()),
			)
		}
		return "", 0, err
	}

	s.logger.Info("Файл сохранён",
		slog.String("stored_name", name),
		slog.Int64("size", res.Size),
		slog.String("sha256", res.Checksum),
	)
	return name, res.Size, nil
}

// Promote переносит временный файл в постоянную область под новым именем.
// Если временного файла нет, но файл с таким именем уже постоянный,
// имя переиспользуется (повторная фиксация после частичного сбоя).
func (s *Service) Promote(ctx context.Context, tempName string) (string, error) {
	newName := newStoredName(tempName)
	err := s.backend.Promote(ctx, tempName, newName)
	if err == nil {
		return newName, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("ошибка переноса файла %s: %w", tempName, err)
	}

	exists, existsErr := s.backend.ExistsPermanent(ctx, tempName)
	if existsErr != nil {
		return "", fmt.Errorf("ошибка проверки файла %s: %w", tempName, existsErr)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotFound, tempName)
	}
	return tempName, nil
}

// Open открывает файл постоянной области.
func (s *Service) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.backend.Open(ctx, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	return rc, nil
}

// DiscardTemp удаляет временные файлы (best effort, ошибки логируются).
func (s *Service) DiscardTemp(ctx context.Context, names ...string) {
	for _, name := range names {
		if err := s.backend.DeleteTemp(ctx, name); err != nil {
			s.logger.Warn("Не удалось удалить временный файл",
				slog.String("stored_name", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Remove удаляет постоянные файлы (best effort, ошибки логируются).
func (s *Service) Remove(ctx context.Context, names ...string) {
	for _, name := range names {
		if err := s.backend.Delete(ctx, name); err != nil {
			s.logger.Warn("Не удалось удалить файл",
				slog.String("stored_name", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) checkSize(size int64) error {
	if size == 0 {
		return ErrEmptyFile
	}
	if size > s.policy.MaxBytes {
		return fmt.Errorf("%w: максимум %d байт", ErrFileTooLarge, s.policy.MaxBytes)
	}
	return nil
}

// newStoredName генерирует непредсказуемое имя хранения с исходным расширением.
func newStoredName(originalName string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
}
