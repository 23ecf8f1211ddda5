// Пакет filestore — хранение файлов вложений на локальном диске.
// Запись потоковая с подсчётом SHA-256 на лету:
// temp файл → запись + SHA-256 → fsync → atomic rename.
//
// Раскладка каталогов:
//
//	{dataDir}/tmp/   — файлы черновиков
//	{dataDir}/files/ — файлы зафиксированных сообщений и отчётов
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bigkaa/disclosure-intake/internal/storage"
)

const (
	tmpDir   = "tmp"
	filesDir = "files"
)

// FileStore — управление физическими файлами на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (DI_STORAGE_DATA_DIR)
	dataDir string
}

// New создаёт FileStore. Создаёт каталоги tmp/ и files/, если их нет.
func New(dataDir string) (*FileStore, error) {
	for _, sub := range []string{tmpDir, filesDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
		}
	}
	return &FileStore{dataDir: dataDir}, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

func (fs *FileStore) path(area, name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("недопустимое имя файла: %q", name)
	}
	return filepath.Join(fs.dataDir, area, name), nil
}

// PutTemp записывает файл во временную область.
func (fs *FileStore) PutTemp(_ context.Context, name string, r io.Reader) (*storage.WriteResult, error) {
	return fs.write(tmpDir, name, r)
}

// PutPermanent записывает файл в постоянную область.
func (fs *FileStore) PutPermanent(_ context.Context, name string, r io.Reader) (*storage.WriteResult, error) {
	return fs.write(filesDir, name, r)
}

// write — запись через временный .part файл с fsync и atomic rename.
// При ошибке .part файл удаляется.
func (fs *FileStore) write(area, name string, r io.Reader) (*storage.WriteResult, error) {
	fullPath, err := fs.path(area, name)
	if err != nil {
		return nil, err
	}
	partPath := fullPath + ".part"

	f, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(partPath, fullPath); err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &storage.WriteResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Promote переносит tmp/{tempName} в files/{newName} атомарным rename.
// Отсутствие временного файла возвращается как ошибка с os.ErrNotExist.
func (fs *FileStore) Promote(_ context.Context, tempName, newName string) error {
	src, err := fs.path(tmpDir, tempName)
	if err != nil {
		return err
	}
	dst, err := fs.path(filesDir, newName)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("ошибка переноса файла %s: %w", tempName, err)
	}
	return nil
}

// ExistsPermanent проверяет существование файла в постоянной области.
func (fs *FileStore) ExistsPermanent(_ context.Context, name string) (bool, error) {
	p, err := fs.path(filesDir, name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
}

// Open открывает файл постоянной области. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := fs.path(filesDir, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", name, err)
	}
	return f, nil
}

// DeleteTemp удаляет временный файл. Отсутствие файла — не ошибка.
func (fs *FileStore) DeleteTemp(_ context.Context, name string) error {
	return fs.remove(tmpDir, name)
}

// Delete удаляет файл постоянной области. Отсутствие файла — не ошибка.
func (fs *FileStore) Delete(_ context.Context, name string) error {
	return fs.remove(filesDir, name)
}

func (fs *FileStore) remove(area, name string) error {
	p, err := fs.path(area, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", name, err)
	}
	return nil
}
