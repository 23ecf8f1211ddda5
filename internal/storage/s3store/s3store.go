// Пакет s3store — хранение вложений в S3-совместимом хранилище.
// Временные файлы лежат под префиксом tmp/, постоянные — под files/.
// Перенос — CopyObject + DeleteObject.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/disclosure-intake/internal/storage"
)

const (
	tmpPrefix   = "tmp/"
	filesPrefix = "files/"
)

// API — подмножество методов S3-клиента, используемое хранилищем.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options — параметры подключения к S3.
type Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Store — бэкенд хранения в S3.
type Store struct {
	api    API
	bucket string
}

// New создаёт S3-клиент. Пустой Endpoint — AWS S3, иначе
// S3-совместимое хранилище (MinIO и т.п.) с path-style адресацией.
func New(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithAPI(client, opts.Bucket), nil
}

// NewWithAPI создаёт Store поверх готового клиента (для тестов).
func NewWithAPI(api API, bucket string) *Store {
	return &Store{api: api, bucket: bucket}
}

// PutTemp записывает объект tmp/{name}.
func (s *Store) PutTemp(ctx context.Context, name string, r io.Reader) (*storage.WriteResult, error) {
	return s.put(ctx, tmpPrefix+name, r)
}

// PutPermanent записывает объект files/{name}.
func (s *Store) PutPermanent(ctx context.Context, name string, r io.Reader) (*storage.WriteResult, error) {
	return s.put(ctx, filesPrefix+name, r)
}

// put буферизует содержимое в памяти: размер ограничен политикой
// хранилища до вызова бэкенда.
func (s *Store) put(ctx context.Context, key string, r io.Reader) (*storage.WriteResult, error) {
	var buf bytes.Buffer
	hasher := sha256.New()
	size, err := io.Copy(&buf, io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения данных: %w", err)
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка записи объекта %s: %w", key, err)
	}

	return &storage.WriteResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Promote копирует tmp/{tempName} в files/{newName} и удаляет исходный объект.
func (s *Store) Promote(ctx context.Context, tempName, newName string) error {
	src := tmpPrefix + tempName
	_, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(filesPrefix + newName),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		return fmt.Errorf("ошибка копирования объекта %s: %w", src, mapNotFound(err))
	}

	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	}); err != nil {
		return fmt.Errorf("ошибка удаления объекта %s: %w", src, err)
	}
	return nil
}

// ExistsPermanent проверяет наличие объекта files/{name}.
func (s *Store) ExistsPermanent(ctx context.Context, name string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(filesPrefix + name),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(mapNotFound(err), fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка проверки объекта %s: %w", name, err)
}

// Open открывает объект files/{name}. Вызывающий код обязан закрыть Body.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(filesPrefix + name),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения объекта %s: %w", name, mapNotFound(err))
	}
	return out.Body, nil
}

// DeleteTemp удаляет объект tmp/{name}.
func (s *Store) DeleteTemp(ctx context.Context, name string) error {
	return s.delete(ctx, tmpPrefix+name)
}

// Delete удаляет объект files/{name}.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.delete(ctx, filesPrefix+name)
}

// delete — S3 DeleteObject идемпотентен, отсутствие объекта не ошибка.
func (s *Store) delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// mapNotFound переводит ответы S3 «нет объекта» в fs.ErrNotExist.
func mapNotFound(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return err
}
