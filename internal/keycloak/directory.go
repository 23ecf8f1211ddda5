package keycloak

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша справочника.
var (
	directoryCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_directory_cache_hits_total",
		Help: "Общее количество попаданий в кэш справочника пользователей.",
	})
	directoryCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_directory_cache_misses_total",
		Help: "Общее количество промахов кэша справочника пользователей.",
	})
)

// departmentAttribute — атрибут пользователя Keycloak с подразделением.
const departmentAttribute = "department"

// DirectoryEntry — запись справочника пользователей.
type DirectoryEntry struct {
	ExternalID  string
	Username    string
	DisplayName string
	Email       string
	Department  string
	Enabled     bool
	Groups      []string
}

// userSource — операции Keycloak, нужные справочнику.
type userSource interface {
	GetUser(ctx context.Context, id string) (*KeycloakUser, error)
	GetUserGroups(ctx context.Context, userID string) ([]KeycloakGroup, error)
}

// Directory — справочник пользователей с LRU-кэшем и TTL.
// Кэш общий для всех запросов процесса; только чтение и вытеснение по TTL.
type Directory struct {
	source userSource
	cache  *expirable.LRU[string, *DirectoryEntry]
	logger *slog.Logger
}

// NewDirectory создаёт справочник поверх клиента Keycloak.
func NewDirectory(source userSource, cacheSize int, ttl time.Duration, logger *slog.Logger) *Directory {
	return &Directory{
		source: source,
		cache:  expirable.NewLRU[string, *DirectoryEntry](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "directory")),
	}
}

// Lookup возвращает запись справочника по внешнему идентификатору.
// Отсутствие пользователя — ErrUserNotFound (не кэшируется).
func (d *Directory) Lookup(ctx context.Context, externalID string) (*DirectoryEntry, error) {
	if entry, ok := d.cache.Get(externalID); ok {
		directoryCacheHitsTotal.Inc()
		return entry, nil
	}
	directoryCacheMissesTotal.Inc()

	user, err := d.source.GetUser(ctx, externalID)
	if err != nil {
		return nil, err
	}

	groups, err := d.source.GetUserGroups(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("группы пользователя %s: %w", externalID, err)
	}

	entry := &DirectoryEntry{
		ExternalID:  user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName(),
		Email:       user.Email,
		Department:  user.Attribute(departmentAttribute),
		Enabled:     user.Enabled,
		Groups:      make([]string, 0, len(groups)),
	}
	for _, g := range groups {
		entry.Groups = append(entry.Groups, g.Name)
	}

	d.cache.Add(externalID, entry)
	d.logger.Debug("Пользователь загружен из справочника",
		slog.String("external_id", externalID),
		slog.String("username", entry.Username),
	)
	return entry, nil
}

// Invalidate удаляет запись из кэша.
func (d *Directory) Invalidate(externalID string) {
	d.cache.Remove(externalID)
}
