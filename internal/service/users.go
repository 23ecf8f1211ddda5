// users.go — разрешение действующего пользователя и управление пользователями.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/disclosure-intake/internal/api/middleware"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/keycloak"
	"github.com/bigkaa/disclosure-intake/internal/repository"
)

// Directory — справочник пользователей (Keycloak с кэшем).
type Directory interface {
	Lookup(ctx context.Context, externalID string) (*keycloak.DirectoryEntry, error)
}

// Лимиты списка пользователей.
const (
	defaultUserLimit = 50
	maxUserLimit     = 200
)

// UserService — действующий пользователь запроса и администрирование пользователей.
type UserService struct {
	users     repository.UserRepository
	directory Directory
	groups    rbac.GroupMapping
	logger    *slog.Logger
}

// NewUserService создаёт сервис пользователей.
func NewUserService(
	users repository.UserRepository,
	directory Directory,
	adminGroups, examinerGroups []string,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		users:     users,
		directory: directory,
		groups:    rbac.GroupMapping{Admin: adminGroups, Examiner: examinerGroups},
		logger:    logger.With(slog.String("component", "user_service")),
	}
}

// ResolveActor возвращает действующего пользователя по claims токена.
// Пользователь, впервые обратившийся к сервису, загружается из справочника
// и зеркалируется в локальную БД с ролью IdP.
// Итоговая роль = max(роль IdP из токена, локальная роль).
func (s *UserService) ResolveActor(ctx context.Context, claims *middleware.AuthClaims) (*model.Actor, error) {
	if claims == nil || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	user, err := s.users.GetByExternalID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		user, err = s.mirror(ctx, claims.Subject)
	}
	if err != nil {
		return nil, err
	}

	idpRole := claims.IdpRole
	if idpRole == "" {
		idpRole = s.groups.Role(claims.Groups)
	}
	if rbac.Outranks(idpRole, user.Role) {
		user = s.promote(ctx, user, idpRole)
	}

	return &model.Actor{
		User: user,
		Role: rbac.EffectiveRole(idpRole, user.Role),
	}, nil
}

// promote поднимает локальную роль до роли IdP: назначение проверяющего
// читает локальную роль. Ошибка записи не мешает запросу.
func (s *UserService) promote(ctx context.Context, user *model.User, role string) *model.User {
	updated, err := s.users.Update(ctx, user.ID, &role, nil)
	if err != nil {
		s.logger.Warn("Не удалось обновить локальную роль",
			slog.Int64("user_id", user.ID),
			slog.String("role", role),
			slog.String("error", err.Error()),
		)
		return user
	}
	s.logger.Info("Локальная роль повышена по данным IdP",
		slog.Int64("user_id", user.ID),
		slog.String("from", user.Role),
		slog.String("to", role),
	)
	return updated
}

// mirror создаёт локальную запись пользователя из справочника.
func (s *UserService) mirror(ctx context.Context, externalID string) (*model.User, error) {
	entry, err := s.directory.Lookup(ctx, externalID)
	if err != nil {
		if errors.Is(err, keycloak.ErrUserNotFound) {
			s.logger.Warn("Пользователь токена отсутствует в справочнике",
				slog.String("external_id", externalID),
			)
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
	}
	if !entry.Enabled {
		return nil, ErrForbidden
	}

	user := &model.User{
		ExternalID:  entry.ExternalID,
		Username:    entry.Username,
		DisplayName: entry.DisplayName,
		Email:       entry.Email,
		Department:  entry.Department,
		Role:        s.groups.Role(entry.Groups),
		IsActive:    true,
	}
	if err := s.users.Mirror(ctx, user); err != nil {
		return nil, fmt.Errorf("зеркалирование пользователя: %w", err)
	}

	s.logger.Info("Пользователь добавлен из справочника",
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("role", user.Role),
	)
	return user, nil
}

// List возвращает пользователей (только администратор).
func (s *UserService) List(ctx context.Context, actor *model.Actor, filter model.UserFilter, limit, offset int) ([]*model.User, error) {
	if err := requireCap(actor, rbac.CapManageUsers); err != nil {
		return nil, err
	}
	if filter.Role != nil && !rbac.IsValidRole(*filter.Role) {
		return nil, fieldError("role", "недопустимая роль")
	}
	limit, offset = clampPage(limit, offset, defaultUserLimit, maxUserLimit)
	return s.users.List(ctx, filter, limit, offset)
}

// Update меняет роль и/или признак активности пользователя (только администратор).
// Администратор не может деактивировать себя.
func (s *UserService) Update(ctx context.Context, actor *model.Actor, id int64, role *string, isActive *bool) (*model.User, error) {
	if err := requireCap(actor, rbac.CapManageUsers); err != nil {
		return nil, err
	}

	ve := NewValidationError()
	if role == nil && isActive == nil {
		ve.Add("role", "нужно указать role или is_active")
	}
	if role != nil && !rbac.IsValidRole(*role) {
		ve.Add("role", "недопустимая роль")
	}
	if isActive != nil && !*isActive && id == actor.ID() {
		ve.Add("is_active", "нельзя деактивировать собственную учётную запись")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	user, err := s.users.Update(ctx, id, role, isActive)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.logger.Info("Пользователь изменён",
		slog.Int64("user_id", id),
		slog.Int64("by", actor.ID()),
		slog.String("role", user.Role),
		slog.Bool("is_active", user.IsActive),
	)
	return user, nil
}

// requireCap проверяет наличие действующего пользователя и полномочие.
func requireCap(actor *model.Actor, c rbac.Capability) error {
	if actor == nil || actor.User == nil {
		return ErrUnauthorized
	}
	if !rbac.Can(actor.Role, c) {
		return ErrForbidden
	}
	return nil
}

// clampPage нормализует параметры пагинации.
func clampPage(limit, offset, def, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// recipientOf — получатель уведомления для пользователя.
func recipientOf(u *model.User) model.Recipient {
	return model.Recipient{
		UserID:   u.ID,
		Email:    u.Email,
		Username: u.Username,
	}
}
