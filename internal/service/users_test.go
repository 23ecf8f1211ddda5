package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/disclosure-intake/internal/api/middleware"
	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/keycloak"
)

type fakeDirectory struct {
	entries map[string]*keycloak.DirectoryEntry
	err     error
	calls   int
}

func (d *fakeDirectory) Lookup(_ context.Context, externalID string) (*keycloak.DirectoryEntry, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	e, ok := d.entries[externalID]
	if !ok {
		return nil, keycloak.ErrUserNotFound
	}
	return e, nil
}

func newUserService(env *testEnv, dir *fakeDirectory) *UserService {
	return NewUserService(env.stores.Users, dir, []string{"di-admins"}, []string{"di-examiners"}, discardLogger())
}

func TestResolveActor_Existing(t *testing.T) {
	env := newTestEnv(t)
	dir := &fakeDirectory{}
	svc := newUserService(env, dir)

	tests := []struct {
		name   string
		claims middleware.AuthClaims
		want   string
	}{
		{"локальная роль выше", middleware.AuthClaims{Subject: "kc-examiner"}, rbac.RoleExaminer},
		{"роль IdP выше", middleware.AuthClaims{Subject: "kc-alice", IdpRole: rbac.RoleAdmin}, rbac.RoleAdmin},
		{"группы токена", middleware.AuthClaims{Subject: "kc-bob", Groups: []string{"di-examiners"}}, rbac.RoleExaminer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor, err := svc.ResolveActor(context.Background(), &tt.claims)
			require.NoError(t, err)
			assert.Equal(t, tt.want, actor.Role)
		})
	}
	assert.Zero(t, dir.calls, "известные пользователи не запрашиваются в справочнике")
}

func TestResolveActor_MirrorsFromDirectory(t *testing.T) {
	env := newTestEnv(t)
	dir := &fakeDirectory{entries: map[string]*keycloak.DirectoryEntry{
		"kc-dave": {
			ExternalID:  "kc-dave",
			Username:    "dave",
			DisplayName: "Dave Stone",
			Email:       "dave@corp.example",
			Department:  "Finance",
			Enabled:     true,
			Groups:      []string{"di-examiners"},
		},
		"kc-disabled": {ExternalID: "kc-disabled", Username: "gone", Enabled: false},
	}}
	svc := newUserService(env, dir)
	ctx := context.Background()

	actor, err := svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-dave"})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleExaminer, actor.Role)
	assert.Equal(t, "Finance", actor.User.Department)
	assert.True(t, actor.User.IsActive)
	assert.False(t, actor.User.EmailConfirmed)
	assert.NotZero(t, actor.User.ID)

	// Повторный запрос берёт пользователя из БД
	again, err := svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-dave"})
	require.NoError(t, err)
	assert.Equal(t, actor.User.ID, again.User.ID)
	assert.Equal(t, 1, dir.calls)

	_, err = svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-unknown"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-disabled"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ResolveActor(ctx, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	dir.err = errors.New("connection refused")
	_, err = svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-new"})
	assert.ErrorIs(t, err, ErrIDPUnavailable)
}

func TestResolveActor_PromotesLocalRole(t *testing.T) {
	env := newTestEnv(t)
	svc := newUserService(env, &fakeDirectory{})
	ctx := context.Background()
	id := env.seedDisclosure("DISC-PPPP7777", submitterID, lifecycle.StatusNew, nil)

	// До входа с группой проверяющих bob назначен быть не может
	res, err := env.workflow.Assign(ctx, env.actor(adminID), id, otherUserID)
	require.NoError(t, err)
	require.False(t, res.Changed)

	actor, err := svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-bob", Groups: []string{"/di-examiners"}})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleExaminer, actor.Role)
	assert.Equal(t, rbac.RoleExaminer, actor.User.Role)

	res, err = env.workflow.Assign(ctx, env.actor(adminID), id, otherUserID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	// Локальная роль выше роли IdP не понижается
	actor, err = svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-bob"})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleExaminer, actor.User.Role)

	env.db.failUserUpdate = errBoom
	actor, err = svc.ResolveActor(ctx, &middleware.AuthClaims{Subject: "kc-alice", IdpRole: rbac.RoleExaminer})
	require.NoError(t, err, "ошибка записи роли не прерывает запрос")
	assert.Equal(t, rbac.RoleExaminer, actor.Role)
	assert.Equal(t, rbac.RoleUser, actor.User.Role)
}

func TestUserService_Manage(t *testing.T) {
	env := newTestEnv(t)
	svc := newUserService(env, &fakeDirectory{})
	ctx := context.Background()
	admin := env.actor(adminID)

	examiners, err := svc.List(ctx, admin, model.UserFilter{Role: ptr(rbac.RoleExaminer)}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, examiners, 3)

	active, err := svc.List(ctx, admin, model.UserFilter{Role: ptr(rbac.RoleExaminer), IsActive: ptr(true)}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	_, err = svc.List(ctx, admin, model.UserFilter{Role: ptr("root")}, 0, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.List(ctx, env.actor(examinerID), model.UserFilter{}, 0, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	u, err := svc.Update(ctx, admin, otherUserID, ptr(rbac.RoleExaminer), nil)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleExaminer, u.Role)

	u, err = svc.Update(ctx, admin, inactiveExamID, nil, ptr(true))
	require.NoError(t, err)
	assert.True(t, u.IsActive)

	tests := []struct {
		name     string
		id       int64
		role     *string
		isActive *bool
		wantErr  error
	}{
		{"нечего менять", otherUserID, nil, nil, ErrValidation},
		{"неизвестная роль", otherUserID, ptr("root"), nil, ErrValidation},
		{"деактивация себя", adminID, nil, ptr(false), ErrValidation},
		{"нет пользователя", 9999, ptr(rbac.RoleUser), nil, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(ctx, admin, tt.id, tt.role, tt.isActive)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
