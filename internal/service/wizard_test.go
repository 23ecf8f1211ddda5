package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/refcode"
	"github.com/bigkaa/disclosure-intake/internal/draft"
	"github.com/bigkaa/disclosure-intake/internal/repository"
)

func validDetails() DetailsInput {
	return DetailsInput{
		DisclosureTypeID: ptr(fraudTypeID),
		Description:      "Invoices for the warehouse contract were inflated",
		Location:         "Head office",
		IncidentStart:    "2025-09-01",
		IncidentEnd:      "2025-09-05",
	}
}

func pdf(name string) FileUpload {
	return FileUpload{Name: name, ContentType: "application/pdf", Body: strings.NewReader("%PDF-1.4 test")}
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

// fillDraft проходит шаги мастера до сводки с одним вложением.
func fillDraft(t *testing.T, env *testEnv, sid string) {
	t.Helper()
	ctx := context.Background()

	_, err := env.wizard.SaveDetails(ctx, sid, validDetails())
	require.NoError(t, err)
	_, err = env.wizard.SavePersons(ctx, sid, model.PersonRoleSuspected, []model.Person{
		{FullName: "Mallory Reed", Email: ptr("mallory@corp.example"), Organization: ptr("Procurement")},
	})
	require.NoError(t, err)
	_, err = env.wizard.SavePersons(ctx, sid, model.PersonRoleRelated, []model.Person{{FullName: "Trent Hale"}})
	require.NoError(t, err)
	res, err := env.wizard.AddAttachments(ctx, sid, []FileUpload{pdf("evidence.pdf")})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
}

func TestWizard_FullSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sid := "session-a"

	fillDraft(t, env, sid)

	review, err := env.wizard.Review(ctx, sid, "ru")
	require.NoError(t, err)
	assert.Equal(t, "Мошенничество", review.TypeName)
	assert.Empty(t, review.Missing)
	assert.Equal(t, model.StepReview, review.Draft.CurrentStep)

	created, err := env.wizard.Commit(ctx, sid, env.actor(submitterID))
	require.NoError(t, err)

	assert.True(t, refcode.Valid(created.ReferenceCode), "код %q", created.ReferenceCode)
	assert.Equal(t, lifecycle.StatusNew, created.Status)
	assert.Equal(t, submitterID, created.SubmittedBy)
	assert.Equal(t, testNow, created.SubmittedAt)
	require.NotNil(t, created.Location)
	assert.Equal(t, "Head office", *created.Location)

	stored := env.disclosure(created.ID)
	assert.Equal(t, created.ReferenceCode, stored.ReferenceCode)

	people, err := env.stores.Disclosures.ListPeople(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, people, 2)
	roles := map[string]string{}
	for _, p := range people {
		roles[p.FullName] = p.Role
	}
	assert.Equal(t, model.PersonRoleSuspected, roles["Mallory Reed"])
	assert.Equal(t, model.PersonRoleRelated, roles["Trent Hale"])

	atts, err := env.stores.Disclosures.ListAttachments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "evidence.pdf", atts[0].OriginalName)
	assert.NotEqual(t, "evidence.pdf", atts[0].StoredName)

	assert.Equal(t, 0, dirEntries(t, filepath.Join(env.dataDir, "tmp")))
	assert.Equal(t, 1, dirEntries(t, filepath.Join(env.dataDir, "files")))

	_, err = env.drafts.Get(ctx, sid)
	assert.ErrorIs(t, err, draft.ErrNotFound)

	adminNotes := env.notificationsFor(adminID)
	require.Len(t, adminNotes, 1)
	assert.Equal(t, model.EventDisclosure, adminNotes[0].EventType)
	assert.Contains(t, adminNotes[0].Message, created.ReferenceCode)
	assert.Empty(t, env.notificationsFor(submitterID))

	keys := env.pub.keys()
	assert.Contains(t, keys, "id:1")
	assert.Contains(t, keys, "email:admin@corp.example")
	assert.Contains(t, keys, "user:admin")
}

func TestWizard_EndBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := validDetails()
	in.IncidentStart = "2025-09-05"
	in.IncidentEnd = "2025-09-01"

	_, err := env.wizard.SaveDetails(ctx, "session-b", in)
	require.ErrorIs(t, err, ErrValidation)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "incident_start")
	assert.Contains(t, ve.Fields, "incident_end")

	d, err := env.wizard.Draft(ctx, "session-b")
	require.NoError(t, err)
	assert.Nil(t, d.IncidentStart)
	assert.Equal(t, model.StepDetails, d.CurrentStep)

	_, err = env.wizard.Commit(ctx, "session-b", env.actor(submitterID))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, env.db.disclosures)
}

func TestWizard_DetailsValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *DetailsInput)
		field  string
	}{
		{"нет типа", func(in *DetailsInput) { in.DisclosureTypeID = nil }, "disclosure_type_id"},
		{"неактивный тип", func(in *DetailsInput) { in.DisclosureTypeID = ptr(legacyTypeID) }, "disclosure_type_id"},
		{"неизвестный тип", func(in *DetailsInput) { in.DisclosureTypeID = ptr(int64(999)) }, "disclosure_type_id"},
		{"пустое описание", func(in *DetailsInput) { in.Description = "   " }, "description"},
		{"длинное описание", func(in *DetailsInput) { in.Description = strings.Repeat("я", 4001) }, "description"},
		{"длинное место", func(in *DetailsInput) { in.Location = strings.Repeat("x", 501) }, "location"},
		{"нет даты начала", func(in *DetailsInput) { in.IncidentStart = "" }, "incident_start"},
		{"неверный формат", func(in *DetailsInput) { in.IncidentStart = "01.09.2025" }, "incident_start"},
		{"начало в будущем", func(in *DetailsInput) { in.IncidentStart = "2025-09-11" }, "incident_start"},
		{"окончание в будущем", func(in *DetailsInput) { in.IncidentEnd = "2025-10-01" }, "incident_end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := validDetails()
			tt.modify(&in)

			_, err := env.wizard.SaveDetails(context.Background(), "s", in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.field)
		})
	}
}

func TestWizard_DetailsToday(t *testing.T) {
	env := newTestEnv(t)
	in := validDetails()
	in.IncidentStart = "2025-09-10"
	in.IncidentEnd = ""

	d, err := env.wizard.SaveDetails(context.Background(), "s", in)
	require.NoError(t, err)
	assert.Nil(t, d.IncidentEnd)
	assert.Equal(t, model.StepSuspected, d.CurrentStep)
}

func TestWizard_PersonsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.wizard.SavePersons(ctx, "s", model.PersonRoleSuspected, []model.Person{
		{FullName: ""},
		{FullName: "Eve", Email: ptr("not-an-email")},
		{FullName: "Oscar", Phone: ptr(strings.Repeat("1", 51))},
		{FullName: "Peggy", Email: ptr("  ")},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"persons[0].full_name", "persons[1].email", "persons[2].phone"}, sortedFields(ve))

	_, err = env.wizard.SavePersons(ctx, "s", "witness", nil)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "role")
}

func TestWizard_PersonsNormalized(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.wizard.SavePersons(context.Background(), "s", model.PersonRoleRelated, []model.Person{
		{ID: 77, FullName: "  Walter  ", Email: ptr(" "), Phone: ptr(" +1 555 ")},
	})
	require.NoError(t, err)
	require.Len(t, d.RelatedPersons, 1)
	p := d.RelatedPersons[0]
	assert.Equal(t, int64(0), p.ID)
	assert.Equal(t, "Walter", p.FullName)
	assert.Nil(t, p.Email)
	require.NotNil(t, p.Phone)
	assert.Equal(t, "+1 555", *p.Phone)
	assert.Equal(t, model.StepAttachments, d.CurrentStep)
}

func TestWizard_AttachmentsPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.wizard.AddAttachments(ctx, "s", []FileUpload{
		pdf("evidence.pdf"),
		{Name: "tool.exe", Body: strings.NewReader("MZ")},
		{Name: "empty.txt", Body: strings.NewReader("")},
		{Name: "huge.pdf", Body: strings.NewReader(strings.Repeat("x", 2048))},
	})
	require.NoError(t, err)

	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "evidence.pdf", res.Accepted[0].OriginalName)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, "tool.exe", res.Rejected[0].Name)
	assert.Equal(t, "empty.txt", res.Rejected[1].Name)
	assert.Equal(t, "huge.pdf", res.Rejected[2].Name)

	assert.Len(t, res.Draft.Attachments, 1)
	assert.Equal(t, model.StepReview, res.Draft.CurrentStep)
	assert.Equal(t, 1, dirEntries(t, filepath.Join(env.dataDir, "tmp")))
}

func TestWizard_RemoveAttachment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.wizard.AddAttachments(ctx, "s", []FileUpload{pdf("a.pdf"), pdf("b.pdf")})
	require.NoError(t, err)

	d, err := env.wizard.RemoveAttachment(ctx, "s", res.Accepted[0].StoredName)
	require.NoError(t, err)
	require.Len(t, d.Attachments, 1)
	assert.Equal(t, "b.pdf", d.Attachments[0].OriginalName)
	assert.Equal(t, 1, dirEntries(t, filepath.Join(env.dataDir, "tmp")))

	_, err = env.wizard.RemoveAttachment(ctx, "s", "missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWizard_BackKeepsData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	prev, err := env.wizard.Back(ctx, "s", model.StepAttachments, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StepRelated, prev)

	// Частичные данные шага сохраняются без проверки
	prev, err = env.wizard.Back(ctx, "s", model.StepSuspected, []model.Person{{FullName: ""}})
	require.NoError(t, err)
	assert.Equal(t, model.StepDetails, prev)

	d, err := env.wizard.Draft(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, d.Attachments, 1)
	assert.Len(t, d.RelatedPersons, 1)
	require.Len(t, d.SuspectedPersons, 1)
	assert.Empty(t, d.SuspectedPersons[0].FullName)
	assert.NotNil(t, d.IncidentStart)
	assert.Equal(t, model.StepDetails, d.CurrentStep)

	_, err = env.wizard.Back(ctx, "s", model.StepDetails, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.wizard.Back(ctx, "s", "unknown", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWizard_Step(t *testing.T) {
	env := newTestEnv(t)

	view, err := env.wizard.Step(context.Background(), "s", model.StepRelated)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Index)
	assert.Equal(t, model.StepSuspected, view.Previous)
	assert.Equal(t, model.StepAttachments, view.Next)

	view, err = env.wizard.Step(context.Background(), "s", model.StepDetails)
	require.NoError(t, err)
	assert.Empty(t, view.Previous)

	_, err = env.wizard.Step(context.Background(), "s", "payment")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.wizard.Step(context.Background(), "", model.StepDetails)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWizard_CommitRetriesReferenceCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	env.db.conflicts = 2
	created, err := env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.NoError(t, err)
	assert.Len(t, env.db.disclosures, 1)

	atts, err := env.stores.Disclosures.ListAttachments(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

func TestWizard_CommitGivesUpAfterAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	env.db.conflicts = maxCommitAttempts
	_, err := env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.ErrorIs(t, err, repository.ErrConflict)
	assert.Empty(t, env.db.disclosures)

	d, err := env.wizard.Draft(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, d.Attachments, 1, "файлы до вставки сообщения не переносились")
}

func TestWizard_CommitRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	env.db.failAttachment = errBoom
	_, err := env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.ErrorIs(t, err, errBoom)

	assert.Empty(t, env.db.disclosures)
	assert.Empty(t, env.db.people)
	assert.Equal(t, 0, dirEntries(t, filepath.Join(env.dataDir, "files")))
	assert.Equal(t, 0, env.notificationCount())

	// Черновик остаётся, потерянное вложение из него убрано
	d, err := env.wizard.Draft(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, d.Attachments)
	assert.NotEmpty(t, d.Description)

	env.db.failAttachment = nil
	_, err = env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.NoError(t, err)
	assert.Len(t, env.db.disclosures, 1)
}

func TestWizard_CommitRequiresCompleteDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.wizard.SavePersons(ctx, "s", model.PersonRoleSuspected, nil)
	require.NoError(t, err)

	_, err = env.wizard.Commit(ctx, "s", env.actor(submitterID))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"description", "disclosure_type_id", "incident_start"}, sortedFields(ve))

	_, err = env.wizard.Commit(ctx, "s", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWizard_CommitRevalidatesPersons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	// «Назад» сохраняет участников без проверки
	_, err := env.wizard.Back(ctx, "s", model.StepSuspected, []model.Person{
		{FullName: ""},
		{FullName: strings.Repeat("x", 5000), Email: ptr("not-an-email")},
	})
	require.NoError(t, err)
	_, err = env.wizard.Back(ctx, "s", model.StepRelated, []model.Person{
		{FullName: "Trent Hale", Phone: ptr(strings.Repeat("7", maxPhoneLen+1))},
	})
	require.NoError(t, err)

	_, err = env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{
		"related[0].phone",
		"suspected[0].full_name",
		"suspected[1].email",
		"suspected[1].full_name",
	}, sortedFields(ve))

	assert.Empty(t, env.db.disclosures)
	assert.Empty(t, env.db.people)
	assert.Equal(t, 0, dirEntries(t, filepath.Join(env.dataDir, "files")))
	assert.Equal(t, 0, env.notificationCount())

	d, err := env.wizard.Draft(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, d.Attachments, 1)

	// После исправления шага фиксация проходит
	_, err = env.wizard.SavePersons(ctx, "s", model.PersonRoleSuspected, []model.Person{{FullName: "Mallory Reed"}})
	require.NoError(t, err)
	_, err = env.wizard.SavePersons(ctx, "s", model.PersonRoleRelated, nil)
	require.NoError(t, err)
	_, err = env.wizard.Commit(ctx, "s", env.actor(submitterID))
	require.NoError(t, err)
	assert.Len(t, env.db.disclosures, 1)
}

func TestWizard_Discard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fillDraft(t, env, "s")

	require.NoError(t, env.wizard.Discard(ctx, "s"))
	assert.Equal(t, 0, dirEntries(t, filepath.Join(env.dataDir, "tmp")))

	_, err := env.drafts.Get(ctx, "s")
	assert.ErrorIs(t, err, draft.ErrNotFound)

	// Повторный сброс — не ошибка
	assert.NoError(t, env.wizard.Discard(ctx, "s"))
}

func TestWizard_TypesOnlyActive(t *testing.T) {
	env := newTestEnv(t)

	types, err := env.wizard.Types(context.Background())
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "fraud", types[0].Code)
}
