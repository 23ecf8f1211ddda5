package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/draft"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/push"
	"github.com/bigkaa/disclosure-intake/internal/repository"
	"github.com/bigkaa/disclosure-intake/internal/storage"
	"github.com/bigkaa/disclosure-intake/internal/storage/filestore"
)

// memDB — состояние БД в памяти. Транзакция memUoW откатывает его
// к снимку при ошибке.
type memDB struct {
	mu  sync.Mutex
	seq int64

	users         map[int64]model.User
	types         map[int64]model.DisclosureType
	disclosures   map[int64]model.Disclosure
	people        map[int64][]model.Person
	attachments   map[int64][]model.Attachment
	assignments   []model.Assignment
	comments      []model.Comment
	reviews       map[int64]model.FinalReview
	subs          []model.ReportSubscription
	notifications []model.Notification
	verifications map[int64]model.EmailVerification

	// conflicts — столько следующих вставок сообщения завершатся конфликтом кода
	conflicts int
	// failAttachment — ошибка вставки вложения
	failAttachment error
	// failNotifications — ошибка пакетной вставки уведомлений
	failNotifications error
	// failUserUpdate — ошибка изменения пользователя
	failUserUpdate error
}

func newMemDB() *memDB {
	return &memDB{
		users:         map[int64]model.User{},
		types:         map[int64]model.DisclosureType{},
		disclosures:   map[int64]model.Disclosure{},
		people:        map[int64][]model.Person{},
		attachments:   map[int64][]model.Attachment{},
		reviews:       map[int64]model.FinalReview{},
		verifications: map[int64]model.EmailVerification{},
	}
}

func (db *memDB) next() int64 {
	db.seq++
	return db.seq
}

type memSnapshot struct {
	seq           int64
	users         map[int64]model.User
	types         map[int64]model.DisclosureType
	disclosures   map[int64]model.Disclosure
	people        map[int64][]model.Person
	attachments   map[int64][]model.Attachment
	assignments   []model.Assignment
	comments      []model.Comment
	reviews       map[int64]model.FinalReview
	subs          []model.ReportSubscription
	notifications []model.Notification
	verifications map[int64]model.EmailVerification
}

func cloneSliceMap[T any](m map[int64][]T) map[int64][]T {
	out := make(map[int64][]T, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return memSnapshot{
		seq:           db.seq,
		users:         maps.Clone(db.users),
		types:         maps.Clone(db.types),
		disclosures:   maps.Clone(db.disclosures),
		people:        cloneSliceMap(db.people),
		attachments:   cloneSliceMap(db.attachments),
		assignments:   slices.Clone(db.assignments),
		comments:      slices.Clone(db.comments),
		reviews:       maps.Clone(db.reviews),
		subs:          slices.Clone(db.subs),
		notifications: slices.Clone(db.notifications),
		verifications: maps.Clone(db.verifications),
	}
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seq = s.seq
	db.users = s.users
	db.types = s.types
	db.disclosures = s.disclosures
	db.people = s.people
	db.attachments = s.attachments
	db.assignments = s.assignments
	db.comments = s.comments
	db.reviews = s.reviews
	db.subs = s.subs
	db.notifications = s.notifications
	db.verifications = s.verifications
}

func (db *memDB) stores() *Stores {
	return &Stores{
		Users:         memUsers{db},
		Types:         memTypes{db},
		Disclosures:   memDisclosures{db},
		Assignments:   memAssignments{db},
		Comments:      memComments{db},
		Reviews:       memReviews{db},
		Subscriptions: memSubscriptions{db},
		Notifications: memNotifications{db},
		Verifications: memVerifications{db},
	}
}

// memUoW — транзакция поверх memDB со снимком для отката.
type memUoW struct {
	db *memDB
}

func (u memUoW) Do(_ context.Context, fn func(s *Stores) error) error {
	snap := u.db.snapshot()
	if err := fn(u.db.stores()); err != nil {
		u.db.restore(snap)
		return err
	}
	return nil
}

// --- users ---

type memUsers struct{ db *memDB }

func (r memUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r memUsers) GetByExternalID(_ context.Context, externalID string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.ExternalID == externalID {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memUsers) Mirror(_ context.Context, u *model.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, existing := range r.db.users {
		if existing.ExternalID == u.ExternalID {
			u.ID, u.Role = id, existing.Role
			r.db.users[id] = *u
			return nil
		}
	}
	u.ID = r.db.next()
	r.db.users[u.ID] = *u
	return nil
}

func (r memUsers) ListActiveByRole(_ context.Context, role string) ([]*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.User
	for _, id := range sortedKeys(r.db.users) {
		u := r.db.users[id]
		if u.IsActive && u.Role == role {
			out = append(out, &u)
		}
	}
	return out, nil
}

func (r memUsers) List(_ context.Context, filter model.UserFilter, limit, offset int) ([]*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*model.User{}
	for _, id := range sortedKeys(r.db.users) {
		u := r.db.users[id]
		if filter.Role != nil && u.Role != *filter.Role {
			continue
		}
		if filter.IsActive != nil && u.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, &u)
	}
	return page(out, limit, offset), nil
}

func (r memUsers) Update(_ context.Context, id int64, role *string, isActive *bool) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failUserUpdate != nil {
		return nil, r.db.failUserUpdate
	}
	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if role != nil {
		u.Role = *role
	}
	if isActive != nil {
		u.IsActive = *isActive
	}
	r.db.users[id] = u
	return &u, nil
}

func (r memUsers) ConfirmEmail(_ context.Context, id int64, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.EmailConfirmed = true
	u.EmailConfirmedAt = &at
	r.db.users[id] = u
	return nil
}

// --- disclosure types ---

type memTypes struct{ db *memDB }

func (r memTypes) GetByID(_ context.Context, id int64) (*model.DisclosureType, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.types[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r memTypes) ListActive(_ context.Context) ([]*model.DisclosureType, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.DisclosureType
	for _, id := range sortedKeys(r.db.types) {
		t := r.db.types[id]
		if t.IsActive {
			out = append(out, &t)
		}
	}
	return out, nil
}

// --- disclosures ---

type memDisclosures struct{ db *memDB }

func (r memDisclosures) Create(_ context.Context, d *model.Disclosure) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.conflicts > 0 {
		r.db.conflicts--
		return repository.ErrConflict
	}
	for _, existing := range r.db.disclosures {
		if existing.ReferenceCode == d.ReferenceCode {
			return repository.ErrConflict
		}
	}
	d.ID = r.db.next()
	d.CreatedAt, d.UpdatedAt = d.SubmittedAt, d.SubmittedAt
	r.db.disclosures[d.ID] = *d
	return nil
}

func (r memDisclosures) AddPeople(_ context.Context, disclosureID int64, role string, people []model.Person) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range people {
		p.ID = r.db.next()
		p.Role = role
		r.db.people[disclosureID] = append(r.db.people[disclosureID], p)
	}
	return nil
}

func (r memDisclosures) AddAttachment(_ context.Context, a *model.Attachment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failAttachment != nil {
		return r.db.failAttachment
	}
	a.ID = r.db.next()
	r.db.attachments[a.DisclosureID] = append(r.db.attachments[a.DisclosureID], *a)
	return nil
}

func (r memDisclosures) GetByID(_ context.Context, id int64) (*model.Disclosure, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.disclosures[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r memDisclosures) GetForUpdate(ctx context.Context, id int64) (*model.Disclosure, error) {
	return r.GetByID(ctx, id)
}

func (r memDisclosures) GetByReferenceCode(_ context.Context, code string) (*model.Disclosure, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, d := range r.db.disclosures {
		if d.ReferenceCode == code {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memDisclosures) UpdateState(_ context.Context, id int64, status lifecycle.Status, assignedTo *int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.disclosures[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.AssignedTo = assignedTo
	r.db.disclosures[id] = d
	return nil
}

func (r memDisclosures) matching(filter model.DisclosureFilter) []model.Disclosure {
	var out []model.Disclosure
	for _, id := range sortedKeys(r.db.disclosures) {
		d := r.db.disclosures[id]
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.TypeID != nil && d.DisclosureTypeID != *filter.TypeID {
			continue
		}
		assigned := filter.AssignedTo != nil && d.AssignedTo != nil && *d.AssignedTo == *filter.AssignedTo
		submitted := filter.SubmittedBy != nil && d.SubmittedBy == *filter.SubmittedBy
		switch {
		case filter.AssignedTo != nil && filter.SubmittedBy != nil:
			if !assigned && !submitted {
				continue
			}
		case filter.AssignedTo != nil:
			if !assigned {
				continue
			}
		case filter.SubmittedBy != nil:
			if !submitted {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func (r memDisclosures) List(_ context.Context, filter model.DisclosureFilter, lang string) ([]model.DisclosureListItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	items := []model.DisclosureListItem{}
	for _, d := range r.matching(filter) {
		t := r.db.types[d.DisclosureTypeID]
		items = append(items, model.DisclosureListItem{
			ID:            d.ID,
			ReferenceCode: d.ReferenceCode,
			TypeCode:      t.Code,
			TypeName:      t.DisplayName(lang),
			Status:        d.Status,
			IncidentStart: d.IncidentStart.Format(model.DateLayout),
			SubmittedAt:   d.SubmittedAt,
			AssignedTo:    d.AssignedTo,
		})
	}
	return page(items, filter.Limit, filter.Offset), nil
}

func (r memDisclosures) Count(_ context.Context, filter model.DisclosureFilter) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return len(r.matching(filter)), nil
}

func (r memDisclosures) ListPeople(_ context.Context, disclosureID int64) ([]model.Person, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return slices.Clone(r.db.people[disclosureID]), nil
}

func (r memDisclosures) ListAttachments(_ context.Context, disclosureID int64) ([]model.Attachment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := slices.Clone(r.db.attachments[disclosureID])
	if out == nil {
		out = []model.Attachment{}
	}
	return out, nil
}

func (r memDisclosures) GetAttachment(_ context.Context, disclosureID, attachmentID int64) (*model.Attachment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, a := range r.db.attachments[disclosureID] {
		if a.ID == attachmentID {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

// --- assignments ---

type memAssignments struct{ db *memDB }

func (r memAssignments) Create(_ context.Context, a *model.Assignment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a.ID = r.db.next()
	r.db.assignments = append(r.db.assignments, *a)
	return nil
}

func (r memAssignments) CloseActive(_ context.Context, disclosureID int64, status string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, a := range r.db.assignments {
		if a.DisclosureID == disclosureID && a.Status == model.AssignmentActive {
			r.db.assignments[i].Status = status
		}
	}
	return nil
}

func (r memAssignments) ListByDisclosure(_ context.Context, disclosureID int64) ([]model.Assignment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []model.Assignment{}
	for _, a := range r.db.assignments {
		if a.DisclosureID == disclosureID {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- comments ---

type memComments struct{ db *memDB }

func (r memComments) Create(_ context.Context, c *model.Comment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c.ID = r.db.next()
	r.db.comments = append(r.db.comments, *c)
	return nil
}

func (r memComments) ListByDisclosure(_ context.Context, disclosureID int64) ([]model.Comment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []model.Comment{}
	for _, c := range r.db.comments {
		if c.DisclosureID == disclosureID {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- reviews ---

type memReviews struct{ db *memDB }

func (r memReviews) Upsert(_ context.Context, fr *model.FinalReview) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	prev, ok := r.db.reviews[fr.DisclosureID]
	if !ok {
		fr.ID = r.db.next()
		if fr.Outcome == "" {
			fr.Outcome = lifecycle.OutcomePending
		}
	} else {
		fr.ID = prev.ID
		if fr.Summary == "" {
			fr.Summary = prev.Summary
		}
		if fr.Outcome == "" {
			fr.Outcome = prev.Outcome
		}
		if fr.ReportPath == nil {
			fr.ReportPath = prev.ReportPath
		}
	}
	fr.HasReport = fr.ReportPath != nil
	r.db.reviews[fr.DisclosureID] = *fr
	return nil
}

func (r memReviews) GetByDisclosure(_ context.Context, disclosureID int64) (*model.FinalReview, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	fr, ok := r.db.reviews[disclosureID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &fr, nil
}

// --- subscriptions ---

type memSubscriptions struct{ db *memDB }

func (r memSubscriptions) Upsert(_ context.Context, s *model.ReportSubscription) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, existing := range r.db.subs {
		if existing.DisclosureID == s.DisclosureID && existing.UserID == s.UserID {
			s.ID = existing.ID
			r.db.subs[i] = *s
			return nil
		}
	}
	s.ID = r.db.next()
	r.db.subs = append(r.db.subs, *s)
	return nil
}

func (r memSubscriptions) ListByDisclosure(_ context.Context, disclosureID int64) ([]model.ReportSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.ReportSubscription
	for _, s := range r.db.subs {
		if s.DisclosureID == disclosureID {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- notifications ---

type memNotifications struct{ db *memDB }

func (r memNotifications) InsertBatch(_ context.Context, items []model.Notification) ([]model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failNotifications != nil {
		return nil, r.db.failNotifications
	}
	saved := make([]model.Notification, 0, len(items))
	for _, n := range items {
		n.ID = r.db.next()
		r.db.notifications = append(r.db.notifications, n)
		saved = append(saved, n)
	}
	// Порядок RETURNING не гарантирован
	slices.Reverse(saved)
	return saved, nil
}

func (r memNotifications) List(_ context.Context, userID int64, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []model.Notification{}
	for i := len(r.db.notifications) - 1; i >= 0; i-- {
		n := r.db.notifications[i]
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return page(out, limit, offset), nil
}

func (r memNotifications) UnreadCount(_ context.Context, userID int64) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	count := 0
	for _, n := range r.db.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r memNotifications) MarkRead(_ context.Context, userID, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, n := range r.db.notifications {
		if n.ID == id && n.UserID == userID {
			r.db.notifications[i].IsRead = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r memNotifications) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var count int64
	for i, n := range r.db.notifications {
		if n.UserID == userID && !n.IsRead {
			r.db.notifications[i].IsRead = true
			count++
		}
	}
	return count, nil
}

// --- email verifications ---

type memVerifications struct{ db *memDB }

func (r memVerifications) Create(_ context.Context, v *model.EmailVerification) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v.ID = r.db.next()
	r.db.verifications[v.ID] = *v
	return nil
}

func (r memVerifications) GetByID(_ context.Context, id int64) (*model.EmailVerification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.verifications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

func (r memVerifications) Latest(_ context.Context, userID int64, purpose string) (*model.EmailVerification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var latest *model.EmailVerification
	for _, id := range sortedKeys(r.db.verifications) {
		v := r.db.verifications[id]
		if v.UserID == userID && v.Purpose == purpose {
			latest = &v
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (r memVerifications) IncrementAttempts(_ context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v := r.db.verifications[id]
	v.Attempts++
	r.db.verifications[id] = v
	return nil
}

func (r memVerifications) Delete(_ context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.verifications[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.verifications, id)
	return nil
}

func (r memVerifications) Consume(_ context.Context, id int64, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.verifications[id]
	if !ok || v.ConsumedAt != nil {
		return repository.ErrNotFound
	}
	v.ConsumedAt = &at
	r.db.verifications[id] = v
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- push и почта ---

type published struct {
	key string
	msg push.Message
	// rowsAtPublish — число строк уведомлений в БД в момент публикации
	rowsAtPublish int
}

// fakePublisher записывает публикации.
type fakePublisher struct {
	db   *memDB
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, key string, msg push.Message) error {
	p.db.mu.Lock()
	rows := len(p.db.notifications)
	p.db.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{key: key, msg: msg, rowsAtPublish: rows})
	return p.err
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.key)
	}
	sort.Strings(out)
	return out
}

type sentMail struct {
	to, subject, body string
}

// fakeMailer записывает письма.
type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *fakeMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}
	}
	return m.sent[len(m.sent)-1]
}

// --- окружение теста ---

// Пользователи окружения.
const (
	adminID          int64 = 1
	examinerID       int64 = 2
	inactiveExamID   int64 = 3
	submitterID      int64 = 4
	otherUserID      int64 = 5
	secondExaminerID int64 = 6
)

// Типы сообщений окружения.
const (
	fraudTypeID  int64 = 1
	legacyTypeID int64 = 2
)

var testNow = time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	t        *testing.T
	db       *memDB
	stores   *Stores
	uow      UnitOfWork
	pub      *fakePublisher
	mailer   *fakeMailer
	drafts   draft.Store
	files    *storage.Service
	dataDir  string
	notifier *Notifier
	wizard   *WizardService
	workflow *WorkflowService
	verify   *VerificationService
	now      time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newMemDB()
	db.seq = 100
	seedUser := func(id int64, name, role string, active bool) {
		db.users[id] = model.User{
			ID:             id,
			ExternalID:     "kc-" + name,
			Username:       name,
			DisplayName:    strings.ToUpper(name[:1]) + name[1:],
			Email:          name + "@corp.example",
			Role:           role,
			IsActive:       active,
			EmailConfirmed: true,
		}
	}
	seedUser(adminID, "admin", rbac.RoleAdmin, true)
	seedUser(examinerID, "examiner", rbac.RoleExaminer, true)
	seedUser(inactiveExamID, "retired", rbac.RoleExaminer, false)
	seedUser(submitterID, "alice", rbac.RoleUser, true)
	seedUser(otherUserID, "bob", rbac.RoleUser, true)
	seedUser(secondExaminerID, "carol", rbac.RoleExaminer, true)

	db.types[fraudTypeID] = model.DisclosureType{ID: fraudTypeID, Code: "fraud", NameEN: "Fraud", NameRU: "Мошенничество", IsActive: true}
	db.types[legacyTypeID] = model.DisclosureType{ID: legacyTypeID, Code: "legacy", NameEN: "Legacy", NameRU: "Устаревший", IsActive: false}

	dataDir := t.TempDir()
	backend, err := filestore.New(dataDir)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	logger := discardLogger()
	files := storage.NewService(backend, storage.Policy{Extensions: []string{".pdf", ".txt"}, MaxBytes: 1024}, logger)

	bundle, err := i18n.Load(logger)
	if err != nil {
		t.Fatalf("i18n.Load: %v", err)
	}

	env := &testEnv{
		t:       t,
		db:      db,
		stores:  db.stores(),
		uow:     memUoW{db: db},
		pub:     &fakePublisher{db: db},
		mailer:  &fakeMailer{},
		drafts:  draft.NewMemoryStore(100, time.Hour),
		files:   files,
		dataDir: dataDir,
		now:     testNow,
	}
	clock := func() time.Time { return env.now }

	env.notifier = NewNotifier(env.stores, env.pub, env.mailer, bundle, "en", logger)

	env.wizard = NewWizardService(env.drafts, env.stores, env.uow, files, env.notifier, logger)
	env.wizard.now = clock

	env.workflow = NewWorkflowService(env.stores, env.uow, files, env.notifier, logger)
	env.workflow.now = clock

	env.verify = NewVerificationService(env.stores, env.uow, env.mailer, bundle, env.notifier, VerificationConfig{
		TTL:         time.Hour,
		Cooldown:    time.Minute,
		MaxAttempts: 3,
		BaseURL:     "https://intake.example",
		Lang:        "en",
	}, logger)
	env.verify.now = clock

	return env
}

// actor возвращает действующего пользователя с локальной ролью.
func (e *testEnv) actor(id int64) *model.Actor {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	u, ok := e.db.users[id]
	if !ok {
		e.t.Fatalf("пользователь %d не найден", id)
	}
	return &model.Actor{User: &u, Role: u.Role}
}

func (e *testEnv) disclosure(id int64) model.Disclosure {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return e.db.disclosures[id]
}

// notificationsFor возвращает уведомления пользователя в порядке вставки.
func (e *testEnv) notificationsFor(userID int64) []model.Notification {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	var out []model.Notification
	for _, n := range e.db.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (e *testEnv) notificationCount() int {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return len(e.db.notifications)
}

// seedDisclosure создаёт сообщение напрямую в БД.
func (e *testEnv) seedDisclosure(code string, submittedBy int64, status lifecycle.Status, assignedTo *int64) int64 {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	id := e.db.next()
	e.db.disclosures[id] = model.Disclosure{
		ID:               id,
		ReferenceCode:    code,
		DisclosureTypeID: fraudTypeID,
		Description:      "seeded",
		IncidentStart:    time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		SubmittedBy:      submittedBy,
		SubmittedAt:      e.now,
		Status:           status,
		AssignedTo:       assignedTo,
	}
	if assignedTo != nil {
		e.db.assignments = append(e.db.assignments, model.Assignment{
			ID:           e.db.next(),
			DisclosureID: id,
			ExaminerID:   *assignedTo,
			AssignedBy:   adminID,
			Status:       model.AssignmentActive,
			AssignedAt:   e.now,
		})
	}
	return id
}

func ptr[T any](v T) *T { return &v }

var errBoom = errors.New("boom")

func sortedFields(ve *ValidationError) []string {
	out := make([]string, 0, len(ve.Fields))
	for k := range ve.Fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
