// notifications.go — рассылка уведомлений о событиях сообщения.
//
// Порядок рассылки: получатели → тексты → сохранение пакетом → push по всем
// ключам каналов получателей → письма получателям с адресом подписки.
// Строки уведомлений сохраняются до любой отправки push. Ошибки push и писем
// логируются и не возвращаются.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/push"
	"github.com/bigkaa/disclosure-intake/internal/repository"
)

// pushEvent — имя события SSE для уведомлений.
const pushEvent = "notification"

// pushConcurrency — параллельных публикаций push на одно событие.
const pushConcurrency = 8

// Лимиты списка уведомлений.
const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

// Mailer отправляет письмо.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Delivery — уведомление одному получателю.
type Delivery struct {
	Recipient model.Recipient
	// MessageKey — ключ текста в каталоге i18n
	MessageKey string
	Args       []any
}

// Event — событие, порождающее уведомления.
type Event struct {
	// Type — тип события (model.Event*)
	Type       string
	Deliveries []Delivery
}

// Notifier — рассылка и чтение уведомлений.
type Notifier struct {
	users         repository.UserRepository
	subscriptions repository.SubscriptionRepository
	notifications repository.NotificationRepository
	publisher     push.Publisher
	mailer        Mailer
	bundle        *i18n.Bundle
	lang          string
	logger        *slog.Logger
}

// NewNotifier создаёт сервис уведомлений.
// lang — язык текстов уведомлений.
func NewNotifier(
	stores *Stores,
	publisher push.Publisher,
	mailer Mailer,
	bundle *i18n.Bundle,
	lang string,
	logger *slog.Logger,
) *Notifier {
	return &Notifier{
		users:         stores.Users,
		subscriptions: stores.Subscriptions,
		notifications: stores.Notifications,
		publisher:     publisher,
		mailer:        mailer,
		bundle:        bundle,
		lang:          lang,
		logger:        logger.With(slog.String("component", "notifier")),
	}
}

// Fanout сохраняет уведомления события и доставляет их.
// Возвращает ошибку только если уведомления не сохранены.
func (n *Notifier) Fanout(ctx context.Context, ev Event) error {
	deliveries := mergeDeliveries(ev.Deliveries)
	if len(deliveries) == 0 {
		return nil
	}

	items := make([]model.Notification, 0, len(deliveries))
	for _, d := range deliveries {
		item := model.Notification{
			UserID:    d.Recipient.UserID,
			EventType: ev.Type,
			Message:   n.bundle.Translatef(n.lang, d.MessageKey, d.Args...),
		}
		if d.Recipient.EmailOverride != "" {
			email := d.Recipient.EmailOverride
			item.Email = &email
		}
		items = append(items, item)
	}

	saved, err := n.notifications.InsertBatch(ctx, items)
	if err != nil {
		return fmt.Errorf("сохранение уведомлений %s: %w", ev.Type, err)
	}
	notificationsPersistedTotal.WithLabelValues(ev.Type).Add(float64(len(saved)))

	byUser := make(map[int64]Delivery, len(deliveries))
	for _, d := range deliveries {
		byUser[d.Recipient.UserID] = d
	}
	n.push(ctx, byUser, saved)
	n.email(ctx, byUser, saved)

	n.logger.Debug("Уведомления разосланы",
		slog.String("event_type", ev.Type),
		slog.Int("recipients", len(saved)),
	)
	return nil
}

// push публикует каждое уведомление во все группы получателя.
func (n *Notifier) push(ctx context.Context, byUser map[int64]Delivery, saved []model.Notification) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pushConcurrency)

	for i := range saved {
		d, ok := byUser[saved[i].UserID]
		if !ok {
			continue
		}
		data, err := json.Marshal(saved[i])
		if err != nil {
			n.logger.Warn("Ошибка сериализации уведомления", slog.String("error", err.Error()))
			continue
		}
		msg := push.Message{
			ID:    "n:" + strconv.FormatInt(saved[i].ID, 10),
			Event: pushEvent,
			Data:  data,
		}

		for _, key := range push.ChannelKeys(d.Recipient) {
			g.Go(func() error {
				if err := n.publisher.Publish(gctx, key, msg); err != nil {
					pushFailuresTotal.Inc()
					n.logger.Warn("Ошибка отправки push",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
				}
				return nil
			})
		}
	}

	_ = g.Wait()
}

// email отправляет письма получателям с адресом подписки.
func (n *Notifier) email(ctx context.Context, byUser map[int64]Delivery, saved []model.Notification) {
	subject := n.bundle.Translate(n.lang, "email.notification.subject")
	for i := range saved {
		d, ok := byUser[saved[i].UserID]
		if !ok || d.Recipient.EmailOverride == "" {
			continue
		}
		body := n.bundle.Translatef(n.lang, "email.notification.body", saved[i].Message)
		if err := n.mailer.Send(ctx, d.Recipient.EmailOverride, subject, body); err != nil {
			n.logger.Warn("Ошибка отправки письма уведомления",
				slog.Int64("notification_id", saved[i].ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// mergeDeliveries оставляет одну доставку на пользователя.
// Первая доставка определяет текст; адрес подписки берётся из любой.
func mergeDeliveries(in []Delivery) []Delivery {
	out := make([]Delivery, 0, len(in))
	index := make(map[int64]int, len(in))
	for _, d := range in {
		if d.Recipient.UserID <= 0 {
			continue
		}
		if i, ok := index[d.Recipient.UserID]; ok {
			if out[i].Recipient.EmailOverride == "" {
				out[i].Recipient.EmailOverride = d.Recipient.EmailOverride
			}
			continue
		}
		index[d.Recipient.UserID] = len(out)
		out = append(out, d)
	}
	return out
}

// --- Получатели ---

// admins возвращает доставки всем активным администраторам.
func (n *Notifier) admins(ctx context.Context, key string, args ...any) ([]Delivery, error) {
	users, err := n.users.ListActiveByRole(ctx, rbac.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("получение администраторов: %w", err)
	}
	out := make([]Delivery, 0, len(users))
	for _, u := range users {
		out = append(out, Delivery{Recipient: recipientOf(u), MessageKey: key, Args: args})
	}
	return out, nil
}

// user возвращает доставку одному пользователю.
func (n *Notifier) user(ctx context.Context, userID int64, key string, args ...any) ([]Delivery, error) {
	u, err := n.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение пользователя %d: %w", userID, err)
	}
	if !u.IsActive {
		return nil, nil
	}
	return []Delivery{{Recipient: recipientOf(u), MessageKey: key, Args: args}}, nil
}

// subscribers возвращает доставки подтверждённым подписчикам сообщения
// с адресом подписки.
func (n *Notifier) subscribers(ctx context.Context, disclosureID int64, key string, args ...any) ([]Delivery, error) {
	subs, err := n.subscriptions.ListByDisclosure(ctx, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("получение подписчиков: %w", err)
	}
	out := make([]Delivery, 0, len(subs))
	for _, sub := range subs {
		u, err := n.users.GetByID(ctx, sub.UserID)
		if err != nil {
			return nil, fmt.Errorf("получение подписчика %d: %w", sub.UserID, err)
		}
		if !u.IsActive {
			continue
		}
		r := recipientOf(u)
		r.EmailOverride = sub.Email
		out = append(out, Delivery{Recipient: r, MessageKey: key, Args: args})
	}
	return out, nil
}

// collect объединяет результаты поиска получателей, первая ошибка прерывает.
func collect(parts ...func() ([]Delivery, error)) ([]Delivery, error) {
	var out []Delivery
	for _, p := range parts {
		d, err := p()
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}

// notify выполняет рассылку после фиксации изменения.
// Ошибка рассылки не отменяет уже зафиксированное изменение и только логируется.
func (n *Notifier) notify(ctx context.Context, eventType string, recipients func() ([]Delivery, error)) {
	deliveries, err := recipients()
	if err == nil {
		err = n.Fanout(ctx, Event{Type: eventType, Deliveries: deliveries})
	}
	if err != nil {
		n.logger.Error("Ошибка рассылки уведомлений",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// --- Чтение уведомлений ---

// List возвращает уведомления пользователя.
func (n *Notifier) List(ctx context.Context, actor *model.Actor, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}
	limit, offset = clampPage(limit, offset, defaultNotificationLimit, maxNotificationLimit)
	return n.notifications.List(ctx, actor.ID(), unreadOnly, limit, offset)
}

// UnreadCount возвращает количество непрочитанных уведомлений.
func (n *Notifier) UnreadCount(ctx context.Context, actor *model.Actor) (int, error) {
	if actor == nil || actor.User == nil {
		return 0, ErrUnauthorized
	}
	return n.notifications.UnreadCount(ctx, actor.ID())
}

// MarkRead отмечает уведомление прочитанным.
// Чужое уведомление неотличимо от отсутствующего.
func (n *Notifier) MarkRead(ctx context.Context, actor *model.Actor, id int64) error {
	if actor == nil || actor.User == nil {
		return ErrUnauthorized
	}
	return mapRepoErr(n.notifications.MarkRead(ctx, actor.ID(), id))
}

// MarkAllRead отмечает все уведомления пользователя прочитанными.
func (n *Notifier) MarkAllRead(ctx context.Context, actor *model.Actor) (int64, error) {
	if actor == nil || actor.User == nil {
		return 0, ErrUnauthorized
	}
	return n.notifications.MarkAllRead(ctx, actor.ID())
}
