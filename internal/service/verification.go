// verification.go — одноразовые ссылки подтверждения по email.
//
// Сырой токен уходит только в письмо, в БД хранится его SHA-256.
// Любая неудачная проверка существующего токена увеличивает счётчик попыток,
// причина отказа наружу не раскрывается.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
	"github.com/bigkaa/disclosure-intake/internal/domain/refcode"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/repository"
)

// tokenBytes — длина сырого токена.
const tokenBytes = 32

// Пути подтверждения в ссылках писем.
const (
	confirmEmailPath = "/api/v1/account/email-confirmation/confirm"
	confirmSubPath   = "/api/v1/subscriptions/confirm"
)

// VerificationConfig — параметры токенов подтверждения.
type VerificationConfig struct {
	// TTL — срок действия ссылки
	TTL time.Duration
	// Cooldown — минимальный интервал между письмами одного назначения
	Cooldown time.Duration
	// MaxAttempts — неудачных проверок до блокировки токена
	MaxAttempts int
	// BaseURL — внешний адрес сервиса для ссылок
	BaseURL string
	// Lang — язык писем
	Lang string
}

// VerificationService — подтверждение адреса и подписки на сообщение.
type VerificationService struct {
	stores   *Stores
	uow      UnitOfWork
	mailer   Mailer
	bundle   *i18n.Bundle
	notifier *Notifier
	cfg      VerificationConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewVerificationService создаёт сервис подтверждений.
func NewVerificationService(
	stores *Stores,
	uow UnitOfWork,
	mailer Mailer,
	bundle *i18n.Bundle,
	notifier *Notifier,
	cfg VerificationConfig,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		stores:   stores,
		uow:      uow,
		mailer:   mailer,
		bundle:   bundle,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "verification")),
	}
}

// newToken возвращает сырой токен и его хэш.
func newToken() (string, string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("генерация токена: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// mail — письмо со ссылкой подтверждения.
type mail struct {
	subjectKey  string
	subjectArgs []any
	bodyKey     string
	// bodyArgs дополняется ссылкой и сроком действия
	bodyArgs []any
	link     func(v *model.EmailVerification, raw string) string
}

// issue создаёт токен и отправляет письмо со ссылкой.
// Повторный запрос раньше окончания паузы — *CooldownError.
func (s *VerificationService) issue(ctx context.Context, user *model.User, purpose, email string, m mail) (*model.EmailVerification, error) {
	now := s.now().UTC()

	last, err := s.stores.Verifications.Latest(ctx, user.ID, purpose)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if last != nil {
		if elapsed := now.Sub(last.CreatedAt); elapsed < s.cfg.Cooldown {
			verificationsTotal.WithLabelValues("cooldown").Inc()
			return nil, &CooldownError{RetryAfter: s.cfg.Cooldown - elapsed}
		}
	}

	raw, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	v := &model.EmailVerification{
		UserID:    user.ID,
		TokenHash: hash,
		Purpose:   purpose,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.stores.Verifications.Create(ctx, v); err != nil {
		return nil, err
	}

	subject := s.bundle.Translatef(s.cfg.Lang, m.subjectKey, m.subjectArgs...)
	args := make([]any, 0, len(m.bodyArgs)+2)
	args = append(args, m.bodyArgs...)
	args = append(args, m.link(v, raw), v.ExpiresAt.Format(time.RFC1123))
	body := s.bundle.Translatef(s.cfg.Lang, m.bodyKey, args...)
	if err := s.mailer.Send(ctx, email, subject, body); err != nil {
		// Недоставленная ссылка не должна включать паузу повторной отправки.
		if delErr := s.stores.Verifications.Delete(context.WithoutCancel(ctx), v.ID); delErr != nil {
			s.logger.Warn("Не удалось удалить недоставленный токен",
				slog.Int64("verification_id", v.ID),
				slog.String("error", delErr.Error()),
			)
		}
		verificationsTotal.WithLabelValues("undelivered").Inc()
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	verificationsTotal.WithLabelValues("issued").Inc()
	s.logger.Info("Ссылка подтверждения отправлена",
		slog.Int64("user_id", user.ID),
		slog.String("purpose", purpose),
		slog.Int64("verification_id", v.ID),
	)
	return v, nil
}

// verify проверяет токен. Любая неудача существующего токена
// увеличивает счётчик попыток.
func (s *VerificationService) verify(ctx context.Context, userID, id int64, raw, purpose string) (*model.EmailVerification, error) {
	v, err := s.stores.Verifications.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		verificationsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrTokenRejected
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ok := v.Purpose == purpose &&
		v.UserID == userID &&
		!v.IsConsumed() &&
		!v.IsExpired(now) &&
		v.Attempts < s.cfg.MaxAttempts &&
		subtle.ConstantTimeCompare([]byte(hashToken(raw)), []byte(v.TokenHash)) == 1
	if !ok {
		if err := s.stores.Verifications.IncrementAttempts(ctx, v.ID); err != nil {
			s.logger.Warn("Не удалось учесть попытку подтверждения",
				slog.Int64("verification_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
		verificationsTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("Ссылка подтверждения отклонена",
			slog.Int64("verification_id", v.ID),
			slog.Int64("user_id", userID),
		)
		return nil, ErrTokenRejected
	}
	return v, nil
}

// consume отмечает токен использованным. Токен, использованный
// параллельным запросом, отклоняется.
func consume(ctx context.Context, st *Stores, id int64, at time.Time) error {
	if err := st.Verifications.Consume(ctx, id, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTokenRejected
		}
		return err
	}
	return nil
}

// RequestEmailConfirmation отправляет ссылку подтверждения адреса пользователя.
func (s *VerificationService) RequestEmailConfirmation(ctx context.Context, actor *model.Actor) (*model.EmailVerification, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}
	u := actor.User
	if u.EmailConfirmed {
		return nil, ErrConflict
	}
	if u.Email == "" {
		return nil, fieldError("email", "в справочнике нет адреса электронной почты")
	}

	return s.issue(ctx, u, model.PurposeConfirmEmail, u.Email, mail{
		subjectKey: "email.confirm.subject",
		bodyKey:    "email.confirm.body",
		bodyArgs:   []any{u.DisplayName},
		link: func(v *model.EmailVerification, raw string) string {
			return s.link(confirmEmailPath, v.ID, raw, "")
		},
	})
}

// ConfirmEmail подтверждает адрес пользователя по ссылке.
func (s *VerificationService) ConfirmEmail(ctx context.Context, actor *model.Actor, id int64, token string) error {
	if actor == nil || actor.User == nil {
		return ErrUnauthorized
	}

	v, err := s.verify(ctx, actor.ID(), id, token, model.PurposeConfirmEmail)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	err = s.uow.Do(ctx, func(st *Stores) error {
		if err := consume(ctx, st, v.ID, now); err != nil {
			return err
		}
		return st.Users.ConfirmEmail(ctx, v.UserID, now)
	})
	if err != nil {
		return err
	}

	actor.User.EmailConfirmed = true
	actor.User.EmailConfirmedAt = &now
	verificationsTotal.WithLabelValues("confirmed").Inc()
	s.logger.Info("Адрес электронной почты подтверждён",
		slog.Int64("user_id", v.UserID),
	)
	return nil
}

// Subscribe отправляет ссылку подписки на обновления сообщения.
// Подписаться может автор сообщения или администратор.
func (s *VerificationService) Subscribe(ctx context.Context, actor *model.Actor, disclosureID int64, email string) (*model.EmailVerification, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}

	d, err := s.stores.Disclosures.GetByID(ctx, disclosureID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if d.SubmittedBy != actor.ID() && !rbac.Can(actor.Role, rbac.CapViewAll) {
		if canView(actor, d) {
			return nil, ErrForbidden
		}
		return nil, ErrNotFound
	}

	email = strings.TrimSpace(email)
	if email == "" {
		email = actor.User.Email
	}
	if !govalidator.IsEmail(email) {
		return nil, fieldError("email", "некорректный адрес")
	}

	code := d.ReferenceCode
	return s.issue(ctx, actor.User, model.PurposeSubscribeReportPrefix+code, email, mail{
		subjectKey:  "email.subscribe.subject",
		subjectArgs: []any{code},
		bodyKey:     "email.subscribe.body",
		bodyArgs:    []any{actor.User.DisplayName, code},
		link: func(v *model.EmailVerification, raw string) string {
			return s.link(confirmSubPath, v.ID, raw, code)
		},
	})
}

// ConfirmSubscription подтверждает подписку по ссылке и уведомляет подписчика.
func (s *VerificationService) ConfirmSubscription(ctx context.Context, actor *model.Actor, id int64, token, code string) (*model.ReportSubscription, error) {
	if actor == nil || actor.User == nil {
		return nil, ErrUnauthorized
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if !refcode.Valid(code) {
		verificationsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrTokenRejected
	}

	v, err := s.verify(ctx, actor.ID(), id, token, model.PurposeSubscribeReportPrefix+code)
	if err != nil {
		return nil, err
	}

	d, err := s.stores.Disclosures.GetByReferenceCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTokenRejected
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &model.ReportSubscription{
		DisclosureID: d.ID,
		UserID:       v.UserID,
		Email:        v.Email,
		ConfirmedAt:  now,
	}
	err = s.uow.Do(ctx, func(st *Stores) error {
		if err := consume(ctx, st, v.ID, now); err != nil {
			return err
		}
		return st.Subscriptions.Upsert(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	verificationsTotal.WithLabelValues("confirmed").Inc()
	s.logger.Info("Подписка подтверждена",
		slog.Int64("disclosure_id", d.ID),
		slog.Int64("user_id", v.UserID),
	)

	s.notifier.notify(ctx, model.EventSubscribeReport, func() ([]Delivery, error) {
		out, err := s.notifier.user(ctx, v.UserID, "notify.subscribed", code)
		for i := range out {
			out[i].Recipient.EmailOverride = sub.Email
		}
		return out, err
	})
	return sub, nil
}

// link строит ссылку подтверждения.
func (s *VerificationService) link(path string, id int64, raw, code string) string {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))
	q.Set("token", raw)
	if code != "" {
		q.Set("code", code)
	}
	return s.cfg.BaseURL + path + "?" + q.Encode()
}
