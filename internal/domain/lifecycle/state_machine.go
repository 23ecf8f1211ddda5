// Пакет lifecycle — конечный автомат статусов сообщения (disclosure).
//
// Основной путь: New → Assigned → InReview → Completed.
// Rejected достижим из любого нетерминального статуса.
// Completed и Rejected — терминальные, переходы из них запрещены.
//
// Автомат не хранит состояние: текущий статус читается из БД под блокировкой
// строки, следующий вычисляется функцией Next.
package lifecycle

import (
	"fmt"
	"strings"
)

// Status — статус сообщения.
type Status string

const (
	// StatusNew — создано при фиксации мастера, проверяющий не назначен
	StatusNew Status = "New"
	// StatusAssigned — назначен проверяющий
	StatusAssigned Status = "Assigned"
	// StatusInReview — проверяющий внёс заметки, результат или отчёт
	StatusInReview Status = "InReview"
	// StatusCompleted — проверка завершена (терминальный)
	StatusCompleted Status = "Completed"
	// StatusRejected — отклонено/отменено (терминальный)
	StatusRejected Status = "Rejected"
)

// Event — событие, инициирующее переход.
type Event string

const (
	EventAssign   Event = "assign"
	EventReview   Event = "review"
	EventComplete Event = "complete"
	EventReject   Event = "reject"
)

// transitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — событие → целевой статус.
var transitions = map[Status]map[Event]Status{
	StatusNew: {
		EventAssign: StatusAssigned,
		EventReject: StatusRejected,
	},
	StatusAssigned: {
		EventAssign: StatusAssigned, // переназначение
		EventReview: StatusInReview,
		EventReject: StatusRejected,
	},
	StatusInReview: {
		EventReview:   StatusInReview, // повторная запись результатов
		EventComplete: StatusCompleted,
		EventReject:   StatusRejected,
	},
	StatusCompleted: {},
	StatusRejected:  {},
}

// Next вычисляет статус после события.
// Возвращает *TransitionError, если переход недопустим.
func Next(from Status, ev Event) (Status, error) {
	events, ok := transitions[from]
	if !ok {
		return "", &TransitionError{
			Code:    "INVALID_STATUS",
			Message: fmt.Sprintf("неизвестный статус: %q", from),
		}
	}

	to, ok := events[ev]
	if !ok {
		return "", &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("событие %s недопустимо в статусе %s", ev, from),
		}
	}
	return to, nil
}

// CanTransition проверяет, допустимо ли событие в статусе.
func CanTransition(from Status, ev Event) bool {
	_, err := Next(from, ev)
	return err == nil
}

// IsTerminal проверяет, является ли статус терминальным.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusRejected
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, INVALID_STATUS)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// isValidStatus проверяет, является ли строка допустимым статусом.
func isValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !isValidStatus(st) {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: New, Assigned, InReview, Completed, Rejected", s)
	}
	return st, nil
}

// ReviewOutcome — результат проверки, записываемый в FinalReview.
type ReviewOutcome string

const (
	// OutcomePending — проверка идёт, решение не принято
	OutcomePending ReviewOutcome = "Pending"
	// OutcomeSubstantiated — факты подтверждены
	OutcomeSubstantiated ReviewOutcome = "Substantiated"
	// OutcomeUnsubstantiated — факты не подтверждены
	OutcomeUnsubstantiated ReviewOutcome = "Unsubstantiated"
	// OutcomeInconclusive — недостаточно данных для вывода
	OutcomeInconclusive ReviewOutcome = "Inconclusive"
)

// IsFinal сообщает, что результат окончательный и сообщение переходит в Completed.
func (o ReviewOutcome) IsFinal() bool {
	switch o {
	case OutcomeSubstantiated, OutcomeUnsubstantiated, OutcomeInconclusive:
		return true
	default:
		return false
	}
}

// ParseOutcome преобразует строку в ReviewOutcome (без учёта регистра).
// Пустая строка допустима и означает «результат не меняется».
func ParseOutcome(s string) (ReviewOutcome, error) {
	if s == "" {
		return "", nil
	}
	for _, o := range []ReviewOutcome{OutcomePending, OutcomeSubstantiated, OutcomeUnsubstantiated, OutcomeInconclusive} {
		if strings.EqualFold(string(o), s) {
			return o, nil
		}
	}
	return "", fmt.Errorf("недопустимый результат проверки: %q", s)
}
