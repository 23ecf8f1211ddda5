// Пакет rbac — роли пользователей и проверка полномочий на границе действий.
// Итоговая роль = max(роль из IdP, локальная роль из БД).
// Роль можно только повысить, не понизить.
package rbac

import "strings"

// Роли в порядке возрастания привилегий.
const (
	RoleUser     = "user"
	RoleExaminer = "examiner"
	RoleAdmin    = "admin"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleUser:     1,
	RoleExaminer: 2,
	RoleAdmin:    3,
}

// Capability — действие, доступ к которому проверяется по роли.
type Capability string

const (
	// CapSubmit — подача сообщения через мастер.
	CapSubmit Capability = "submit"
	// CapViewAll — просмотр всех сообщений.
	CapViewAll Capability = "view_all"
	// CapViewAssigned — просмотр назначенных сообщений.
	CapViewAssigned Capability = "view_assigned"
	// CapAssign — назначение проверяющего.
	CapAssign Capability = "assign"
	// CapReview — запись результатов проверки.
	CapReview Capability = "review"
	// CapReject — отклонение сообщения.
	CapReject Capability = "reject"
	// CapComment — служебные комментарии.
	CapComment Capability = "comment"
	// CapManageUsers — управление пользователями.
	CapManageUsers Capability = "manage_users"
)

// allCapabilities — полномочия в порядке вывода.
var allCapabilities = []Capability{
	CapSubmit, CapViewAll, CapViewAssigned, CapAssign,
	CapReview, CapReject, CapComment, CapManageUsers,
}

// capabilities — матрица полномочий по ролям.
var capabilities = map[string]map[Capability]bool{
	RoleUser: {
		CapSubmit: true,
	},
	RoleExaminer: {
		CapSubmit:       true,
		CapViewAssigned: true,
		CapAssign:       true,
		CapReview:       true,
		CapComment:      true,
	},
	RoleAdmin: {
		CapSubmit:       true,
		CapViewAll:      true,
		CapViewAssigned: true,
		CapAssign:       true,
		CapReview:       true,
		CapReject:       true,
		CapComment:      true,
		CapManageUsers:  true,
	},
}

// Can проверяет, разрешено ли действие роли.
func Can(role string, c Capability) bool {
	return capabilities[role][c]
}

// Capabilities возвращает полномочия роли. Неизвестная роль — пустой список.
func Capabilities(role string) []Capability {
	out := []Capability{}
	for _, c := range allCapabilities {
		if Can(role, c) {
			out = append(out, c)
		}
	}
	return out
}

// EffectiveRole вычисляет итоговую роль = max(idpRole, localRole).
func EffectiveRole(idpRole, localRole string) string {
	return maxRole(idpRole, localRole)
}

// Outranks — роль a даёт больше привилегий, чем b.
func Outranks(a, b string) bool {
	return roleWeight[a] > roleWeight[b]
}

// Assignable — роль, которой можно назначить проверку сообщения.
// Администратор проверять может, но целью назначения не бывает.
func Assignable(role string) bool {
	return role == RoleExaminer
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// GroupMapping — группы IdP, дающие повышенные роли.
// Группы сравниваются без ведущего "/": Keycloak отдаёт их и именем,
// и полным путём в зависимости от настройки mapper.
type GroupMapping struct {
	Admin    []string
	Examiner []string
}

// Role определяет роль по группам пользователя.
// Без совпадений — RoleUser: любой сотрудник может подать сообщение.
func (m GroupMapping) Role(groups []string) string {
	adminSet := toSet(m.Admin)
	examinerSet := toSet(m.Examiner)

	role := RoleUser
	for _, g := range groups {
		g = strings.TrimPrefix(g, "/")
		if adminSet[g] {
			role = maxRole(role, RoleAdmin)
		}
		if examinerSet[g] {
			role = maxRole(role, RoleExaminer)
		}
	}
	return role
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[strings.TrimPrefix(item, "/")] = true
	}
	return s
}
