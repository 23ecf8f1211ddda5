// Пакет push — доставка уведомлений подключённым клиентам в реальном времени.
//
// Получатель адресуется группами (channel keys), выведенными из его
// идентичности: id:<id>, email:<email>, user:<username>. Одна и та же
// функция ChannelKeys используется при сохранении, отправке и подписке.
package push

import (
	"strconv"
	"strings"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// ChannelKeys возвращает ключи групп получателя без повторов.
// Пустые компоненты пропускаются; email и username приводятся к нижнему регистру.
func ChannelKeys(r model.Recipient) []string {
	keys := make([]string, 0, 3)
	seen := make(map[string]bool, 3)

	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	if r.UserID > 0 {
		add("id:" + strconv.FormatInt(r.UserID, 10))
	}
	if email := strings.ToLower(strings.TrimSpace(r.Email)); email != "" {
		add("email:" + email)
	}
	if username := strings.ToLower(strings.TrimSpace(r.Username)); username != "" {
		add("user:" + username)
	}
	return keys
}
