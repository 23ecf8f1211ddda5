// Пакет refcode — генерация человекочитаемых кодов сообщений.
// Формат: фиксированный префикс + 8 символов из алфавита A–Z0–9 (36^8 вариантов).
package refcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

const (
	// Prefix — фиксированный префикс кода.
	Prefix = "DISC-"
	// SuffixLength — длина случайной части.
	SuffixLength = 8
	// alphabet — 36 символов случайной части.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var pattern = regexp.MustCompile(`^DISC-[A-Z0-9]{8}$`)

// New генерирует новый код криптографически стойким генератором.
func New() (string, error) {
	buf := make([]byte, SuffixLength)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("генерация кода сообщения: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return Prefix + string(buf), nil
}

// Valid проверяет формат кода.
func Valid(code string) bool {
	return pattern.MatchString(code)
}
