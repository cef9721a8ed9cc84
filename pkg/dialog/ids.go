package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Генерация идентификаторов диалога. Call-ID строится на UUID, чтобы быть
// глобально уникальным между перезапусками, tag и branch - короткие
// криптослучайные значения.

// GenerateCallID возвращает новый Call-ID вида uuid@host.
func GenerateCallID(host string) string {
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), host)
}

// GenerateTag возвращает новый tag для From/To (8 байт энтропии).
func GenerateTag() string {
	return randomHex(8)
}

// GenerateBranch возвращает branch параметр для Via с обязательным
// magic cookie RFC 3261.
func GenerateBranch() string {
	return "z9hG4bK" + randomHex(8)
}

// GenerateContentID возвращает идентификатор для Content-ID заголовка
// multipart тел (используется в REFER со списком получателей).
func GenerateContentID(domain string) string {
	return fmt.Sprintf("%s@%s", randomHex(6), domain)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand не должен отказывать; fallback на uuid
		return uuid.NewString()[:n*2]
	}
	return hex.EncodeToString(buf)
}
