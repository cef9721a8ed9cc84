package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// ServerTransaction серверная транзакция входящего запроса. Реализуется
// sipgo транзакцией, в тестах - моком.
type ServerTransaction interface {
	// Respond отправляет ответ в рамках транзакции
	Respond(res *sip.Response) error
}

// Responder отправляет ответы вне контекста серверной транзакции
// (например, поздний 487 на INVITE после CANCEL).
type Responder interface {
	WriteResponse(res *sip.Response) error
}
