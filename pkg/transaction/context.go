// Package transaction реализует клиентские SIP транзакции поверх
// транспортного слоя: отправка запроса, ожидание финального ответа с
// таймаутом и классификация результата.
package transaction

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Context результат одной клиентской транзакции: исходный запрос и
// финальный ответ, если он был получен до таймаута. Отсутствие ответа
// выражено явно через Received, а не магическим кодом.
type Context struct {
	req *sip.Request
	res *sip.Response

	createdAt   time.Time
	completedAt time.Time
}

func newContext(req *sip.Request) *Context {
	return &Context{req: req, createdAt: time.Now()}
}

func (c *Context) complete(res *sip.Response) {
	c.res = res
	c.completedAt = time.Now()
}

// ID возвращает идентификатор транзакции (Call-ID + CSeq).
func (c *Context) ID() string {
	callID := ""
	if h := c.req.CallID(); h != nil {
		callID = h.Value()
	}
	seq := uint32(0)
	if h := c.req.CSeq(); h != nil {
		seq = h.SeqNo
	}
	return fmt.Sprintf("%s_%d", callID, seq)
}

// Request возвращает отправленный запрос.
func (c *Context) Request() *sip.Request {
	return c.req
}

// Received сообщает, был ли получен финальный ответ.
func (c *Context) Received() bool {
	return c.res != nil
}

// Response возвращает финальный ответ или nil при таймауте.
func (c *Context) Response() *sip.Response {
	return c.res
}

// StatusCode возвращает код финального ответа, 0 при таймауте.
func (c *Context) StatusCode() int {
	if c.res == nil {
		return 0
	}
	return int(c.res.StatusCode)
}

// ReasonPhrase возвращает reason phrase финального ответа.
func (c *Context) ReasonPhrase() string {
	if c.res == nil {
		return ""
	}
	return c.res.Reason
}

// Elapsed возвращает длительность транзакции.
func (c *Context) Elapsed() time.Duration {
	if c.completedAt.IsZero() {
		return time.Since(c.createdAt)
	}
	return c.completedAt.Sub(c.createdAt)
}

// Классификация финальных ответов. Хелперы безопасны при таймауте:
// все возвращают false на отсутствующем ответе.

// IsSuccess сообщает о 2xx ответе.
func (c *Context) IsSuccess() bool {
	code := c.StatusCode()
	return code >= 200 && code < 300
}

// IsAuthChallenge сообщает о 401/407 ответе.
func (c *Context) IsAuthChallenge() bool {
	code := c.StatusCode()
	return code == 401 || code == 407
}

// IsNotFound сообщает о 403/404 ответе - адресат не является
// пользователем IMS.
func (c *Context) IsNotFound() bool {
	code := c.StatusCode()
	return code == 403 || code == 404
}

// IsBusy сообщает о 486 ответе.
func (c *Context) IsBusy() bool {
	return c.StatusCode() == 486
}

// IsDecline сообщает о 603 ответе.
func (c *Context) IsDecline() bool {
	return c.StatusCode() == 603
}
