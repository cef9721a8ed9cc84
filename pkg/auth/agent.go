// Package auth реализует HTTP Digest аутентификацию SIP запросов:
// разбор challenge из 401/407 ответов и установку Authorization /
// Proxy-Authorization заголовков на повторный запрос.
package auth

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

// Agent хранит последний полученный challenge и строит ответ на него.
// Каждый диалог/процедура владеет собственным агентом: nonce счетчик
// привязан к challenge и не разделяется между диалогами.
type Agent struct {
	mu sync.Mutex

	profile *config.UserProfile
	logger  dialog.StructuredLogger

	challenge *digest.Challenge
	// Имя заголовка для ответа: Proxy-Authorization после 407,
	// Authorization после 401
	headerName string
	// Счетчик использований nonce (nc)
	count int
}

// NewAgent создает агента для профиля пользователя.
func NewAgent(profile *config.UserProfile, logger dialog.StructuredLogger) *Agent {
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}
	return &Agent{
		profile: profile,
		logger:  logger.WithComponent("auth"),
	}
}

// HasChallenge сообщает, получен ли уже challenge.
func (a *Agent) HasChallenge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge != nil
}

// ReadChallenge извлекает challenge из 401/407 ответа. Отсутствие
// challenge заголовка - ошибка NO_CHALLENGE_HEADER: повтор без новых
// учетных данных бессмыслен.
func (a *Agent) ReadChallenge(res *sip.Response) error {
	var raw string
	headerName := "Proxy-Authorization"

	if h := res.GetHeader("Proxy-Authenticate"); h != nil {
		raw = h.Value()
	} else if h := res.GetHeader("WWW-Authenticate"); h != nil {
		raw = h.Value()
		headerName = "Authorization"
	} else {
		return dialog.ErrNoChallengeHeader(int(res.StatusCode))
	}

	chal, err := digest.ParseChallenge(raw)
	if err != nil {
		return dialog.ErrNoChallengeHeader(int(res.StatusCode)).WithCause(err)
	}

	a.mu.Lock()
	a.challenge = chal
	a.headerName = headerName
	a.count = 0
	a.mu.Unlock()

	a.logger.Debug(context.Background(), "challenge получен",
		dialog.String("realm", chal.Realm),
		dialog.String("header", headerName))
	return nil
}

// Attach вычисляет digest ответ и устанавливает авторизационный заголовок
// на запрос. Если challenge еще не получен, запрос не изменяется (первая
// отправка всегда идет без авторизации). Существующий заголовок
// заменяется, а не дублируется: у запроса ровно один авторизационный
// заголовок каждого типа.
func (a *Agent) Attach(req *sip.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return nil
	}
	if !a.profile.HasCredentials() {
		return dialog.ErrCredentialsUnavailable("профиль без приватной идентичности или пароля")
	}

	a.count++
	cred, err := digest.Digest(a.challenge, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Count:    a.count,
		Username: a.profile.PrivateID,
		Password: a.profile.Password,
	})
	if err != nil {
		a.count--
		return dialog.ErrCredentialsUnavailable("digest вычисление не удалось").WithCause(err)
	}

	req.ReplaceHeader(sip.NewHeader(a.headerName, cred.String()))
	return nil
}

// Reset сбрасывает сохраненный challenge (новая независимая процедура в
// том же диалоге).
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenge = nil
	a.headerName = ""
	a.count = 0
}
