package auth

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// ExecuteWithRetry выполняет транзакцию с обработкой digest challenge:
// первый запрос уходит с авторизацией только если агент уже владеет
// challenge'ем; на 401/407 ответ challenge читается, CSeq диалога
// инкрементируется, запрос перестраивается build'ом и отправляется
// повторно ровно один раз. Повторный 401/407 означает неверные
// учетные данные и завершается ошибкой AUTHENTICATION_FAILED.
func ExecuteWithRetry(
	ctx context.Context,
	exec *transaction.Executor,
	agent *Agent,
	path *dialog.DialogPath,
	build func() (*sip.Request, error),
	timeout time.Duration,
	onProvisional func(*sip.Response),
) (*transaction.Context, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	if err := agent.Attach(req); err != nil {
		return nil, err
	}

	tctx, err := exec.ExecuteWithTimeout(ctx, req, timeout, onProvisional)
	if err != nil {
		return nil, err
	}
	if !tctx.IsAuthChallenge() {
		return tctx, nil
	}

	// Challenge: перечитываем параметры и повторяем с новым CSeq
	if err := agent.ReadChallenge(tctx.Response()); err != nil {
		return nil, err
	}
	path.NextCSeq()

	retry, err := build()
	if err != nil {
		return nil, err
	}
	if err := agent.Attach(retry); err != nil {
		return nil, err
	}
	transaction.GetMetrics().IncAuthRetry()

	tctx, err = exec.ExecuteWithTimeout(ctx, retry, timeout, onProvisional)
	if err != nil {
		return nil, err
	}
	if tctx.IsAuthChallenge() {
		return nil, dialog.ErrAuthenticationFailed(string(retry.Method), tctx.StatusCode()).
			WithCallID(path.CallID())
	}
	return tctx, nil
}
