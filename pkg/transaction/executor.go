package transaction

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog"
)

// ClientTransaction низкоуровневая клиентская транзакция транспортного
// слоя. Реализуется sipgo транзакцией, в тестах - моком.
type ClientTransaction interface {
	// Responses канал ответов транзакции, включая провизорные
	Responses() <-chan *sip.Response
	// Err ошибка транзакции после закрытия канала
	Err() error
	// Terminate досрочно завершает транзакцию
	Terminate()
}

// Sender отправляет запросы: транзакционные через TransactionRequest,
// внетранзакционные (ACK) через WriteRequest.
type Sender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (ClientTransaction, error)
	WriteRequest(req *sip.Request) error
}

// Executor политика выполнения транзакций: отправить запрос, дождаться
// финального ответа или таймаута. Поздние ответы, пришедшие после
// таймаута, не доставляются никому - транзакция принудительно
// завершается.
type Executor struct {
	sender  Sender
	timeout time.Duration
	logger  dialog.StructuredLogger
	metrics *Metrics
}

// NewExecutor создает executor с таймаутом по умолчанию для всех
// транзакций.
func NewExecutor(sender Sender, timeout time.Duration, logger dialog.StructuredLogger) *Executor {
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		sender:  sender,
		timeout: timeout,
		logger:  logger.WithComponent("transaction"),
		metrics: GetMetrics(),
	}
}

// Execute отправляет запрос и ждет финальный ответ с таймаутом по
// умолчанию.
func (e *Executor) Execute(ctx context.Context, req *sip.Request) (*Context, error) {
	return e.ExecuteWithTimeout(ctx, req, e.timeout, nil)
}

// Write отправляет запрос без открытия транзакции. Используется для
// ACK: он не порождает собственной транзакции и не ждет ответа.
func (e *Executor) Write(req *sip.Request) error {
	if err := e.sender.WriteRequest(req); err != nil {
		return dialog.ErrTransportFailure(string(req.Method), err)
	}
	return nil
}

// Timeout возвращает таймаут по умолчанию.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// ExecuteWithTimeout отправляет запрос и ждет финальный ответ не дольше
// timeout (неположительное значение - таймаут по умолчанию). Провизорные
// ответы передаются в onProvisional (если задан) и не завершают
// ожидание. Возвращаемый Context при таймауте не содержит ответа; ошибка
// возвращается только при отказе транспорта.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*Context, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	tctx := newContext(req)
	method := string(req.Method)

	tx, err := e.sender.TransactionRequest(ctx, req)
	if err != nil {
		e.metrics.ObserveTransaction(method, "transport_error", tctx.Elapsed())
		return nil, dialog.ErrTransportFailure(method, err)
	}
	defer tx.Terminate()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				// Транзакция закрыта транспортом без финального ответа
				if txErr := tx.Err(); txErr != nil {
					e.metrics.ObserveTransaction(method, "transport_error", tctx.Elapsed())
					return nil, dialog.ErrTransportFailure(method, txErr)
				}
				tctx.complete(nil)
				e.metrics.ObserveTransaction(method, "timeout", tctx.Elapsed())
				return tctx, nil
			}
			if res.StatusCode < 200 {
				e.logger.Debug(ctx, "провизорный ответ",
					dialog.String("method", method),
					dialog.Int("status", int(res.StatusCode)))
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			tctx.complete(res)
			e.metrics.ObserveTransaction(method, outcomeLabel(int(res.StatusCode)), tctx.Elapsed())
			return tctx, nil

		case <-timer.C:
			// Таймаут: транзакция будет завершена, поздний ответ
			// никому не доставляется
			tctx.complete(nil)
			e.logger.Warn(ctx, "таймаут транзакции",
				dialog.String("method", method),
				dialog.Duration("timeout", timeout))
			e.metrics.ObserveTransaction(method, "timeout", tctx.Elapsed())
			return tctx, nil

		case <-ctx.Done():
			e.metrics.ObserveTransaction(method, "canceled", tctx.Elapsed())
			return nil, dialog.ErrTransportFailure(method, ctx.Err())
		}
	}
}

func outcomeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == 401 || code == 407:
		return "auth_challenge"
	default:
		return "failure"
	}
}
