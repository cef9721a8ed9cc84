package presence

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// AddressBook хуки мониторинга адресной книги. Пакетный опрос
// приостанавливает мониторинг на время работы, иначе записи в кэш
// породили бы новые проверки.
type AddressBook interface {
	PauseMonitoring()
	ResumeMonitoring()
}

// FetchManager выполняет анонимный опрос возможностей контактов:
// одноразовый SUBSCRIBE с Expires: 0 от анонимной идентичности,
// результат приходит асинхронным NOTIFY и оседает в кэше.
type FetchManager struct {
	deps    Deps
	cache   *capability.Cache
	logger  dialog.StructuredLogger
	metrics *transaction.Metrics
}

// NewFetchManager создает менеджер анонимного опроса.
func NewFetchManager(deps Deps, cache *capability.Cache) *FetchManager {
	return &FetchManager{
		deps:    deps,
		cache:   cache,
		logger:  deps.logger().WithComponent("fetch"),
		metrics: transaction.GetMetrics(),
	}
}

// Cache возвращает кэш возможностей.
func (m *FetchManager) Cache() *capability.Cache {
	return m.cache
}

// RequestCapabilities возвращает возможности контакта из кэша и при
// отсутствии или устаревании записи запускает анонимный опрос. Свежая
// запись опрос не порождает.
func (m *FetchManager) RequestCapabilities(ctx context.Context, contact string) (capability.Capabilities, bool) {
	caps, ok := m.cache.Get(contact)
	if m.cache.IsFresh(contact, m.deps.Config.CapabilityRefresh()) {
		return caps, ok
	}
	m.fetchOne(ctx, contact)
	return caps, ok
}

// RequestCapabilitiesBatch опрашивает список контактов. Мониторинг
// адресной книги приостанавливается на время пакета и возобновляется
// безусловно, включая панику обработчика. Контакты со свежими записями
// пропускаются, на каждый устаревший уходит не больше одного SUBSCRIBE.
func (m *FetchManager) RequestCapabilitiesBatch(ctx context.Context, contacts []string, book AddressBook) {
	if book != nil {
		book.PauseMonitoring()
		defer book.ResumeMonitoring()
	}

	for _, contact := range contacts {
		if ctx.Err() != nil {
			return
		}
		if m.cache.IsFresh(contact, m.deps.Config.CapabilityRefresh()) {
			m.logger.Debug(ctx, "запись свежая, опрос не нужен",
				dialog.String("contact", contact))
			continue
		}
		m.fetchOne(ctx, contact)
	}
}

// fetchOne выполняет одноразовый SUBSCRIBE для контакта. Каждый опрос
// идет в собственном диалоге от анонимной идентичности с собственным
// агентом аутентификации.
func (m *FetchManager) fetchOne(ctx context.Context, contact string) {
	path := dialog.NewOriginatingPath(
		m.deps.Transport.GenerateCallID(), 1,
		contact, m.deps.Profile.AnonymousURI(), contact,
		m.deps.Transport.ServiceRoutePath())
	agent := auth.NewAgent(m.deps.Profile, m.deps.Logger)

	tctx, err := auth.ExecuteWithRetry(ctx, m.deps.Executor, agent, path, func() (*sip.Request, error) {
		return m.buildFetchSubscribe(path)
	}, 0, nil)
	if err != nil {
		// Транспорт или аутентификация: данные не обновились, но отметка
		// времени сдвигается, чтобы не молотить повторными опросами
		m.cache.Touch(contact)
		m.metrics.ObserveFetch("error")
		m.logger.LogError(ctx, err, "анонимный опрос не удался",
			dialog.String("contact", contact))
		return
	}

	switch {
	case tctx.IsSuccess():
		// Возможности придут асинхронным NOTIFY
		m.metrics.ObserveFetch("accepted")
		m.logger.Debug(ctx, "анонимный опрос принят",
			dialog.String("contact", contact))

	case tctx.IsNotFound():
		// Не абонент IMS: фиксируем пустой набор со свежей отметкой,
		// повторные опросы несуществующего пользователя троттлятся
		m.cache.Put(contact, capability.Capabilities{})
		m.metrics.ObserveFetch("not_found")
		m.logger.Info(ctx, "контакт не является абонентом IMS",
			dialog.String("contact", contact),
			dialog.Int("status", tctx.StatusCode()))

	default:
		// Прочие отказы и таймаут: старые данные сохраняются
		m.cache.Touch(contact)
		m.metrics.ObserveFetch("failure")
		m.logger.Warn(ctx, "анонимный опрос отклонен",
			dialog.String("contact", contact),
			dialog.Int("status", tctx.StatusCode()))
	}
}

func (m *FetchManager) buildFetchSubscribe(path *dialog.DialogPath) (*sip.Request, error) {
	req, err := m.deps.Factory.CreateSubscribe(path, 0)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Accept", "application/pidf+xml"))
	req.AppendHeader(sip.NewHeader("Privacy", "id"))
	return req, nil
}

// ReceiveNotification обрабатывает NOTIFY анонимного опроса: PIDF тело
// превращается в запись кэша. Пустое тело означает контакта без RCS
// возможностей.
func (m *FetchManager) ReceiveNotification(ctx context.Context, notify *sip.Request) {
	caps, entity, err := ParseCapabilities(notify.Body())
	if err != nil {
		m.logger.LogError(ctx, err, "NOTIFY с нечитаемым PIDF телом")
		return
	}

	contact := entity
	if contact == "" {
		// Пустое тело: presentity берем из From уведомления
		if from := notify.From(); from != nil {
			contact = from.Address.String()
		}
	}
	if contact == "" {
		m.logger.Warn(ctx, "NOTIFY без presentity игнорируется")
		return
	}

	m.cache.Put(contact, caps)
	m.logger.Debug(ctx, "возможности контакта обновлены",
		dialog.String("contact", contact),
		dialog.Bool("supported", caps.Supported()))
}
