package presence

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// NotifyDispatcher маршрутизирует входящие NOTIFY по пакету событий:
// presence.winfo идет менеджеру watcher-info, presence с анонимным To -
// менеджеру опроса, остальные presence - менеджеру подписки. NOTIFY
// подтверждается 200 OK до обработки тела; уведомления одной подписки
// обрабатываются в порядке получения.
type NotifyDispatcher struct {
	presence *SubscribeManager
	watcher  *SubscribeManager
	fetch    *FetchManager
	deps     Deps
	logger   dialog.StructuredLogger
}

// NewNotifyDispatcher создает диспетчер для менеджеров сервиса.
func NewNotifyDispatcher(deps Deps, presenceSub, watcherSub *SubscribeManager, fetch *FetchManager) *NotifyDispatcher {
	return &NotifyDispatcher{
		presence: presenceSub,
		watcher:  watcherSub,
		fetch:    fetch,
		deps:     deps,
		logger:   deps.logger().WithComponent("notify"),
	}
}

// HandleNotify обрабатывает входящий NOTIFY.
func (d *NotifyDispatcher) HandleNotify(ctx context.Context, notify *sip.Request, tx transaction.ServerTransaction) {
	if err := tx.Respond(d.deps.Factory.CreateResponse(notify, "", int(sip.StatusOK), "OK")); err != nil {
		d.logger.Warn(ctx, "не удалось подтвердить NOTIFY", dialog.Err(err))
	}

	event := eventType(notify)
	switch {
	case event == "presence.winfo":
		if d.watcher != nil {
			d.watcher.ReceiveNotification(ctx, notify)
		}

	case event == "presence" && isAnonymousNotify(notify):
		if d.fetch != nil {
			d.fetch.ReceiveNotification(ctx, notify)
		}

	case event == "presence":
		if d.presence != nil {
			d.presence.ReceiveNotification(ctx, notify)
		}

	default:
		d.logger.Debug(ctx, "NOTIFY неизвестного пакета событий",
			dialog.String("event", event))
	}
}

// eventType возвращает пакет событий NOTIFY без параметров заголовка.
func eventType(notify *sip.Request) string {
	h := notify.GetHeader("Event")
	if h == nil {
		return ""
	}
	value := strings.TrimSpace(h.Value())
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(value)
}

// isAnonymousNotify распознает уведомление анонимного опроса по маркеру
// в To адресе.
func isAnonymousNotify(notify *sip.Request) bool {
	to := notify.To()
	return to != nil && strings.Contains(to.Address.String(), "anonymous")
}
