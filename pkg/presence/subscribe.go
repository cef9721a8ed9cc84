package presence

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// Transport минимальный срез транспортного слоя, нужный presence
// процедурам для создания диалогов.
type Transport interface {
	// GenerateCallID возвращает новый Call-ID
	GenerateCallID() string
	// ServiceRoutePath возвращает маршрутный набор к домашней сети
	ServiceRoutePath() []string
}

// Deps общие зависимости presence процедур.
type Deps struct {
	Config    *config.StackConfig
	Profile   *config.UserProfile
	Transport Transport
	Executor  *transaction.Executor
	Factory   *message.Factory
	Logger    dialog.StructuredLogger
}

func (d Deps) logger() dialog.StructuredLogger {
	if d.Logger == nil {
		return dialog.GetDefaultLogger()
	}
	return d.Logger
}

// eventPackage параметры пакета событий одного менеджера подписки.
type eventPackage struct {
	// Значение Event заголовка (presence, presence.winfo)
	event string
	// Значение Accept заголовка
	accept string
	// Значение Supported заголовка, пустое - заголовок не добавляется
	supported string
}

// NotifyHandler обрабатывает тело NOTIFY подписки.
type NotifyHandler func(ctx context.Context, notify *sip.Request)

// SubscribeManager ведет одну долгоживущую подписку: состояние
// subscribed, диалог подписки и повтор после challenge. Каждый менеджер
// владеет собственным агентом аутентификации.
type SubscribeManager struct {
	deps  Deps
	pkg   eventPackage
	agent *auth.Agent

	// Presentity подписки (To/Request-URI)
	presentity string
	onNotify   NotifyHandler

	logger dialog.StructuredLogger

	mu           sync.Mutex
	path         *dialog.DialogPath
	subscribed   bool
	expirePeriod int
}

// NewPresenceSubscribeManager создает менеджер подписки на presence
// список пользователя (eventlist подписка на pres-list=rcs).
func NewPresenceSubscribeManager(deps Deps, onNotify NotifyHandler) *SubscribeManager {
	return newSubscribeManager(deps, eventPackage{
		event:     "presence",
		accept:    "application/pidf+xml,application/rlmi+xml,multipart/related",
		supported: "eventlist",
	}, deps.Profile.PublicURI+";pres-list=rcs", onNotify)
}

// NewWatcherInfoSubscribeManager создает менеджер подписки на
// watcher-info события.
func NewWatcherInfoSubscribeManager(deps Deps, onNotify NotifyHandler) *SubscribeManager {
	return newSubscribeManager(deps, eventPackage{
		event:  "presence.winfo",
		accept: "application/watcherinfo+xml",
	}, deps.Profile.PublicURI, onNotify)
}

func newSubscribeManager(deps Deps, pkg eventPackage, presentity string, onNotify NotifyHandler) *SubscribeManager {
	return &SubscribeManager{
		deps:         deps,
		pkg:          pkg,
		agent:        auth.NewAgent(deps.Profile, deps.Logger),
		presentity:   presentity,
		onNotify:     onNotify,
		logger:       deps.logger().WithComponent("subscribe." + pkg.event),
		expirePeriod: deps.Config.SubscribeExpirePeriod,
	}
}

// IsSubscribed сообщает текущее состояние подписки.
func (m *SubscribeManager) IsSubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// Event возвращает пакет событий менеджера.
func (m *SubscribeManager) Event() string {
	return m.pkg.event
}

// Subscribe выполняет или продлевает подписку. Диалог подписки
// создается при первом вызове и переиспользуется для продлений.
func (m *SubscribeManager) Subscribe(ctx context.Context) error {
	m.mu.Lock()
	if m.path == nil {
		m.path = dialog.NewOriginatingPath(
			m.deps.Transport.GenerateCallID(), 1,
			m.presentity, m.deps.Profile.PublicURI, m.presentity,
			m.deps.Transport.ServiceRoutePath())
	} else {
		m.path.NextCSeq()
	}
	path := m.path
	expires := m.expirePeriod
	m.mu.Unlock()

	tctx, err := auth.ExecuteWithRetry(ctx, m.deps.Executor, m.agent, path, func() (*sip.Request, error) {
		return m.buildSubscribe(path, expires)
	}, 0, nil)
	if err != nil {
		m.setSubscribed(false)
		return err
	}

	switch {
	case tctx.IsSuccess():
		m.completeSubscription(ctx, tctx.Response(), expires)
		return nil

	case tctx.StatusCode() == int(sip.StatusIntervalToBrief):
		// Сервер требует больший период: повторяем с Min-Expires
		minExpires := headerInt(tctx.Response(), "Min-Expires")
		if minExpires <= expires {
			m.setSubscribed(false)
			return dialog.ErrSubscribeFailed(m.pkg.event, tctx.ReasonPhrase()).WithCallID(path.CallID())
		}
		m.mu.Lock()
		m.expirePeriod = minExpires
		m.mu.Unlock()
		path.NextCSeq()

		tctx, err = auth.ExecuteWithRetry(ctx, m.deps.Executor, m.agent, path, func() (*sip.Request, error) {
			return m.buildSubscribe(path, minExpires)
		}, 0, nil)
		if err != nil {
			m.setSubscribed(false)
			return err
		}
		if !tctx.IsSuccess() {
			m.setSubscribed(false)
			return dialog.ErrSubscribeFailed(m.pkg.event, tctx.ReasonPhrase()).WithCallID(path.CallID())
		}
		m.completeSubscription(ctx, tctx.Response(), minExpires)
		return nil

	default:
		m.setSubscribed(false)
		return dialog.ErrSubscribeFailed(m.pkg.event, tctx.ReasonPhrase()).WithCallID(path.CallID())
	}
}

// Unsubscribe снимает подписку через SUBSCRIBE с Expires: 0. Состояние
// сбрасывается независимо от исхода транзакции.
func (m *SubscribeManager) Unsubscribe(ctx context.Context) {
	m.mu.Lock()
	if !m.subscribed || m.path == nil {
		m.mu.Unlock()
		return
	}
	m.subscribed = false
	path := m.path
	m.mu.Unlock()

	path.NextCSeq()
	if _, err := auth.ExecuteWithRetry(ctx, m.deps.Executor, m.agent, path, func() (*sip.Request, error) {
		return m.buildSubscribe(path, 0)
	}, 0, nil); err != nil {
		m.logger.Warn(ctx, "снятие подписки не доставлено",
			dialog.String("event", m.pkg.event), dialog.Err(err))
	}
}

// CheckSubscription восстанавливает подписку, если она не активна.
// Вызывается периодической проверкой.
func (m *SubscribeManager) CheckSubscription(ctx context.Context) {
	if m.IsSubscribed() {
		return
	}
	m.logger.Info(ctx, "подписка не активна, восстанавливаем",
		dialog.String("event", m.pkg.event))
	if err := m.Subscribe(ctx); err != nil {
		m.logger.LogError(ctx, err, "восстановление подписки не удалось",
			dialog.String("event", m.pkg.event))
	}
}

// ReceiveNotification обрабатывает NOTIFY подписки: чужие уведомления
// (не наш Call-ID) игнорируются, Subscription-State: terminated
// сбрасывает состояние, тело передается обработчику.
func (m *SubscribeManager) ReceiveNotification(ctx context.Context, notify *sip.Request) {
	if !m.ownsNotify(notify) {
		m.logger.Debug(ctx, "NOTIFY чужой подписки игнорируется",
			dialog.String("event", m.pkg.event))
		return
	}

	if state := notify.GetHeader("Subscription-State"); state != nil &&
		strings.HasPrefix(strings.ToLower(state.Value()), "terminated") {
		m.setSubscribed(false)
		m.logger.Info(ctx, "подписка завершена сервером",
			dialog.String("event", m.pkg.event))
	}

	if m.onNotify != nil {
		m.onNotify(ctx, notify)
	}
}

func (m *SubscribeManager) ownsNotify(notify *sip.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == nil {
		return false
	}
	cid := notify.CallID()
	return cid != nil && cid.Value() == m.path.CallID()
}

func (m *SubscribeManager) buildSubscribe(path *dialog.DialogPath, expires int) (*sip.Request, error) {
	req, err := m.deps.Factory.CreateSubscribe(path, expires)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Event", m.pkg.event))
	req.AppendHeader(sip.NewHeader("Accept", m.pkg.accept))
	if m.pkg.supported != "" {
		req.AppendHeader(sip.NewHeader("Supported", m.pkg.supported))
	}
	return req, nil
}

func (m *SubscribeManager) completeSubscription(ctx context.Context, res *sip.Response, requested int) {
	granted := headerInt(res, "Expires")
	if granted <= 0 {
		granted = requested
	}

	m.mu.Lock()
	m.subscribed = true
	m.expirePeriod = granted
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			m.path.SetRemoteTag(tag)
		}
	}
	m.mu.Unlock()

	m.logger.Info(ctx, "подписка активна",
		dialog.String("event", m.pkg.event),
		dialog.Int("expires", granted))
}

func (m *SubscribeManager) setSubscribed(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = v
}

// headerInt читает целочисленное значение заголовка ответа, 0 при
// отсутствии или мусоре.
func headerInt(res *sip.Response, name string) int {
	h := res.GetHeader(name)
	if h == nil {
		return 0
	}
	value := strings.TrimSpace(h.Value())
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// RunPeriodicCheck запускает периодическую проверку подписок до отмены
// контекста. Используется presence сервисом.
func RunPeriodicCheck(ctx context.Context, interval time.Duration, managers ...*SubscribeManager) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range managers {
				m.CheckSubscription(ctx)
			}
		}
	}
}
