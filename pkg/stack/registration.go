package stack

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// RegistrationManager ведет процедуру регистрации в IMS сети: REGISTER
// с feature tag'ами сервисов, захват Service-Route маршрута из 200 OK,
// периодическое переоформление и снятие регистрации. Все REGISTER'ы
// одного цикла идут в одном диалоге.
type RegistrationManager struct {
	stack  *Stack
	agent  *auth.Agent
	logger dialog.StructuredLogger

	mu           sync.Mutex
	path         *dialog.DialogPath
	registered   bool
	expirePeriod int
	featureTags  []string
}

// NewRegistrationManager создает менеджер регистрации.
func NewRegistrationManager(s *Stack, featureTags []string) *RegistrationManager {
	return &RegistrationManager{
		stack:        s,
		agent:        auth.NewAgent(s.profile, s.logger),
		logger:       s.logger.WithComponent("registration"),
		expirePeriod: s.cfg.RegisterExpirePeriod,
		featureTags:  featureTags,
	}
}

// IsRegistered сообщает, действует ли регистрация.
func (m *RegistrationManager) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

func (m *RegistrationManager) registrationPath() *dialog.DialogPath {
	if m.path == nil {
		target := "sip:" + m.stack.profile.HomeDomain
		m.path = dialog.NewOriginatingPath(
			m.stack.GenerateCallID(), 1,
			target, m.stack.profile.PublicURI, m.stack.profile.PublicURI,
			nil)
	}
	return m.path
}

// Register выполняет регистрацию. На 423 Interval Too Brief период
// поднимается до Min-Expires и запрос повторяется один раз.
func (m *RegistrationManager) Register(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tctx, err := m.doRegister(ctx, m.expirePeriod)
	if err != nil {
		return err
	}

	if tctx.StatusCode() == int(sip.StatusIntervalToBrief) {
		minExpires := headerInt(tctx.Response(), "Min-Expires")
		if minExpires <= 0 {
			return dialog.ErrUnexpectedResponse("REGISTER", tctx.StatusCode(), "нет Min-Expires").
				WithCallID(m.path.CallID())
		}
		m.expirePeriod = minExpires
		m.path.NextCSeq()
		tctx, err = m.doRegister(ctx, m.expirePeriod)
		if err != nil {
			return err
		}
	}

	if !tctx.Received() {
		return dialog.ErrTransactionTimeout("REGISTER", m.stack.exec.Timeout()).
			WithCallID(m.path.CallID())
	}
	if !tctx.IsSuccess() {
		return dialog.ErrUnexpectedResponse("REGISTER", tctx.StatusCode(), tctx.ReasonPhrase()).
			WithCallID(m.path.CallID())
	}

	m.complete(tctx.Response())
	m.logger.Info(ctx, "регистрация выполнена",
		dialog.String("call_id", m.path.CallID()),
		dialog.Int("expires", m.expirePeriod))
	return nil
}

// doRegister отправляет один REGISTER с auth retry. Вызывается под
// m.mu.
func (m *RegistrationManager) doRegister(ctx context.Context, expires int) (*transaction.Context, error) {
	path := m.registrationPath()
	return auth.ExecuteWithRetry(ctx, m.stack.exec, m.agent, path, func() (*sip.Request, error) {
		return m.stack.factory.CreateRegister(path, m.featureTags, expires)
	}, 0, nil)
}

// complete фиксирует успешную регистрацию: период из ответа,
// Service-Route маршрут для последующих диалогов.
func (m *RegistrationManager) complete(res *sip.Response) {
	m.registered = true

	if expires := registeredExpires(res); expires > 0 {
		m.expirePeriod = expires
	}

	var routes []string
	for _, h := range res.GetHeaders("Service-Route") {
		routes = append(routes, h.Value())
	}
	m.stack.setServiceRoutePath(routes)
}

// Unregister снимает регистрацию (REGISTER с Expires: 0). Флаг
// регистрации сбрасывается независимо от исхода.
func (m *RegistrationManager) Unregister(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered {
		return nil
	}
	m.registered = false
	m.stack.setServiceRoutePath(nil)
	m.path.NextCSeq()

	tctx, err := m.doRegister(ctx, 0)
	if err != nil {
		return err
	}
	if !tctx.IsSuccess() {
		return dialog.ErrUnexpectedResponse("REGISTER", tctx.StatusCode(), tctx.ReasonPhrase()).
			WithCallID(m.path.CallID())
	}
	m.logger.Info(ctx, "регистрация снята", dialog.String("call_id", m.path.CallID()))
	return nil
}

// RunPeriodicRefresh переоформляет регистрацию на половине периода до
// отмены контекста. Неудачное переоформление повторяется через минуту.
func (m *RegistrationManager) RunPeriodicRefresh(ctx context.Context) {
	for {
		m.mu.Lock()
		period := time.Duration(m.expirePeriod) * time.Second / 2
		registered := m.registered
		m.mu.Unlock()
		if !registered {
			return
		}
		if period <= 0 {
			period = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}

		m.mu.Lock()
		if !m.registered {
			m.mu.Unlock()
			return
		}
		m.path.NextCSeq()
		m.mu.Unlock()

		if err := m.Register(ctx); err != nil {
			m.logger.LogError(ctx, err, "переоформление регистрации не удалось")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
		}
	}
}

// registeredExpires извлекает действующий период регистрации: сперва
// параметр expires нашего Contact, затем заголовок Expires.
func registeredExpires(res *sip.Response) int {
	for _, h := range res.GetHeaders("Contact") {
		value := h.Value()
		if i := strings.Index(strings.ToLower(value), "expires="); i >= 0 {
			rest := value[i+len("expires="):]
			if j := strings.IndexAny(rest, ";> \t"); j >= 0 {
				rest = rest[:j]
			}
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n
			}
		}
	}
	return headerInt(res, "Expires")
}

// headerInt читает числовой заголовок ответа, 0 при отсутствии.
func headerInt(res *sip.Response, name string) int {
	h := res.GetHeader(name)
	if h == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return 0
	}
	return n
}
