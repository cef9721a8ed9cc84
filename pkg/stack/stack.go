// Package stack связывает SIP слой sipgo с сервисами стека: транспорт
// исходящих транзакций, диспетчеризация входящих запросов и процедура
// регистрации в IMS сети.
package stack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// InviteHandler обработчик входящего INVITE. Реализация создает
// терминальную сессию сервиса и запускает ее Run.
type InviteHandler func(ctx context.Context, invite *sip.Request, tx transaction.ServerTransaction)

// NotifyHandler обработчик входящего NOTIFY (presence диспетчер).
type NotifyHandler func(ctx context.Context, notify *sip.Request, tx transaction.ServerTransaction)

// MessageHandler обработчик входящего pager MESSAGE. Вызывается после
// подтверждения 200 OK.
type MessageHandler func(ctx context.Context, from, contentType string, body []byte)

// Handlers прикладные обработчики входящих запросов. Nil обработчик
// означает отказ запросу соответствующим финальным ответом.
type Handlers struct {
	OnInvite  InviteHandler
	OnNotify  NotifyHandler
	OnMessage MessageHandler
}

// Stack транспортный слой стека поверх sipgo: user agent, сервер
// входящих запросов и клиент исходящих транзакций. Реализует
// transaction.Sender и интерфейс Transport сервисов.
type Stack struct {
	cfg     *config.StackConfig
	profile *config.UserProfile
	logger  dialog.StructuredLogger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	factory  *message.Factory
	exec     *transaction.Executor
	handlers Handlers

	// Service-Route маршрут, полученный при регистрации
	mu           sync.RWMutex
	serviceRoute []string

	sessions *SessionRegistry

	// feature tag'и локальных сервисов для OPTIONS ответов
	featureTags []string

	cancel context.CancelFunc
}

// New создает стек. Транспорт создается в Start.
func New(cfg *config.StackConfig, profile *config.UserProfile, logger dialog.StructuredLogger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}

	contact := fmt.Sprintf("sip:%s:%d", cfg.LocalHost, cfg.LocalPort)
	factory, err := message.NewFactory(profile, contact, strings.ToLower(cfg.Transport), cfg.UserAgent, logger)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		cfg:      cfg,
		profile:  profile,
		logger:   logger.WithComponent("stack"),
		factory:  factory,
		sessions: newSessionRegistry(),
	}
	s.exec = transaction.NewExecutor(s, cfg.TransactionTimeout, logger)
	return s, nil
}

// Factory возвращает фабрику сообщений стека.
func (s *Stack) Factory() *message.Factory { return s.factory }

// Executor возвращает executor клиентских транзакций.
func (s *Stack) Executor() *transaction.Executor { return s.exec }

// SetHandlers устанавливает прикладные обработчики. Должно быть
// вызвано до Start.
func (s *Stack) SetHandlers(h Handlers) { s.handlers = h }

// SetFeatureTags устанавливает feature tag'и локальных сервисов для
// ответов на OPTIONS.
func (s *Stack) SetFeatureTags(tags []string) { s.featureTags = tags }

// Sessions возвращает реестр активных сессий.
func (s *Stack) Sessions() *SessionRegistry { return s.sessions }

// Start создает sipgo компоненты и запускает прием входящих запросов.
func (s *Stack) Start(ctx context.Context) error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(s.cfg.UserAgent))
	if err != nil {
		return dialog.ErrTransportFailure("ua", err)
	}
	s.ua = ua

	s.server, err = sipgo.NewServer(ua)
	if err != nil {
		return dialog.ErrTransportFailure("server", err)
	}
	s.client, err = sipgo.NewClient(ua)
	if err != nil {
		return dialog.ErrTransportFailure("client", err)
	}

	s.setupHandlers()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listenAddr := fmt.Sprintf("%s:%d", s.cfg.LocalHost, s.cfg.LocalPort)
	network := strings.ToLower(s.cfg.Transport)
	if network == "tls" {
		// TLS конфиг sipgo берет из ListenAndServeTLS; без сертификата
		// слушаем tcp
		network = "tcp"
	}

	s.logger.Info(ctx, "запуск SIP стека",
		dialog.String("transport", network),
		dialog.String("listen", listenAddr))

	go func() {
		if err := s.server.ListenAndServe(runCtx, network, listenAddr); err != nil {
			s.logger.Error(runCtx, "SIP сервер остановлен", dialog.Err(err))
		}
	}()
	return nil
}

// Stop останавливает стек и закрывает транспорт.
func (s *Stack) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.ua != nil {
		_ = s.ua.Close()
	}
}

// TransactionRequest отправляет запрос через клиентскую транзакцию
// sipgo. Реализация transaction.Sender.
func (s *Stack) TransactionRequest(ctx context.Context, req *sip.Request) (transaction.ClientTransaction, error) {
	return s.client.TransactionRequest(ctx, req)
}

// WriteRequest отправляет запрос вне транзакции (ACK). Реализация
// transaction.Sender.
func (s *Stack) WriteRequest(req *sip.Request) error {
	return s.client.WriteRequest(req)
}

// GenerateCallID возвращает новый Call-ID стека.
func (s *Stack) GenerateCallID() string {
	return dialog.GenerateCallID(s.cfg.LocalHost)
}

// ServiceRoutePath возвращает Service-Route маршрут, полученный при
// регистрации. До регистрации маршрут пуст.
func (s *Stack) ServiceRoutePath() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.serviceRoute))
	copy(out, s.serviceRoute)
	return out
}

func (s *Stack) setServiceRoutePath(routes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceRoute = routes
}

// setupHandlers регистрирует обработчики входящих запросов.
func (s *Stack) setupHandlers() {
	s.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		ctx := context.Background()
		if sess, ok := s.sessions.find(callIDOf(req)); ok {
			sess.ReceiveBye(ctx, req, tx)
			return
		}
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
	})

	s.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		ctx := context.Background()
		if sess, ok := s.sessions.find(callIDOf(req)); ok {
			sess.ReceiveCancel(ctx, req, tx)
			return
		}
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
	})

	s.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if s.handlers.OnInvite == nil {
			s.respond(tx, req, int(sip.StatusTemporarilyUnavailable), "Temporarily Unavailable")
			return
		}
		s.handlers.OnInvite(context.Background(), req, tx)
	})

	s.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		// ACK на наш финальный ответ; транзакции не открывает
	})

	s.server.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		if s.handlers.OnNotify == nil {
			s.respond(tx, req, 481, "Subscription Does Not Exist")
			return
		}
		s.handlers.OnNotify(context.Background(), req, tx)
	})

	s.server.OnMessage(func(req *sip.Request, tx sip.ServerTransaction) {
		s.respond(tx, req, int(sip.StatusOK), "OK")
		if s.handlers.OnMessage == nil {
			return
		}
		from := ""
		if h := req.From(); h != nil {
			from = h.Address.String()
		}
		contentType := ""
		if h := req.GetHeader("Content-Type"); h != nil {
			contentType = h.Value()
		}
		s.handlers.OnMessage(context.Background(), from, contentType, req.Body())
	})

	s.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := s.factory.Create200OkOptions(req, dialog.GenerateTag(), s.featureTags)
		if err := tx.Respond(res); err != nil {
			s.logger.Warn(context.Background(), "не удалось ответить на OPTIONS", dialog.Err(err))
		}
	})
}

func (s *Stack) respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	if err := tx.Respond(s.factory.CreateResponse(req, "", code, reason)); err != nil {
		s.logger.Warn(context.Background(), "не удалось отправить ответ",
			dialog.String("method", string(req.Method)),
			dialog.Int("status", code),
			dialog.Err(err))
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// SessionRegistry реестр активных сессий по Call-ID для маршрутизации
// входящих BYE и CANCEL.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func newSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*session.Session)}
}

// Add регистрирует сессию под ее Call-ID.
func (r *SessionRegistry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Path().CallID()] = s
}

// Remove снимает сессию с реестра.
func (r *SessionRegistry) Remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.Path().CallID())
}

// Len возвращает количество активных сессий.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) find(callID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}
