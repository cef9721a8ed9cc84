// Команда rcscli поднимает RCS стек: регистрация в IMS сети, presence
// сервис с публикацией возможностей и Prometheus метрики. Сервисы чата
// и контентных сессий доступны собранными, их вызовы инициируются
// прикладным кодом.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/chat"
	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/presence"
	"github.com/arzzra/rcs_core/pkg/richcall"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/stack"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// inviteRouter распределяет входящие INVITE по сервисам по содержимому
// SDP offer'а. Сессии демо клиента принимаются автоматически.
type inviteRouter struct {
	stack    *stack.Stack
	chat     *chat.Service
	richcall *richcall.Service
	cfg      *config.StackConfig
	logger   dialog.StructuredLogger
}

func (r *inviteRouter) handle(ctx context.Context, invite *sip.Request, tx transaction.ServerTransaction) {
	body := string(invite.Body())
	localIP := r.cfg.LocalHost

	switch {
	case strings.Contains(body, "a=accept-types:message/cpim"):
		sess := r.chat.NewIncomingOneToOneChat(invite, tx)
		r.runIncoming(ctx, sess.Session, func(runCtx context.Context) error {
			return sess.Run(runCtx, localIP, 0)
		})

	case strings.Contains(body, "m=video"):
		sess := r.richcall.NewIncomingVideoShareSession(invite, tx)
		r.runIncoming(ctx, sess.Session, func(runCtx context.Context) error {
			return sess.Run(runCtx, localIP, 0)
		})

	case strings.Contains(body, "m=message"):
		sess := r.richcall.NewIncomingImageShareSession(invite, tx)
		r.runIncoming(ctx, sess.Session, func(runCtx context.Context) error {
			return sess.Run(runCtx, localIP, 0)
		})

	default:
		res := r.stack.Factory().CreateResponse(invite, dialog.GenerateTag(),
			488, "Not Acceptable Here")
		if err := tx.Respond(res); err != nil {
			r.logger.LogError(ctx, err, "не удалось отклонить INVITE")
		}
	}
}

func (r *inviteRouter) runIncoming(ctx context.Context, sess *session.Session, run func(context.Context) error) {
	r.stack.Sessions().Add(sess)
	sess.Accept()
	go func() {
		defer r.stack.Sessions().Remove(sess)
		if err := run(ctx); err != nil {
			r.logger.LogError(ctx, err, "входящая сессия завершилась с ошибкой")
		}
	}()
}

func main() {
	logger := dialog.GetDefaultLogger()
	ctx := context.Background()

	if err := config.LoadEnv(); err != nil {
		logger.LogError(ctx, err, "не удалось загрузить env файл")
		os.Exit(1)
	}

	cfg, err := config.New[config.StackConfig]()
	if err != nil {
		logger.LogError(ctx, err, "не удалось разобрать конфигурацию стека")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.LogError(ctx, err, "конфигурация стека невалидна")
		os.Exit(1)
	}
	profile, err := config.New[config.UserProfile]()
	if err != nil {
		logger.LogError(ctx, err, "не удалось разобрать профиль пользователя")
		os.Exit(1)
	}

	s, err := stack.New(cfg, profile, logger)
	if err != nil {
		logger.LogError(ctx, err, "не удалось создать стек")
		os.Exit(1)
	}

	localCaps := capability.Capabilities{
		ImageSharing: true,
		VideoSharing: true,
		IMSession:    true,
		FileTransfer: true,
	}
	registration := stack.NewRegistrationManager(s, capability.FeatureTags(localCaps))

	cache := capability.NewCache()
	deps := presence.Deps{
		Config:    cfg,
		Profile:   profile,
		Transport: s,
		Executor:  s.Executor(),
		Factory:   s.Factory(),
		Logger:    logger,
	}
	presenceSvc := presence.NewService(deps, cache, presence.ServiceOptions{
		Registered: registration.IsRegistered,
	})

	chatSvc := chat.NewService(chat.Deps{
		Config:    cfg,
		Profile:   profile,
		Transport: s,
		Executor:  s.Executor(),
		Factory:   s.Factory(),
		Logger:    logger,
	})

	richcallSvc := richcall.NewService(richcall.Deps{
		Config:    cfg,
		Profile:   profile,
		Transport: s,
		Executor:  s.Executor(),
		Factory:   s.Factory(),
		Logger:    logger,
	})

	router := &inviteRouter{
		stack:    s,
		chat:     chatSvc,
		richcall: richcallSvc,
		cfg:      cfg,
		logger:   logger.WithComponent("invite"),
	}

	s.SetFeatureTags(capability.FeatureTags(localCaps))
	s.SetHandlers(stack.Handlers{
		OnInvite: router.handle,
		OnNotify: presenceSvc.Dispatcher().HandleNotify,
		OnMessage: func(ctx context.Context, from, contentType string, body []byte) {
			if contentType != chat.MimeCPIM {
				return
			}
			msg, err := chat.ParseCPIM(body)
			if err != nil {
				logger.LogError(ctx, err, "не удалось разобрать CPIM")
				return
			}
			logger.Info(ctx, "входящее сообщение",
				dialog.String("from", from),
				dialog.String("content_type", msg.ContentType))
		},
	})

	if err := s.Start(ctx); err != nil {
		logger.LogError(ctx, err, "не удалось запустить стек")
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info(ctx, "метрики доступны",
				dialog.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.LogError(ctx, err, "metrics endpoint остановлен")
			}
		}()
	}

	if err := registration.Register(ctx); err != nil {
		logger.LogError(ctx, err, "регистрация не удалась")
		s.Stop()
		os.Exit(1)
	}

	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	go registration.RunPeriodicRefresh(refreshCtx)

	presenceSvc.Start(ctx, localCaps)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info(ctx, "остановка стека")
	cancelRefresh()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	presenceSvc.Stop(stopCtx)
	if err := registration.Unregister(stopCtx); err != nil {
		logger.LogError(stopCtx, err, "снятие регистрации не удалось")
	}
	s.Stop()
}
