package presence

import (
	"context"
	"time"

	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

// Service presence сервис стека: публикация собственного документа,
// подписки presence и watcher-info, анонимный опрос возможностей и
// диспетчеризация NOTIFY.
type Service struct {
	deps   Deps
	logger dialog.StructuredLogger

	publisher   *PublishManager
	presenceSub *SubscribeManager
	watcherSub  *SubscribeManager
	fetch       *FetchManager
	dispatcher  *NotifyDispatcher

	// В режиме permanent state presence документ живет на сервере
	// документов и SIP PUBLISH не используется
	permanentState bool

	// registered сообщает, зарегистрирован ли стек; финальная публикация
	// при остановке имеет смысл только под регистрацией
	registered func() bool

	checkCancel context.CancelFunc
}

// ServiceOptions необязательные параметры presence сервиса.
type ServiceOptions struct {
	// PermanentState отключает publish цикл
	PermanentState bool
	// Registered предикат состояния регистрации, nil - считается true
	Registered func() bool
	// OnWatcherInfo обработчик watcher-info уведомлений
	OnWatcherInfo NotifyHandler
	// OnPresence обработчик presence уведомлений списка
	OnPresence NotifyHandler
}

// NewService собирает presence сервис.
func NewService(deps Deps, cache *capability.Cache, opts ServiceOptions) *Service {
	s := &Service{
		deps:           deps,
		logger:         deps.logger().WithComponent("presence"),
		permanentState: opts.PermanentState,
		registered:     opts.Registered,
	}
	if s.registered == nil {
		s.registered = func() bool { return true }
	}

	s.publisher = NewPublishManager(deps)
	s.presenceSub = NewPresenceSubscribeManager(deps, opts.OnPresence)
	s.watcherSub = NewWatcherInfoSubscribeManager(deps, opts.OnWatcherInfo)
	s.fetch = NewFetchManager(deps, cache)
	s.dispatcher = NewNotifyDispatcher(deps, s.presenceSub, s.watcherSub, s.fetch)
	return s
}

// Publisher возвращает менеджер публикации.
func (s *Service) Publisher() *PublishManager { return s.publisher }

// PresenceSubscriber возвращает менеджер подписки presence.
func (s *Service) PresenceSubscriber() *SubscribeManager { return s.presenceSub }

// WatcherInfoSubscriber возвращает менеджер подписки watcher-info.
func (s *Service) WatcherInfoSubscriber() *SubscribeManager { return s.watcherSub }

// FetchManager возвращает менеджер анонимного опроса.
func (s *Service) FetchManager() *FetchManager { return s.fetch }

// Dispatcher возвращает диспетчер NOTIFY.
func (s *Service) Dispatcher() *NotifyDispatcher { return s.dispatcher }

// Start запускает сервис: подписки watcher-info и presence, начальная
// публикация документа возможностей и периодическая проверка подписок.
// Отказ одной процедуры не останавливает остальные.
func (s *Service) Start(ctx context.Context, capabilities capability.Capabilities) {
	if err := s.watcherSub.Subscribe(ctx); err != nil {
		s.logger.LogError(ctx, err, "подписка watcher-info не удалась")
	}
	if err := s.presenceSub.Subscribe(ctx); err != nil {
		s.logger.LogError(ctx, err, "подписка presence не удалась")
	}

	if s.permanentState {
		s.logger.Info(ctx, "permanent state режим: публикация пропущена")
	} else {
		doc := BuildCapabilitiesDocument(s.deps.Profile.PublicURI, capabilities, time.Now())
		if err := s.publisher.Publish(ctx, doc); err != nil {
			s.logger.LogError(ctx, err, "начальная публикация не удалась")
		}
	}

	checkCtx, cancel := context.WithCancel(context.Background())
	s.checkCancel = cancel
	go RunPeriodicCheck(checkCtx, 5*time.Minute, s.watcherSub, s.presenceSub)
}

// Stop останавливает сервис. Вне permanent state режима, под
// регистрацией и при активной публикации уходит финальный минимальный
// документ; затем публикация и подписки снимаются.
func (s *Service) Stop(ctx context.Context) {
	if s.checkCancel != nil {
		s.checkCancel()
		s.checkCancel = nil
	}

	if !s.permanentState && s.registered() && s.publisher.IsPublished() {
		doc := BuildOfflineDocument(s.deps.Profile.PublicURI)
		if err := s.publisher.Publish(ctx, doc); err != nil {
			s.logger.LogError(ctx, err, "финальная публикация не удалась")
		}
	}

	s.publisher.Unpublish(ctx)
	s.presenceSub.Unsubscribe(ctx)
	s.watcherSub.Unsubscribe(ctx)
}
