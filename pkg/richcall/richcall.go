// Package richcall реализует контентные сессии RCS: передачу
// изображения (MSRP) и односторонний видео шаринг поверх базовой INVITE
// сессии. Сам медиа транспорт стек не ведет - сессии несут только
// сигнальную часть и события прогресса от внешнего передатчика.
package richcall

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// Transport минимальный срез транспортного слоя для создания диалогов.
type Transport interface {
	GenerateCallID() string
	ServiceRoutePath() []string
}

// Deps зависимости сервиса контентных сессий.
type Deps struct {
	Config    *config.StackConfig
	Profile   *config.UserProfile
	Transport Transport
	Executor  *transaction.Executor
	Factory   *message.Factory
	Logger    dialog.StructuredLogger
}

// ProgressListener события прогресса передачи контента. Доставляются
// внешним передатчиком через ReportProgress/ReportTransferred, терминальные
// события сессии идут через базовый session.Listener.
type ProgressListener interface {
	// OnTransferProgress передано current из total байт
	OnTransferProgress(current, total int64)
	// OnContentTransferred передача завершена
	OnContentTransferred(filename string)
}

// Service создает контентные сессии.
type Service struct {
	deps Deps
}

// NewService создает сервис контентных сессий.
func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// contentSession общая часть контентных сессий: базовая сессия плюс
// слушатели прогресса.
type contentSession struct {
	*session.Session
	factory *message.Factory

	mu       sync.Mutex
	progress []ProgressListener
}

// AddProgressListener регистрирует слушателя прогресса.
func (s *contentSession) AddProgressListener(l ProgressListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, l)
}

// ReportProgress доставляет прогресс передачи слушателям. Вызывается
// внешним передатчиком контента.
func (s *contentSession) ReportProgress(current, total int64) {
	s.mu.Lock()
	snapshot := make([]ProgressListener, len(s.progress))
	copy(snapshot, s.progress)
	s.mu.Unlock()
	for _, l := range snapshot {
		l.OnTransferProgress(current, total)
	}
}

// ReportTransferred доставляет завершение передачи слушателям.
func (s *contentSession) ReportTransferred(filename string) {
	s.mu.Lock()
	snapshot := make([]ProgressListener, len(s.progress))
	copy(snapshot, s.progress)
	s.mu.Unlock()
	for _, l := range snapshot {
		l.OnContentTransferred(filename)
	}
}

func (s *Service) newOriginating(remote string) (*dialog.DialogPath, *session.Session) {
	path := dialog.NewOriginatingPath(
		s.deps.Transport.GenerateCallID(), 1,
		remote, s.deps.Profile.PublicURI, remote,
		s.deps.Transport.ServiceRoutePath())
	path.SetSessionExpireTime(s.deps.Config.SessionExpireTime)

	sess := session.NewSession(session.Params{
		Path:          path,
		Agent:         auth.NewAgent(s.deps.Profile, s.deps.Logger),
		Executor:      s.deps.Executor,
		Factory:       s.deps.Factory,
		Logger:        s.deps.Logger,
		RingingPeriod: s.deps.Config.RingingPeriod,
	})
	return path, sess
}

func (s *Service) newTerminating(invite *sip.Request, tx transaction.ServerTransaction) (*dialog.DialogPath, *session.Session) {
	path := dialog.NewTerminatingPath(invite)
	sess := session.NewTerminatingSession(session.Params{
		Path:          path,
		Agent:         auth.NewAgent(s.deps.Profile, s.deps.Logger),
		Executor:      s.deps.Executor,
		Factory:       s.deps.Factory,
		Logger:        s.deps.Logger,
		RingingPeriod: s.deps.Config.RingingPeriod,
	}, invite, tx)
	return path, sess
}

// ImageShareSession исходящая или входящая сессия передачи изображения.
type ImageShareSession struct {
	contentSession
	path    *dialog.DialogPath
	content message.ImageShareParams
}

// NewImageShareSession создает исходящую сессию передачи изображения.
func (s *Service) NewImageShareSession(remote string, content message.ImageShareParams) *ImageShareSession {
	path, sess := s.newOriginating(remote)
	return &ImageShareSession{
		contentSession: contentSession{Session: sess, factory: s.deps.Factory},
		path:           path,
		content:        content,
	}
}

// NewIncomingImageShareSession создает сессию из входящего INVITE.
func (s *Service) NewIncomingImageShareSession(invite *sip.Request, tx transaction.ServerTransaction) *ImageShareSession {
	path, sess := s.newTerminating(invite, tx)
	return &ImageShareSession{
		contentSession: contentSession{Session: sess, factory: s.deps.Factory},
		path:           path,
	}
}

// Start выполняет исходящий обмен приглашениями с SDP offer'ом передачи
// изображения. Блокирует до установления или завершения сессии.
func (s *ImageShareSession) Start(ctx context.Context) error {
	offer, err := message.BuildImageShareOffer(s.content)
	if err != nil {
		return dialog.ErrMessageConstruction("INVITE", "не удалось построить SDP offer").
			WithCause(err).WithCallID(s.path.CallID())
	}
	return s.RunOriginating(ctx, func() (*sip.Request, error) {
		return s.factory.CreateInvite(s.path,
			[]string{capability.FeatureImageShare}, "application/sdp", offer)
	})
}

// Run отвечает на входящее приглашение: 180, ожидание решения
// пользователя, 200 OK с SDP answer'ом.
func (s *ImageShareSession) Run(ctx context.Context, localIP string, localPort int) error {
	return s.RunTerminating(ctx, func() *sip.Response {
		answer, err := message.BuildAnswer(s.Invite().Body(), localIP, localPort)
		if err != nil {
			answer = nil
		}
		return s.factory.Create200OkInvite(s.path, s.Invite(),
			[]string{capability.FeatureImageShare}, "application/sdp", answer)
	})
}

// VideoShareSession сессия одностороннего видео шаринга.
type VideoShareSession struct {
	contentSession
	path    *dialog.DialogPath
	content message.VideoShareParams
}

// NewVideoShareSession создает исходящую сессию видео шаринга.
func (s *Service) NewVideoShareSession(remote string, content message.VideoShareParams) *VideoShareSession {
	path, sess := s.newOriginating(remote)
	return &VideoShareSession{
		contentSession: contentSession{Session: sess, factory: s.deps.Factory},
		path:           path,
		content:        content,
	}
}

// NewIncomingVideoShareSession создает сессию из входящего INVITE.
func (s *Service) NewIncomingVideoShareSession(invite *sip.Request, tx transaction.ServerTransaction) *VideoShareSession {
	path, sess := s.newTerminating(invite, tx)
	return &VideoShareSession{
		contentSession: contentSession{Session: sess, factory: s.deps.Factory},
		path:           path,
	}
}

// Start выполняет исходящий обмен приглашениями с видео SDP offer'ом.
func (s *VideoShareSession) Start(ctx context.Context) error {
	offer, err := message.BuildVideoShareOffer(s.content)
	if err != nil {
		return dialog.ErrMessageConstruction("INVITE", "не удалось построить SDP offer").
			WithCause(err).WithCallID(s.path.CallID())
	}
	return s.RunOriginating(ctx, func() (*sip.Request, error) {
		return s.factory.CreateInvite(s.path,
			[]string{capability.FeatureVideoShare}, "application/sdp", offer)
	})
}

// Run отвечает на входящее видео приглашение.
func (s *VideoShareSession) Run(ctx context.Context, localIP string, localPort int) error {
	return s.RunTerminating(ctx, func() *sip.Response {
		answer, err := message.BuildAnswer(s.Invite().Body(), localIP, localPort)
		if err != nil {
			answer = nil
		}
		return s.factory.Create200OkInvite(s.path, s.Invite(),
			[]string{capability.FeatureVideoShare}, "application/sdp", answer)
	})
}
