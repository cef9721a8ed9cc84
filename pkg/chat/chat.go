// Package chat реализует instant messaging сервис: pager-mode MESSAGE,
// one-to-one chat сессии и ad-hoc групповой чат с добавлением
// участников через REFER. MSRP канал сообщений стек не ведет - сессии
// несут сигнальную часть.
package chat

import (
	"context"
	"time"

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

// Deps зависимости chat сервиса.
type Deps struct {
	Config    *config.StackConfig
	Profile   *config.UserProfile
	Transport Transport
	Executor  *transaction.Executor
	Factory   *message.Factory
	Logger    dialog.StructuredLogger
}

// Service создает chat сессии и отправляет pager сообщения.
type Service struct {
	deps   Deps
	logger dialog.StructuredLogger
}

// NewService создает chat сервис.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}
	return &Service{deps: deps, logger: logger.WithComponent("chat")}
}

func (s *Service) newPath(remote string) *dialog.DialogPath {
	path := dialog.NewOriginatingPath(
		s.deps.Transport.GenerateCallID(), 1,
		remote, s.deps.Profile.PublicURI, remote,
		s.deps.Transport.ServiceRoutePath())
	path.SetSessionExpireTime(s.deps.Config.SessionExpireTime)
	return path
}

func (s *Service) newSession(path *dialog.DialogPath) *session.Session {
	return session.NewSession(session.Params{
		Path:          path,
		Agent:         auth.NewAgent(s.deps.Profile, s.deps.Logger),
		Executor:      s.deps.Executor,
		Factory:       s.deps.Factory,
		Logger:        s.deps.Logger,
		RingingPeriod: s.deps.Config.RingingPeriod,
	})
}

// SendPagerMessage отправляет текст вне сессии через MESSAGE с CPIM
// оберткой. Каждое сообщение - собственный диалог с единичной
// транзакцией.
func (s *Service) SendPagerMessage(ctx context.Context, remote, text string) error {
	path := s.newPath(remote)
	agent := auth.NewAgent(s.deps.Profile, s.deps.Logger)
	cpim := BuildCPIM(s.deps.Profile.PublicURI, remote, "text/plain", []byte(text), time.Now())

	tctx, err := auth.ExecuteWithRetry(ctx, s.deps.Executor, agent, path, func() (*sip.Request, error) {
		return s.deps.Factory.CreateMessage(path,
			[]string{capability.FeatureChat}, MimeCPIM, cpim)
	}, 0, nil)
	if err != nil {
		return err
	}
	if !tctx.Received() {
		return dialog.ErrTransactionTimeout("MESSAGE", s.deps.Executor.Timeout()).
			WithCallID(path.CallID())
	}
	if !tctx.IsSuccess() {
		return dialog.ErrUnexpectedResponse("MESSAGE", tctx.StatusCode(), tctx.ReasonPhrase()).
			WithCallID(path.CallID())
	}
	s.logger.Debug(ctx, "pager сообщение доставлено",
		dialog.Field{Key: "call_id", Value: path.CallID()},
		dialog.Field{Key: "remote", Value: remote})
	return nil
}

// OneToOneChatSession chat сессия с одним собеседником.
type OneToOneChatSession struct {
	*session.Session
	factory *message.Factory
	path    *dialog.DialogPath
	msrp    message.ChatParams
}

// NewOneToOneChat создает исходящую one-to-one chat сессию.
func (s *Service) NewOneToOneChat(remote string, msrp message.ChatParams) *OneToOneChatSession {
	path := s.newPath(remote)
	return &OneToOneChatSession{
		Session: s.newSession(path),
		factory: s.deps.Factory,
		path:    path,
		msrp:    msrp,
	}
}

// NewIncomingOneToOneChat создает сессию из входящего INVITE.
func (s *Service) NewIncomingOneToOneChat(invite *sip.Request, tx transaction.ServerTransaction) *OneToOneChatSession {
	path := dialog.NewTerminatingPath(invite)
	sess := session.NewTerminatingSession(session.Params{
		Path:          path,
		Agent:         auth.NewAgent(s.deps.Profile, s.deps.Logger),
		Executor:      s.deps.Executor,
		Factory:       s.deps.Factory,
		Logger:        s.deps.Logger,
		RingingPeriod: s.deps.Config.RingingPeriod,
	}, invite, tx)
	return &OneToOneChatSession{Session: sess, factory: s.deps.Factory, path: path}
}

// Start выполняет исходящий обмен приглашениями chat сессии.
func (s *OneToOneChatSession) Start(ctx context.Context) error {
	offer, err := message.BuildChatOffer(s.msrp)
	if err != nil {
		return dialog.ErrMessageConstruction("INVITE", "не удалось построить SDP offer").
			WithCause(err).WithCallID(s.path.CallID())
	}
	return s.RunOriginating(ctx, func() (*sip.Request, error) {
		return s.factory.CreateInvite(s.path,
			[]string{capability.FeatureChat}, "application/sdp", offer)
	})
}

// Run отвечает на входящее chat приглашение.
func (s *OneToOneChatSession) Run(ctx context.Context, localIP string, localPort int) error {
	return s.RunTerminating(ctx, func() *sip.Response {
		answer, err := message.BuildAnswer(s.Invite().Body(), localIP, localPort)
		if err != nil {
			answer = nil
		}
		return s.factory.Create200OkInvite(s.path, s.Invite(),
			[]string{capability.FeatureChat}, "application/sdp", answer)
	})
}

// GroupChatSession ad-hoc групповой чат через conference factory.
// REFER добавления участников идут в том же диалоге, что и INVITE.
type GroupChatSession struct {
	*session.Session
	deps    Deps
	agent   *auth.Agent
	path    *dialog.DialogPath
	subject string
	members []string
	msrp    message.ChatParams
}

// NewGroupChat создает исходящую групповую сессию. Приглашение уходит
// на conference factory URI со списком участников в теле.
func (s *Service) NewGroupChat(subject string, participants []string, msrp message.ChatParams) *GroupChatSession {
	remote := s.deps.Config.ConferenceURI
	if remote == "" && len(participants) > 0 {
		remote = participants[0]
	}
	path := s.newPath(remote)
	agent := auth.NewAgent(s.deps.Profile, s.deps.Logger)
	sess := session.NewSession(session.Params{
		Path:          path,
		Agent:         agent,
		Executor:      s.deps.Executor,
		Factory:       s.deps.Factory,
		Logger:        s.deps.Logger,
		RingingPeriod: s.deps.Config.RingingPeriod,
	})
	return &GroupChatSession{
		Session: sess,
		deps:    s.deps,
		agent:   agent,
		path:    path,
		subject: subject,
		members: participants,
		msrp:    msrp,
	}
}

// Subject возвращает тему конференции.
func (s *GroupChatSession) Subject() string { return s.subject }

// Participants возвращает исходный список участников.
func (s *GroupChatSession) Participants() []string { return s.members }

// Start выполняет исходящий обмен приглашениями: multipart INVITE с
// SDP и recipient-list частью.
func (s *GroupChatSession) Start(ctx context.Context) error {
	offer, err := message.BuildChatOffer(s.msrp)
	if err != nil {
		return dialog.ErrMessageConstruction("INVITE", "не удалось построить SDP offer").
			WithCause(err).WithCallID(s.path.CallID())
	}

	parts := []message.BodyPart{
		{ContentType: "application/sdp", Content: offer},
		{
			ContentType: "application/resource-lists+xml",
			Disposition: "recipient-list",
			Content:     message.BuildResourceList(s.members),
		},
	}
	return s.RunOriginating(ctx, func() (*sip.Request, error) {
		req, err := s.deps.Factory.CreateMultipartInvite(s.path,
			[]string{capability.FeatureChat}, parts, "boundary1")
		if err != nil {
			return nil, err
		}
		if s.subject != "" {
			req.AppendHeader(sip.NewHeader("Subject", s.subject))
		}
		return req, nil
	})
}

// AddParticipant добавляет одного участника в установленную сессию
// через REFER в том же диалоге.
func (s *GroupChatSession) AddParticipant(ctx context.Context, participant string) error {
	return s.refer(ctx, func() (*sip.Request, error) {
		return s.deps.Factory.CreateRefer(s.path, participant)
	})
}

// AddParticipants добавляет список участников одним REFER с
// resource-list телом.
func (s *GroupChatSession) AddParticipants(ctx context.Context, participants []string) error {
	return s.refer(ctx, func() (*sip.Request, error) {
		return s.deps.Factory.CreateReferList(s.path, participants, "")
	})
}

func (s *GroupChatSession) refer(ctx context.Context, build func() (*sip.Request, error)) error {
	if s.State() != session.StateEstablished {
		return dialog.ErrMessageConstruction("REFER", "сессия не установлена").
			WithCallID(s.path.CallID())
	}
	s.path.NextCSeq()

	tctx, err := auth.ExecuteWithRetry(ctx, s.deps.Executor, s.agent, s.path, build, 0, nil)
	if err != nil {
		return err
	}
	if !tctx.Received() {
		return dialog.ErrTransactionTimeout("REFER", s.deps.Executor.Timeout()).
			WithCallID(s.path.CallID())
	}
	if !tctx.IsSuccess() {
		return dialog.ErrUnexpectedResponse("REFER", tctx.StatusCode(), tctx.ReasonPhrase()).
			WithCallID(s.path.CallID())
	}
	return nil
}
