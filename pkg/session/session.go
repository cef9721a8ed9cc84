package session

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// InvitationAnswer исход ожидания ответа пользователя на входящее
// приглашение.
type InvitationAnswer int

const (
	// AnswerNone ответа еще нет
	AnswerNone InvitationAnswer = iota
	// AnswerAccepted пользователь принял приглашение
	AnswerAccepted
	// AnswerRejected пользователь отклонил приглашение
	AnswerRejected
	// AnswerTimeout период звонка истек без ответа
	AnswerTimeout
	// AnswerCanceled удаленная сторона отменила приглашение
	AnswerCanceled
)

// Params зависимости сессии. Все поля кроме RingingPeriod обязательны.
type Params struct {
	Path          *dialog.DialogPath
	Agent         *auth.Agent
	Executor      *transaction.Executor
	Factory       *message.Factory
	Logger        dialog.StructuredLogger
	RingingPeriod time.Duration
}

// Session базовая сервисная сессия поверх INVITE диалога. Конкретные
// сервисы задают содержимое приглашения и feature tag'и, сессия ведет
// состояния, авторизацию, подтверждение и завершение диалога.
//
// Завершение всегда выполняется в две фазы: сначала локальное
// терминальное состояние и уведомление слушателей, затем сигнализация
// (BYE или CANCEL) по возможности. Отказ сигнализации не отменяет
// локального завершения.
type Session struct {
	id      string
	path    *dialog.DialogPath
	agent   *auth.Agent
	exec    *transaction.Executor
	factory *message.Factory
	logger  dialog.StructuredLogger
	metrics *transaction.Metrics

	fsm       *StateMachine
	listeners listenerRegistry

	// Составные операции над состоянием (прочитать - завершить)
	mu sync.Mutex

	ringingPeriod time.Duration

	// Входящая сторона: первый INVITE, его серверная транзакция и канал
	// ответа пользователя
	invite     *sip.Request
	serverTx   transaction.ServerTransaction
	answerCh   chan InvitationAnswer
	answerOnce sync.Once
}

// NewSession создает исходящую сессию в состоянии Idle.
func NewSession(p Params) *Session {
	return newSession(p)
}

// NewTerminatingSession создает входящую сессию из полученного INVITE и
// его серверной транзакции.
func NewTerminatingSession(p Params, invite *sip.Request, tx transaction.ServerTransaction) *Session {
	s := newSession(p)
	s.invite = invite
	s.serverTx = tx
	return s
}

func newSession(p Params) *Session {
	logger := p.Logger
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}
	if p.RingingPeriod <= 0 {
		p.RingingPeriod = 60 * time.Second
	}
	return &Session{
		id:            uuid.New().String(),
		path:          p.Path,
		agent:         p.Agent,
		exec:          p.Executor,
		factory:       p.Factory,
		logger:        logger.WithComponent("session"),
		metrics:       transaction.GetMetrics(),
		fsm:           NewStateMachine(),
		ringingPeriod: p.RingingPeriod,
		answerCh:      make(chan InvitationAnswer, 1),
	}
}

// ID возвращает идентификатор сессии.
func (s *Session) ID() string { return s.id }

// Path возвращает dialog path сессии.
func (s *Session) Path() *dialog.DialogPath { return s.path }

// State возвращает текущее состояние сессии.
func (s *Session) State() State { return s.fsm.State() }

// Reason возвращает причину завершения.
func (s *Session) Reason() TerminationReason { return s.fsm.Reason() }

// Invite возвращает входящий INVITE (nil для исходящей сессии).
func (s *Session) Invite() *sip.Request { return s.invite }

// AddListener регистрирует слушателя событий сессии.
func (s *Session) AddListener(l Listener) { s.listeners.Add(l) }

// RemoveListener снимает слушателя.
func (s *Session) RemoveListener(l Listener) { s.listeners.Remove(l) }

// RunOriginating выполняет исходящий обмен приглашениями. buildInvite
// вызывается перед каждой отправкой (включая повтор после challenge) и
// должен строить INVITE от текущего состояния диалога. Блокирует до
// установления или завершения сессии.
func (s *Session) RunOriginating(ctx context.Context, buildInvite func() (*sip.Request, error)) error {
	if err := s.fsm.Start(); err != nil {
		return err
	}
	s.metrics.SessionStarted()
	s.listeners.notify(func(l Listener) { l.OnSessionStarted() })

	tctx, err := auth.ExecuteWithRetry(ctx, s.exec, s.agent, s.path, func() (*sip.Request, error) {
		req, err := buildInvite()
		if err != nil {
			return nil, err
		}
		s.path.SaveInvite(req)
		return req, nil
	}, 0, func(res *sip.Response) {
		s.logger.Debug(ctx, "провизорный ответ на приглашение",
			dialog.String("call_id", s.path.CallID()),
			dialog.Int("status", int(res.StatusCode)))
	})
	if err != nil {
		s.terminateLocal(ReasonError, func(l Listener) { l.OnSessionError(err) })
		return err
	}

	if !tctx.Received() {
		terr := dialog.ErrTransactionTimeout("INVITE", s.exec.Timeout()).WithCallID(s.path.CallID())
		s.terminateLocal(ReasonError, func(l Listener) { l.OnSessionError(terr) })
		return terr
	}

	if !tctx.IsSuccess() {
		code := tctx.StatusCode()
		s.terminateLocal(ReasonRejected, func(l Listener) { l.OnSessionRejected(code) })
		return nil
	}

	// 2xx: фиксируем удаленную сторону и подтверждаем диалог
	s.captureRemote(tctx.Response())
	s.path.SetSigEstablished()
	s.sendAck(ctx)

	s.mu.Lock()
	establishErr := s.fsm.Establish()
	s.mu.Unlock()
	if establishErr != nil {
		// Сессия завершена локально во время обмена: 2xx пришел после
		// CANCEL, диалог закрывается через BYE
		s.sendByeBestEffort(ctx)
		return nil
	}
	s.listeners.notify(func(l Listener) { l.OnSessionEstablished() })
	return nil
}

// RunTerminating выполняет входящий обмен приглашениями: 180 Ringing,
// ожидание ответа пользователя, 200 OK или отказ. buildOK строит 200 OK
// с телом сервиса. Блокирует до установления или завершения сессии.
func (s *Session) RunTerminating(ctx context.Context, buildOK func() *sip.Response) error {
	if s.invite == nil || s.serverTx == nil {
		return dialog.ErrMessageConstruction("INVITE", "входящая сессия без приглашения")
	}
	if err := s.fsm.Start(); err != nil {
		return err
	}
	s.metrics.SessionStarted()
	s.listeners.notify(func(l Listener) { l.OnSessionStarted() })

	s.respond(s.factory.CreateRinging(s.invite, s.path.LocalTag()))

	switch s.waitAnswer(ctx) {
	case AnswerAccepted:
		s.respond(buildOK())
		s.path.SetSigEstablished()

		s.mu.Lock()
		establishErr := s.fsm.Establish()
		s.mu.Unlock()
		if establishErr != nil {
			return nil
		}
		s.listeners.notify(func(l Listener) { l.OnSessionEstablished() })
		return nil

	case AnswerRejected:
		s.respond(s.factory.CreateResponse(s.invite, s.path.LocalTag(), int(sip.StatusGlobalDecline), "Decline"))
		s.terminateLocal(ReasonByLocal, func(l Listener) { l.OnSessionTerminatedByLocal() })
		return nil

	case AnswerCanceled:
		// 487 на INVITE уже отправлен обработчиком CANCEL
		s.terminateLocal(ReasonByRemote, func(l Listener) { l.OnSessionTerminatedByRemote() })
		return nil

	default:
		// Период звонка истек
		s.respond(s.factory.CreateResponse(s.invite, s.path.LocalTag(), int(sip.StatusTemporarilyUnavailable), "Temporarily Unavailable"))
		s.terminateLocal(ReasonAborted, func(l Listener) { l.OnSessionAborted("ringing period expired") })
		return nil
	}
}

// Accept принимает входящее приглашение. Действует только во время
// ожидания ответа.
func (s *Session) Accept() {
	s.deliverAnswer(AnswerAccepted)
}

// Reject отклоняет входящее приглашение.
func (s *Session) Reject() {
	s.deliverAnswer(AnswerRejected)
}

// Terminate завершает сессию локально и по возможности уведомляет
// удаленную сторону. Локальное терминальное состояние выставляется до
// отправки сигнализации, поэтому сессия завершена даже при отказе
// транспорта. Повторные вызовы не производят эффекта.
func (s *Session) Terminate(ctx context.Context) {
	s.mu.Lock()
	prev := s.fsm.State()
	var reason TerminationReason
	if prev == StateEstablished {
		reason = ReasonByLocal
	} else {
		reason = ReasonAborted
	}
	done := s.fsm.Terminate(reason)
	s.mu.Unlock()

	if !done {
		return
	}
	s.path.SetTerminated()
	s.metrics.SessionEnded()

	if reason == ReasonByLocal {
		s.listeners.notify(func(l Listener) { l.OnSessionTerminatedByLocal() })
	} else {
		s.listeners.notify(func(l Listener) { l.OnSessionAborted("terminated by user") })
	}

	// Сигнализация после локального завершения, лучшие усилия
	switch {
	case s.path.IsSigEstablished():
		s.sendByeBestEffort(ctx)
	case s.invite != nil:
		// Неотвеченное входящее приглашение: будим ожидающий
		// RunTerminating, 603 отправит он
		s.deliverAnswer(AnswerRejected)
	case s.path.Invite() != nil:
		s.sendCancelBestEffort(ctx)
	}
}

// Abort прерывает сессию по сигналу прикладного уровня (отмена
// передачи контента). Как и Terminate, локальное состояние
// выставляется до сигнализации.
func (s *Session) Abort(ctx context.Context, reason string) {
	s.mu.Lock()
	done := s.fsm.Terminate(ReasonAborted)
	s.mu.Unlock()
	if !done {
		return
	}
	s.path.SetTerminated()
	s.metrics.SessionEnded()
	s.listeners.notify(func(l Listener) { l.OnSessionAborted(reason) })

	switch {
	case s.path.IsSigEstablished():
		s.sendByeBestEffort(ctx)
	case s.invite != nil:
		s.deliverAnswer(AnswerRejected)
	case s.path.Invite() != nil:
		s.sendCancelBestEffort(ctx)
	}
}

// ReceiveBye обрабатывает BYE удаленной стороны: подтверждение и
// завершение сессии.
func (s *Session) ReceiveBye(ctx context.Context, req *sip.Request, tx transaction.ServerTransaction) {
	if err := tx.Respond(s.factory.CreateResponse(req, s.path.LocalTag(), int(sip.StatusOK), "OK")); err != nil {
		s.logger.Warn(ctx, "не удалось подтвердить BYE",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}
	s.terminateLocal(ReasonByRemote, func(l Listener) { l.OnSessionTerminatedByRemote() })
}

// ReceiveCancel обрабатывает CANCEL удаленной стороны. CANCEL всегда
// подтверждается 200 OK; если сессия уже установлена, отмена на этом
// заканчивается. Для неотвеченного приглашения отправляется 487 и
// сессия завершается удаленной стороной.
func (s *Session) ReceiveCancel(ctx context.Context, req *sip.Request, tx transaction.ServerTransaction) {
	if err := tx.Respond(s.factory.CreateResponse(req, s.path.LocalTag(), int(sip.StatusOK), "OK")); err != nil {
		s.logger.Warn(ctx, "не удалось подтвердить CANCEL",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}

	s.mu.Lock()
	established := s.fsm.State() == StateEstablished
	s.mu.Unlock()
	if established {
		s.logger.Debug(ctx, "CANCEL после установления сессии игнорируется",
			dialog.String("call_id", s.path.CallID()))
		return
	}

	if s.invite != nil {
		s.respond(s.factory.CreateResponse(s.invite, s.path.LocalTag(), int(sip.StatusRequestTerminated), "Request Terminated"))
	}
	s.deliverAnswer(AnswerCanceled)
	s.terminateLocal(ReasonByRemote, func(l Listener) { l.OnSessionTerminatedByRemote() })
}

// waitAnswer ждет ответ пользователя не дольше периода звонка.
func (s *Session) waitAnswer(ctx context.Context) InvitationAnswer {
	timer := time.NewTimer(s.ringingPeriod)
	defer timer.Stop()

	select {
	case ans := <-s.answerCh:
		return ans
	case <-timer.C:
		return AnswerTimeout
	case <-ctx.Done():
		return AnswerTimeout
	}
}

func (s *Session) deliverAnswer(ans InvitationAnswer) {
	s.answerOnce.Do(func() {
		s.answerCh <- ans
	})
}

// terminateLocal переводит сессию в терминальное состояние и уведомляет
// слушателей. Ничего не делает, если сессия уже завершена.
func (s *Session) terminateLocal(reason TerminationReason, notify func(Listener)) {
	s.mu.Lock()
	done := s.fsm.Terminate(reason)
	s.mu.Unlock()
	if !done {
		return
	}
	s.path.SetTerminated()
	s.metrics.SessionEnded()
	s.listeners.notify(notify)
}

// captureRemote фиксирует удаленный tag и цель диалога из 2xx ответа.
func (s *Session) captureRemote(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.path.SetRemoteTag(tag)
		}
	}
	if contact := res.Contact(); contact != nil {
		s.path.SetTarget(contact.Address.String())
	}
}

// sendAck подтверждает 2xx ответ. ACK наследует CSeq номер INVITE.
func (s *Session) sendAck(ctx context.Context) {
	ack, err := s.factory.CreateAck(s.path)
	if err != nil {
		s.logger.Warn(ctx, "не удалось построить ACK",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
		return
	}
	if err := s.exec.Write(ack); err != nil {
		s.logger.Warn(ctx, "не удалось отправить ACK",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}
}

func (s *Session) sendByeBestEffort(ctx context.Context) {
	s.path.NextCSeq()
	if _, err := auth.ExecuteWithRetry(ctx, s.exec, s.agent, s.path, func() (*sip.Request, error) {
		return s.factory.CreateBye(s.path)
	}, 0, nil); err != nil {
		s.logger.Warn(ctx, "BYE не доставлен",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}
}

func (s *Session) sendCancelBestEffort(ctx context.Context) {
	cancel, err := s.factory.CreateCancel(s.path)
	if err != nil {
		s.logger.Warn(ctx, "не удалось построить CANCEL",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
		return
	}
	if _, err := s.exec.Execute(ctx, cancel); err != nil {
		s.logger.Warn(ctx, "CANCEL не доставлен",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}
}

func (s *Session) respond(res *sip.Response) {
	if s.serverTx == nil {
		return
	}
	if err := s.serverTx.Respond(res); err != nil {
		s.logger.Warn(context.Background(), "не удалось отправить ответ на приглашение",
			dialog.String("call_id", s.path.CallID()), dialog.Err(err))
	}
}
