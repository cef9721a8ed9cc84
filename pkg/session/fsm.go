// Package session реализует жизненный цикл сервисных сессий IMS:
// конечный автомат состояний, уведомление слушателей и базовую сессию
// с INVITE диалогом, на которую опираются конкретные сервисы (чат,
// передача контента).
package session

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// State состояние сессии.
type State string

const (
	// StateIdle сессия создана, обмен приглашениями не начат
	StateIdle State = "idle"
	// StatePending идет обмен приглашениями
	StatePending State = "pending"
	// StateEstablished сессия установлена
	StateEstablished State = "established"
	// StateTerminated терминальное состояние; повторные переходы в него
	// не производят эффекта
	StateTerminated State = "terminated"
)

// TerminationReason причина завершения сессии.
type TerminationReason int

const (
	// ReasonNone сессия не завершена
	ReasonNone TerminationReason = iota
	// ReasonByLocal завершена локальной стороной
	ReasonByLocal
	// ReasonByRemote завершена удаленной стороной
	ReasonByRemote
	// ReasonRejected приглашение отклонено удаленной стороной
	ReasonRejected
	// ReasonAborted прервана локально до установления
	ReasonAborted
	// ReasonError завершена из-за ошибки протокола или транспорта
	ReasonError
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonByLocal:
		return "by_local"
	case ReasonByRemote:
		return "by_remote"
	case ReasonRejected:
		return "rejected"
	case ReasonAborted:
		return "aborted"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// StateMachine линеаризует переходы состояний сессии. Все события
// проходят под одним мьютексом, поэтому наблюдаемая последовательность
// переходов одинакова для всех слушателей. Терминальное состояние
// идемпотентно: повторный Terminate не меняет причину и сообщает
// вызывающему, что эффекта не было.
type StateMachine struct {
	mu     sync.Mutex
	fsm    *fsm.FSM
	reason TerminationReason
}

// NewStateMachine создает автомат в состоянии Idle.
func NewStateMachine() *StateMachine {
	m := &StateMachine{}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			// Начало обмена приглашениями
			{Name: "start", Src: []string{string(StateIdle)}, Dst: string(StatePending)},
			// Установление сессии
			{Name: "establish", Src: []string{string(StatePending)}, Dst: string(StateEstablished)},
			// Завершение из любого нетерминального состояния
			{Name: "terminate", Src: []string{string(StateIdle), string(StatePending), string(StateEstablished)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{},
	)
	return m
}

// State возвращает текущее состояние.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Reason возвращает причину завершения (ReasonNone до завершения).
func (m *StateMachine) Reason() TerminationReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Start переводит Idle -> Pending.
func (m *StateMachine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.event("start")
}

// Establish переводит Pending -> Established.
func (m *StateMachine) Establish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.event("establish")
}

// Terminate переводит сессию в терминальное состояние с указанной
// причиной. Возвращает true, если переход произошел именно сейчас;
// false - сессия уже была завершена, причина не изменилась и
// уведомлять слушателей не нужно.
func (m *StateMachine) Terminate(reason TerminationReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() == string(StateTerminated) {
		return false
	}
	if err := m.event("terminate"); err != nil {
		return false
	}
	m.reason = reason
	return true
}

func (m *StateMachine) event(name string) error {
	if err := m.fsm.Event(context.Background(), name); err != nil {
		return errInvalidTransition(m.fsm.Current(), name, err)
	}
	return nil
}
