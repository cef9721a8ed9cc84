package session

import (
	"sync"

	"github.com/arzzra/rcs_core/pkg/dialog"
)

func errInvalidTransition(from, event string, cause error) error {
	return dialog.ErrInvalidStateTransition(from, event).WithCause(cause)
}

// Listener получает события жизненного цикла сессии. Каждое
// терминальное событие доставляется не более одного раза; порядок
// событий одинаков для всех слушателей.
type Listener interface {
	// OnSessionStarted обмен приглашениями начался
	OnSessionStarted()
	// OnSessionEstablished сессия установлена
	OnSessionEstablished()
	// OnSessionAborted сессия прервана локально до установления
	OnSessionAborted(reason string)
	// OnSessionTerminatedByLocal сессия завершена локальной стороной
	OnSessionTerminatedByLocal()
	// OnSessionTerminatedByRemote сессия завершена удаленной стороной
	OnSessionTerminatedByRemote()
	// OnSessionRejected приглашение отклонено удаленной стороной
	OnSessionRejected(statusCode int)
	// OnSessionError сессия завершена из-за ошибки
	OnSessionError(err error)
}

// ListenerAdapter пустая реализация Listener для выборочного
// переопределения.
type ListenerAdapter struct{}

func (ListenerAdapter) OnSessionStarted()                  {}
func (ListenerAdapter) OnSessionEstablished()              {}
func (ListenerAdapter) OnSessionAborted(reason string)     {}
func (ListenerAdapter) OnSessionTerminatedByLocal()        {}
func (ListenerAdapter) OnSessionTerminatedByRemote()       {}
func (ListenerAdapter) OnSessionRejected(statusCode int)   {}
func (ListenerAdapter) OnSessionError(err error)           {}

// listenerRegistry потокобезопасный список слушателей. Добавление и
// удаление допустимы в любом состоянии сессии, включая терминальное.
type listenerRegistry struct {
	mu        sync.Mutex
	listeners []Listener
}

func (r *listenerRegistry) Add(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *listenerRegistry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// notify вызывает fn на снимке списка слушателей. Снимок позволяет
// слушателю удалять себя из собственного колбэка.
func (r *listenerRegistry) notify(fn func(Listener)) {
	r.mu.Lock()
	snapshot := make([]Listener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		fn(l)
	}
}
