package dialog

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок стека для классификации
type ErrorCategory string

const (
	// Ошибки окружения и транспорта
	ErrorCategorySystem    ErrorCategory = "SYSTEM"
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout   ErrorCategory = "TIMEOUT"

	// Ошибки протокола SIP
	ErrorCategoryProtocol    ErrorCategory = "PROTOCOL"
	ErrorCategoryConstruction ErrorCategory = "CONSTRUCTION"
	ErrorCategoryAuth        ErrorCategory = "AUTH"

	// Ошибки уровня сервисов
	ErrorCategorySession  ErrorCategory = "SESSION"
	ErrorCategoryPresence ErrorCategory = "PRESENCE"
	ErrorCategoryConfig   ErrorCategory = "CONFIG"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // Критичная ошибка, требует немедленного внимания
	ErrorSeverityError    ErrorSeverity = "ERROR"    // Серьезная ошибка, операция не может быть завершена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // Предупреждение, операция может быть продолжена
)

// String возвращает строковое представление уровня критичности
func (es ErrorSeverity) String() string {
	return string(es)
}

// StackError структурированная ошибка стека с контекстом
type StackError struct {
	Code     string        `json:"code"`     // Уникальный код ошибки
	Message  string        `json:"message"`  // Человекочитаемое сообщение
	Category ErrorCategory `json:"category"` // Категория ошибки
	Severity ErrorSeverity `json:"severity"` // Уровень критичности

	// Контекст ошибки
	CallID    string    `json:"call_id,omitempty"` // Call-ID диалога
	Method    string    `json:"method,omitempty"`  // SIP метод
	Timestamp time.Time `json:"timestamp"`         // Время возникновения

	// Дополнительные поля
	Fields    map[string]interface{} `json:"fields,omitempty"` // Дополнительный контекст
	Cause     error                  `json:"-"`                // Исходная ошибка
	Retryable bool                   `json:"retryable"`        // Можно ли повторить операцию
}

// Error реализует интерфейс error
func (e *StackError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (Call-ID: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *StackError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *StackError) WithField(key string, value interface{}) *StackError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *StackError) WithCause(cause error) *StackError {
	e.Cause = cause
	return e
}

// WithCallID добавляет контекст диалога
func (e *StackError) WithCallID(callID string) *StackError {
	e.CallID = callID
	return e
}

// NewStackError создает новую структурированную ошибку
func NewStackError(code, message string, category ErrorCategory, severity ErrorSeverity) *StackError {
	return &StackError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Fields:    make(map[string]interface{}),
	}
}

// Предопределенные ошибки для частых случаев

// ErrMessageConstruction ошибка построения SIP сообщения (невалидный URI,
// недостающее поле dialog path).
func ErrMessageConstruction(method, reason string) *StackError {
	return NewStackError(
		"MESSAGE_CONSTRUCTION",
		fmt.Sprintf("Не удалось построить %s: %s", method, reason),
		ErrorCategoryConstruction,
		ErrorSeverityError,
	).WithField("method", method).WithField("reason", reason)
}

// ErrNoChallengeHeader в 401/407 ответе отсутствует challenge заголовок.
func ErrNoChallengeHeader(statusCode int) *StackError {
	return NewStackError(
		"NO_CHALLENGE_HEADER",
		fmt.Sprintf("Ответ %d без WWW-Authenticate/Proxy-Authenticate", statusCode),
		ErrorCategoryAuth,
		ErrorSeverityError,
	).WithField("status_code", statusCode)
}

// ErrCredentialsUnavailable учетные данные пользователя недоступны.
func ErrCredentialsUnavailable(reason string) *StackError {
	return NewStackError(
		"CREDENTIALS_UNAVAILABLE",
		fmt.Sprintf("Учетные данные недоступны: %s", reason),
		ErrorCategoryAuth,
		ErrorSeverityCritical,
	).WithField("reason", reason)
}

// ErrAuthenticationFailed повторный запрос после challenge снова отклонен.
func ErrAuthenticationFailed(method string, statusCode int) *StackError {
	return NewStackError(
		"AUTHENTICATION_FAILED",
		fmt.Sprintf("Аутентификация %s не прошла после повтора (ответ %d)", method, statusCode),
		ErrorCategoryAuth,
		ErrorSeverityError,
	).WithField("method", method).WithField("status_code", statusCode)
}

// ErrTransactionTimeout финальный ответ не получен за отведенное время.
func ErrTransactionTimeout(method string, timeout time.Duration) *StackError {
	err := NewStackError(
		"TRANSACTION_TIMEOUT",
		fmt.Sprintf("Таймаут транзакции %s через %v", method, timeout),
		ErrorCategoryTimeout,
		ErrorSeverityError,
	).WithField("method", method).WithField("timeout", timeout.String())
	err.Retryable = true
	return err
}

// ErrTransportFailure запрос не удалось отправить.
func ErrTransportFailure(operation string, cause error) *StackError {
	err := NewStackError(
		"TRANSPORT_FAILURE",
		fmt.Sprintf("Ошибка транспорта при операции %s", operation),
		ErrorCategoryTransport,
		ErrorSeverityCritical,
	).WithField("operation", operation).WithCause(cause)
	err.Retryable = true
	return err
}

// ErrUnexpectedResponse получен финальный ответ, не предусмотренный
// процедурой.
func ErrUnexpectedResponse(method string, statusCode int, reason string) *StackError {
	return NewStackError(
		"UNEXPECTED_RESPONSE",
		fmt.Sprintf("Неожиданный ответ на %s: %d %s", method, statusCode, reason),
		ErrorCategoryProtocol,
		ErrorSeverityError,
	).WithField("method", method).WithField("status_code", statusCode)
}

// ErrInvalidStateTransition операция недопустима в текущем состоянии сессии.
func ErrInvalidStateTransition(from, event string) *StackError {
	return NewStackError(
		"INVALID_STATE_TRANSITION",
		fmt.Sprintf("Событие '%s' недопустимо в состоянии %s", event, from),
		ErrorCategorySession,
		ErrorSeverityError,
	).WithField("from_state", from).WithField("event", event)
}

// ErrSubscribeFailed подписка не установлена или не обновлена.
func ErrSubscribeFailed(event string, reason string) *StackError {
	return NewStackError(
		"SUBSCRIBE_FAILED",
		fmt.Sprintf("Подписка %s не удалась: %s", event, reason),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("event_package", event).WithField("reason", reason)
}

// ErrPublishFailed публикация presence документа не удалась.
func ErrPublishFailed(reason string) *StackError {
	return NewStackError(
		"PUBLISH_FAILED",
		fmt.Sprintf("Публикация не удалась: %s", reason),
		ErrorCategoryPresence,
		ErrorSeverityError,
	).WithField("reason", reason)
}

// ErrInvalidConfig неверное значение конфигурации.
func ErrInvalidConfig(field string, value interface{}, reason string) *StackError {
	return NewStackError(
		"INVALID_CONFIG",
		fmt.Sprintf("Неверная конфигурация поля '%s': %v (%s)", field, value, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("field", field).WithField("value", value).WithField("reason", reason)
}

// IsTemporary проверяет, является ли ошибка временной
func IsTemporary(err error) bool {
	var se *StackError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if temp, ok := err.(interface{ Temporary() bool }); ok {
		return temp.Temporary()
	}
	return false
}

// IsCritical проверяет, является ли ошибка критичной
func IsCritical(err error) bool {
	var se *StackError
	if errors.As(err, &se) {
		return se.Severity == ErrorSeverityCritical
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var se *StackError
	if errors.As(err, &se) {
		return se.Code
	}
	return "UNKNOWN_ERROR"
}

// GetErrorCategory извлекает категорию ошибки
func GetErrorCategory(err error) ErrorCategory {
	var se *StackError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorCategorySystem
}

// IsAuthError сообщает, относится ли ошибка к аутентификации.
func IsAuthError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuth
}

// IsTimeout сообщает, является ли ошибка таймаутом транзакции.
func IsTimeout(err error) bool {
	return GetErrorCode(err) == "TRANSACTION_TIMEOUT"
}
