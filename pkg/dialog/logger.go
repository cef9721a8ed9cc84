package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
	LogLevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// LogEntry структура записи лога
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`

	// SIP контекст
	CallID string `json:"call_id,omitempty"`
	Method string `json:"method,omitempty"`

	// Техническая информация
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`

	// Произвольные поля
	Fields map[string]interface{} `json:"fields,omitempty"`

	// Ошибка (если есть)
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorCat  string `json:"error_category,omitempty"`
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// Логирование ошибок с раскрытием StackError контекста
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithDialog(path *DialogPath) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// DefaultLogger реализация StructuredLogger
type DefaultLogger struct {
	mu        sync.RWMutex
	level     LogLevel
	output    io.Writer
	component string
	fields    map[string]interface{}

	includeCaller bool
	jsonOutput    bool
}

// NewDefaultLogger создает новый logger с настройками по умолчанию
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:         LogLevelInfo,
		output:        os.Stdout,
		fields:        make(map[string]interface{}),
		includeCaller: true,
		jsonOutput:    true,
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *DefaultLogger) child(component string, fields map[string]interface{}) *DefaultLogger {
	return &DefaultLogger{
		level:         l.level,
		output:        l.output,
		component:     component,
		fields:        fields,
		includeCaller: l.includeCaller,
		jsonOutput:    l.jsonOutput,
	}
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	return l.child(component, copyFields(l.fields))
}

// WithDialog создает logger с контекстом диалога
func (l *DefaultLogger) WithDialog(path *DialogPath) StructuredLogger {
	if path == nil {
		return l
	}

	fields := copyFields(l.fields)
	fields["call_id"] = path.CallID()
	fields["local_tag"] = path.LocalTag()
	if rt := path.RemoteTag(); rt != "" {
		fields["remote_tag"] = rt
	}

	return l.child(l.component, fields)
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	newFields := copyFields(l.fields)
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}
	return l.child(l.component, newFields)
}

// Основные методы логирования
func (l *DefaultLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, nil, fields...)
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, nil, fields...)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, nil, fields...)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, nil, fields...)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, nil, fields...)
}

// LogError логирует ошибку с дополнительной информацией
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))

	// Если это StackError, раскрываем его контекст
	if se, ok := err.(*StackError); ok {
		errorFields = append(errorFields,
			String("error_code", se.Code),
			String("error_category", string(se.Category)),
			String("error_severity", string(se.Severity)),
			Bool("retryable", se.Retryable),
		)
		for k, v := range se.Fields {
			errorFields = append(errorFields, Any(k, v))
		}
	}

	l.log(ctx, LogLevelError, msg, err, errorFields...)
}

// log основной метод логирования
func (l *DefaultLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		Fields:    make(map[string]interface{}, len(l.fields)+len(fields)),
	}

	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	l.extractContextInfo(ctx, &entry)

	if l.includeCaller {
		l.addCallerInfo(&entry)
	}

	if err != nil {
		entry.Error = err.Error()
		if se, ok := err.(*StackError); ok {
			entry.ErrorCode = se.Code
			entry.ErrorCat = string(se.Category)
		}
	}

	l.writeEntry(&entry)
}

// extractContextInfo извлекает информацию из контекста
func (l *DefaultLogger) extractContextInfo(ctx context.Context, entry *LogEntry) {
	if ctx == nil {
		return
	}

	if callID := ctx.Value("call_id"); callID != nil {
		if id, ok := callID.(string); ok {
			entry.CallID = id
		}
	}
}

// addCallerInfo добавляет информацию о вызывающем коде
func (l *DefaultLogger) addCallerInfo(entry *LogEntry) {
	// Пропускаем фреймы logger'а
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return
	}

	entry.File = shortenFilePath(file)
	entry.Line = line
}

// writeEntry выводит запись лога
func (l *DefaultLogger) writeEntry(entry *LogEntry) {
	l.mu.RLock()
	output := l.output
	jsonOutput := l.jsonOutput
	l.mu.RUnlock()

	var line string
	if jsonOutput {
		if data, err := json.Marshal(entry); err == nil {
			line = string(data) + "\n"
		} else {
			line = l.formatSimple(entry)
		}
	} else {
		line = l.formatSimple(entry)
	}

	output.Write([]byte(line))
}

// formatSimple форматирует запись в простом читаемом формате
func (l *DefaultLogger) formatSimple(entry *LogEntry) string {
	var parts []string

	parts = append(parts, entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	parts = append(parts, fmt.Sprintf("[%-5s]", entry.Level))

	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	}
	if entry.CallID != "" {
		parts = append(parts, fmt.Sprintf("Call-ID:%s", entry.CallID))
	}

	parts = append(parts, entry.Message)

	if entry.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%s", entry.Error))
	}
	if entry.File != "" {
		parts = append(parts, fmt.Sprintf("(%s:%d)", entry.File, entry.Line))
	}

	return strings.Join(parts, " ") + "\n"
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func shortenFilePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return path
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)              {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)              {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)              {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                     { return NoOpLogger{} }
func (NoOpLogger) WithDialog(path *DialogPath) StructuredLogger                        { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                         { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                             {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                       { return false }

// Глобальный logger (заменяется через DI при сборке стека)
var defaultLogger StructuredLogger = NewDefaultLogger()

// SetDefaultLogger устанавливает глобальный logger
func SetDefaultLogger(logger StructuredLogger) {
	defaultLogger = logger
}

// GetDefaultLogger возвращает глобальный logger
func GetDefaultLogger() StructuredLogger {
	return defaultLogger
}
