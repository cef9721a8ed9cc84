// Package config загружает настройки IMS стека из переменных окружения.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/arzzra/rcs_core/pkg/dialog"
)

// UserProfile профиль пользователя IMS: идентичности и учетные данные
// для digest аутентификации.
type UserProfile struct {
	// Публичная идентичность (From/P-Preferred-Identity), SIP URI
	PublicURI string `env:"IMS_PUBLIC_URI,required"`
	// Приватная идентичность для digest username
	PrivateID string `env:"IMS_PRIVATE_ID,required"`
	// Пароль digest аутентификации
	Password string `env:"IMS_PASSWORD"`
	// Домашний домен оператора
	HomeDomain string `env:"IMS_HOME_DOMAIN,required"`
	// Display name для From (опционально)
	DisplayName string `env:"IMS_DISPLAY_NAME"`
}

// HasCredentials сообщает, доступны ли учетные данные для ответа на
// challenge.
func (p *UserProfile) HasCredentials() bool {
	return p.PrivateID != "" && p.Password != ""
}

// AnonymousURI возвращает анонимную локальную сторону для anonymous fetch
// процедуры.
func (p *UserProfile) AnonymousURI() string {
	return "sip:anonymous@" + p.HomeDomain
}

// StackConfig параметры SIP стека и сервисов поверх него.
type StackConfig struct {
	// Локальный адрес и транспорт стека
	LocalHost string `env:"SIP_LOCAL_HOST" envDefault:"127.0.0.1"`
	LocalPort int    `env:"SIP_LOCAL_PORT" envDefault:"5060"`
	Transport string `env:"SIP_TRANSPORT" envDefault:"udp"`

	// Исходящий прокси (P-CSCF), пусто - напрямую по Request-URI
	OutboundProxy string `env:"SIP_OUTBOUND_PROXY"`

	// User-Agent для исходящих запросов
	UserAgent string `env:"SIP_USER_AGENT" envDefault:"rcs-core/1.0"`

	// Таймаут ожидания финального ответа транзакции
	TransactionTimeout time.Duration `env:"SIP_TRANSACTION_TIMEOUT" envDefault:"30s"`

	// Период регистрации (секунды)
	RegisterExpirePeriod int `env:"IMS_REGISTER_EXPIRE" envDefault:"3600"`

	// Период подписок presence/presence.winfo (секунды)
	SubscribeExpirePeriod int `env:"IMS_SUBSCRIBE_EXPIRE" envDefault:"3600"`

	// Период публикации presence документа (секунды)
	PublishExpirePeriod int `env:"IMS_PUBLISH_EXPIRE" envDefault:"3600"`

	// Session-Expires для INVITE сессий (секунды); значение ниже 90
	// отключает сессионный таймер
	SessionExpireTime int `env:"IMS_SESSION_EXPIRE" envDefault:"0"`

	// Срок годности кэша возможностей контактов (секунды)
	CapabilityRefreshTimeout int `env:"RCS_CAPABILITY_REFRESH" envDefault:"86400"`

	// Conference factory URI для групповых чатов; пусто - групповой чат
	// адресуется напрямую первому участнику
	ConferenceURI string `env:"RCS_CONFERENCE_URI"`

	// Период звонка до автоматического отклонения входящей сессии
	RingingPeriod time.Duration `env:"RCS_RINGING_PERIOD" envDefault:"60s"`

	// Адрес Prometheus endpoint'а; пусто - метрики не экспонируются
	MetricsAddr string `env:"METRICS_ADDR"`
}

// CapabilityRefresh возвращает срок годности кэша возможностей как
// Duration.
func (c *StackConfig) CapabilityRefresh() time.Duration {
	return time.Duration(c.CapabilityRefreshTimeout) * time.Second
}

// Validate проверяет согласованность конфигурации.
func (c *StackConfig) Validate() error {
	switch strings.ToLower(c.Transport) {
	case "udp", "tcp", "tls":
	default:
		return dialog.ErrInvalidConfig("SIP_TRANSPORT", c.Transport, "допустимы udp, tcp, tls")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return dialog.ErrInvalidConfig("SIP_LOCAL_PORT", c.LocalPort, "вне диапазона портов")
	}
	if c.TransactionTimeout <= 0 {
		return dialog.ErrInvalidConfig("SIP_TRANSACTION_TIMEOUT", c.TransactionTimeout, "должен быть положительным")
	}
	return nil
}

// New загружает конфигурацию указанного типа из переменных окружения.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv подгружает ENV_FILE (или .env по умолчанию) в окружение.
// Отсутствие файла не считается ошибкой при пустом ENV_FILE.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return godotenv.Load(envfile)
}
