package presence

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

// PublishManager ведет публикацию presence документа пользователя:
// состояние isPublished, entity tag публикации (SIP-ETag из ответа,
// SIP-If-Match на обновлениях) и финальную минимальную публикацию при
// остановке.
type PublishManager struct {
	deps   Deps
	agent  *auth.Agent
	logger dialog.StructuredLogger

	mu        sync.Mutex
	path      *dialog.DialogPath
	published bool
	entityTag string
}

// NewPublishManager создает менеджер публикации.
func NewPublishManager(deps Deps) *PublishManager {
	return &PublishManager{
		deps:   deps,
		agent:  auth.NewAgent(deps.Profile, deps.Logger),
		logger: deps.logger().WithComponent("publish"),
	}
}

// IsPublished сообщает, опубликован ли сейчас presence документ.
func (m *PublishManager) IsPublished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// EntityTag возвращает entity tag текущей публикации.
func (m *PublishManager) EntityTag() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entityTag
}

// Publish публикует presence документ. Первая публикация уходит без
// SIP-If-Match, последующие несут entity tag предыдущей. На 412
// (entity tag устарел на сервере) публикация повторяется один раз с
// чистым состоянием.
func (m *PublishManager) Publish(ctx context.Context, doc []byte) error {
	if err := m.publishOnce(ctx, doc, m.deps.Config.PublishExpirePeriod); err != nil {
		if dialog.GetErrorCode(err) == "PUBLISH_CONDITIONAL_FAILED" {
			// Сервер потерял нашу публикацию: начинаем заново без тега
			m.mu.Lock()
			m.entityTag = ""
			m.mu.Unlock()
			return m.publishOnce(ctx, doc, m.deps.Config.PublishExpirePeriod)
		}
		return err
	}
	return nil
}

// Unpublish снимает публикацию через PUBLISH с Expires: 0 и пустым
// телом. Состояние сбрасывается независимо от исхода.
func (m *PublishManager) Unpublish(ctx context.Context) {
	m.mu.Lock()
	wasPublished := m.published
	m.published = false
	m.mu.Unlock()
	if !wasPublished {
		return
	}

	if err := m.publishOnce(ctx, nil, 0); err != nil {
		m.logger.Warn(ctx, "снятие публикации не доставлено", dialog.Err(err))
	}
}

func (m *PublishManager) publishOnce(ctx context.Context, doc []byte, expires int) error {
	m.mu.Lock()
	if m.path == nil {
		uri := m.deps.Profile.PublicURI
		m.path = dialog.NewOriginatingPath(
			m.deps.Transport.GenerateCallID(), 1,
			uri, uri, uri,
			m.deps.Transport.ServiceRoutePath())
	} else {
		m.path.NextCSeq()
	}
	path := m.path
	entityTag := m.entityTag
	m.mu.Unlock()

	tctx, err := auth.ExecuteWithRetry(ctx, m.deps.Executor, m.agent, path, func() (*sip.Request, error) {
		return m.deps.Factory.CreatePublish(path, expires, entityTag, doc)
	}, 0, nil)
	if err != nil {
		m.setPublished(false)
		return err
	}

	switch {
	case tctx.IsSuccess():
		m.mu.Lock()
		m.published = expires > 0
		if etag := tctx.Response().GetHeader("SIP-ETag"); etag != nil {
			m.entityTag = etag.Value()
		}
		m.mu.Unlock()
		m.logger.Info(ctx, "публикация принята",
			dialog.Int("expires", expires),
			dialog.Bool("has_etag", m.EntityTag() != ""))
		return nil

	case tctx.StatusCode() == 412:
		m.setPublished(false)
		return dialog.NewStackError(
			"PUBLISH_CONDITIONAL_FAILED",
			"entity tag публикации устарел на сервере",
			dialog.ErrorCategoryPresence,
			dialog.ErrorSeverityWarning,
		).WithCallID(path.CallID())

	default:
		m.setPublished(false)
		return dialog.ErrPublishFailed(tctx.ReasonPhrase()).WithCallID(path.CallID())
	}
}

func (m *PublishManager) setPublished(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = v
}
