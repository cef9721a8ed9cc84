package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

type mockClientTx struct {
	ch chan *sip.Response
}

func (m *mockClientTx) Responses() <-chan *sip.Response { return m.ch }
func (m *mockClientTx) Err() error                      { return nil }
func (m *mockClientTx) Terminate()                      {}

// mockSender транспорт для тестов: handler строит финальный ответ, nil
// означает таймаут транзакции.
type mockSender struct {
	mu       sync.Mutex
	handler  func(req *sip.Request) *sip.Response
	requests []*sip.Request
}

func (m *mockSender) TransactionRequest(ctx context.Context, req *sip.Request) (transaction.ClientTransaction, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	ch := make(chan *sip.Response, 1)
	if res := m.handler(req); res != nil {
		ch <- res
	}
	close(ch)
	return &mockClientTx{ch: ch}, nil
}

func (m *mockSender) WriteRequest(req *sip.Request) error { return nil }

func (m *mockSender) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockSender) request(i int) *sip.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// mockTransport генератор Call-ID и маршрут к домашней сети.
type mockTransport struct {
	mu      sync.Mutex
	counter int
}

func (t *mockTransport) GenerateCallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return fmt.Sprintf("call-%d@home.net", t.counter)
}

func (t *mockTransport) ServiceRoutePath() []string {
	return []string{"<sip:pcscf.home.net;lr>"}
}

type mockAddressBook struct {
	mu     sync.Mutex
	events []string
}

func (b *mockAddressBook) PauseMonitoring() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "pause")
}

func (b *mockAddressBook) ResumeMonitoring() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "resume")
}

type mockServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (m *mockServerTx) Respond(res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return nil
}

func testDeps(t *testing.T, handler func(req *sip.Request) *sip.Response) (Deps, *mockSender) {
	t.Helper()
	sender := &mockSender{handler: handler}
	profile := &config.UserProfile{
		PublicURI:  "sip:+111@home.net",
		PrivateID:  "user@home.net",
		Password:   "secret",
		HomeDomain: "home.net",
	}
	cfg := &config.StackConfig{
		Transport:                "udp",
		TransactionTimeout:       2 * time.Second,
		SubscribeExpirePeriod:    3600,
		PublishExpirePeriod:      3600,
		CapabilityRefreshTimeout: 3600,
	}
	factory, err := message.NewFactory(profile, "sip:10.0.0.1:5060", "udp", "rcs-core-test", dialog.NoOpLogger{})
	require.NoError(t, err)

	return Deps{
		Config:    cfg,
		Profile:   profile,
		Transport: &mockTransport{},
		Executor:  transaction.NewExecutor(sender, 2*time.Second, dialog.NoOpLogger{}),
		Factory:   factory,
		Logger:    dialog.NoOpLogger{},
	}, sender
}

func respond(req *sip.Request, code int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(req, code, reason, nil)
}

func TestPidfRoundTrip(t *testing.T) {
	caps := capability.Capabilities{ImageSharing: true, IMSession: true}
	doc := BuildCapabilitiesDocument("sip:+111@home.net", caps, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	parsed, entity, err := ParseCapabilities(doc)
	require.NoError(t, err)
	assert.Equal(t, "sip:+111@home.net", entity)
	assert.True(t, parsed.ImageSharing)
	assert.True(t, parsed.IMSession)
	assert.False(t, parsed.VideoSharing)
	assert.False(t, parsed.FileTransfer)
	assert.False(t, parsed.CSVideo)
}

func TestPidfEmptyBody(t *testing.T) {
	caps, entity, err := ParseCapabilities(nil)
	require.NoError(t, err)
	assert.Empty(t, entity)
	assert.False(t, caps.Supported())
}

func TestPidfOfflineDocument(t *testing.T) {
	doc := string(BuildOfflineDocument("sip:+111@home.net"))
	assert.Contains(t, doc, `entity="sip:+111@home.net"`)
	assert.Contains(t, doc, "<basic>closed</basic>")
}

func TestSubscribeSuccess(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		res := respond(req, sip.StatusOK, "OK")
		res.AppendHeader(sip.NewHeader("Expires", "1800"))
		if to := res.To(); to != nil {
			to.Params = to.Params.Add("tag", "server-tag")
		}
		return res
	})

	m := NewPresenceSubscribeManager(deps, nil)
	require.NoError(t, m.Subscribe(context.Background()))
	assert.True(t, m.IsSubscribed())

	req := sender.request(0)
	assert.Equal(t, sip.SUBSCRIBE, req.Method)
	assert.Equal(t, "presence", req.GetHeader("Event").Value())
	assert.Contains(t, req.GetHeader("Accept").Value(), "application/rlmi+xml")
	assert.Contains(t, req.Recipient.String(), "pres-list=rcs")

	supported := false
	for _, h := range req.GetHeaders("Supported") {
		if h.Value() == "eventlist" {
			supported = true
		}
	}
	assert.True(t, supported, "eventlist подписка")
}

func TestSubscribeIntervalTooBrief(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		if req.GetHeader("Expires").Value() == "3600" {
			res := respond(req, sip.StatusIntervalToBrief, "Interval Too Brief")
			res.AppendHeader(sip.NewHeader("Min-Expires", "7200"))
			return res
		}
		return respond(req, sip.StatusOK, "OK")
	})

	m := NewWatcherInfoSubscribeManager(deps, nil)
	require.NoError(t, m.Subscribe(context.Background()))
	assert.True(t, m.IsSubscribed())

	require.Equal(t, 2, sender.requestCount())
	retry := sender.request(1)
	assert.Equal(t, "7200", retry.GetHeader("Expires").Value())
	assert.Equal(t, uint32(2), retry.CSeq().SeqNo)
}

func TestSubscribeTerminatedByServer(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})

	m := NewPresenceSubscribeManager(deps, nil)
	require.NoError(t, m.Subscribe(context.Background()))

	notify := buildNotify(t, "presence", sender.request(0).CallID().Value(), "sip:+111@home.net", nil)
	notify.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=timeout"))
	m.ReceiveNotification(context.Background(), notify)

	assert.False(t, m.IsSubscribed(), "terminated сбрасывает состояние подписки")
}

func TestSubscribeIgnoresForeignNotify(t *testing.T) {
	deps, _ := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})

	delivered := 0
	m := NewPresenceSubscribeManager(deps, func(ctx context.Context, notify *sip.Request) {
		delivered++
	})
	require.NoError(t, m.Subscribe(context.Background()))

	notify := buildNotify(t, "presence", "another-call@home.net", "sip:+111@home.net", nil)
	m.ReceiveNotification(context.Background(), notify)
	assert.Zero(t, delivered, "NOTIFY чужого диалога не доставляется")
}

func TestPublishTracksEntityTag(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		res := respond(req, sip.StatusOK, "OK")
		res.AppendHeader(sip.NewHeader("SIP-ETag", "etag-1"))
		return res
	})

	m := NewPublishManager(deps)
	require.NoError(t, m.Publish(context.Background(), []byte("<presence/>")))
	assert.True(t, m.IsPublished())
	assert.Equal(t, "etag-1", m.EntityTag())

	first := sender.request(0)
	assert.Nil(t, first.GetHeader("SIP-If-Match"), "первая публикация без условия")
	assert.Equal(t, "presence", first.GetHeader("Event").Value())

	require.NoError(t, m.Publish(context.Background(), []byte("<presence/>")))
	second := sender.request(1)
	require.NotNil(t, second.GetHeader("SIP-If-Match"))
	assert.Equal(t, "etag-1", second.GetHeader("SIP-If-Match").Value())
	assert.Equal(t, uint32(2), second.CSeq().SeqNo)
}

func TestPublishConditionalRetry(t *testing.T) {
	calls := 0
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		calls++
		if req.GetHeader("SIP-If-Match") != nil {
			return respond(req, 412, "Conditional Request Failed")
		}
		res := respond(req, sip.StatusOK, "OK")
		res.AppendHeader(sip.NewHeader("SIP-ETag", fmt.Sprintf("etag-%d", calls)))
		return res
	})

	m := NewPublishManager(deps)
	require.NoError(t, m.Publish(context.Background(), []byte("<presence/>")))
	require.NoError(t, m.Publish(context.Background(), []byte("<presence/>")))

	// Вторая публикация: 412 на SIP-If-Match, затем повтор без тега
	require.Equal(t, 3, sender.requestCount())
	assert.NotNil(t, sender.request(1).GetHeader("SIP-If-Match"))
	assert.Nil(t, sender.request(2).GetHeader("SIP-If-Match"))
	assert.True(t, m.IsPublished())
}

func TestUnpublishOnlyWhenPublished(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})

	m := NewPublishManager(deps)
	m.Unpublish(context.Background())
	assert.Zero(t, sender.requestCount(), "без публикации снимать нечего")

	require.NoError(t, m.Publish(context.Background(), []byte("<presence/>")))
	m.Unpublish(context.Background())

	require.Equal(t, 2, sender.requestCount())
	unpublish := sender.request(1)
	assert.Equal(t, "0", unpublish.GetHeader("Expires").Value())
	assert.False(t, m.IsPublished())
}

func TestFetchNotFoundWritesEmptyCaps(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusNotFound, "Not Found")
	})
	cache := capability.NewCache()
	m := NewFetchManager(deps, cache)

	m.RequestCapabilities(context.Background(), "sip:+333@home.net")

	require.Equal(t, 1, sender.requestCount())
	caps, ok := cache.Get("sip:+333@home.net")
	require.True(t, ok, "404 фиксирует пустой набор со свежей отметкой")
	assert.False(t, caps.Supported())
	assert.True(t, cache.IsFresh("sip:+333@home.net", time.Hour))

	// Повторный запрос троттлится кэшем
	m.RequestCapabilities(context.Background(), "sip:+333@home.net")
	assert.Equal(t, 1, sender.requestCount())
}

func TestFetchFailureKeepsOldCaps(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusServiceUnavailable, "Service Unavailable")
	})
	cache := capability.NewCache()
	cache.Put("sip:+333@home.net", capability.Capabilities{ImageSharing: true})
	m := NewFetchManager(deps, cache)

	m.fetchOne(context.Background(), "sip:+333@home.net")

	require.Equal(t, 1, sender.requestCount())
	caps, ok := cache.Get("sip:+333@home.net")
	require.True(t, ok)
	assert.True(t, caps.ImageSharing, "отказ сервера не стирает старые данные")
}

func TestFetchSubscribeHeaders(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})
	m := NewFetchManager(deps, capability.NewCache())

	m.fetchOne(context.Background(), "sip:+333@home.net")

	req := sender.request(0)
	assert.Equal(t, sip.SUBSCRIBE, req.Method)
	assert.Equal(t, "0", req.GetHeader("Expires").Value())
	assert.Equal(t, "presence", req.GetHeader("Event").Value())
	assert.Equal(t, "application/pidf+xml", req.GetHeader("Accept").Value())
	assert.Equal(t, "id", req.GetHeader("Privacy").Value())

	require.NotNil(t, req.From())
	assert.Contains(t, req.From().Address.String(), "anonymous@home.net")
}

func TestBatchFetchSkipsFreshAndAlwaysResumes(t *testing.T) {
	deps, sender := testDeps(t, func(req *sip.Request) *sip.Response {
		// SUBSCRIBE для B уходит в таймаут
		return nil
	})
	cache := capability.NewCache()
	cache.Put("sip:+A@home.net", capability.Capabilities{IMSession: true})
	m := NewFetchManager(deps, cache)
	book := &mockAddressBook{}

	m.RequestCapabilitiesBatch(context.Background(),
		[]string{"sip:+A@home.net", "sip:+B@home.net"}, book)

	// Ровно один SUBSCRIBE - для B; запись A свежая
	require.Equal(t, 1, sender.requestCount())
	assert.Contains(t, sender.request(0).Recipient.String(), "+B@home.net")

	// Мониторинг возобновлен несмотря на таймаут
	assert.Equal(t, []string{"pause", "resume"}, book.events)

	// Таймаут B сдвинул отметку, но не создал возможностей
	caps, ok := cache.Get("sip:+B@home.net")
	require.True(t, ok)
	assert.False(t, caps.Supported())
}

func buildNotify(t *testing.T, event, callID, to string, body []byte) *sip.Request {
	t.Helper()
	var target sip.Uri
	require.NoError(t, sip.ParseUri("sip:10.0.0.1:5060", &target))
	req := sip.NewRequest(sip.NOTIFY, target)

	var fromURI, toURI sip.Uri
	require.NoError(t, sip.ParseUri("sip:presence@home.net", &fromURI))
	require.NoError(t, sip.ParseUri(strings.TrimSuffix(strings.TrimPrefix(to, "<"), ">"), &toURI))

	req.AppendHeader(&sip.FromHeader{Address: fromURI, Params: sip.NewParams().Add("tag", "srv")})
	req.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams().Add("tag", "loc")})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	req.AppendHeader(sip.NewHeader("Event", event))
	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/pidf+xml"))
	}
	return req
}

func TestDispatcherRoutesAnonymousNotify(t *testing.T) {
	deps, _ := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})
	cache := capability.NewCache()
	fetch := NewFetchManager(deps, cache)
	d := NewNotifyDispatcher(deps, nil, nil, fetch)

	doc := BuildCapabilitiesDocument("sip:+333@home.net",
		capability.Capabilities{VideoSharing: true}, time.Now())
	notify := buildNotify(t, "presence", "fetch-1@home.net", "sip:anonymous@home.net", doc)

	tx := &mockServerTx{}
	d.HandleNotify(context.Background(), notify, tx)

	// 200 OK отправлен до обработки тела
	require.Len(t, tx.responses, 1)
	assert.Equal(t, sip.StatusOK, tx.responses[0].StatusCode)

	caps, ok := cache.Get("sip:+333@home.net")
	require.True(t, ok)
	assert.True(t, caps.VideoSharing)
}

func TestDispatcherRoutesWatcherInfo(t *testing.T) {
	deps, _ := testDeps(t, func(req *sip.Request) *sip.Response {
		return respond(req, sip.StatusOK, "OK")
	})

	delivered := 0
	watcher := NewWatcherInfoSubscribeManager(deps, func(ctx context.Context, notify *sip.Request) {
		delivered++
	})
	require.NoError(t, watcher.Subscribe(context.Background()))

	d := NewNotifyDispatcher(deps, nil, watcher, nil)

	notify := buildNotify(t, "presence.winfo;id=77", watcherCallID(watcher), "sip:+111@home.net", nil)
	d.HandleNotify(context.Background(), notify, &mockServerTx{})

	assert.Equal(t, 1, delivered)
}

func watcherCallID(m *SubscribeManager) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path.CallID()
}
