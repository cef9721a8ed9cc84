package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/auth"
	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
	"github.com/arzzra/rcs_core/pkg/message"
	"github.com/arzzra/rcs_core/pkg/transaction"
)

// mockClientTx клиентская транзакция с заранее подготовленным каналом
// ответов.
type mockClientTx struct {
	ch chan *sip.Response
}

func (m *mockClientTx) Responses() <-chan *sip.Response { return m.ch }
func (m *mockClientTx) Err() error                      { return nil }
func (m *mockClientTx) Terminate()                      {}

// mockSender транспорт для тестов: handler строит финальный ответ на
// каждый запрос, nil означает таймаут. Для метода из manual канал
// ответов отдается тесту на ручное управление.
type mockSender struct {
	mu       sync.Mutex
	handler  func(req *sip.Request) *sip.Response
	requests []*sip.Request
	written  []*sip.Request
	manual   map[string]chan *sip.Response
}

func newMockSender(handler func(req *sip.Request) *sip.Response) *mockSender {
	return &mockSender{handler: handler, manual: make(map[string]chan *sip.Response)}
}

func (m *mockSender) TransactionRequest(ctx context.Context, req *sip.Request) (transaction.ClientTransaction, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	manualCh, isManual := m.manual[string(req.Method)]
	m.mu.Unlock()

	if isManual {
		return &mockClientTx{ch: manualCh}, nil
	}

	ch := make(chan *sip.Response, 1)
	if res := m.handler(req); res != nil {
		ch <- res
	}
	close(ch)
	return &mockClientTx{ch: ch}, nil
}

func (m *mockSender) WriteRequest(req *sip.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, req)
	return nil
}

func (m *mockSender) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, string(req.Method))
	}
	return out
}

func (m *mockSender) request(i int) *sip.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *mockSender) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockServerTx серверная транзакция, записывающая ответы.
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

func (m *mockServerTx) codes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.responses))
	for _, res := range m.responses {
		out = append(out, int(res.StatusCode))
	}
	return out
}

// recordingListener считает события жизненного цикла.
type recordingListener struct {
	mu          sync.Mutex
	started     int
	established int
	byLocal     int
	byRemote    int
	aborted     []string
	rejected    []int
	errs        []error
}

func (r *recordingListener) OnSessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingListener) OnSessionEstablished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established++
}

func (r *recordingListener) OnSessionAborted(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, reason)
}

func (r *recordingListener) OnSessionTerminatedByLocal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLocal++
}

func (r *recordingListener) OnSessionTerminatedByRemote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRemote++
}

func (r *recordingListener) OnSessionRejected(statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, statusCode)
}

func (r *recordingListener) OnSessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingListener) snapshot() recordingListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingListener{
		started:     r.started,
		established: r.established,
		byLocal:     r.byLocal,
		byRemote:    r.byRemote,
		aborted:     append([]string(nil), r.aborted...),
		rejected:    append([]int(nil), r.rejected...),
		errs:        append([]error(nil), r.errs...),
	}
}

func testProfile() *config.UserProfile {
	return &config.UserProfile{
		PublicURI:  "sip:+111@home.net",
		PrivateID:  "user@home.net",
		Password:   "secret",
		HomeDomain: "home.net",
	}
}

func testParams(t *testing.T, sender *mockSender, path *dialog.DialogPath) Params {
	t.Helper()
	profile := testProfile()
	factory, err := message.NewFactory(profile, "sip:10.0.0.1:5060", "udp", "rcs-core-test", dialog.NoOpLogger{})
	require.NoError(t, err)

	return Params{
		Path:          path,
		Agent:         auth.NewAgent(profile, dialog.NoOpLogger{}),
		Executor:      transaction.NewExecutor(sender, 2*time.Second, dialog.NoOpLogger{}),
		Factory:       factory,
		Logger:        dialog.NoOpLogger{},
		RingingPeriod: time.Second,
	}
}

func originatingPath() *dialog.DialogPath {
	return dialog.NewOriginatingPath(
		dialog.GenerateCallID("home.net"), 1,
		"sip:+222@home.net", "sip:+111@home.net", "sip:+222@home.net", nil)
}

func newOriginatingSession(t *testing.T, handler func(req *sip.Request) *sip.Response) (*Session, *mockSender, *recordingListener) {
	t.Helper()
	sender := newMockSender(handler)
	s := NewSession(testParams(t, sender, originatingPath()))
	rec := &recordingListener{}
	s.AddListener(rec)
	return s, sender, rec
}

func incomingInvite(t *testing.T) *sip.Request {
	t.Helper()
	var target sip.Uri
	require.NoError(t, sip.ParseUri("sip:+111@10.0.0.1:5060", &target))
	req := sip.NewRequest(sip.INVITE, target)

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.2.2.2", Port: 5060,
		Params: sip.NewParams().Add("branch", dialog.GenerateBranch()),
	})

	var fromURI, toURI, contactURI sip.Uri
	require.NoError(t, sip.ParseUri("sip:+222@home.net", &fromURI))
	require.NoError(t, sip.ParseUri("sip:+111@home.net", &toURI))
	require.NoError(t, sip.ParseUri("sip:+222@10.2.2.2:5060", &contactURI))

	req.AppendHeader(&sip.FromHeader{Address: fromURI, Params: sip.NewParams().Add("tag", "remote-tag")})
	req.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-in-1@home.net")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: contactURI, Params: sip.NewParams()})
	return req
}

func newTerminatingSession(t *testing.T, ringing time.Duration) (*Session, *mockServerTx, *recordingListener) {
	t.Helper()
	invite := incomingInvite(t)
	serverTx := &mockServerTx{}
	params := testParams(t, newMockSender(func(req *sip.Request) *sip.Response { return nil }), dialog.NewTerminatingPath(invite))
	if ringing > 0 {
		params.RingingPeriod = ringing
	}
	s := NewTerminatingSession(params, invite, serverTx)
	rec := &recordingListener{}
	s.AddListener(rec)
	return s, serverTx, rec
}

func ok200(req *sip.Request, remoteTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if to := res.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params = to.Params.Add("tag", remoteTag)
		}
	}
	var contactURI sip.Uri
	_ = sip.ParseUri("sip:+222@10.3.3.3:5080", &contactURI)
	res.AppendHeader(&sip.ContactHeader{Address: contactURI, Params: sip.NewParams()})
	return res
}

func buildInviteFor(s *Session) func() (*sip.Request, error) {
	return func() (*sip.Request, error) {
		return s.factory.CreateInvite(s.path, nil, "application/sdp", []byte("v=0\r\n"))
	}
}

func TestTerminateIdempotent(t *testing.T) {
	s, _, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response { return nil })

	s.Terminate(context.Background())
	s.Terminate(context.Background())

	snap := rec.snapshot()
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonAborted, s.Reason())
	assert.Len(t, snap.aborted, 1, "повторное завершение не уведомляет слушателей")
	assert.True(t, s.Path().IsTerminated())
}

func TestRunOriginatingEstablished(t *testing.T) {
	s, sender, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response {
		return ok200(req, "remote-tag-1")
	})

	require.NoError(t, s.RunOriginating(context.Background(), buildInviteFor(s)))

	assert.Equal(t, StateEstablished, s.State())
	snap := rec.snapshot()
	assert.Equal(t, 1, snap.started)
	assert.Equal(t, 1, snap.established)

	assert.Equal(t, "remote-tag-1", s.Path().RemoteTag())
	assert.Contains(t, s.Path().Target(), "10.3.3.3:5080", "цель обновлена из Contact ответа")
	assert.True(t, s.Path().IsSigEstablished())

	// ACK подтверждает 2xx с тем же CSeq номером
	require.Len(t, sender.written, 1)
	ack := sender.written[0]
	assert.Equal(t, sip.ACK, ack.Method)
	require.NotNil(t, ack.CSeq())
	assert.Equal(t, uint32(1), ack.CSeq().SeqNo)
}

func TestRunOriginatingAuthRetry(t *testing.T) {
	invites := 0
	s, sender, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response {
		if req.Method != sip.INVITE {
			return ok200(req, "remote-tag-1")
		}
		invites++
		if invites == 1 {
			res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
			res.AppendHeader(sip.NewHeader("Proxy-Authenticate",
				`Digest realm="home.net", nonce="f00baa", algorithm=MD5, qop="auth"`))
			return res
		}
		return ok200(req, "remote-tag-1")
	})

	require.NoError(t, s.RunOriginating(context.Background(), buildInviteFor(s)))

	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, 1, rec.snapshot().established)
	assert.Equal(t, 2, invites, "ровно один повтор после challenge")

	first, second := sender.request(0), sender.request(1)
	assert.Nil(t, first.GetHeader("Proxy-Authorization"), "первая отправка без авторизации")

	authz := second.GetHeader("Proxy-Authorization")
	require.NotNil(t, authz)
	assert.Contains(t, authz.Value(), `username="user@home.net"`)
	assert.Contains(t, authz.Value(), "nc=00000001")

	require.NotNil(t, second.CSeq())
	assert.Equal(t, uint32(2), second.CSeq().SeqNo, "повтор идет с инкрементированным CSeq")
}

func TestRunOriginatingSecondChallengeFails(t *testing.T) {
	s, _, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response {
		res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate",
			`Digest realm="home.net", nonce="f00baa", algorithm=MD5, qop="auth"`))
		return res
	})

	err := s.RunOriginating(context.Background(), buildInviteFor(s))
	require.Error(t, err)
	assert.Equal(t, "AUTHENTICATION_FAILED", dialog.GetErrorCode(err))

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonError, s.Reason())
	assert.Len(t, rec.snapshot().errs, 1)
}

func TestRunOriginatingRejected(t *testing.T) {
	s, _, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	})

	require.NoError(t, s.RunOriginating(context.Background(), buildInviteFor(s)))

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonRejected, s.Reason())
	assert.Equal(t, []int{486}, rec.snapshot().rejected)
}

func TestRunOriginatingTimeout(t *testing.T) {
	s, _, rec := newOriginatingSession(t, func(req *sip.Request) *sip.Response {
		return nil
	})

	err := s.RunOriginating(context.Background(), buildInviteFor(s))
	require.Error(t, err)
	assert.Equal(t, "TRANSACTION_TIMEOUT", dialog.GetErrorCode(err))
	assert.Equal(t, ReasonError, s.Reason())
	assert.Len(t, rec.snapshot().errs, 1)
}

func TestLateOkAfterLocalAbortSendsBye(t *testing.T) {
	sender := newMockSender(func(req *sip.Request) *sip.Response {
		// CANCEL и BYE подтверждаются сразу
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})
	inviteCh := make(chan *sip.Response, 1)
	sender.manual["INVITE"] = inviteCh

	s := NewSession(testParams(t, sender, originatingPath()))
	rec := &recordingListener{}
	s.AddListener(rec)

	done := make(chan error, 1)
	go func() {
		done <- s.RunOriginating(context.Background(), buildInviteFor(s))
	}()

	// Ждем отправки INVITE и завершаем локально
	require.Eventually(t, func() bool { return sender.requestCount() >= 1 }, time.Second, 5*time.Millisecond)
	s.Terminate(context.Background())

	// Поздний 2xx после отмены: диалог закрывается через ACK + BYE
	inviteCh <- ok200(sender.request(0), "remote-tag-1")

	require.NoError(t, <-done)

	snap := rec.snapshot()
	assert.Equal(t, StateTerminated, s.State())
	assert.Len(t, snap.aborted, 1)
	assert.Zero(t, snap.established, "сессия не устанавливается после локального завершения")

	methods := strings.Join(sender.sentMethods(), " ")
	assert.Contains(t, methods, "CANCEL")
	assert.Contains(t, methods, "BYE")
}

func TestRunTerminatingAccept(t *testing.T) {
	s, serverTx, rec := newTerminatingSession(t, 0)

	s.Accept()
	require.NoError(t, s.RunTerminating(context.Background(), func() *sip.Response {
		return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", []byte("v=0\r\n"))
	}))

	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, []int{180, 200}, serverTx.codes())
	assert.Equal(t, 1, rec.snapshot().established)
	assert.True(t, s.Path().IsSigEstablished())
}

func TestRunTerminatingReject(t *testing.T) {
	s, serverTx, rec := newTerminatingSession(t, 0)

	s.Reject()
	require.NoError(t, s.RunTerminating(context.Background(), func() *sip.Response {
		return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", nil)
	}))

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonByLocal, s.Reason())
	assert.Equal(t, []int{180, 603}, serverTx.codes())
	assert.Equal(t, 1, rec.snapshot().byLocal)
}

func TestRunTerminatingRingingExpires(t *testing.T) {
	s, serverTx, rec := newTerminatingSession(t, 30*time.Millisecond)

	require.NoError(t, s.RunTerminating(context.Background(), func() *sip.Response {
		return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", nil)
	}))

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonAborted, s.Reason())
	assert.Equal(t, []int{180, 480}, serverTx.codes())
	assert.Len(t, rec.snapshot().aborted, 1)
}

func TestReceiveCancelDuringRinging(t *testing.T) {
	s, serverTx, rec := newTerminatingSession(t, 2*time.Second)

	done := make(chan error, 1)
	go func() {
		done <- s.RunTerminating(context.Background(), func() *sip.Response {
			return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", nil)
		})
	}()

	// Дожидаемся 180 и отменяем со стороны вызывающего
	require.Eventually(t, func() bool { return len(serverTx.codes()) >= 1 }, time.Second, 5*time.Millisecond)

	cancelTx := &mockServerTx{}
	cancel := incomingInvite(t)
	cancel.Method = sip.CANCEL
	s.ReceiveCancel(context.Background(), cancel, cancelTx)

	require.NoError(t, <-done)

	assert.Equal(t, []int{200}, cancelTx.codes(), "CANCEL подтвержден")
	assert.Equal(t, []int{180, 487}, serverTx.codes(), "неотвеченный INVITE завершен 487")
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonByRemote, s.Reason())
	assert.Equal(t, 1, rec.snapshot().byRemote)
}

func TestReceiveCancelAfterEstablishedIgnored(t *testing.T) {
	s, serverTx, rec := newTerminatingSession(t, 0)

	s.Accept()
	require.NoError(t, s.RunTerminating(context.Background(), func() *sip.Response {
		return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", nil)
	}))
	require.Equal(t, StateEstablished, s.State())

	cancelTx := &mockServerTx{}
	cancel := incomingInvite(t)
	cancel.Method = sip.CANCEL
	s.ReceiveCancel(context.Background(), cancel, cancelTx)

	assert.Equal(t, []int{200}, cancelTx.codes(), "CANCEL подтвержден даже когда он запоздал")
	assert.Equal(t, StateEstablished, s.State(), "установленная сессия не отменяется")
	assert.Zero(t, rec.snapshot().byRemote)
	assert.Equal(t, []int{180, 200}, serverTx.codes(), "487 не отправляется")
}

func TestReceiveByeTerminates(t *testing.T) {
	s, _, rec := newTerminatingSession(t, 0)

	s.Accept()
	require.NoError(t, s.RunTerminating(context.Background(), func() *sip.Response {
		return s.factory.Create200OkInvite(s.path, s.invite, nil, "application/sdp", nil)
	}))

	byeTx := &mockServerTx{}
	bye := incomingInvite(t)
	bye.Method = sip.BYE
	s.ReceiveBye(context.Background(), bye, byeTx)

	assert.Equal(t, []int{200}, byeTx.codes())
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonByRemote, s.Reason())
	assert.Equal(t, 1, rec.snapshot().byRemote)

	// Последующий локальный Terminate не производит эффекта
	s.Terminate(context.Background())
	snap := rec.snapshot()
	assert.Equal(t, 1, snap.byRemote)
	assert.Zero(t, snap.byLocal)
}
