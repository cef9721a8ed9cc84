package dialog

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// DialogPath хранит состояние одного SIP диалога: идентичность (Call-ID,
// локальный/удаленный tag), стороны, цель запросов, маршрутный набор и
// счетчик CSeq. Все поля защищены мьютексом; геттеры безопасны для
// конкурентного чтения.
//
// Инварианты:
//   - CSeq растет строго монотонно, инкремент только через NextCSeq
//   - удаленный tag записывается один раз и больше не меняется
//   - терминальный флаг необратим
type DialogPath struct {
	mu sync.RWMutex

	// Идентичность диалога
	callID    string
	localTag  string
	remoteTag string

	// Стороны диалога. Хранятся как SIP URI строки (могут содержать
	// display name), target - чистый Request-URI.
	localParty  string
	remoteParty string
	target      string

	// Маршрутный набор в порядке добавления Route заголовков
	routeSet []string

	// Счетчик CSeq для исходящих запросов
	cseq uint32

	// Первый INVITE диалога, нужен для CANCEL и построения ответов
	invite *sip.Request

	// Согласованное время жизни сессии (Session-Expires, секунды).
	// Значение ниже MinSessionExpirePeriod означает "таймер не используется".
	sessionExpireTime int

	// Флаги жизненного цикла
	established bool
	terminated  bool
}

// MinSessionExpirePeriod минимальное значение Session-Expires (RFC 4028).
// Заголовки сессионного таймера добавляются только начиная с этого значения.
const MinSessionExpirePeriod = 90

// NewOriginatingPath создает dialog path для исходящего диалога.
// Локальный tag генерируется сразу, удаленный станет известен из ответа.
func NewOriginatingPath(callID string, cseq uint32, target, localParty, remoteParty string, routeSet []string) *DialogPath {
	return &DialogPath{
		callID:      callID,
		localTag:    GenerateTag(),
		localParty:  localParty,
		remoteParty: remoteParty,
		target:      target,
		routeSet:    append([]string(nil), routeSet...),
		cseq:        cseq,
	}
}

// NewTerminatingPath создает dialog path для входящего диалога из первого
// INVITE: Call-ID и CSeq берутся из запроса, локальная сторона - это To,
// удаленная - From, цель - Contact отправителя, маршрутный набор - из
// Record-Route в прямом порядке (мы UAS).
func NewTerminatingPath(invite *sip.Request) *DialogPath {
	p := &DialogPath{
		localTag: GenerateTag(),
		invite:   invite,
	}

	if cid := invite.CallID(); cid != nil {
		p.callID = cid.Value()
	}
	if cseq := invite.CSeq(); cseq != nil {
		p.cseq = cseq.SeqNo
	}
	if to := invite.To(); to != nil {
		p.localParty = to.Address.String()
	}
	if from := invite.From(); from != nil {
		p.remoteParty = from.Address.String()
		if tag, ok := from.Params.Get("tag"); ok {
			p.remoteTag = tag
		}
	}
	if contact := invite.Contact(); contact != nil {
		p.target = contact.Address.String()
	} else {
		p.target = p.remoteParty
	}
	for _, rr := range invite.GetHeaders("Record-Route") {
		p.routeSet = append(p.routeSet, rr.Value())
	}

	return p
}

// CallID возвращает Call-ID диалога.
func (p *DialogPath) CallID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callID
}

// LocalTag возвращает локальный tag.
func (p *DialogPath) LocalTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTag
}

// RemoteTag возвращает удаленный tag или пустую строку, если он еще не
// известен.
func (p *DialogPath) RemoteTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteTag
}

// SetRemoteTag фиксирует удаленный tag. Запись выполняется один раз:
// повторные вызовы с другим значением игнорируются, диалог не может
// сменить удаленную сторону.
func (p *DialogPath) SetRemoteTag(tag string) {
	if tag == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteTag == "" {
		p.remoteTag = tag
	}
}

// LocalParty возвращает локальную сторону диалога.
func (p *DialogPath) LocalParty() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localParty
}

// RemoteParty возвращает удаленную сторону диалога.
func (p *DialogPath) RemoteParty() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteParty
}

// Target возвращает текущий Request-URI для новых запросов в диалоге.
func (p *DialogPath) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// SetTarget обновляет цель запросов (Contact из 2xx ответа).
func (p *DialogPath) SetTarget(target string) {
	if target == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

// RouteSet возвращает копию маршрутного набора.
func (p *DialogPath) RouteSet() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.routeSet...)
}

// CSeq возвращает текущее значение счетчика без инкремента.
func (p *DialogPath) CSeq() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cseq
}

// NextCSeq инкрементирует счетчик и возвращает новое значение. Это
// единственная точка инкремента: владелец диалога вызывает ее ровно один
// раз перед каждой отправкой нового запроса (включая повтор после 407).
func (p *DialogPath) NextCSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cseq++
	return p.cseq
}

// Invite возвращает сохраненный первый INVITE диалога.
func (p *DialogPath) Invite() *sip.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invite
}

// SaveInvite сохраняет первый INVITE диалога.
func (p *DialogPath) SaveInvite(req *sip.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invite = req
}

// SessionExpireTime возвращает согласованное Session-Expires в секундах.
func (p *DialogPath) SessionExpireTime() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionExpireTime
}

// SetSessionExpireTime задает Session-Expires в секундах.
func (p *DialogPath) SetSessionExpireTime(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionExpireTime = seconds
}

// IsSigEstablished сообщает, подтвержден ли диалог на сигнальном уровне
// (получен или отправлен 2xx на INVITE).
func (p *DialogPath) IsSigEstablished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.established
}

// SetSigEstablished помечает диалог подтвержденным.
func (p *DialogPath) SetSigEstablished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.established = true
}

// IsTerminated сообщает, завершен ли диалог.
func (p *DialogPath) IsTerminated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.terminated
}

// SetTerminated помечает диалог завершенным. Повторные вызовы безопасны.
func (p *DialogPath) SetTerminated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
}
