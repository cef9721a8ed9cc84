// Package message строит SIP запросы и ответы IMS стека. Все builder'ы
// детерминированы: состав заголовков зависит только от dialog path и
// аргументов, CSeq читается из dialog path и никогда не инкрементируется
// здесь - инкремент делает владелец диалога перед отправкой.
package message

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

// Методы, которые стек принимает внутри диалога. Значение Allow
// заголовка на INVITE и 200 OK.
const allowedMethods = "INVITE, UPDATE, ACK, CANCEL, BYE, NOTIFY, OPTIONS, MESSAGE, REFER"

// BodyPart часть multipart тела.
type BodyPart struct {
	ContentType string
	ContentID   string
	Disposition string
	Content     []byte
}

// Factory строит SIP сообщения от имени одного пользователя стека.
type Factory struct {
	profile    *config.UserProfile
	contactURI sip.Uri
	transport  string
	userAgent  string
	logger     dialog.StructuredLogger
}

// NewFactory создает фабрику сообщений. contact - SIP URI контакта
// стека (sip:host:port), transport - транспорт для Via.
func NewFactory(profile *config.UserProfile, contact, transport, userAgent string, logger dialog.StructuredLogger) (*Factory, error) {
	if logger == nil {
		logger = dialog.GetDefaultLogger()
	}

	var contactURI sip.Uri
	if err := sip.ParseUri(stripAngles(contact), &contactURI); err != nil {
		return nil, dialog.ErrMessageConstruction("factory", "невалидный contact URI").WithCause(err)
	}

	if transport == "" {
		transport = "udp"
	}

	return &Factory{
		profile:    profile,
		contactURI: contactURI,
		transport:  strings.ToUpper(transport),
		userAgent:  userAgent,
		logger:     logger.WithComponent("message"),
	}, nil
}

// newRequest строит каркас запроса в диалоге: Request-URI из цели
// диалога, From/To с tag'ами, Call-ID, CSeq (текущий, без инкремента),
// Via, Max-Forwards, Route из маршрутного набора.
func (f *Factory) newRequest(path *dialog.DialogPath, method sip.RequestMethod) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(stripAngles(path.Target()), &target); err != nil {
		return nil, dialog.ErrMessageConstruction(string(method), "невалидный target URI").
			WithCause(err).WithCallID(path.CallID())
	}

	req := sip.NewRequest(method, target)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       f.transport,
		Host:            f.contactURI.Host,
		Port:            f.contactURI.Port,
		Params:          sip.NewParams().Add("branch", dialog.GenerateBranch()),
	}
	req.AppendHeader(via)

	var fromURI sip.Uri
	if err := sip.ParseUri(stripAngles(path.LocalParty()), &fromURI); err != nil {
		return nil, dialog.ErrMessageConstruction(string(method), "невалидная локальная сторона").
			WithCause(err).WithCallID(path.CallID())
	}
	from := &sip.FromHeader{
		Address: fromURI,
		Params:  sip.NewParams().Add("tag", path.LocalTag()),
	}
	req.AppendHeader(from)

	var toURI sip.Uri
	if err := sip.ParseUri(stripAngles(path.RemoteParty()), &toURI); err != nil {
		return nil, dialog.ErrMessageConstruction(string(method), "невалидная удаленная сторона").
			WithCause(err).WithCallID(path.CallID())
	}
	to := &sip.ToHeader{Address: toURI, Params: sip.NewParams()}
	if rt := path.RemoteTag(); rt != "" {
		to.Params = to.Params.Add("tag", rt)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(path.CallID())
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: path.CSeq(), MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for _, route := range path.RouteSet() {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	if f.userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", f.userAgent))
	}

	return req, nil
}

// addContact добавляет Contact с feature tag'ами сервиса.
func (f *Factory) addContact(req *sip.Request, featureTags []string) {
	value := fmt.Sprintf("<%s>", f.contactURI.String())
	if len(featureTags) > 0 {
		value += ";" + strings.Join(featureTags, ";")
	}
	req.AppendHeader(sip.NewHeader("Contact", value))
}

// addAcceptContact добавляет Accept-Contact с теми же feature tag'ами,
// чтобы запрос был смаршрутизирован в соответствующий сервис на
// удаленной стороне.
func (f *Factory) addAcceptContact(req *sip.Request, featureTags []string) {
	if len(featureTags) == 0 {
		return
	}
	req.AppendHeader(sip.NewHeader("Accept-Contact", "*;"+strings.Join(featureTags, ";")+";explicit"))
}

// addIdentity добавляет P-Preferred-Identity с публичной идентичностью
// локальной стороны диалога.
func (f *Factory) addIdentity(req *sip.Request, path *dialog.DialogPath) {
	req.AppendHeader(sip.NewHeader("P-Preferred-Identity", fmt.Sprintf("<%s>", stripAngles(path.LocalParty()))))
}

// addSessionTimer добавляет заголовки сессионного таймера на запрос.
// Заголовки появляются только при согласованном значении не ниже
// минимума RFC 4028; нулевое или малое значение отключает таймер.
func addSessionTimer(req *sip.Request, path *dialog.DialogPath) {
	expire := path.SessionExpireTime()
	if expire < dialog.MinSessionExpirePeriod {
		return
	}
	req.AppendHeader(sip.NewHeader("Supported", "timer"))
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d", expire)))
}

func setBody(req *sip.Request, contentType string, content []byte) {
	if len(content) == 0 {
		req.AppendHeader(sip.NewHeader("Content-Length", "0"))
		return
	}
	req.SetBody(content)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(content))))
}

// CreateRegister строит REGISTER для домашнего домена. Contact несет
// feature tag'и всех активных сервисов и параметр expires.
func (f *Factory) CreateRegister(path *dialog.DialogPath, featureTags []string, expires int) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.REGISTER)
	if err != nil {
		return nil, err
	}

	contact := fmt.Sprintf("<%s>;expires=%d", f.contactURI.String(), expires)
	if len(featureTags) > 0 {
		contact = fmt.Sprintf("<%s>;%s;expires=%d", f.contactURI.String(), strings.Join(featureTags, ";"), expires)
	}
	req.AppendHeader(sip.NewHeader("Contact", contact))
	req.AppendHeader(sip.NewHeader("Supported", "path"))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateSubscribe строит каркас SUBSCRIBE: Expires и Contact без feature
// tag'ов. Event, Accept и прочие заголовки пакета событий добавляет
// вызывающий менеджер подписки.
func (f *Factory) CreateSubscribe(path *dialog.DialogPath, expires int) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.SUBSCRIBE)
	if err != nil {
		return nil, err
	}

	f.addContact(req, nil)
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreatePublish строит PUBLISH presence документа. Ненулевой entityTag
// превращает публикацию в обновление существующего состояния через
// SIP-If-Match. Пустой документ дает refresh публикацию без тела.
func (f *Factory) CreatePublish(path *dialog.DialogPath, expires int, entityTag string, doc []byte) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.PUBLISH)
	if err != nil {
		return nil, err
	}

	f.addIdentity(req, path)
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	if entityTag != "" {
		req.AppendHeader(sip.NewHeader("SIP-If-Match", entityTag))
	}
	setBody(req, "application/pidf+xml", doc)
	return req, nil
}

// CreateMessage строит pager-mode MESSAGE с указанным содержимым.
func (f *Factory) CreateMessage(path *dialog.DialogPath, featureTags []string, contentType string, content []byte) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.MESSAGE)
	if err != nil {
		return nil, err
	}

	f.addIdentity(req, path)
	f.addAcceptContact(req, featureTags)
	setBody(req, contentType, content)
	return req, nil
}

// CreateInvite строит INVITE с одиночным телом (обычно SDP) и feature
// tag'ами сервиса на Contact и Accept-Contact.
func (f *Factory) CreateInvite(path *dialog.DialogPath, featureTags []string, contentType string, content []byte) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.INVITE)
	if err != nil {
		return nil, err
	}

	f.addContact(req, featureTags)
	f.addAcceptContact(req, featureTags)
	f.addIdentity(req, path)
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	addSessionTimer(req, path)
	setBody(req, contentType, content)
	return req, nil
}

// CreateMultipartInvite строит INVITE с multipart/mixed телом (SDP плюс
// прикладная часть, например список получателей группового чата).
func (f *Factory) CreateMultipartInvite(path *dialog.DialogPath, featureTags []string, parts []BodyPart, boundary string) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.INVITE)
	if err != nil {
		return nil, err
	}
	if boundary == "" {
		boundary = "boundary1"
	}

	f.addContact(req, featureTags)
	f.addAcceptContact(req, featureTags)
	f.addIdentity(req, path)
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	addSessionTimer(req, path)

	body := buildMultipart(parts, boundary)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", fmt.Sprintf("multipart/mixed;boundary=%s", boundary)))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
	return req, nil
}

// CreateAck строит ACK на 2xx ответ: CSeq наследует номер INVITE с
// методом ACK.
func (f *Factory) CreateAck(path *dialog.DialogPath) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.ACK)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateBye строит BYE внутри установленного диалога.
func (f *Factory) CreateBye(path *dialog.DialogPath) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.BYE)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateCancel строит CANCEL сохраненного INVITE. По RFC 3261 CANCEL
// повторяет CSeq номер и Via branch исходного запроса.
func (f *Factory) CreateCancel(path *dialog.DialogPath) (*sip.Request, error) {
	invite := path.Invite()
	if invite == nil {
		return nil, dialog.ErrMessageConstruction("CANCEL", "нет сохраненного INVITE").WithCallID(path.CallID())
	}

	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, req)
	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		req.AppendHeader(cseq)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateUpdate строит UPDATE для продления сессии.
func (f *Factory) CreateUpdate(path *dialog.DialogPath) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.UPDATE)
	if err != nil {
		return nil, err
	}

	f.addContact(req, nil)
	addSessionTimer(req, path)
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateOptions строит OPTIONS для опроса возможностей удаленной
// стороны.
func (f *Factory) CreateOptions(path *dialog.DialogPath, featureTags []string) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.OPTIONS)
	if err != nil {
		return nil, err
	}

	f.addContact(req, featureTags)
	f.addAcceptContact(req, featureTags)
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateRefer строит REFER с одиночной целью. Refer-Sub: false
// подавляет имплицитную подписку на результат перевода.
func (f *Factory) CreateRefer(path *dialog.DialogPath, referTo string) (*sip.Request, error) {
	req, err := f.newRequest(path, sip.REFER)
	if err != nil {
		return nil, err
	}

	f.addContact(req, nil)
	f.addIdentity(req, path)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", stripAngles(referTo))))
	req.AppendHeader(sip.NewHeader("Refer-Sub", "false"))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<%s>", stripAngles(path.LocalParty()))))
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return req, nil
}

// CreateReferList строит REFER со списком получателей: тело
// application/resource-lists+xml с Content-Disposition recipient-list,
// Refer-To указывает на тело через cid: URL, совпадающий с Content-ID.
func (f *Factory) CreateReferList(path *dialog.DialogPath, participants []string, contentID string) (*sip.Request, error) {
	if len(participants) == 0 {
		return nil, dialog.ErrMessageConstruction("REFER", "пустой список участников").WithCallID(path.CallID())
	}
	req, err := f.newRequest(path, sip.REFER)
	if err != nil {
		return nil, err
	}
	if contentID == "" {
		contentID = dialog.GenerateContentID(f.profile.HomeDomain)
	}

	f.addContact(req, nil)
	f.addIdentity(req, path)
	req.AppendHeader(sip.NewHeader("Require", "multiple-refer, norefersub"))
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<cid:%s>", contentID)))
	req.AppendHeader(sip.NewHeader("Refer-Sub", "false"))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<%s>", stripAngles(path.LocalParty()))))

	body := BuildResourceList(participants)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/resource-lists+xml"))
	req.AppendHeader(sip.NewHeader("Content-Disposition", "recipient-list"))
	req.AppendHeader(sip.NewHeader("Content-ID", fmt.Sprintf("<%s>", contentID)))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
	return req, nil
}

// CreateResponse строит ответ на запрос. To tag добавляется из localTag
// только если запрос пришел без него; существующий tag не трогается.
func (f *Factory) CreateResponse(req *sip.Request, localTag string, statusCode int, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	ensureToTag(res, localTag)
	res.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return res
}

// CreateRinging строит 180 Ringing на входящий INVITE.
func (f *Factory) CreateRinging(req *sip.Request, localTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	ensureToTag(res, localTag)
	res.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return res
}

// Create200OkInvite строит 200 OK на INVITE: To tag локальной стороны,
// Contact с feature tag'ами, Allow и заголовки сессионного таймера
// (Require: timer с refresher=UAC).
func (f *Factory) Create200OkInvite(path *dialog.DialogPath, req *sip.Request, featureTags []string, contentType string, content []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	ensureToTag(res, path.LocalTag())

	contact := fmt.Sprintf("<%s>", f.contactURI.String())
	if len(featureTags) > 0 {
		contact += ";" + strings.Join(featureTags, ";")
	}
	res.AppendHeader(sip.NewHeader("Contact", contact))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))

	if expire := path.SessionExpireTime(); expire >= dialog.MinSessionExpirePeriod {
		res.AppendHeader(sip.NewHeader("Require", "timer"))
		res.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=UAC", expire)))
	}

	if len(content) > 0 {
		res.SetBody(content)
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
		res.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(content))))
	} else {
		res.AppendHeader(sip.NewHeader("Content-Length", "0"))
	}
	return res
}

// Create200OkOptions строит 200 OK на OPTIONS с feature tag'ами
// доступных сервисов.
func (f *Factory) Create200OkOptions(req *sip.Request, localTag string, featureTags []string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	ensureToTag(res, localTag)

	contact := fmt.Sprintf("<%s>", f.contactURI.String())
	if len(featureTags) > 0 {
		contact += ";" + strings.Join(featureTags, ";")
	}
	res.AppendHeader(sip.NewHeader("Contact", contact))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.AppendHeader(sip.NewHeader("Content-Length", "0"))
	return res
}

// ensureToTag добавляет tag в To ответа, если его там еще нет.
func ensureToTag(res *sip.Response, localTag string) {
	to := res.To()
	if to == nil || localTag == "" {
		return
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params = to.Params.Add("tag", localTag)
	}
}

// buildMultipart собирает multipart/mixed тело из частей.
func buildMultipart(parts []BodyPart, boundary string) []byte {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString("--")
		b.WriteString(boundary)
		b.WriteString("\r\n")
		b.WriteString("Content-Type: ")
		b.WriteString(part.ContentType)
		b.WriteString("\r\n")
		if part.ContentID != "" {
			b.WriteString("Content-ID: <")
			b.WriteString(part.ContentID)
			b.WriteString(">\r\n")
		}
		if part.Disposition != "" {
			b.WriteString("Content-Disposition: ")
			b.WriteString(part.Disposition)
			b.WriteString("\r\n")
		}
		b.WriteString(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(part.Content)))
		b.Write(part.Content)
		b.WriteString("\r\n")
	}
	b.WriteString("--")
	b.WriteString(boundary)
	b.WriteString("--")
	return []byte(b.String())
}

// stripAngles убирает display name и угловые скобки из адреса,
// оставляя чистый URI.
func stripAngles(addr string) string {
	if i := strings.IndexByte(addr, '<'); i >= 0 {
		if j := strings.IndexByte(addr[i:], '>'); j > 0 {
			return addr[i+1 : i+j]
		}
	}
	return strings.TrimSpace(addr)
}
