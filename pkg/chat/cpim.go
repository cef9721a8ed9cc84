package chat

import (
	"strings"
	"time"

	"github.com/arzzra/rcs_core/pkg/dialog"
)

// MimeCPIM MIME тип CPIM обертки (RFC 3862).
const MimeCPIM = "message/cpim"

const crlf = "\r\n"

// CPIMMessage разобранная CPIM обертка: адресная информация и
// вложенное содержимое.
type CPIMMessage struct {
	From        string
	To          string
	DateTime    string
	ContentType string
	Body        []byte
}

// BuildCPIM строит CPIM обертку вокруг прикладного содержимого.
func BuildCPIM(from, to, contentType string, content []byte, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: <" + from + ">" + crlf)
	b.WriteString("To: <" + to + ">" + crlf)
	b.WriteString("DateTime: " + now.UTC().Format(time.RFC3339) + crlf)
	b.WriteString(crlf)
	b.WriteString("Content-Type: " + contentType + crlf)
	b.WriteString(crlf)
	b.Write(content)
	return []byte(b.String())
}

// ParseCPIM разбирает CPIM обертку: блок адресных заголовков, блок
// заголовков содержимого, тело.
func ParseCPIM(raw []byte) (*CPIMMessage, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	blocks := strings.SplitN(text, "\n\n", 3)
	if len(blocks) < 3 {
		return nil, dialog.NewStackError("CPIM_PARSE", "неполное CPIM сообщение",
			dialog.ErrorCategoryProtocol, dialog.ErrorSeverityWarning)
	}

	msg := &CPIMMessage{Body: []byte(blocks[2])}
	for _, line := range strings.Split(blocks[0], "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "from":
			msg.From = stripAngles(value)
		case "to":
			msg.To = stripAngles(value)
		case "datetime":
			msg.DateTime = value
		}
	}
	for _, line := range strings.Split(blocks[1], "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Type") {
			msg.ContentType = strings.TrimSpace(value)
		}
	}
	return msg, nil
}

func stripAngles(addr string) string {
	if i := strings.IndexByte(addr, '<'); i >= 0 {
		if j := strings.IndexByte(addr[i:], '>'); j > 0 {
			return addr[i+1 : i+j]
		}
	}
	return strings.TrimSpace(addr)
}
