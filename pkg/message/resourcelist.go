package message

import (
	"encoding/xml"
	"strings"
)

// Структуры XML документа resource-lists (RFC 4826, urn:ietf:params:xml:ns:resource-lists).

type resourceLists struct {
	XMLName xml.Name      `xml:"resource-lists"`
	Xmlns   string        `xml:"xmlns,attr"`
	List    resourceList  `xml:"list"`
}

type resourceList struct {
	Entries []resourceEntry `xml:"entry"`
}

type resourceEntry struct {
	URI string `xml:"uri,attr"`
}

// BuildResourceList строит resource-lists документ со списком участников
// для REFER со списком получателей.
func BuildResourceList(participants []string) []byte {
	doc := resourceLists{
		Xmlns: "urn:ietf:params:xml:ns:resource-lists",
	}
	for _, p := range participants {
		doc.List.Entries = append(doc.List.Entries, resourceEntry{URI: stripAngles(p)})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Маршалинг фиксированных структур не отказывает
		return nil
	}

	var b strings.Builder
	b.WriteString(xml.Header)
	b.Write(out)
	return []byte(b.String())
}

// ParseResourceList разбирает resource-lists документ и возвращает URI
// участников.
func ParseResourceList(doc []byte) ([]string, error) {
	var parsed resourceLists
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(parsed.List.Entries))
	for _, e := range parsed.List.Entries {
		uris = append(uris, e.URI)
	}
	return uris, nil
}
