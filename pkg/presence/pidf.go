// Package presence реализует presence процедуры IMS клиента: publish
// цикл, менеджеры подписок presence и watcher-info, анонимный опрос
// возможностей контактов с кэшем и диспетчеризацию входящих NOTIFY.
package presence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/arzzra/rcs_core/pkg/capability"
	"github.com/arzzra/rcs_core/pkg/dialog"
)

// Service id сервисов в PIDF документе (OMA service-description).
const (
	ServiceIDVideoShare   = "org.gsma.videoshare"
	ServiceIDImageShare   = "org.gsma.imageshare"
	ServiceIDFileTransfer = "org.openmobilealliance:File-Transfer"
	ServiceIDIMSession    = "org.openmobilealliance:IM-session"
	ServiceIDCSVideo      = "org.3gpp.cs-videotelephony"
)

// Document разобранный PIDF документ presence.
type Document struct {
	XMLName xml.Name `xml:"presence"`
	XMLNS   string   `xml:"xmlns,attr,omitempty"`
	Entity  string   `xml:"entity,attr"`
	Tuples  []Tuple  `xml:"tuple"`
}

// Tuple один tuple PIDF документа: статус и описание сервиса.
type Tuple struct {
	ID        string  `xml:"id,attr"`
	Status    Status  `xml:"status"`
	Service   ServiceDescription `xml:"service-description"`
	Contact   string  `xml:"contact,omitempty"`
	Timestamp string  `xml:"timestamp,omitempty"`
}

// Status базовый статус tuple.
type Status struct {
	Basic string `xml:"basic"`
}

// ServiceDescription OMA service-description.
type ServiceDescription struct {
	ID      string `xml:"service-id"`
	Version string `xml:"version,omitempty"`
}

const pidfNamespace = "urn:ietf:params:xml:ns:pidf"

func basicStatus(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

// BuildCapabilitiesDocument строит PIDF документ с tuple на каждый
// сервис: open для поддерживаемых, closed для остальных.
func BuildCapabilitiesDocument(entity string, caps capability.Capabilities, now time.Time) []byte {
	ts := now.UTC().Format(time.RFC3339)
	doc := Document{
		XMLNS:  pidfNamespace,
		Entity: entity,
		Tuples: []Tuple{
			{ID: "t1", Status: Status{Basic: basicStatus(caps.FileTransfer)},
				Service: ServiceDescription{ID: ServiceIDFileTransfer, Version: "1.0"}, Contact: entity, Timestamp: ts},
			{ID: "t2", Status: Status{Basic: basicStatus(caps.ImageSharing)},
				Service: ServiceDescription{ID: ServiceIDImageShare, Version: "1.0"}, Contact: entity, Timestamp: ts},
			{ID: "t3", Status: Status{Basic: basicStatus(caps.VideoSharing)},
				Service: ServiceDescription{ID: ServiceIDVideoShare, Version: "1.0"}, Contact: entity, Timestamp: ts},
			{ID: "t4", Status: Status{Basic: basicStatus(caps.IMSession)},
				Service: ServiceDescription{ID: ServiceIDIMSession, Version: "1.0"}, Contact: entity, Timestamp: ts},
			{ID: "t5", Status: Status{Basic: basicStatus(caps.CSVideo)},
				Service: ServiceDescription{ID: ServiceIDCSVideo, Version: "1.0"}, Contact: entity, Timestamp: ts},
		},
	}
	return marshalDocument(doc)
}

// BuildOfflineDocument строит минимальный финальный документ: один
// закрытый tuple без сервисов. Публикуется при остановке стека.
func BuildOfflineDocument(entity string) []byte {
	doc := Document{
		XMLNS:  pidfNamespace,
		Entity: entity,
		Tuples: []Tuple{
			{ID: "t1", Status: Status{Basic: "closed"}},
		},
	}
	return marshalDocument(doc)
}

func marshalDocument(doc Document) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	// Ошибки кодирования структуры без self-reference невозможны
	_ = enc.Encode(doc)
	_ = enc.Flush()
	return buf.Bytes()
}

// ParseDocument разбирает PIDF документ.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, dialog.NewStackError(
			"PIDF_PARSE",
			fmt.Sprintf("не удалось разобрать PIDF документ: %v", err),
			dialog.ErrorCategoryProtocol,
			dialog.ErrorSeverityWarning,
		).WithCause(err)
	}
	return &doc, nil
}

// ParseCapabilities извлекает возможности контакта из PIDF документа.
// Пустое тело дает пустой набор возможностей без ошибки. Второе
// значение - entity документа (пустая строка для пустого тела).
func ParseCapabilities(data []byte) (capability.Capabilities, string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return capability.Capabilities{}, "", nil
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return capability.Capabilities{}, "", err
	}

	var caps capability.Capabilities
	for _, tuple := range doc.Tuples {
		open := tuple.Status.Basic == "open"
		switch tuple.Service.ID {
		case ServiceIDVideoShare:
			caps.VideoSharing = open
		case ServiceIDImageShare:
			caps.ImageSharing = open
		case ServiceIDFileTransfer:
			caps.FileTransfer = open
		case ServiceIDIMSession:
			caps.IMSession = open
		case ServiceIDCSVideo:
			caps.CSVideo = open
		}
	}
	return caps, doc.Entity, nil
}
