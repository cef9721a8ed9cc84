package message

import (
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// SDP offer'ы контентных сессий. Сам медиа транспорт стек не реализует;
// здесь только сигнальная часть - описание, которое уходит в тело INVITE.

// ImageShareParams параметры offer'а передачи изображения (MSRP).
type ImageShareParams struct {
	LocalIP     string
	LocalPort   int
	MSRPPath    string
	AcceptTypes []string
	FileName    string
	FileSize    int64
}

// VideoShareParams параметры offer'а видео шаринга (RTP).
type VideoShareParams struct {
	LocalIP      string
	LocalPort    int
	PayloadType  uint8
	CodecName    string
	ClockRate    int
}

func baseSession(localIP, name string) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

// BuildImageShareOffer строит SDP offer для передачи изображения по MSRP.
func BuildImageShareOffer(params ImageShareParams) ([]byte, error) {
	offer := baseSession(params.LocalIP, "image-share")

	acceptTypes := "image/jpeg image/png"
	if len(params.AcceptTypes) > 0 {
		acceptTypes = ""
		for i, at := range params.AcceptTypes {
			if i > 0 {
				acceptTypes += " "
			}
			acceptTypes += at
		}
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: params.LocalPort},
			Protos:  []string{"TCP", "MSRP"},
			Formats: []string{"*"},
		},
		Attributes: []sdp.Attribute{
			{Key: "accept-types", Value: acceptTypes},
			{Key: "path", Value: params.MSRPPath},
			{Key: "sendonly"},
		},
	}
	if params.FileName != "" {
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "file-selector",
			Value: "name:\"" + params.FileName + "\" size:" + strconv.FormatInt(params.FileSize, 10),
		})
	}
	offer.MediaDescriptions = []*sdp.MediaDescription{media}

	return offer.Marshal()
}

// ChatParams параметры offer'а chat сессии (MSRP, message/cpim).
type ChatParams struct {
	LocalIP   string
	LocalPort int
	MSRPPath  string
}

// BuildChatOffer строит SDP offer для chat сессии: двунаправленный MSRP
// канал с CPIM содержимым.
func BuildChatOffer(params ChatParams) ([]byte, error) {
	offer := baseSession(params.LocalIP, "chat")

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: params.LocalPort},
			Protos:  []string{"TCP", "MSRP"},
			Formats: []string{"*"},
		},
		Attributes: []sdp.Attribute{
			{Key: "path", Value: params.MSRPPath},
			{Key: "connection", Value: "new"},
			{Key: "setup", Value: "active"},
			{Key: "accept-types", Value: "message/cpim"},
			{Key: "sendrecv"},
		},
	}
	offer.MediaDescriptions = []*sdp.MediaDescription{media}

	return offer.Marshal()
}

// BuildVideoShareOffer строит SDP offer для одностороннего видео потока.
func BuildVideoShareOffer(params VideoShareParams) ([]byte, error) {
	offer := baseSession(params.LocalIP, "video-share")

	pt := strconv.Itoa(int(params.PayloadType))
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: params.LocalPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: pt + " " + params.CodecName + "/" + strconv.Itoa(params.ClockRate)},
			{Key: "sendonly"},
		},
	}
	offer.MediaDescriptions = []*sdp.MediaDescription{media}

	return offer.Marshal()
}

// BuildAnswer строит SDP answer на полученный offer: та же структура
// медиа, локальный адрес/порт и зеркальное направление recvonly.
func BuildAnswer(offerRaw []byte, localIP string, localPort int) ([]byte, error) {
	var offer sdp.SessionDescription
	if err := offer.Unmarshal(offerRaw); err != nil {
		return nil, err
	}

	answer := baseSession(localIP, string(offer.SessionName))
	for _, md := range offer.MediaDescriptions {
		answered := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   md.MediaName.Media,
				Port:    sdp.RangedPort{Value: localPort},
				Protos:  md.MediaName.Protos,
				Formats: md.MediaName.Formats,
			},
		}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "sendonly":
				answered.Attributes = append(answered.Attributes, sdp.Attribute{Key: "recvonly"})
			case "path":
				// MSRP path отвечающей стороны подставляет вызывающий код
				continue
			default:
				answered.Attributes = append(answered.Attributes, attr)
			}
		}
		answer.MediaDescriptions = append(answer.MediaDescriptions, answered)
	}

	return answer.Marshal()
}
