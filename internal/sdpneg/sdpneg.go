// Package sdpneg builds outbound SDP offers and parses remote SDP
// answers for the engine's outbound INVITE dialogs.
package sdpneg

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// rtpmapByPayload maps the static payload types this engine advertises
// to their SDP rtpmap encoding strings.
var rtpmapByPayload = map[int]string{
	0:   "PCMU/8000",
	8:   "PCMA/8000",
	101: "telephone-event/8000",
}

// nameToPayload maps codec names (as used in config.SIP.Codecs) to
// their static RTP payload type.
var nameToPayload = map[string]int{
	"PCMU": 0,
	"PCMA": 8,
}

// BuildOffer constructs an SDP offer advertising localAddr:localPort
// and the given codec names (in preference order), plus RFC 2833
// telephone-event support.
func BuildOffer(localAddr string, localPort int, codecNames []string) ([]byte, error) {
	formats := make([]string, 0, len(codecNames)+1)
	for _, name := range codecNames {
		pt, ok := nameToPayload[name]
		if !ok {
			continue
		}
		formats = append(formats, fmt.Sprintf("%d", pt))
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no supported codec in %v", codecNames)
	}
	formats = append(formats, "101")

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "dialer",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "dialer media session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: offerAttributes(formats),
			},
		},
	}

	return desc.Marshal()
}

func offerAttributes(formats []string) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		if rtpmap, ok := rtpmapByPayload[atoiOrZero(f)]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
	}
	for _, f := range formats {
		if f == "101" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: "101 0-15"})
		}
	}
	attrs = append(attrs, sdp.Attribute{Key: "ptime", Value: "20"})
	attrs = append(attrs, sdp.Attribute{Key: "sendrecv"})
	return attrs
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// RemoteMedia is what this engine needs out of a parsed remote SDP
// answer: the endpoint to send RTP to and the payload types it offered.
type RemoteMedia struct {
	Address        string
	Port           int
	OfferedFormats map[string]bool // e.g. {"0": true, "101": true}
}

// ParseAnswer extracts the remote media endpoint and offered payload
// types from a 2xx/18x response body.
func ParseAnswer(body []byte) (*RemoteMedia, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty SDP body")
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("no media description in SDP")
	}
	media := desc.MediaDescriptions[0]

	addr := ""
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return nil, fmt.Errorf("no connection address in SDP")
	}

	offered := make(map[string]bool, len(media.MediaName.Formats))
	for _, f := range media.MediaName.Formats {
		offered[f] = true
	}

	return &RemoteMedia{
		Address:        addr,
		Port:           media.MediaName.Port.Value,
		OfferedFormats: offered,
	}, nil
}

// PayloadTypeForCodec returns the static payload type for a codec name
// this engine advertises.
func PayloadTypeForCodec(name string) (int, bool) {
	pt, ok := nameToPayload[name]
	return pt, ok
}
