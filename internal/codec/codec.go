// Package codec wraps G.711 encode/decode and a jitter buffer for
// incoming RTP media. Audio is always 8 kHz mono 16-bit PCM on the
// wire into this package; no runtime transcoding happens here or
// anywhere else in the engine.
package codec

import (
	"fmt"

	"github.com/zaf/g711"
)

// PayloadType is an RTP static payload type this engine can send.
type PayloadType uint8

const (
	PayloadPCMU PayloadType = 0
	PayloadPCMA PayloadType = 8
)

// Codec describes one supported codec: its name, RTP payload type, and
// encode/decode functions between 16-bit PCM and wire bytes.
type Codec struct {
	Name        string
	PayloadType PayloadType
	Encode      func(pcm []byte) []byte
	Decode      func(wire []byte) []byte
}

// Registry resolves codecs by name or RTP payload type.
type Registry struct {
	byName        map[string]*Codec
	byPayloadType map[PayloadType]*Codec
}

// NewRegistry returns a Registry with PCMU and PCMA registered.
func NewRegistry() *Registry {
	r := &Registry{
		byName:        make(map[string]*Codec),
		byPayloadType: make(map[PayloadType]*Codec),
	}
	r.Register(&Codec{
		Name:        "PCMU",
		PayloadType: PayloadPCMU,
		Encode:      g711.EncodeUlaw,
		Decode:      g711.DecodeUlaw,
	})
	r.Register(&Codec{
		Name:        "PCMA",
		PayloadType: PayloadPCMA,
		Encode:      g711.EncodeAlaw,
		Decode:      g711.DecodeAlaw,
	})
	return r
}

// Register adds or replaces a codec entry.
func (r *Registry) Register(c *Codec) {
	r.byName[c.Name] = c
	r.byPayloadType[c.PayloadType] = c
}

// ByName looks up a codec by its SDP rtpmap name (e.g. "PCMU").
func (r *Registry) ByName(name string) (*Codec, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("codec not supported: %s", name)
	}
	return c, nil
}

// ByPayloadType looks up a codec by its RTP payload type.
func (r *Registry) ByPayloadType(pt PayloadType) (*Codec, error) {
	c, ok := r.byPayloadType[pt]
	if !ok {
		return nil, fmt.Errorf("codec not found for payload type: %d", pt)
	}
	return c, nil
}

// NegotiateFromOffered picks the first of the engine's preferred codec
// names present in offered, preserving the engine's own preference
// order rather than the offerer's.
func (r *Registry) NegotiateFromOffered(preferred []string, offered map[string]bool) (*Codec, error) {
	for _, name := range preferred {
		if offered[name] {
			if c, ok := r.byName[name]; ok {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("no common codec between preferred %v and offered %v", preferred, offered)
}
