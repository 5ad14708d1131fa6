package rtpsession

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// FrameDuration is the fixed 20ms ptime this engine sends and expects.
const FrameDuration = 20 * time.Millisecond

// TimestampIncrement is the per-frame RTP timestamp advance at 8 kHz
// for a 20 ms frame: 160 samples.
const TimestampIncrement = 160

// Session owns one call leg's outbound RTP stream: SSRC, sequence
// number, and timestamp state, paced at 20 ms intervals. Marker is set
// on the first frame sent after construction or after a call to
// MarkNextFrame (used after silence/start per spec).
type Session struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	ssrc        uint32
	payloadType uint8
	seq         uint16
	timestamp   uint32

	ticker *time.Ticker

	mu        sync.Mutex
	closed    bool
	markNext  bool
}

// NewSession creates a paced RTP writer for one call leg's outbound
// media, bound to conn and talking to remote, using payloadType for
// every frame it sends.
func NewSession(conn net.PacketConn, remote net.Addr, payloadType uint8) *Session {
	return &Session{
		conn:        conn,
		remoteAddr:  remote,
		ssrc:        generateSSRC(),
		payloadType: payloadType,
		seq:         generateSequenceStart(),
		timestamp:   generateTimestampStart(),
		ticker:      time.NewTicker(FrameDuration),
		markNext:    true,
	}
}

// MarkNextFrame sets the marker bit on the next frame sent, per the
// RTP convention of marking the first frame of a new talkspurt.
func (s *Session) MarkNextFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markNext = true
}

// WriteFrame paces to the next 20ms tick and sends payload as one RTP
// frame, advancing sequence number by 1 and timestamp by 160.
func (s *Session) WriteFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}

	<-s.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.markNext,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.markNext = false

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, s.remoteAddr); err != nil {
		return err
	}

	s.seq++
	s.timestamp += TimestampIncrement
	return nil
}

// WriteEvent sends a packet immediately, bypassing the 20ms pacer, with
// this session's SSRC and current sequence number and the caller's
// payload type and timestamp (used for RFC 4733 telephone-event packets, which have their own
// internal repetition/timing rules).
func (s *Session) WriteEvent(pt uint8, payload []byte, marker bool, timestamp uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, s.remoteAddr); err != nil {
		return err
	}
	s.seq++
	return nil
}

// SSRC returns this session's synchronization source identifier.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// Close stops the pacing ticker and marks the session closed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ticker.Stop()
}

// ReadLoop reads inbound RTP packets from conn until it returns an
// error or stop is closed, invoking onPacket for each decoded packet
// and tracking sequence/loss stats via tracker.
func ReadLoop(conn net.PacketConn, tracker *SequenceTracker, stop <-chan struct{}, onPacket func(*rtp.Packet)) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		tracker.Update(pkt.SequenceNumber)
		onPacket(pkt)
	}
}

func generateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func generateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func generateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
