package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	applog "batmon/internal/log"
	"batmon/internal/spectro"
)

// UDPSender transmits packets to a fixed target address.
type UDPSender struct {
	conn   *net.UDPConn
	mu     sync.Mutex
	closed bool
}

// NewUDPSender dials the target address, e.g. "127.0.0.1:9090".
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve UDP target %q: %w", targetAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial UDP target %q: %w", targetAddress, err)
	}
	applog.Infof("transport: UDP sender targeting %s", conn.RemoteAddr())
	return &UDPSender{conn: conn}, nil
}

// Send transmits one packet. Safe for concurrent use.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("transport: UDP sender is closed")
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("transport: send UDP packet: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

/*
UDP slice packet (BigEndian):

	| Sequence uint32 | Timestamp int64 | TimeBucket uint32 | Triggered uint8 | Count uint16 | Count * float32 dB |
*/

// UDPPublisher packs spectrogram slices into the compact binary packet
// format and sends them through a UDPSender. Non-slice messages are
// ignored; binary consumers only speak the slice format.
type UDPPublisher struct {
	sender *UDPSender

	mu        sync.Mutex
	seq       uint32
	f32       []float32
	packetBuf *bytes.Buffer
}

// NewUDPPublisher wraps a sender with the slice packer.
func NewUDPPublisher(sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("transport: UDP sender cannot be nil")
	}
	return &UDPPublisher{
		sender:    sender,
		packetBuf: new(bytes.Buffer),
	}, nil
}

// Send packs and transmits a slice. Accepts SliceMessage or spectro.Slice.
func (p *UDPPublisher) Send(data any) error {
	var slice spectro.Slice
	switch v := data.(type) {
	case SliceMessage:
		slice = v.Slice
	case spectro.Slice:
		slice = v
	default:
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cap(p.f32) < len(slice.DB) {
		p.f32 = make([]float32, len(slice.DB))
	}
	p.f32 = p.f32[:len(slice.DB)]
	for i, v := range slice.DB {
		p.f32[i] = float32(v)
	}

	p.seq++
	var triggered uint8
	if slice.Triggered {
		triggered = 1
	}

	p.packetBuf.Reset()
	err := binary.Write(p.packetBuf, binary.BigEndian, p.seq)
	if err == nil {
		err = binary.Write(p.packetBuf, binary.BigEndian, time.Now().UnixNano())
	}
	if err == nil {
		err = binary.Write(p.packetBuf, binary.BigEndian, uint32(slice.TimeBucket))
	}
	if err == nil {
		err = binary.Write(p.packetBuf, binary.BigEndian, triggered)
	}
	if err == nil {
		err = binary.Write(p.packetBuf, binary.BigEndian, uint16(len(p.f32)))
	}
	if err == nil {
		err = binary.Write(p.packetBuf, binary.BigEndian, p.f32)
	}
	if err != nil {
		return fmt.Errorf("transport: pack slice packet: %w", err)
	}

	if err := p.sender.Send(p.packetBuf.Bytes()); err != nil {
		applog.Debugf("transport: UDP slice %d dropped: %v", p.seq, err)
	}
	return nil
}

// Close shuts down the underlying sender.
func (p *UDPPublisher) Close() error {
	return p.sender.Close()
}

var _ Transport = (*UDPPublisher)(nil)
