// Package push forwards a stream to a remote endpoint: MPEG-TS over RTP
// (UDP, or TCP with RFC 4571 framing) or raw TS over SRT.
package push

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"
)

// Transport selects how packets reach the remote end.
type Transport string

// Supported transports.
const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportSRT Transport = "srt"
)

// RTP payload type and clock for MPEG-TS (RFC 3551, RFC 2250).
const (
	PayloadTypeMP2T = 33
	clockRate       = 90000
)

// DefaultTimeout bounds the handshake when Args.Timeout is zero.
const DefaultTimeout = 10 * time.Second

var (
	ErrUnsupportedTransport = errors.New("push: unsupported transport")
	ErrClosed               = errors.New("push: session closed")
)

// Args describes one push target.
type Args struct {
	// SSRC identifies the session. A numeric value is also used as the
	// RTP SSRC.
	SSRC        string        `json:"ssrc"`
	Dst         string        `json:"dst"`
	Port        uint16        `json:"port"`
	Transport   Transport     `json:"transport"`
	SrcPort     uint16        `json:"srcPort,omitempty"`
	PayloadType uint8         `json:"pt,omitempty"`
	StreamID    string        `json:"streamId,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Validate checks the fields needed to dial.
func (a Args) Validate() error {
	if a.SSRC == "" {
		return errors.New("push: ssrc is required")
	}
	if a.Dst == "" || a.Port == 0 {
		return errors.New("push: destination address is required")
	}
	switch a.Transport {
	case TransportUDP, TransportTCP, TransportSRT:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTransport, a.Transport)
	}
	return nil
}

// Addr returns the destination as host:port.
func (a Args) Addr() string {
	return fmt.Sprintf("%s:%d", a.Dst, a.Port)
}

// RTPSSRC returns the numeric SSRC: the value itself when SSRC parses as
// a 32-bit number, otherwise its CRC-32.
func (a Args) RTPSSRC() uint32 {
	if v, err := strconv.ParseUint(a.SSRC, 10, 32); err == nil {
		return uint32(v)
	}
	return crc32.ChecksumIEEE([]byte(a.SSRC))
}

func (a Args) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}

func (a Args) payloadType() uint8 {
	if a.PayloadType != 0 {
		return a.PayloadType
	}
	return PayloadTypeMP2T
}
