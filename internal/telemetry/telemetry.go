package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/elevcmd"
	"github.com/skyrise-ops/elevcore/internal/logger"
)

const (
	ALPN      = "elevcore-telemetry"
	FrameSize = 1024 // fixed-size frames (stream framing, not datagrams)
)

// Frame is one telemetry reading as sent on the wire, zero-padded to
// FrameSize bytes of JSON.
type Frame struct {
	Car   string `json:"car"`
	Kind  string `json:"kind"` // floor | load | obstruction | heartbeat
	Floor int    `json:"floor,omitempty"`
	Load  int    `json:"load,omitempty"`
	Value bool   `json:"value,omitempty"`
}

// Command maps a frame onto the car actor message it carries.
func (f Frame) Command() (elevcmd.CarCommand, error) {
	switch f.Kind {
	case "floor":
		return elevcmd.CarCommand{Value: elevcmd.FloorArrival{Floor: f.Floor}}, nil
	case "load":
		return elevcmd.CarCommand{Value: elevcmd.SetLoad{Percent: f.Load}}, nil
	case "obstruction":
		return elevcmd.CarCommand{Value: elevcmd.SetObstruction{Value: f.Value}}, nil
	case "heartbeat":
		return elevcmd.CarCommand{Value: elevcmd.Heartbeat{}}, nil
	default:
		return elevcmd.CarCommand{}, fmt.Errorf("unknown telemetry kind %q", f.Kind)
	}
}

// DecodeFrame strips the zero padding and unmarshals one wire frame.
func DecodeFrame(buf []byte) (Frame, error) {
	payload := bytes.TrimRight(buf, "\x00")
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode telemetry frame: %w", err)
	}
	if f.Car == "" {
		return Frame{}, fmt.Errorf("telemetry frame without car id")
	}
	return f, nil
}

// EncodeFrame zero-pads a frame to the wire size. Used by feed simulators
// and tests.
func EncodeFrame(f Frame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode telemetry frame: %w", err)
	}
	if len(payload) > FrameSize {
		return nil, fmt.Errorf("telemetry frame too large: %d > %d", len(payload), FrameSize)
	}
	frame := make([]byte, FrameSize)
	copy(frame, payload)
	return frame, nil
}

// Ingress receives decoded telemetry commands; the bank implements it.
type Ingress interface {
	Deliver(carID string, cmd elevcmd.CarCommand) error
}

// Listener accepts QUIC connections from building sensor gateways and feeds
// their frames into car actors. A bad frame or unknown car is logged and
// dropped, never fatal.
type Listener struct {
	addr    string
	ingress Ingress
	log     zerolog.Logger
}

func NewListener(addr string, ingress Ingress) *Listener {
	return &Listener{
		addr:    addr,
		ingress: ingress,
		log:     logger.GetLogger().With().Str("component", "telemetry").Logger(),
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	tlsConf, err := newServerTLSConfig()
	if err != nil {
		return fmt.Errorf("server tls config: %w", err)
	}
	quicConf := &quic.Config{KeepAlivePeriod: 5 * time.Second}

	ln, err := quic.ListenAddr(l.addr, tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", l.addr, err)
	}
	defer ln.Close()
	l.log.Info().Str("addr", l.addr).Msg("telemetry listener ready")

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn *quic.Conn) {
	l.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("telemetry feed connected")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("telemetry feed closed")
			}
			return
		}
		go l.handleStream(ctx, stream)
	}
}

func (l *Listener) handleStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()
	err := readFixedFrames(ctx, stream, FrameSize, func(buf []byte) {
		f, err := DecodeFrame(buf)
		if err != nil {
			l.log.Warn().Err(err).Msg("telemetry frame dropped")
			return
		}
		cmd, err := f.Command()
		if err != nil {
			l.log.Warn().Err(err).Str("car", f.Car).Msg("telemetry frame dropped")
			return
		}
		if err := l.ingress.Deliver(f.Car, cmd); err != nil {
			l.log.Warn().Err(err).Str("car", f.Car).Msg("telemetry delivery failed")
		}
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("telemetry stream ended")
	}
}
