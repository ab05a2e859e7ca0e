package telemetry

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"
)

// newServerTLSConfig builds a self-signed certificate for the telemetry
// endpoint. Sensor gateways authenticate the building network, not the
// certificate, so ephemeral keys are enough here.
func newServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}

	certTmpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, certTmpl, certTmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func newClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// readFixedFrames reads frameSize-byte frames from r until EOF or ctx
// cancellation, handing each complete frame to the handler.
func readFixedFrames(ctx context.Context, r io.Reader, frameSize int, handler func(frame []byte)) error {
	buf := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, err := io.ReadFull(r, buf)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		frame := make([]byte, frameSize)
		copy(frame, buf)
		handler(frame)
	}
}

// Sender is the client side of the telemetry wire, used by sensor gateway
// shims and the feed simulator.
type Sender struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func NewSender(ctx context.Context, remoteAddr string, openStreamTimeout time.Duration) (*Sender, error) {
	quicConf := &quic.Config{KeepAlivePeriod: 5 * time.Second}
	conn, err := quic.DialAddr(ctx, remoteAddr, newClientTLSConfig(), quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	stCtx := ctx
	var cancel context.CancelFunc
	if openStreamTimeout > 0 {
		stCtx, cancel = context.WithTimeout(ctx, openStreamTimeout)
		defer cancel()
	}

	stream, err := conn.OpenStreamSync(stCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &Sender{conn: conn, stream: stream}, nil
}

// Send writes one frame, zero-padded to the wire size.
func (s *Sender) Send(f Frame, timeout time.Duration) error {
	frame, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if timeout > 0 {
		_ = s.stream.SetWriteDeadline(time.Now().Add(timeout))
	}
	total := 0
	for total < len(frame) {
		n, err := s.stream.Write(frame[total:])
		total += n
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write frame: wrote 0 bytes")
		}
	}
	return nil
}

func (s *Sender) Close() error {
	if s == nil {
		return nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
	}
	if s.conn != nil {
		return s.conn.CloseWithError(0, "bye")
	}
	return nil
}
