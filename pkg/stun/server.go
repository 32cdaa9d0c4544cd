package stun

import (
	"context"
	"errors"
	"net"

	pionstun "github.com/pion/stun"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/pkg/transport"
)

const defaultSoftware = "udpunch"

// Server answers binding requests with the source address it observed.
// It is enough for peers that share a reachable host or for local testing.
type Server struct {
	conn     transport.PacketConn
	software string
	log      *zap.SugaredLogger
}

// NewServer wraps a bound socket.
func NewServer(conn transport.PacketConn, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.S().Named("stun-server")
	}
	return &Server{conn: conn, software: defaultSoftware, log: log}
}

// Serve handles requests until ctx is cancelled or the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, transport.BufferSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if err := s.handle(buf[:n], from); err != nil {
			s.log.Debugw("dropping request", "from", from, "err", err)
		}
	}
}

func (s *Server) handle(data []byte, from net.Addr) error {
	if !pionstun.IsMessage(data) {
		return errors.New("not a STUN message")
	}

	req := &pionstun.Message{Raw: append([]byte(nil), data...)}
	if err := req.Decode(); err != nil {
		return err
	}
	if req.Type != pionstun.BindingRequest {
		return errors.New("unexpected message type " + req.Type.String())
	}

	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return errors.New("unsupported source address type")
	}

	resp, err := pionstun.Build(
		pionstun.NewTransactionIDSetter(req.TransactionID),
		pionstun.BindingSuccess,
		pionstun.NewSoftware(s.software),
		&pionstun.XORMappedAddress{IP: ua.IP, Port: ua.Port},
		pionstun.Fingerprint,
	)
	if err != nil {
		return err
	}

	if _, err := s.conn.WriteTo(resp.Raw, from); err != nil {
		return err
	}
	s.log.Debugw("answered binding request", "from", ua)
	return nil
}
