package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/io/spi/driver"
)

// maxFrame bounds the receive buffer a client may ask for.
const maxFrame = 1 << 20

// Serve answers bridge requests from rw with conn until the peer hangs up.
func Serve(rw io.ReadWriter, conn driver.Conn) error {
	r := []byte{0x0}
	if _, err := io.ReadFull(rw, r); err != nil {
		return fmt.Errorf("error reading ping: %v", err)
	}
	if r[0] != ping {
		return fmt.Errorf("unknown ping %X", r[0])
	}
	if _, err := rw.Write([]byte{pong}); err != nil {
		return fmt.Errorf("error answering ping: %v", err)
	}

	enc := newEncoder(rw)
	dec := newDecoder(rw)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cannot decode request: %v", err)
		}
		if err := enc.Encode(handle(conn, req)); err != nil {
			return fmt.Errorf("cannot send response: %v", err)
		}
	}
}

func handle(conn driver.Conn, req request) response {
	var resp response
	var err error
	switch req.Op {
	case opTransfer:
		if req.RxLen < 0 || req.RxLen > maxFrame {
			err = fmt.Errorf("bad rx length %d", req.RxLen)
			break
		}
		rx := make([]byte, req.RxLen)
		if err = conn.Transfer(req.Tx, rx, req.Delay); err == nil {
			resp.Rx = rx
		}
	case opConfigure:
		err = conn.Configure(req.Key, req.Value)
	default:
		err = fmt.Errorf("unknown %v", req.Op)
	}
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}

// Server accepts bridge clients on a unix socket and serves them from one
// chip connection.
type Server struct {
	socketPath string
	listener   net.Listener
	conn       driver.Conn
}

// Listen creates the socket at path, replacing a stale one.
func Listen(path string, conn driver.Conn) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error removing existing socket: %v", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("error creating socket listener %v", err)
	}
	return &Server{
		socketPath: path,
		listener:   listener,
		conn:       conn,
	}, nil
}

func (s *Server) Name() string {
	return fmt.Sprintf("flash bridge on %q", s.socketPath)
}

// Serve blocks accepting clients until the server is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cannot accept connection: %v", err)
		}
		log.Println("Client connected")
		go func() {
			defer conn.Close()
			if err := Serve(conn, s.conn); err != nil {
				log.Printf("Client session ended: %v", err)
				return
			}
			log.Println("Client disconnected")
		}()
	}
}

// Close stops accepting clients and removes the socket.
func (s *Server) Close() error {
	return s.listener.Close()
}
