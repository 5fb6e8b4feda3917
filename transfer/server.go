package transfer

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ChunkHandler answers a REQUEST_CHUNK by returning the chunk's bytes, or
// found=false if the local node doesn't have it.
type ChunkHandler func(chunkHash string) (data []byte, found bool)

// ManifestHandler answers a REQUEST_MANIFEST by returning the manifest's
// serialized bytes, or found=false if the local node doesn't have it.
type ManifestHandler func(infoHash string) (data []byte, found bool)

// Server accepts peer connections and serves chunk/manifest requests.
// Grounded on the teacher's TCPTransport.acceptConnections (transport/tcp.go).
type Server struct {
	listener net.Listener

	onChunk    ChunkHandler
	onManifest ManifestHandler

	wg       sync.WaitGroup
	closeCh  chan struct{}
	closeOne sync.Once
}

// Listen starts a Server accepting connections on addr.
func Listen(addr string, onChunk ChunkHandler, onManifest ManifestHandler) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener:   l,
		onChunk:    onChunk,
		onManifest: onManifest,
		closeCh:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the server's bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.closeOne.Do(func() { close(s.closeCh) })
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		req, err := ReadMessage(conn)
		if err != nil {
			return
		}

		resp, err := s.handle(req)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.serveConn",
				"type":     string(req.Header.Type),
			}).WithError(err).Debug("error handling request")
			return
		}
		if err := WriteMessage(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Message) (Message, error) {
	switch req.Header.Type {
	case Ping:
		return Message{Header: Header{Type: Pong}}, nil

	case RequestChunk:
		data, found := s.onChunk(req.Header.ChunkHash)
		if !found {
			return Message{Header: Header{Type: ChunkNotFound, ChunkHash: req.Header.ChunkHash}}, nil
		}
		return Message{Header: Header{Type: ChunkData, ChunkHash: req.Header.ChunkHash}, Data: data}, nil

	case RequestManifest:
		data, found := s.onManifest(req.Header.InfoHash)
		if !found {
			return Message{Header: Header{Type: ManifestNotFound, InfoHash: req.Header.InfoHash}}, nil
		}
		return Message{Header: Header{Type: ManifestData, InfoHash: req.Header.InfoHash}, Data: data}, nil

	default:
		return Message{Header: Header{Type: ChunkNotFound}}, nil
	}
}
