package dhtnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds how long Request waits for a correlated
// response before giving up (spec.md §6).
const DefaultRequestTimeout = 5 * time.Second

// maxDatagramSize bounds a single inbound datagram. STORE payloads carry
// manifest JSON, so this must clear spec.md §9's recommended 64 KiB DHT
// value ceiling plus envelope overhead.
const maxDatagramSize = 70 * 1024

// Handler processes an inbound message and optionally returns a response
// to send back to the sender. A nil response means no reply is sent.
type Handler func(msg *Message, from *net.UDPAddr) (*Message, error)

// Transport is the UDP wire layer: it frames messages as JSON datagrams,
// dispatches inbound messages by type to registered handlers, and
// correlates request/response pairs by message id. Grounded on the
// teacher's transport.UDPTransport (transport/udp.go).
type Transport struct {
	conn     *net.UDPConn
	handlers map[MessageType]Handler
	mu       sync.RWMutex

	pending   map[string]chan *Message
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen opens a UDP socket on addr and starts its receive loop.
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dhtnet.Listen: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dhtnet.Listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:     conn,
		handlers: make(map[MessageType]Handler),
		pending:  make(map[string]chan *Message),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     conn.LocalAddr().String(),
	}).Info("dhtnet transport listening")
	return t, nil
}

// RegisterHandler associates a Handler with a message type.
func (t *Transport) RegisterHandler(msgType MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = h
}

// LocalAddr returns the transport's bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the transport's background loops and closes the socket.
func (t *Transport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// Send transmits msg to addr without waiting for a response.
func (t *Transport) Send(msg *Message, addr *net.UDPAddr) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dhtnet.Send: %w", err)
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("dhtnet.Send: %w", err)
	}
	return nil
}

// Request sends msg to addr and blocks until a response sharing msg.ID
// arrives, ctx is cancelled, or DefaultRequestTimeout elapses.
func (t *Transport) Request(ctx context.Context, msg *Message, addr *net.UDPAddr) (*Message, error) {
	ch := make(chan *Message, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.Send(msg, addr); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(DefaultRequestTimeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timeout.C:
		return nil, fmt.Errorf("dhtnet.Request: timed out waiting for %s from %s", msg.Type, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, t.ctx.Err()
	}
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.receiveLoop",
				"from":     addr.String(),
			}).WithError(err).Debug("discarding unparsable datagram")
			continue
		}

		go t.dispatch(&msg, addr)
	}
}

func (t *Transport) dispatch(msg *Message, from *net.UDPAddr) {
	t.pendingMu.Lock()
	ch, isResponse := t.pending[msg.ID]
	t.pendingMu.Unlock()
	if isResponse {
		select {
		case ch <- msg:
		default:
		}
		return
	}

	t.mu.RLock()
	handler, ok := t.handlers[msg.Type]
	t.mu.RUnlock()
	if !ok {
		return
	}

	resp, err := handler(msg, from)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.dispatch",
			"type":     string(msg.Type),
			"from":     from.String(),
		}).WithError(err).Debug("handler returned error")
		return
	}
	if resp != nil {
		resp.ID = msg.ID
		if err := t.Send(resp, from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.dispatch",
				"type":     string(resp.Type),
			}).WithError(err).Debug("failed to send response")
		}
	}
}
