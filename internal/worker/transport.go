package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

const defaultSendTimeout = 1 * time.Second

// Receiver pulls raw inbound payloads. Recv blocks until a message
// arrives or the underlying endpoint fails or is closed.
type Receiver interface {
	Recv() ([]byte, error)
	Close() error
}

// Sender pushes raw outbound payloads. Send must not block indefinitely;
// the worker applies its own retry policy around transient failures.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// ListenPull binds a ZeroMQ PULL socket at addr; the engine's PUSH side
// connects to it.
func ListenPull(ctx context.Context, addr string) (Receiver, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind pull socket %s: %w", addr, err)
	}
	return &zmqReceiver{sock: sock}, nil
}

// ListenPush binds a ZeroMQ PUSH socket at addr; the engine's PULL side
// connects to it. sendTimeout bounds each Send attempt so a saturated or
// peer-less outbound channel surfaces as an error instead of stalling
// the loop; zero or negative selects a default.
func ListenPush(ctx context.Context, addr string, sendTimeout time.Duration) (Sender, error) {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	sock := zmq4.NewPush(ctx, zmq4.WithTimeout(sendTimeout))
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind push socket %s: %w", addr, err)
	}
	return &zmqSender{sock: sock}, nil
}

type zmqReceiver struct {
	sock zmq4.Socket
}

func (r *zmqReceiver) Recv() ([]byte, error) {
	msg, err := r.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (r *zmqReceiver) Close() error { return r.sock.Close() }

type zmqSender struct {
	sock zmq4.Socket
}

func (s *zmqSender) Send(payload []byte) error {
	return s.sock.Send(zmq4.NewMsg(payload))
}

func (s *zmqSender) Close() error { return s.sock.Close() }
