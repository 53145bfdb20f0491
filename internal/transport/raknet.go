package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sandertv/go-raknet"

	"github.com/1ureka/bedrocklink/internal/util"
)

// RakNetBatchHeader prefixes every game batch sent over RakNet.
const RakNetBatchHeader byte = 0xfe

// packetConn is the part of a RakNet connection the transport uses.
type packetConn interface {
	ReadPacket() ([]byte, error)
	Write(b []byte) (int, error)
	Close() error
}

type dialFunc func(ctx context.Context, address string) (packetConn, error)

func dialRakNet(ctx context.Context, address string) (packetConn, error) {
	conn, err := raknet.DialContext(ctx, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RakNet is a transport over a go-raknet client connection.
type RakNet struct {
	address string
	dial    dialFunc

	mu        sync.Mutex
	conn      packetConn
	pending   [][]byte
	reason    string
	started   bool
	connected chan struct{}

	packets   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Transport = (*RakNet)(nil)

// NewRakNet returns a transport that will connect to address ("host:port").
func NewRakNet(address string) *RakNet {
	return newRakNet(address, dialRakNet)
}

func newRakNet(address string, dial dialFunc) *RakNet {
	ctx, cancel := context.WithCancel(context.Background())
	return &RakNet{
		address:   address,
		dial:      dial,
		connected: make(chan struct{}),
		packets:   make(chan []byte, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Ping queries the unconnected pong of a RakNet server.
func Ping(ctx context.Context, address string) ([]byte, error) {
	return raknet.PingContext(ctx, address)
}

func (r *RakNet) Caps() Capabilities {
	return Capabilities{BatchHeader: RakNetBatchHeader, HasBatchHeader: true}
}

func (r *RakNet) Connected() <-chan struct{} { return r.connected }
func (r *RakNet) Packets() <-chan []byte     { return r.packets }
func (r *RakNet) Done() <-chan struct{}      { return r.ctx.Done() }

func (r *RakNet) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Connect dials the server in the background.
func (r *RakNet) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("raknet: connect called twice")
	}
	r.started = true
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		return ErrClosed
	}
	go r.run(ctx)
	return nil
}

func (r *RakNet) run(ctx context.Context) {
	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-r.ctx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	conn, err := r.dial(dialCtx, r.address)
	if err != nil {
		r.closeWith(fmt.Sprintf("failed to connect to %s: %v", r.address, err))
		return
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	pending := r.pending
	r.pending = nil
	for _, b := range pending {
		if _, err := conn.Write(b); err != nil {
			r.mu.Unlock()
			r.closeWith(fmt.Sprintf("write: %v", err))
			return
		}
		util.Stats.AddSent(len(b))
	}
	r.mu.Unlock()

	util.LogDebug("raknet connected to %s", r.address)
	close(r.connected)
	r.readLoop(conn)
}

func (r *RakNet) readLoop(conn packetConn) {
	for {
		b, err := conn.ReadPacket()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.closeWith("connection closed")
			} else {
				r.closeWith(fmt.Sprintf("read: %v", err))
			}
			return
		}
		util.Stats.AddRecv(len(b))
		select {
		case r.packets <- b:
		case <-r.ctx.Done():
			return
		}
	}
}

// SendReliable writes b, or holds it until the connection is up. RakNet
// flushes on its own tick, so immediate has no further effect.
func (r *RakNet) SendReliable(b []byte, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if r.conn == nil {
		r.pending = append(r.pending, b)
		return nil
	}
	if _, err := r.conn.Write(b); err != nil {
		return fmt.Errorf("raknet write: %w", err)
	}
	util.Stats.AddSent(len(b))
	return nil
}

// Shutdown waits for a pending dial to deliver queued batches, then closes.
// Writes on an open connection are handed to RakNet synchronously.
func (r *RakNet) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	waiting := r.started && r.conn == nil && len(r.pending) > 0
	r.mu.Unlock()
	if waiting {
		select {
		case <-r.connected:
		case <-r.ctx.Done():
		case <-ctx.Done():
		}
	}
	return r.Close()
}

func (r *RakNet) Close() error {
	return r.closeWith("closed by client")
}

func (r *RakNet) closeWith(reason string) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.reason = reason
		conn := r.conn
		r.pending = nil
		r.cancel()
		r.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		util.LogDebug("raknet closed: %s", reason)
	})
	return err
}
