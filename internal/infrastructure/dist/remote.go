package dist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// CollectivePath is the websocket endpoint hosted by rank 0.
const CollectivePath = "/collective"

// RemoteOptions configures a Remote coordinator.
type RemoteOptions struct {
	// ConnectTimeout bounds the rendezvous.
	ConnectTimeout time.Duration

	// RetryInterval is the pause between dial attempts.
	RetryInterval time.Duration

	Logger *slog.Logger
}

func (o *RemoteOptions) defaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = time.Minute
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Frame kinds.
const (
	frameHello byte = iota + 1
	frameWelcome
	frameContribution
	frameResult
	frameFailure
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Remote is a multi-process coordinator. Rank 0 hosts a websocket endpoint
// and every other rank holds one connection to it. Rank 0 gathers the
// contributions of a collective, sums them in rank order and sends the
// result back.
type Remote struct {
	mu     sync.Mutex
	rank   int
	world  int
	seq    uint32
	conns  []*websocket.Conn
	server *http.Server
	logger *slog.Logger
}

// ListenAndHost listens on addr and hosts the group as rank 0.
func ListenAndHost(ctx context.Context, addr string, world int, opts RemoteOptions) (*Remote, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return Host(ctx, ln, world, opts)
}

// Host serves the rendezvous on ln and waits until all world-1 workers
// have joined.
func Host(ctx context.Context, ln net.Listener, world int, opts RemoteOptions) (*Remote, error) {
	opts.defaults()
	r := &Remote{rank: 0, world: world, conns: make([]*websocket.Conn, world), logger: opts.Logger}

	type joined struct {
		rank int
		conn *websocket.Conn
	}
	joins := make(chan joined)
	settled := make(chan struct{})
	defer close(settled)

	mux := http.NewServeMux()
	mux.HandleFunc(CollectivePath, func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Error("collective upgrade failed", "error", err)
			return
		}
		rank, err := readHello(conn, world)
		if err != nil {
			r.logger.Warn("rejected worker", "remote", req.RemoteAddr, "error", err)
			conn.Close()
			return
		}
		select {
		case joins <- joined{rank: rank, conn: conn}:
		case <-settled:
			conn.Close()
		case <-ctx.Done():
			conn.Close()
		}
	})
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("collective server stopped", "error", err)
		}
	}()

	timer := time.NewTimer(opts.ConnectTimeout)
	defer timer.Stop()
	for missing := world - 1; missing > 0; {
		select {
		case j := <-joins:
			if r.conns[j.rank] != nil {
				r.logger.Warn("duplicate worker rank", "rank", j.rank)
				j.conn.Close()
				continue
			}
			r.conns[j.rank] = j.conn
			missing--
			r.logger.Info("worker joined", "rank", j.rank, "waiting_for", missing)
		case <-timer.C:
			r.Close()
			return nil, fmt.Errorf("rendezvous: %d of %d workers missing after %s", missing, world-1, opts.ConnectTimeout)
		case <-ctx.Done():
			r.Close()
			return nil, ctx.Err()
		}
	}

	for rank := 1; rank < world; rank++ {
		if err := r.conns[rank].WriteMessage(websocket.BinaryMessage, []byte{frameWelcome}); err != nil {
			r.Close()
			return nil, fmt.Errorf("welcome rank %d: %w", rank, err)
		}
	}
	return r, nil
}

func readHello(conn *websocket.Conn, world int) (int, error) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	if len(msg) != 9 || msg[0] != frameHello {
		return 0, errors.New("malformed hello")
	}
	rank := int(binary.LittleEndian.Uint32(msg[1:5]))
	size := int(binary.LittleEndian.Uint32(msg[5:9]))
	if size != world {
		return 0, fmt.Errorf("worker expects world %d, group has %d", size, world)
	}
	if rank < 1 || rank >= world {
		return 0, fmt.Errorf("worker rank %d outside [1, %d)", rank, world)
	}
	return rank, nil
}

// Dial joins the group hosted at addr as a worker, retrying until the
// leader is reachable or the connect timeout expires.
func Dial(ctx context.Context, addr string, rank, world int, opts RemoteOptions) (*Remote, error) {
	opts.defaults()
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	url := "ws://" + addr + CollectivePath
	var conn *websocket.Conn
	for {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			break
		}
		opts.Logger.Debug("leader not reachable yet", "addr", addr, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial leader %s: %w", addr, ctx.Err())
		case <-time.After(opts.RetryInterval):
		}
	}

	hello := make([]byte, 9)
	hello[0] = frameHello
	binary.LittleEndian.PutUint32(hello[1:5], uint32(rank))
	binary.LittleEndian.PutUint32(hello[5:9], uint32(world))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	_, msg, err := conn.ReadMessage()
	stop()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for group: %w", err)
	}
	if len(msg) != 1 || msg[0] != frameWelcome {
		conn.Close()
		return nil, errors.New("unexpected rendezvous reply")
	}
	return &Remote{rank: rank, world: world, conns: []*websocket.Conn{conn}, logger: opts.Logger}, nil
}

func (r *Remote) Rank() int      { return r.rank }
func (r *Remote) WorldSize() int { return r.world }
func (r *Remote) IsLeader() bool { return r.rank == 0 }

// Barrier is an all-reduce of an empty vector.
func (r *Remote) Barrier(ctx context.Context) error {
	return r.collective(ctx, opBarrier, nil)
}

// AllReduceSum sums v across ranks in place.
func (r *Remote) AllReduceSum(ctx context.Context, v []float64) error {
	return r.collective(ctx, opAllReduce, v)
}

func (r *Remote) collective(ctx context.Context, op collectiveOp, v []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		for _, c := range r.conns {
			if c != nil {
				c.SetReadDeadline(time.Now())
				c.SetWriteDeadline(time.Now())
			}
		}
	})
	defer func() {
		if stop() {
			return
		}
		// the interrupt may still be setting deadlines
		<-fired
		for _, c := range r.conns {
			if c != nil {
				c.SetReadDeadline(time.Time{})
				c.SetWriteDeadline(time.Time{})
			}
		}
	}()

	var err error
	if r.rank == 0 {
		err = r.gather(op, v)
	} else {
		err = r.exchange(op, v)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// gather runs on rank 0.
func (r *Remote) gather(op collectiveOp, v []float64) error {
	sum := append([]float64(nil), v...)
	var failure error
	for rank := 1; rank < r.world; rank++ {
		_, msg, err := r.conns[rank].ReadMessage()
		if err != nil {
			return fmt.Errorf("read from rank %d: %w", rank, err)
		}
		gotOp, seq, values, err := decodeContribution(msg)
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		switch {
		case failure != nil:
		case gotOp != op || seq != r.seq:
			failure = fmt.Errorf("%w: rank %d issued %s #%d, rank 0 issued %s #%d",
				continual.ErrCollectiveMismatch, rank, gotOp, seq, op, r.seq)
		case len(values) != len(sum):
			failure = fmt.Errorf("%w: rank %d sent %d values, rank 0 sent %d",
				continual.ErrCollectiveMismatch, rank, len(values), len(sum))
		default:
			for i, x := range values {
				sum[i] += x
			}
		}
	}

	reply := encodeResult(sum)
	if failure != nil {
		reply = append([]byte{frameFailure}, failure.Error()...)
	}
	for rank := 1; rank < r.world; rank++ {
		if err := r.conns[rank].WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return fmt.Errorf("write to rank %d: %w", rank, err)
		}
	}
	if failure != nil {
		return failure
	}
	copy(v, sum)
	return nil
}

// exchange runs on workers.
func (r *Remote) exchange(op collectiveOp, v []float64) error {
	conn := r.conns[0]
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeContribution(op, r.seq, v)); err != nil {
		return fmt.Errorf("send to leader: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read from leader: %w", err)
	}
	if len(msg) > 0 && msg[0] == frameFailure {
		return fmt.Errorf("%w: %s", continual.ErrCollectiveMismatch, msg[1:])
	}
	values, err := decodeResult(msg)
	if err != nil {
		return err
	}
	if len(values) != len(v) {
		return fmt.Errorf("%w: leader returned %d values, want %d", continual.ErrCollectiveMismatch, len(values), len(v))
	}
	copy(v, values)
	return nil
}

// Close tears down connections and, on rank 0, the server.
func (r *Remote) Close() error {
	for _, c := range r.conns {
		if c != nil {
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.Close()
		}
	}
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(ctx)
	}
	return nil
}

// Contribution frame: kind, op code, seq u32, count u32, count float64s.
func encodeContribution(op collectiveOp, seq uint32, v []float64) []byte {
	buf := make([]byte, 10+8*len(v))
	buf[0] = frameContribution
	if op == opAllReduce {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint32(buf[2:6], seq)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(v)))
	putFloats(buf[10:], v)
	return buf
}

func decodeContribution(msg []byte) (collectiveOp, uint32, []float64, error) {
	if len(msg) < 10 || msg[0] != frameContribution {
		return "", 0, nil, errors.New("malformed contribution frame")
	}
	op := opBarrier
	if msg[1] == 1 {
		op = opAllReduce
	}
	seq := binary.LittleEndian.Uint32(msg[2:6])
	n := int(binary.LittleEndian.Uint32(msg[6:10]))
	if len(msg) != 10+8*n {
		return "", 0, nil, errors.New("truncated contribution frame")
	}
	return op, seq, getFloats(msg[10:], n), nil
}

func encodeResult(v []float64) []byte {
	buf := make([]byte, 5+8*len(v))
	buf[0] = frameResult
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v)))
	putFloats(buf[5:], v)
	return buf
}

func decodeResult(msg []byte) ([]float64, error) {
	if len(msg) < 5 || msg[0] != frameResult {
		return nil, errors.New("malformed result frame")
	}
	n := int(binary.LittleEndian.Uint32(msg[1:5]))
	if len(msg) != 5+8*n {
		return nil, errors.New("truncated result frame")
	}
	return getFloats(msg[5:], n), nil
}

func putFloats(buf []byte, v []float64) {
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
}

func getFloats(buf []byte, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out
}
