package transport

import (
	"context"
	"net"
	"net/rpc"
	"sort"
	"sync"
	"time"

	"github.com/krantius/anki/shared/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName   = "Anki"
	deliverMethod = serviceName + ".Deliver"

	defaultDialTimeout = time.Second
	defaultAttempts    = 3
)

// Receipt answers a delivery
type Receipt struct {
	Accepted bool
}

// rpcServer is the net/rpc receiver, registered under serviceName
type rpcServer struct {
	deliverCb func(env Envelope, res *Receipt) error
}

func (r *rpcServer) Deliver(env Envelope, res *Receipt) error {
	return r.deliverCb(env, res)
}

type RPCConfig struct {
	ID string
	// Listen is the local address, ":0" picks a free port
	Listen string
	// Peers maps node ids to addresses
	Peers       map[string]string
	DialTimeout time.Duration
	// Attempts per delivery before giving up
	Attempts int
	Backoff  backoff.Strategy
}

// RPC is a Transport over net/rpc on TCP
type RPC struct {
	cfg    RPCConfig
	inbox  *inbox
	server *rpc.Server

	mu       sync.RWMutex
	peers    map[string]string
	listener net.Listener

	log log.FieldLogger
}

// NewRPC creates the transport, Start opens the listener
func NewRPC(cfg RPCConfig, logger log.FieldLogger) (*RPC, error) {
	if cfg.ID == "" {
		return nil, errors.New("transport: rpc needs a node id")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}

	r := &RPC{
		cfg:    cfg,
		inbox:  newInbox(),
		server: rpc.NewServer(),
		peers:  make(map[string]string),
		log:    logger.WithField("component", "rpc").WithField("node", cfg.ID),
	}

	for id, addr := range cfg.Peers {
		if id != cfg.ID {
			r.peers[id] = addr
		}
	}

	srv := &rpcServer{deliverCb: r.handle}
	if err := r.server.RegisterName(serviceName, srv); err != nil {
		return nil, errors.Wrap(err, "register rpc service")
	}

	return r, nil
}

func (r *RPC) handle(env Envelope, res *Receipt) error {
	if err := r.inbox.deliver(context.Background(), env); err != nil {
		return err
	}
	res.Accepted = true
	return nil
}

// Start listens on the configured address
func (r *RPC) Start() error {
	l, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", r.cfg.Listen)
	}

	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()

	r.log.WithField("addr", l.Addr().String()).Info("Listening")

	return nil
}

// Addr is the listening address, empty before Start
func (r *RPC) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Serve accepts connections until ctx is done
func (r *RPC) Serve(ctx context.Context) error {
	r.mu.RLock()
	l := r.listener
	r.mu.RUnlock()

	if l == nil {
		return errors.New("transport: serve before start")
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || r.inbox.closed() {
				r.log.Debug("Listen ending")
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		go r.server.ServeConn(conn)
	}
}

// AddPeer records or updates where a node can be reached
func (r *RPC) AddPeer(id, addr string) {
	if id == r.cfg.ID || addr == "" {
		return
	}

	r.mu.Lock()
	old := r.peers[id]
	r.peers[id] = addr
	r.mu.Unlock()

	if old != addr {
		r.log.WithField("peer", id).WithField("addr", addr).Info("Added peer")
	}
}

// RemovePeer forgets a node
func (r *RPC) RemovePeer(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Peers returns the known peer ids in order
func (r *RPC) Peers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *RPC) Broadcast(ctx context.Context, env Envelope) error {
	if r.inbox.closed() {
		return ErrClosed
	}

	env.From = r.cfg.ID

	r.mu.RLock()
	peers := make(map[string]string, len(r.peers))
	for id, addr := range r.peers {
		peers[id] = addr
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)

	for id, addr := range peers {
		id, addr := id, addr
		g.Go(func() error {
			e := env
			e.To = id
			return r.call(gctx, id, addr, e)
		})
	}

	self := env
	self.To = r.cfg.ID
	if err := r.inbox.deliver(ctx, self); err != nil {
		return errors.Wrap(err, "loopback")
	}

	return g.Wait()
}

func (r *RPC) Send(ctx context.Context, to string, env Envelope) error {
	if r.inbox.closed() {
		return ErrClosed
	}

	env.From = r.cfg.ID
	env.To = to

	if to == r.cfg.ID {
		return r.inbox.deliver(ctx, env)
	}

	r.mu.RLock()
	addr, ok := r.peers[to]
	r.mu.RUnlock()

	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "send %s to %s", env.Topic, to)
	}

	return r.call(ctx, to, addr, env)
}

// call dials the peer and delivers, retrying with backoff
func (r *RPC) call(ctx context.Context, id, addr string, env Envelope) error {
	var err error

	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if err = r.deliverOnce(addr, env); err == nil {
			return nil
		}

		logger := r.log.WithError(err).WithField("peer", id).WithField("topic", env.Topic).WithField("attempt", attempt)
		if attempt == r.cfg.Attempts {
			logger.Error("RPC delivery failed")
			break
		}
		logger.Debug("RPC delivery failed, retrying")

		t := time.NewTimer(r.cfg.Backoff.Delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Wrapf(ctx.Err(), "deliver %s to %s", env.Topic, id)
		}
	}

	return errors.Wrapf(err, "deliver %s to %s after %d attempts", env.Topic, id, r.cfg.Attempts)
}

func (r *RPC) deliverOnce(addr string, env Envelope) error {
	conn, err := net.DialTimeout("tcp", addr, r.cfg.DialTimeout)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	client := rpc.NewClient(conn)
	defer client.Close()

	conn.SetDeadline(time.Now().Add(r.cfg.DialTimeout * 5))

	res := Receipt{}
	if err := client.Call(deliverMethod, env, &res); err != nil {
		return errors.Wrap(err, "call")
	}

	if !res.Accepted {
		return errors.New("delivery refused")
	}

	return nil
}

func (r *RPC) Receive(topic Topic) <-chan Envelope {
	return r.inbox.channel(topic)
}

func (r *RPC) Close() error {
	r.inbox.close()

	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	if l != nil {
		l.Close()
	}
	return nil
}
