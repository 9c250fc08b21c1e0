package core

// node.go is the P2P swarm: the libp2p host, pubsub, mDNS discovery and
// bootstrap dialing. A RoutingTable and ProviderTable are the source of
// truth for DHT operations; startup signals readiness as soon as local
// operations work (within ~2s), with DHT bootstrap continuing in the
// background.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// Node is MeshVault's P2P swarm: libp2p host, pubsub, Kademlia routing and
// provider tables, and the peer bookkeeping the Orchestrator reports through
// ListPeers.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	nat    *NATManager

	routing   *RoutingTable
	providers *ProviderTable

	peerLock sync.RWMutex
	peers    map[NodeID]*PeerRecord

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	pendingQueries *queryTable
	persistence    *Persistence

	peerEventMu sync.Mutex
	peerEvent   func(id NodeID, connected bool)

	cfg Config
	log *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	readyOnce sync.Once
	readyCh   chan struct{}

	bootstrapOnce sync.Once
	bootstrapCh   chan struct{}
}

// NewNode creates and bootstraps a MeshVault P2P node. Local operations
// (persistence, VFS encode/decode) never wait on this beyond host
// construction; only remote DHT operations wait on readiness.
func NewNode(cfg Config, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Network.ListenAddr))
	if err != nil {
		cancel()
		return nil, WrapErr(ErrIoError, "create libp2p host", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, WrapErr(ErrIoError, "create pubsub", err)
	}

	self := NodeID(h.ID().String())
	n := &Node{
		host:           h,
		pubsub:         ps,
		topics:         make(map[string]*pubsub.Topic),
		subs:           make(map[string]*pubsub.Subscription),
		peers:          make(map[NodeID]*PeerRecord),
		routing:        NewRoutingTable(self, cfg.Network.BucketSize, cfg.Network.MaxStrikes),
		providers:      NewProviderTable(cfg.Network.ProvideRepublish, cfg.Network.ProvideExpiry),
		pendingQueries: newQueryTable(),
		cfg:            cfg,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
		readyCh:        make(chan struct{}),
		bootstrapCh:    make(chan struct{}),
	}

	n.registerBlockRPCHandler()

	natMgr, err := NewNATManager()
	if err == nil {
		if port, perr := parsePort(cfg.Network.ListenAddr); perr == nil {
			if merr := natMgr.Map(port); merr != nil {
				log.Warnf("NAT map failed: %v", merr)
				natMgr.UseRelay(cfg.Network.RelayPeers)
			}
		}
		n.nat = natMgr
	} else {
		log.Warnf("NAT discovery failed: %v", err)
	}

	h.Network().Notify(n.connectionNotifiee())

	// Local operations are usable as soon as the host exists; signal
	// node-ready now and let bootstrap continue in the background so the
	// ready signal always fires well inside its 2s budget.
	n.readyOnce.Do(func() { close(n.readyCh) })

	go n.bootstrap()

	if err := mdns.NewMdnsService(h, cfg.Network.DiscoveryTag, n).Start(); err != nil {
		log.Warnf("mdns start failed: %v", err)
	}

	return n, nil
}

// ID returns this node's peer id.
func (n *Node) ID() NodeID { return NodeID(n.host.ID().String()) }

// Multiaddrs returns this node's dialable addresses, peer id included, in
// the form other nodes accept as bootstrap seeds.
func (n *Node) Multiaddrs() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.host.ID().String())
	}
	return out
}

// SetPersistence wires the local block store the RPC handler consults for
// STORE/FETCH requests. Called once by the Orchestrator during startup.
func (n *Node) SetPersistence(p *Persistence) { n.persistence = p }

// SetPeerEventHook registers a callback invoked on every peer connect and
// disconnect, used by the Orchestrator to surface peer events to the UI.
func (n *Node) SetPeerEventHook(fn func(id NodeID, connected bool)) {
	n.peerEventMu.Lock()
	n.peerEvent = fn
	n.peerEventMu.Unlock()
}

func (n *Node) notifyPeerEvent(id NodeID, connected bool) {
	n.peerEventMu.Lock()
	fn := n.peerEvent
	n.peerEventMu.Unlock()
	if fn != nil {
		fn(id, connected)
	}
}

// Reachability reports the NAT classification of this node, "unknown" when
// no gateway was discovered.
func (n *Node) Reachability() string {
	if n.nat == nil {
		return ReachabilityUnknown.String()
	}
	return n.nat.Reachability().String()
}

// WaitForReady blocks until the node is usable for local operations or
// timeout elapses.
func (n *Node) WaitForReady(timeout time.Duration) error {
	select {
	case <-n.readyCh:
		return nil
	case <-time.After(timeout):
		return NewError(ErrTimeout, "node not ready")
	}
}

// WaitForBootstrap blocks until the first successful bootstrap event or the
// configured bootstrap timeout elapses. Expiry is informational, not
// fatal.
func (n *Node) WaitForBootstrap(timeout time.Duration) error {
	select {
	case <-n.bootstrapCh:
		return nil
	case <-time.After(timeout):
		return NewError(ErrTimeout, "dht bootstrap did not complete")
	}
}

func (n *Node) bootstrap() {
	if err := n.DialSeed(n.cfg.Network.BootstrapPeers); err != nil {
		n.log.Warnf("bootstrap dial warning: %v", err)
	}
	if len(n.cfg.Network.BootstrapPeers) > 0 && n.routing.Size() > 0 {
		n.markBootstrapped()
	}
	// Background self-lookup to populate buckets beyond directly dialed
	// seeds, bounded by the configured bootstrap timeout.
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Network.BootstrapTimeout)
	defer cancel()
	if n.routing.Size() > 0 {
		_, _ = n.IterativeFindNode(ctx, n.ID())
	}
}

func (n *Node) markBootstrapped() {
	n.bootstrapOnce.Do(func() { close(n.bootstrapCh) })
}

// dialContext bounds one outbound dial by the configured dial timeout.
func (n *Node) dialContext() (context.Context, context.CancelFunc) {
	timeout := n.cfg.Network.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(n.ctx, timeout)
}

// DialSeed connects to a list of bootstrap peer multiaddrs, adding each to
// the routing table. Self-addresses are silently skipped at this discovery
// source too, like at every other one.
func (n *Node) DialSeed(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warnf("invalid bootstrap addr %s: %v", addr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.log.Warnf("bootstrap addr %s has no peer id: %v", addr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if pi.ID == n.host.ID() {
			n.log.Debugf("skipped self bootstrap address %s", addr)
			continue
		}
		dctx, cancel := n.dialContext()
		err = n.host.Connect(dctx, *pi)
		cancel()
		if err != nil {
			n.log.Warnf("connect %s: %v", addr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.addPeer(NodeID(pi.ID.String()), addr, PeerConnected)
		n.markBootstrapped()
		n.log.Infof("bootstrapped to %s", addr)
	}
	return firstErr
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: dial discovered LAN peers,
// skipping self.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		n.log.Debugf("skipped self from mdns discovery")
		return
	}
	id := NodeID(info.ID.String())
	n.peerLock.RLock()
	_, exists := n.peers[id]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	dctx, cancel := n.dialContext()
	defer cancel()
	if err := n.host.Connect(dctx, info); err != nil {
		n.log.Warnf("mdns connect to %s failed: %v", info.ID.String(), err)
		return
	}
	n.addPeer(id, info.String(), PeerConnected)
	n.log.Infof("connected to peer %s via mdns", info.ID.String())
}

// PeerExchange feeds a set of peer ids/addrs attached to an RPC response
// into the routing table, subject to a trivial reputation filter (never add
// a peer with a negative reputation) and the same self-connection guard
// applied at every other discovery source.
func (n *Node) PeerExchange(candidates []PeerRecord) {
	for _, c := range candidates {
		if c.PeerID == n.ID() {
			n.log.Debugf("skipped self from peer exchange")
			continue
		}
		if c.Reputation < 0 {
			continue
		}
		n.routing.AddPeer(c.PeerID)
		n.peerLock.Lock()
		if _, ok := n.peers[c.PeerID]; !ok {
			n.peers[c.PeerID] = &PeerRecord{PeerID: c.PeerID, Multiaddrs: c.Multiaddrs, LastSeen: time.Now(), State: PeerDisconnected}
		}
		n.peerLock.Unlock()
	}
}

func (n *Node) addPeer(id NodeID, addr string, state PeerState) {
	n.routing.AddPeer(id)
	n.peerLock.Lock()
	rec, ok := n.peers[id]
	if !ok {
		rec = &PeerRecord{PeerID: id, KnownBlockIDs: make(map[string]struct{})}
		n.peers[id] = rec
	}
	rec.Multiaddrs = []string{addr}
	rec.LastSeen = time.Now()
	rec.State = state
	n.peerLock.Unlock()
}

// connectionNotifiee updates the peer link state from libp2p transport
// events: a connect marks the peer PeerConnected, a disconnect marks it
// PeerDisconnected. It never sets PeerDialing or PeerRelayed.
func (n *Node) connectionNotifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			id := NodeID(c.RemotePeer().String())
			if id == n.ID() {
				return
			}
			n.addPeer(id, c.RemoteMultiaddr().String(), PeerConnected)
			n.notifyPeerEvent(id, true)
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			id := NodeID(c.RemotePeer().String())
			n.peerLock.Lock()
			if rec, ok := n.peers[id]; ok {
				rec.State = PeerDisconnected
			}
			n.peerLock.Unlock()
			n.notifyPeerEvent(id, false)
		},
	}
}

// Peers returns the currently known peers for list_peers, always
// excluding self.
func (n *Node) Peers() []PeerInfo {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerInfo, 0, len(n.peers))
	self := n.ID()
	for id, rec := range n.peers {
		if id == self {
			continue
		}
		addr := ""
		if len(rec.Multiaddrs) > 0 {
			addr = rec.Multiaddrs[0]
		}
		out = append(out, PeerInfo{
			PeerID:     string(id),
			Address:    addr,
			LatencyMs:  rec.Latency.Milliseconds(),
			BlocksHeld: len(rec.KnownBlockIDs),
			Status:     rec.State.String(),
		})
	}
	return out
}

//---------------------------------------------------------------------
// Pub/sub announcements
//---------------------------------------------------------------------

// Broadcast publishes data on topic, joining it on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return WrapErr(ErrNetworkUnavailable, fmt.Sprintf("join topic %s", topic), err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return WrapErr(ErrNetworkUnavailable, fmt.Sprintf("publish topic %s", topic), err)
	}
	return nil
}

// Message is a decoded pubsub delivery.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Subscribe listens for messages on a topic, joining/subscribing on first
// use.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		n.topicLock.Lock()
		t, err := n.pubsub.Join(topic)
		n.topicLock.Unlock()
		if err != nil {
			n.subLock.Unlock()
			return nil, WrapErr(ErrNetworkUnavailable, fmt.Sprintf("join topic %s", topic), err)
		}
		sub, err = t.Subscribe()
		if err != nil {
			n.subLock.Unlock()
			return nil, WrapErr(ErrNetworkUnavailable, fmt.Sprintf("subscribe topic %s", topic), err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			select {
			case out <- Message{From: NodeID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close tears down the node: cancels the context, unmaps any NAT port, and
// closes the libp2p host.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}
