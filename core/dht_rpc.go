package core

// dht_rpc.go implements the block request/response protocol: STORE, FETCH,
// PROVIDE and PING/PONG over a single libp2p stream protocol. Outbound
// queries are matched to their completions through a map from in-flight
// query id to a one-shot reply channel — never by block id alone, since
// identical block ids may be queried concurrently.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const blockRPCProtocol = protocol.ID("/meshvault/blockrpc/1.0.0")

// RPCType enumerates the four block RPC request kinds.
type RPCType string

const (
	RPCStore   RPCType = "STORE"
	RPCFetch   RPCType = "FETCH"
	RPCProvide RPCType = "PROVIDE"
	RPCPing    RPCType = "PING"
	rpcPong    RPCType = "PONG"
	rpcError   RPCType = "ERROR"
)

// rpcEnvelope is the wire message for every block RPC exchange: one per
// request, one per response, correlated by QueryID.
type rpcEnvelope struct {
	QueryID   string       `json:"query_id"`
	Type      RPCType      `json:"type"`
	BlockUUID uuid.UUID    `json:"block_uuid,omitempty"`
	Block     []byte       `json:"block,omitempty"` // canonical-encoded Block
	Peers     []peerGossip `json:"peers,omitempty"` // peer-exchange payload
	Providers []string     `json:"providers,omitempty"`
	Found     bool         `json:"found"`
	Error     string       `json:"error,omitempty"`
}

type peerGossip struct {
	PeerID     string   `json:"peer_id"`
	Multiaddrs []string `json:"multiaddrs"`
	Reputation int      `json:"reputation"`
}

// queryTable maps an in-flight query id to the one-shot channel its reply is
// delivered on.
type queryTable struct {
	mu      sync.Mutex
	pending map[string]chan *rpcEnvelope
}

func newQueryTable() *queryTable {
	return &queryTable{pending: make(map[string]chan *rpcEnvelope)}
}

func (qt *queryTable) register(id string) chan *rpcEnvelope {
	ch := make(chan *rpcEnvelope, 1)
	qt.mu.Lock()
	qt.pending[id] = ch
	qt.mu.Unlock()
	return ch
}

func (qt *queryTable) resolve(id string, resp *rpcEnvelope) {
	qt.mu.Lock()
	ch, ok := qt.pending[id]
	if ok {
		delete(qt.pending, id)
	}
	qt.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (qt *queryTable) forget(id string) {
	qt.mu.Lock()
	delete(qt.pending, id)
	qt.mu.Unlock()
}

// registerBlockRPCHandler installs the responder side of the block RPC
// protocol: STORE persists and registers as a provider, FETCH serves a
// locally held block, PROVIDE answers with known providers, PING answers
// PONG. Every response carries a short peer-exchange list.
func (n *Node) registerBlockRPCHandler() {
	n.host.SetStreamHandler(blockRPCProtocol, func(s network.Stream) {
		defer s.Close()

		var req rpcEnvelope
		if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
			return
		}

		resp := rpcEnvelope{QueryID: req.QueryID, Type: responseTypeFor(req.Type), Peers: n.peerGossipSample(6)}

		switch req.Type {
		case RPCStore:
			if n.persistence != nil {
				blk, err := ParseBlock(req.Block)
				if err != nil {
					resp.Error = err.Error()
					break
				}
				if err := n.persistence.StoreBlock(blk); err != nil {
					resp.Error = err.Error()
					break
				}
				n.providers.AddProvider(blk.UUID, n.ID())
				resp.Found = true
			}
		case RPCFetch:
			if n.persistence != nil && n.persistence.HasBlock(req.BlockUUID) {
				blk, err := n.persistence.LoadBlock(req.BlockUUID)
				if err == nil {
					resp.Block = blk.CanonicalBytes(false)
					resp.Found = true
				}
			}
		case RPCProvide:
			for _, p := range n.providers.Providers(req.BlockUUID) {
				resp.Providers = append(resp.Providers, string(p))
			}
			resp.Found = len(resp.Providers) > 0
		case RPCPing:
			resp.Found = true
		default:
			resp.Type = rpcError
			resp.Error = "unknown rpc type"
		}

		n.applyPeerGossip(req.Peers)

		enc, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_, _ = s.Write(enc)
	})
}

func responseTypeFor(req RPCType) RPCType {
	if req == RPCPing {
		return rpcPong
	}
	return req
}

func (n *Node) peerGossipSample(limit int) []peerGossip {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]peerGossip, 0, limit)
	for id, rec := range n.peers {
		if len(out) >= limit {
			break
		}
		out = append(out, peerGossip{PeerID: string(id), Multiaddrs: rec.Multiaddrs, Reputation: rec.Reputation})
	}
	return out
}

func (n *Node) applyPeerGossip(gossip []peerGossip) {
	if len(gossip) == 0 {
		return
	}
	candidates := make([]PeerRecord, 0, len(gossip))
	for _, g := range gossip {
		candidates = append(candidates, PeerRecord{PeerID: NodeID(g.PeerID), Multiaddrs: g.Multiaddrs, Reputation: g.Reputation})
	}
	n.PeerExchange(candidates)
}

// sendRPC opens a stream to peerID, sends req, and waits for the correlated
// response or ctx's deadline. It is the client side of every block RPC.
func (n *Node) sendRPC(ctx context.Context, peerID NodeID, req rpcEnvelope) (*rpcEnvelope, error) {
	pid, err := peer.Decode(string(peerID))
	if err != nil {
		return nil, WrapErr(ErrInvalidInput, "decode peer id", err)
	}
	req.QueryID = uuid.NewString()
	req.Peers = n.peerGossipSample(6)

	ch := n.pendingQueries.register(req.QueryID)
	defer n.pendingQueries.forget(req.QueryID)

	s, err := n.host.NewStream(ctx, pid, blockRPCProtocol)
	if err != nil {
		return nil, WrapErr(ErrNetworkUnavailable, "open rpc stream", err)
	}
	defer s.Close()

	enc, err := json.Marshal(req)
	if err != nil {
		return nil, WrapErr(ErrIoError, "encode rpc request", err)
	}
	if _, err := s.Write(enc); err != nil {
		return nil, WrapErr(ErrNetworkUnavailable, "write rpc request", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, WrapErr(ErrNetworkUnavailable, "close write half", err)
	}

	var resp rpcEnvelope
	decodeErrCh := make(chan error, 1)
	go func() {
		decodeErrCh <- json.NewDecoder(bufio.NewReader(s)).Decode(&resp)
	}()

	select {
	case err := <-decodeErrCh:
		if err != nil {
			return nil, WrapErr(ErrNetworkUnavailable, "decode rpc response", err)
		}
		n.applyPeerGossip(resp.Peers)
		n.pendingQueries.resolve(req.QueryID, &resp)
		return &resp, nil
	case <-ctx.Done():
		return nil, NewError(ErrTimeout, "rpc timed out")
	case discarded := <-ch:
		// Resolved out-of-band (shouldn't normally happen on a single
		// request/response stream, but honors the query-id contract if a
		// future transport delivers responses asynchronously).
		return discarded, nil
	}
}

// rpcWithRetry issues req to peerID, retrying once against an alternate
// provider before surfacing a failure.
func (n *Node) rpcWithRetry(ctx context.Context, peerID NodeID, req rpcEnvelope, alt NodeID) (*rpcEnvelope, error) {
	resp, err := n.sendRPC(ctx, peerID, req)
	if err == nil {
		return resp, nil
	}
	n.routing.Strike(peerID)
	if alt == "" || alt == peerID {
		return nil, err
	}
	return n.sendRPC(ctx, alt, req)
}

// Ping measures liveness/latency to a peer.
func (n *Node) Ping(ctx context.Context, peerID NodeID) (time.Duration, error) {
	start := time.Now()
	_, err := n.sendRPC(ctx, peerID, rpcEnvelope{Type: RPCPing})
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	n.peerLock.Lock()
	if rec, ok := n.peers[peerID]; ok {
		rec.Latency = rtt
	}
	n.peerLock.Unlock()
	return rtt, nil
}

// FetchBlock asks peerID for block id.
func (n *Node) FetchBlock(ctx context.Context, peerID NodeID, id uuid.UUID) (*Block, error) {
	resp, err := n.sendRPC(ctx, peerID, rpcEnvelope{Type: RPCFetch, BlockUUID: id})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, NewError(ErrNotFound, fmt.Sprintf("peer %s does not hold block %s", peerID, id))
	}
	return ParseBlock(resp.Block)
}

// StoreOnPeer issues a STORE RPC for blk against peerID.
func (n *Node) StoreOnPeer(ctx context.Context, peerID NodeID, blk *Block) error {
	resp, err := n.sendRPC(ctx, peerID, rpcEnvelope{Type: RPCStore, BlockUUID: blk.UUID, Block: blk.CanonicalBytes(false)})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return NewError(ErrIoError, resp.Error)
	}
	return nil
}

// FindProviders asks peerID for the providers it knows of block id.
func (n *Node) FindProviders(ctx context.Context, peerID NodeID, id uuid.UUID) ([]NodeID, error) {
	resp, err := n.sendRPC(ctx, peerID, rpcEnvelope{Type: RPCProvide, BlockUUID: id})
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, 0, len(resp.Providers))
	for _, p := range resp.Providers {
		out = append(out, NodeID(p))
	}
	return out, nil
}

// IterativeFindNode pings the alpha nearest known peers to target, merging
// whatever peer-exchange lists come back, as a self-lookup that populates
// routing-table buckets beyond directly dialed bootstrap seeds.
func (n *Node) IterativeFindNode(ctx context.Context, target NodeID) ([]NodeID, error) {
	alpha := n.cfg.Network.Alpha
	if alpha <= 0 {
		alpha = 3
	}
	candidates := n.routing.Nearest(target, alpha)
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(peerID NodeID) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, n.cfg.Network.RPCTimeout)
			defer cancel()
			_, _ = n.Ping(rctx, peerID)
		}(c)
	}
	wg.Wait()
	return n.routing.Nearest(target, n.cfg.Network.BucketSize), nil
}
