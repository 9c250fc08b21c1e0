package core

// common_structs.go — centralised struct definitions shared across the core
// package. Declarations only; behaviour lives next to the component that
// owns it.

import (
	"sync"
	"time"
)

//---------------------------------------------------------------------
// Identity
//---------------------------------------------------------------------

// Identity is the durable, on-disk representation of a participant's
// long-lived key material. Secret halves are stored encrypted under a
// passphrase-derived key; public halves travel in the clear.
type Identity struct {
	ID                  string `json:"id"`
	DisplayName         string `json:"display_name"`
	SigPublic           []byte `json:"sig_public"`
	KemPublic           []byte `json:"kem_public"`
	Salt                []byte `json:"salt"`
	EncSigSecret        []byte `json:"enc_sig_secret"`
	EncKemSecret        []byte `json:"enc_kem_secret"`
	SigNonce            []byte `json:"sig_nonce"`
	KemNonce            []byte `json:"kem_nonce"`
	CreatedAt           int64  `json:"created_at"`
	PassphraseRotatedAt int64  `json:"passphrase_rotated_at"`
}

// UnlockedIdentity is the process-memory-only form of Identity, holding
// plaintext secret key material. It must never be serialized and is wiped
// on teardown.
type UnlockedIdentity struct {
	mu        sync.Mutex
	ID        string
	SigPublic []byte
	KemPublic []byte
	SigSecret []byte
	KemSecret []byte
	wiped     bool
}

// Wipe zeroes the secret halves. Safe to call more than once.
func (u *UnlockedIdentity) Wipe() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wiped {
		return
	}
	for i := range u.SigSecret {
		u.SigSecret[i] = 0
	}
	for i := range u.KemSecret {
		u.KemSecret[i] = 0
	}
	u.wiped = true
}

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

// NodeID is a peer identifier derived from the transport-layer public key.
type NodeID string

// PeerState is one stage of a peer link's lifecycle:
// disconnected -> dialing -> connected -> (optionally) relayed -> disconnected.
type PeerState uint8

const (
	PeerDisconnected PeerState = iota
	PeerDialing
	PeerConnected
	PeerRelayed
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerDialing:
		return "dialing"
	case PeerConnected:
		return "connected"
	case PeerRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// PeerRecord is the DHT-layer view of a peer. Weak reference only:
// ownership of a peer's lifecycle remains with the routing table in
// kademlia.go.
type PeerRecord struct {
	PeerID        NodeID
	Multiaddrs    []string
	LastSeen      time.Time
	Reputation    int
	KnownBlockIDs map[string]struct{}
	State         PeerState
	Latency       time.Duration
}

// PeerInfo is the read-only view of a peer handed to the Orchestrator / UI.
type PeerInfo struct {
	PeerID     string
	Address    string
	LatencyMs  int64
	BlocksHeld int
	Status     string
}

// Config is the unified node configuration, loaded by pkg/config and passed
// to every component at construction.
type Config struct {
	Identity struct {
		Path string `mapstructure:"path" json:"path" yaml:"path"`
	} `mapstructure:"identity" json:"identity" yaml:"identity"`

	Network struct {
		ListenAddr       string        `mapstructure:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
		DiscoveryTag     string        `mapstructure:"discovery_tag" json:"discovery_tag" yaml:"discovery_tag"`
		BootstrapPeers   []string      `mapstructure:"bootstrap_peers" json:"bootstrap_peers" yaml:"bootstrap_peers"`
		BootstrapTimeout time.Duration `mapstructure:"bootstrap_timeout" json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
		Alpha            int           `mapstructure:"alpha" json:"alpha" yaml:"alpha"`
		BucketSize       int           `mapstructure:"bucket_size" json:"bucket_size" yaml:"bucket_size"`
		ReplicationR     int           `mapstructure:"replication_r" json:"replication_r" yaml:"replication_r"`
		ProvideRepublish time.Duration `mapstructure:"provide_republish" json:"provide_republish" yaml:"provide_republish"`
		ProvideExpiry    time.Duration `mapstructure:"provide_expiry" json:"provide_expiry" yaml:"provide_expiry"`
		DialTimeout      time.Duration `mapstructure:"dial_timeout" json:"dial_timeout" yaml:"dial_timeout"`
		RPCTimeout       time.Duration `mapstructure:"rpc_timeout" json:"rpc_timeout" yaml:"rpc_timeout"`
		MaxStrikes       int           `mapstructure:"max_strikes" json:"max_strikes" yaml:"max_strikes"`
		RelayPeers       []string      `mapstructure:"relay_peers" json:"relay_peers" yaml:"relay_peers"`
	} `mapstructure:"network" json:"network" yaml:"network"`

	VFS struct {
		ChunkSize         int    `mapstructure:"chunk_size" json:"chunk_size" yaml:"chunk_size"`
		ReadConcurrency   int    `mapstructure:"read_concurrency" json:"read_concurrency" yaml:"read_concurrency"`
		StorageQuotaBytes uint64 `mapstructure:"storage_quota_bytes" json:"storage_quota_bytes" yaml:"storage_quota_bytes"`
	} `mapstructure:"vfs" json:"vfs" yaml:"vfs"`

	Codec struct {
		FragmentThreshold int  `mapstructure:"fragment_threshold" json:"fragment_threshold" yaml:"fragment_threshold"`
		FragmentTotal     int  `mapstructure:"fragment_total" json:"fragment_total" yaml:"fragment_total"`
		ErasureData       int  `mapstructure:"erasure_data" json:"erasure_data" yaml:"erasure_data"`
		ErasureParity     int  `mapstructure:"erasure_parity" json:"erasure_parity" yaml:"erasure_parity"`
		ObfuscationLayers bool `mapstructure:"obfuscation_layers" json:"obfuscation_layers" yaml:"obfuscation_layers"`
	} `mapstructure:"codec" json:"codec" yaml:"codec"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// DefaultConfig returns the documented defaults: 256 KiB chunks, fragment
// k=3 n=5, erasure d=10 p=4, alpha=3, bucket size 20, replication R=6.
func DefaultConfig() Config {
	var c Config
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Network.DiscoveryTag = "meshvault-mdns"
	c.Network.BootstrapTimeout = 30 * time.Second
	c.Network.Alpha = 3
	c.Network.BucketSize = 20
	c.Network.ReplicationR = 6
	c.Network.ProvideRepublish = time.Hour
	c.Network.ProvideExpiry = 24 * time.Hour
	c.Network.DialTimeout = 10 * time.Second
	c.Network.RPCTimeout = 8 * time.Second
	c.Network.MaxStrikes = 5
	c.VFS.ChunkSize = 256 * 1024
	c.VFS.ReadConcurrency = 8
	c.VFS.StorageQuotaBytes = 100 * 1024 * 1024
	c.Codec.FragmentThreshold = 3
	c.Codec.FragmentTotal = 5
	c.Codec.ErasureData = 10
	c.Codec.ErasureParity = 4
	c.Codec.ObfuscationLayers = true
	c.Storage.DataDir = "./data"
	c.Logging.Level = "info"
	return c
}
