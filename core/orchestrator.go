package core

// orchestrator.go is the single command/event surface external callers
// (the cobra CLI, or any future UI) drive MeshVault through. Every
// operation is admitted onto a bounded command channel with a non-blocking
// send — a full channel returns ErrBackpressure rather than blocking the
// caller. A small worker pool drains the channel concurrently; VFS and
// Persistence already serialize their own state, so workers run in
// parallel rather than one-at-a-time.

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CommandKind enumerates the Orchestrator's command surface.
type CommandKind string

const (
	CmdStartNode         CommandKind = "start_node"
	CmdWaitForNodeReady  CommandKind = "wait_for_node_ready"
	CmdUploadFile        CommandKind = "upload_file"
	CmdDownloadFile      CommandKind = "download_file"
	CmdDeleteFile        CommandKind = "delete_file"
	CmdListFiles         CommandKind = "list_files"
	CmdListPeers         CommandKind = "list_peers"
	CmdGetMetrics        CommandKind = "get_metrics"
	CmdGetStorageLimit   CommandKind = "get_storage_limit"
	CmdSetStorageLimit   CommandKind = "set_storage_limit"
)

// command is one admitted unit of work, carrying its own reply channel.
type command struct {
	kind              CommandKind
	ctx               context.Context
	path              string
	data              []byte
	timeout           time.Duration
	storageLimitBytes uint64
	reply             chan commandResult
}

// commandResult is the outcome of a dispatched command; only the fields
// relevant to its kind are populated.
type commandResult struct {
	HeadUUID          uuid.UUID
	Data              []byte
	Files             []FileMetadata
	Peers             []PeerInfo
	Metrics           Metrics
	StorageLimitBytes uint64
	Err               error
}

// Metrics is the get_metrics snapshot.
type Metrics struct {
	BytesUsed        uint64
	StorageQuota     uint64
	PeerCount        int
	KnownBlockCount  int
	ManifestCount    int
	UptimeSeconds    int64
	Reachability     string
	DHTBucketEntries int
}

// defaultCommandQueueCapacity is the bounded command channel's default
// depth.
const defaultCommandQueueCapacity = 256

// Orchestrator is the single entry point external callers drive MeshVault
// through: it owns the unlocked identity, VFS, node and persistence, and
// exposes both a command queue (for backpressure-aware callers) and direct
// synchronous methods built on top of it.
type Orchestrator struct {
	identity    *UnlockedIdentity
	persistence *Persistence
	node        *Node
	replicator  *Replicator
	vfs         *VFS
	cfg         Config
	log         *logrus.Logger

	events  *eventBus
	cmdCh   chan *command
	started time.Time

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// NewOrchestrator wires the already-constructed components into a single
// command surface. Callers typically build persistence/node/vfs themselves
// (so tests can substitute a subset) and hand them in here.
func NewOrchestrator(identity *UnlockedIdentity, persistence *Persistence, node *Node, replicator *Replicator, vfs *VFS, cfg Config, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	capacity := defaultCommandQueueCapacity
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		identity:     identity,
		persistence:  persistence,
		node:         node,
		replicator:   replicator,
		vfs:          vfs,
		cfg:          cfg,
		log:          log,
		events:       newEventBus(100 * time.Millisecond),
		cmdCh:        make(chan *command, capacity),
		started:      time.Now(),
		workerCtx:    ctx,
		workerCancel: cancel,
	}
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		go o.worker()
	}
	if node != nil {
		node.SetPeerEventHook(func(id NodeID, connected bool) {
			typ := EventPeerDisconnected
			if connected {
				typ = EventPeerConnected
			}
			o.events.publish(Event{Type: typ, PeerID: string(id)})
		})
		go o.watchNodeReady()
	}
	return o
}

// Subscribe returns a channel of Orchestrator-level events.
func (o *Orchestrator) Subscribe() <-chan Event { return o.events.Subscribe() }

// Close stops the worker pool and wipes the unlocked identity's secret key
// material. In-flight commands are allowed to finish; no new commands are
// admitted afterward.
func (o *Orchestrator) Close() {
	o.workerCancel()
	if o.identity != nil {
		o.identity.Wipe()
	}
}

func (o *Orchestrator) watchNodeReady() {
	if err := o.node.WaitForReady(5 * time.Second); err != nil {
		o.events.publish(Event{Type: EventError, Err: err})
		return
	}
	o.events.publish(Event{Type: EventNodeReady})
}

// submit enqueues cmd, returning ErrBackpressure immediately if the command
// channel is full.
func (o *Orchestrator) submit(cmd *command) (commandResult, error) {
	cmd.reply = make(chan commandResult, 1)
	select {
	case o.cmdCh <- cmd:
	default:
		return commandResult{}, NewError(ErrBackpressure, "command queue is full")
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-o.workerCtx.Done():
		return commandResult{}, NewError(ErrTimeout, "orchestrator shutting down")
	}
}

func (o *Orchestrator) worker() {
	for {
		select {
		case cmd := <-o.cmdCh:
			cmd.reply <- o.dispatch(cmd)
		case <-o.workerCtx.Done():
			return
		}
	}
}

func (o *Orchestrator) dispatch(cmd *command) commandResult {
	ctx := cmd.ctx
	if ctx == nil {
		ctx = o.workerCtx
	}
	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}

	switch cmd.kind {
	case CmdUploadFile:
		start := time.Now()
		chunkSize := o.cfg.VFS.ChunkSize
		if chunkSize <= 0 {
			chunkSize = 256 * 1024
		}
		progress := func(done, total int) {
			elapsed := time.Since(start).Seconds()
			var speed, eta float64
			if elapsed > 0 {
				speed = float64(done*chunkSize) / elapsed
			}
			if speed > 0 {
				eta = float64((total-done)*chunkSize) / speed
			}
			o.events.publishThrottled("upload:"+cmd.path, Event{Type: EventUploadProgress, Path: cmd.path, Done: done, Total: total, SpeedBps: speed, ETASeconds: eta})
		}
		head, err := o.vfs.WriteWithProgress(ctx, cmd.path, cmd.data, progress)
		if err != nil {
			o.events.publish(Event{Type: EventError, Path: cmd.path, Err: err})
		}
		return commandResult{HeadUUID: head, Err: err}

	case CmdDownloadFile:
		data, err := o.vfs.Read(ctx, cmd.path)
		o.events.publishThrottled("download:"+cmd.path, Event{Type: EventDownloadProgress, Path: cmd.path, Done: 1, Total: 1})
		if err != nil {
			o.events.publish(Event{Type: EventError, Path: cmd.path, Err: err})
		}
		return commandResult{Data: data, Err: err}

	case CmdDeleteFile:
		err := o.vfs.Delete(cmd.path)
		if err != nil {
			o.events.publish(Event{Type: EventError, Path: cmd.path, Err: err})
		}
		return commandResult{Err: err}

	case CmdListFiles:
		return commandResult{Files: o.vfs.List()}

	case CmdListPeers:
		if o.node == nil {
			return commandResult{}
		}
		return commandResult{Peers: o.node.Peers()}

	case CmdGetMetrics:
		return commandResult{Metrics: o.metrics()}

	case CmdGetStorageLimit:
		return commandResult{StorageLimitBytes: o.vfs.Quota()}

	case CmdSetStorageLimit:
		err := o.vfs.SetQuota(cmd.storageLimitBytes)
		return commandResult{Err: err}

	case CmdStartNode:
		// The node is constructed before the orchestrator; this command
		// reports whether that startup actually happened.
		if o.node == nil {
			return commandResult{Err: NewError(ErrInvalidInput, "node not started")}
		}
		return commandResult{}

	case CmdWaitForNodeReady:
		if o.node == nil {
			return commandResult{Err: NewError(ErrInvalidInput, "node not started")}
		}
		return commandResult{Err: o.node.WaitForReady(cmd.timeout)}

	default:
		return commandResult{Err: NewError(ErrInvalidInput, fmt.Sprintf("unknown command %s", cmd.kind))}
	}
}

func (o *Orchestrator) metrics() Metrics {
	m := Metrics{
		BytesUsed:     o.vfs.BytesUsed(),
		StorageQuota:  o.vfs.Quota(),
		UptimeSeconds: int64(time.Since(o.started).Seconds()),
	}
	if o.persistence != nil {
		m.KnownBlockCount = len(o.persistence.IterateBlocks())
		m.ManifestCount = len(o.persistence.ListManifests())
	}
	if o.node != nil {
		m.PeerCount = len(o.node.Peers())
		m.Reachability = o.node.Reachability()
		m.DHTBucketEntries = o.node.routing.Size()
	}
	return m
}

//---------------------------------------------------------------------
// Synchronous convenience methods (thin wrappers over submit)
//---------------------------------------------------------------------

// UploadFile validates path, enqueues an upload command, and waits for its
// result.
func (o *Orchestrator) UploadFile(ctx context.Context, path string, data []byte) (uuid.UUID, error) {
	if err := validatePath(path); err != nil {
		return uuid.UUID{}, err
	}
	res, err := o.submit(&command{kind: CmdUploadFile, ctx: ctx, path: path, data: data})
	return res.HeadUUID, err
}

// DownloadFile validates path, enqueues a download command, and waits for
// its result.
func (o *Orchestrator) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	res, err := o.submit(&command{kind: CmdDownloadFile, ctx: ctx, path: path})
	return res.Data, err
}

// DeleteFile validates path, enqueues a delete command, and waits for its
// result.
func (o *Orchestrator) DeleteFile(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	_, err := o.submit(&command{kind: CmdDeleteFile, path: path})
	return err
}

// ListFiles returns every known file's metadata.
func (o *Orchestrator) ListFiles() ([]FileMetadata, error) {
	res, err := o.submit(&command{kind: CmdListFiles})
	return res.Files, err
}

// ListPeers returns the node's currently known peers.
func (o *Orchestrator) ListPeers() ([]PeerInfo, error) {
	res, err := o.submit(&command{kind: CmdListPeers})
	return res.Peers, err
}

// GetMetrics returns a point-in-time metrics snapshot.
func (o *Orchestrator) GetMetrics() (Metrics, error) {
	res, err := o.submit(&command{kind: CmdGetMetrics})
	return res.Metrics, err
}

// GetStorageLimit returns the current storage quota in bytes.
func (o *Orchestrator) GetStorageLimit() (uint64, error) {
	res, err := o.submit(&command{kind: CmdGetStorageLimit})
	return res.StorageLimitBytes, err
}

// SetStorageLimit validates and applies a new storage quota, bounded to
// [100 MiB, 1 TiB].
func (o *Orchestrator) SetStorageLimit(bytes uint64) error {
	if err := validateStorageLimit(bytes); err != nil {
		return err
	}
	_, err := o.submit(&command{kind: CmdSetStorageLimit, storageLimitBytes: bytes})
	return err
}

// WaitForNodeReady blocks until the P2P node is usable for local operations
// or timeout elapses.
func (o *Orchestrator) WaitForNodeReady(timeout time.Duration) error {
	_, err := o.submit(&command{kind: CmdWaitForNodeReady, timeout: timeout})
	return err
}
