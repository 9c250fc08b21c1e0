package cli

// app.go builds the single core.Orchestrator instance the rest of the
// command tree shares, lazily initialized on first use: identity unlock,
// persistence, P2P node, VFS.

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshvault/core"
	"meshvault/pkg/config"
)

var (
	app     *core.Orchestrator
	appOnce sync.Once
	appErr  error
)

func appFlags(cmd *cobra.Command) (configPath, identityPath, passphrase string) {
	configPath, _ = cmd.Flags().GetString("config")
	identityPath, _ = cmd.Flags().GetString("identity")
	passphrase, _ = cmd.Flags().GetString("passphrase")
	return
}

// ensureOrchestrator lazily constructs the shared Orchestrator from the
// config/identity/passphrase flags on the invoking command.
func ensureOrchestrator(cmd *cobra.Command) (*core.Orchestrator, error) {
	configPath, identityPath, passphrase := appFlags(cmd)
	appOnce.Do(func() {
		app, appErr = buildOrchestrator(configPath, identityPath, passphrase)
	})
	return app, appErr
}

func buildOrchestrator(configPath, identityPath, passphrase string) (*core.Orchestrator, error) {
	log := logrus.StandardLogger()

	cfg, err := config.Load(configPath, "")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		log.SetLevel(lvl)
	}

	if identityPath == "" {
		identityPath = cfg.Identity.Path
	}
	if identityPath == "" {
		identityPath = "identity.json"
	}
	idBytes, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var identity core.Identity
	if err := json.Unmarshal(idBytes, &identity); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	unlocked, err := core.UnlockIdentity(&identity, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock identity: %w", err)
	}

	persistence, err := core.NewPersistence(cfg.Storage.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}

	node, err := core.NewNode(*cfg, log)
	if err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	node.SetPersistence(persistence)

	replicator := core.NewReplicator(node, log)
	go replicator.RunRepublishLoop(persistence.IterateBlocks)
	go replicator.RunAnnounceLoop()
	go replicator.RunManifestSyncLoop(persistence)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := persistence.CollectGarbage(); err != nil {
				log.Warnf("gc sweep: %v", err)
			}
		}
	}()

	vfs, err := core.NewVFS(persistence, node, replicator, unlocked, *cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init vfs: %w", err)
	}

	return core.NewOrchestrator(unlocked, persistence, node, replicator, vfs, *cfg, log), nil
}
