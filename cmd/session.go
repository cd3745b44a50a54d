// File: cmd/session.go
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/bridge"
	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/screenshot"
	"github.com/bwasti/llpkmn/internal/store"
	"github.com/bwasti/llpkmn/internal/transport"
)

// bridgeSession is a handshaken bridge connection and the screenshot
// directory it captures into.
type bridgeSession struct {
	Conn   *transport.Conn
	Client *bridge.Client
	Shots  *screenshot.Store
	logger *zap.Logger
}

// openBridge prepares the screenshot directory, connects and performs the handshake.
func openBridge(ctx context.Context, bcfg config.BridgeConfig, scfg config.ScreenshotConfig, logger *zap.Logger) (*bridgeSession, error) {
	shots, err := screenshot.New(scfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize screenshot directory: %w", err)
	}

	conn, err := transport.Dial(ctx, bcfg.Address(), bcfg.DialTimeout, transport.Options{
		Timeout: bcfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		_ = shots.Close()
		return nil, fmt.Errorf("failed to connect to bridge at %s: %w", bcfg.Address(), err)
	}

	client := bridge.NewClient(conn, shots, bcfg.Namespace, logger)
	s := &bridgeSession{Conn: conn, Client: client, Shots: shots, logger: logger}
	if err := client.Handshake(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection and the directory watcher.
func (s *bridgeSession) Close() {
	if err := s.Conn.Close(); err != nil {
		s.logger.Debug("Error closing bridge connection", zap.Error(err))
	}
	if err := s.Shots.Close(); err != nil {
		s.logger.Debug("Error closing screenshot watcher", zap.Error(err))
	}
}

// runComponents holds everything a decision run needs.
type runComponents struct {
	Session *bridgeSession
	Loader  *screenshot.Loader
	Model   llmclient.Model
	Journal store.Journal
	logger  *zap.Logger
}

// Shutdown closes all components in reverse order of creation.
func (rc *runComponents) Shutdown() {
	if rc.Session != nil {
		rc.Session.Close()
	}
	if rc.Loader != nil {
		rc.Loader.Close()
	}
	if rc.Journal != nil {
		if err := rc.Journal.Close(); err != nil {
			rc.logger.Warn("Error closing journal", zap.Error(err))
		}
	}
	if rc.Model != nil {
		if err := rc.Model.Close(); err != nil {
			rc.logger.Warn("Error closing model client", zap.Error(err))
		}
	}
}

// initializeRunComponents handles dependency injection. Components that are
// cheap to validate come first so a bad model setup fails before the bridge
// connection is opened.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	rc := &runComponents{logger: logger}

	model, err := llmclient.NewClient(ctx, cfg.Agent, logger)
	if err != nil {
		return rc, fmt.Errorf("failed to initialize model client: %w", err)
	}
	rc.Model = model

	journal, err := store.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return rc, fmt.Errorf("failed to open journal: %w", err)
	}
	rc.Journal = journal

	rc.Loader = screenshot.NewLoader(cfg.Screenshots.CacheTTL, cfg.Screenshots.CacheCapacity, logger)

	session, err := openBridge(ctx, cfg.Bridge, cfg.Screenshots, logger)
	if err != nil {
		return rc, err
	}
	rc.Session = session
	return rc, nil
}
