package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/pidfile"
	"github.com/Iron-Ham/specflow/internal/spec"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// app bundles the wired-up components every subcommand needs: validated
// configuration, the spec store, the worktree manager, lock directory, and
// the run logger, all rooted at the enclosing git repository.
type app struct {
	cfg    *config.Config
	repo   string
	store  *spec.Store
	wt     *worktree.Manager
	locks  *pidfile.Dir
	logger *logging.Logger
}

func newApp() (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	repo, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	// Anchor every configured path at the repository root so components
	// agree on locations no matter where the command was invoked from.
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(repo, p)
	}
	cfg.Paths.SpecsDir = resolve(cfg.Paths.SpecsDir)
	cfg.Paths.StoreDir = resolve(cfg.Paths.StoreDir)
	cfg.Paths.LocksDir = resolve(cfg.Paths.LocksDir)
	cfg.Paths.LogDir = resolve(cfg.Paths.LogDir)

	wt, err := worktree.New(repo, cfg.Paths.WorktreesDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Paths.LogDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		repo:   repo,
		store:  spec.NewStore(cfg.Paths.SpecsDir),
		wt:     wt,
		locks:  pidfile.New(cfg.Paths.LocksDir),
		logger: logger,
	}, nil
}

func (a *app) close() {
	_ = a.logger.Close()
}
