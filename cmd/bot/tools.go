package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/browser"
	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/capture"
	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/resolver"
	"github.com/xaenox/schedule-bot/internal/storage"
	"github.com/xaenox/schedule-bot/pkg/config"
)

var captureFlags struct {
	url         string
	fingerprint string
	target      models.Target
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Render one timetable page to a file",
	Long: `Renders a page with the configured browser and retry policy and prints
the artifact path. Pass --url, or a target (--category, --faculty, --course,
--group) to resolve through the configured URL template.`,
	RunE: runCapture,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries and stale artifact files",
	RunE:  runSweep,
}

func init() {
	f := captureCmd.Flags()
	f.StringVar(&captureFlags.url, "url", "", "page to render")
	f.StringVar(&captureFlags.fingerprint, "fingerprint", "", "artifact name prefix (derived from the target when empty)")
	f.StringVar(&captureFlags.target.Category, "category", "", "target category")
	f.StringVar(&captureFlags.target.Faculty, "faculty", "", "target faculty")
	f.StringVar(&captureFlags.target.Course, "course", "", "target course")
	f.StringVar(&captureFlags.target.Group, "group", "", "target group")
}

func loadToolConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, _, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadToolConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	url := captureFlags.url
	fingerprint := captureFlags.fingerprint
	target := captureFlags.target
	if url == "" {
		res, err := resolver.New(cfg.Resolver)
		if err != nil {
			return err
		}
		if url, err = res.Resolve(target); err != nil {
			return fmt.Errorf("resolve target: %w", err)
		}
	}
	if fingerprint == "" {
		if target.Category == "" {
			return fmt.Errorf("--fingerprint or a target is required")
		}
		fingerprint = target.Fingerprint()
	}

	surface := browser.NewSurface(cfg.Browser, logger)
	if err := surface.Open(cmd.Context()); err != nil {
		return err
	}
	defer surface.Close()

	engine := capture.NewEngine(surface, afero.NewOsFs(), cfg.Capture, logger)
	path, err := engine.Capture(cmd.Context(), url, fingerprint)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadToolConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.Open(cfg.Database.Storage(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Sweeping never captures, so no renderer is wired.
	c := cache.New(store, nil, afero.NewOsFs(), cfg.Capture.Dir, cfg.Cache, logger)
	res, err := c.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries, %d stale files\n", res.Entries, res.Files)
	return nil
}
