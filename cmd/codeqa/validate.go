package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kadirpekel/codeqa/pkg/actions"
	"github.com/kadirpekel/codeqa/pkg/config"
	"github.com/kadirpekel/codeqa/pkg/config/provider"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
)

// ValidateCmd validates pipeline files without starting the server.
type ValidateCmd struct {
	Paths []string `arg:"" optional:"" help:"Pipeline files to validate (default: all in the configured pipelines dir)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	fileProvider, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return err
	}
	defer fileProvider.Close()

	cfg, err := config.NewLoader(fileProvider).Load(context.Background())
	if err != nil {
		return err
	}

	paths := c.Paths
	if len(paths) == 0 {
		paths, err = filepath.Glob(filepath.Join(cfg.Pipelines.Dir, "*.yaml"))
		if err != nil {
			return err
		}
		sort.Strings(paths)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no pipeline files found in %s", cfg.Pipelines.Dir)
	}

	loader := pipeline.NewLoader(
		pipeline.WithPromptsDir(cfg.Pipelines.PromptsDir),
		pipeline.WithStepValidator(actions.ValidateStep),
	)

	failed := 0
	for _, path := range paths {
		def, err := loader.Load(path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Printf("OK   %s (%s, %d steps)\n", path, def.Name, len(def.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipeline files failed validation", failed, len(paths))
	}
	return nil
}
