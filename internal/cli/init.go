package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/bulkwatch/internal/config"
)

const configHeader = `# bulkwatch configuration
#
# server.push selects how job progress arrives: none (poll the status
# endpoint), sse or websocket.
# store.backend is one of memory, file, sqlite or badger.

`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the .bulkwatch/ directory",
		Long: `Creates the .bulkwatch/ directory with:
  - config.yaml with the default server, job and store settings
  - .env holding the API key placeholder
  - .gitignore keeping .env and local state out of version control`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config.yaml")
	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	cfgDir := filepath.Join(dir, config.Dir)
	cfgPath := filepath.Join(cfgDir, "config.yaml")

	if fileExists(cfgPath) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", cfgDir, err)
	}

	if err := writeConfigYAML(cfgPath); err != nil {
		return err
	}
	// Never clobber a real key.
	envPath := filepath.Join(cfgDir, ".env")
	if !fileExists(envPath) {
		if err := os.WriteFile(envPath, []byte("# API key sent as X-API-KEY\nAPI_KEY=\n"), 0600); err != nil {
			return fmt.Errorf("failed to write .env: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(cfgDir, ".gitignore"), []byte(".env\nstate.*\n"), 0644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfgDir)
	return nil
}

func writeConfigYAML(path string) error {
	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	content := append([]byte(configHeader), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config.yaml: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
