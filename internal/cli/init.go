package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ntropish/larder/internal/paths"
)

// configFile holds the structure written to config.yaml.
type configFile struct {
	Filename string `yaml:"filename"`
	DataDir  string `yaml:"data_dir,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize larder storage",
		Long:  "Create configuration and data directories, open the store, and run migrations and first-boot seeding.",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("resolve config dir: %s", err))
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return exitError(exitSysError, fmt.Sprintf("create config directory: %s", err))
	}
	if err := writeConfigIfMissing(filepath.Join(configDir, configFileExt), flags.dataDir); err != nil {
		return exitError(exitSysError, fmt.Sprintf("write config: %s", err))
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("initialize storage: %s", err))
	}
	defer s.Close()

	info := s.Info()
	fmt.Fprintf(cmd.OutOrStdout(), "Larder initialized\n  engine:     sqlite %s\n  storage:    %s\n  persistent: %t\n",
		info.EngineVersion, info.Filename, info.Persistent)
	return nil
}

// writeConfigIfMissing creates config.yaml with default values if the file
// does not exist. If it already exists, the function returns nil
// (idempotent).
func writeConfigIfMissing(path, dataDir string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := configFile{
		Filename: "larder.db",
		DataDir:  dataDir,
		Timeout:  "10s",
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
