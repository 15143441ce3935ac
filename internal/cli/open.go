// Session construction shared by the CLI subcommands.
package cli

import (
	"context"
	"fmt"

	"github.com/ntropish/larder/internal/paths"
	"github.com/ntropish/larder/pkg/larder"
	"github.com/ntropish/larder/pkg/types"
)

// resolveStoreConfig builds the store configuration from flags, config file,
// and environment, in that precedence order.
func resolveStoreConfig() (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return types.Config{}, err
	}
	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	return types.Config{
		DataDir:  dataDir,
		Filename: v.GetString(cfgKeyFilename),
		Timeout:  v.GetDuration(cfgKeyTimeout),
	}, nil
}

// openSession opens a migrated, seeded session for a subcommand.
func openSession(ctx context.Context) (*larder.Session, error) {
	cfg, err := resolveStoreConfig()
	if err != nil {
		return nil, err
	}
	return larder.Open(ctx, cfg, larder.WithLogger(newLogger()))
}
