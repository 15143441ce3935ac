// Package integration provides shared helpers for end-to-end store tests.
package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ntropish/larder/pkg/larder"
	"github.com/ntropish/larder/pkg/types"
)

var (
	binMu     sync.Mutex
	larderBin string
	buildErr  error
)

// SetLarderBin records the path of the binary built by TestMain.
func SetLarderBin(path string) {
	binMu.Lock()
	defer binMu.Unlock()
	larderBin = path
}

// LarderBin returns the path of the prebuilt binary, skipping the test if the
// build failed.
func LarderBin(t *testing.T) string {
	t.Helper()
	binMu.Lock()
	defer binMu.Unlock()
	if buildErr != nil {
		t.Skipf("binary build failed: %v", buildErr)
	}
	return larderBin
}

// SetBuildErr records a binary build failure for later skips.
func SetBuildErr(err error) {
	binMu.Lock()
	defer binMu.Unlock()
	buildErr = err
}

// FindProjectRoot walks up from the working directory to the module root.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// openAt opens a session over an existing data directory without registering
// teardown; the caller owns the session.
func openAt(ctx context.Context, dir string) (*larder.Session, error) {
	return larder.Open(ctx, types.Config{DataDir: dir})
}

// openStore opens a session over an isolated temp directory and registers its
// teardown.
func openStore(t *testing.T) (*larder.Session, string) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s, err := larder.Open(ctx, types.Config{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}
