// Package testharness builds the warden binaries and drives full stdio
// sessions against them for end-to-end testing.
package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinaries compiles the warden and mockworker binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	wardenPath := filepath.Join(outputDir, "warden")
	mockworkerPath := filepath.Join(outputDir, "mockworker")

	if err := runGoBuild(ctx, projectRoot, wardenPath, "./cmd/warden"); err != nil {
		return "", "", err
	}
	if err := runGoBuild(ctx, projectRoot, mockworkerPath, "./cmd/mockworker"); err != nil {
		return "", "", err
	}

	return wardenPath, mockworkerPath, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	env = setEnv(env, "GOFLAGS", "-trimpath")
	cmd.Env = env

	var combined []byte
	var err error
	if combined, err = cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}
