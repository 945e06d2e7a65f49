// Package hub locates models downloaded into a local Hugging Face hub cache.
package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const DefaultRevision = "main"

var commitHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

// CacheDir returns the hub cache root: $HF_HUB_CACHE, then $HF_HOME/hub,
// then ~/.cache/huggingface/hub.
func CacheDir() (string, error) {
	if env := os.Getenv("HF_HUB_CACHE"); env != "" {
		return env, nil
	}
	if env := os.Getenv("HF_HOME"); env != "" {
		return filepath.Join(env, "hub"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "huggingface", "hub"), nil
}

// ParseRepo splits "org/name[@revision]".
func ParseRepo(ref string) (repo, revision string, err error) {
	repo, revision, _ = strings.Cut(ref, "@")
	if revision == "" {
		revision = DefaultRevision
	}
	org, name, ok := strings.Cut(repo, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid model reference %q (want org/name[@revision])", ref)
	}
	return repo, revision, nil
}

// ResolveModelPath maps a model argument onto a local path. Existing files
// and directories are returned as is; anything else is looked up as a hub
// repository.
func ResolveModelPath(ref string) (string, error) {
	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}
	repo, revision, err := ParseRepo(ref)
	if err != nil {
		return "", err
	}
	base, err := CacheDir()
	if err != nil {
		return "", err
	}
	return resolveIn(base, repo, revision)
}

func resolveIn(base, repo, revision string) (string, error) {
	modelDir := filepath.Join(base, "models--"+strings.ReplaceAll(repo, "/", "--"))
	if _, err := os.Stat(modelDir); os.IsNotExist(err) {
		return "", fmt.Errorf("model %s not found in hub cache %s", repo, base)
	}

	commit := revision
	if !commitHash.MatchString(revision) {
		data, err := os.ReadFile(filepath.Join(modelDir, "refs", revision))
		if err != nil {
			return "", fmt.Errorf("revision %s of %s not found: %w", revision, repo, err)
		}
		commit = strings.TrimSpace(string(data))
	}

	snapshot := filepath.Join(modelDir, "snapshots", commit)
	if _, err := os.Stat(filepath.Join(snapshot, "config.json")); err != nil {
		return "", fmt.Errorf("snapshot %s of %s is incomplete: %w", commit, repo, err)
	}
	return snapshot, nil
}
