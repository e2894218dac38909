package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/tastythames/deployd/internal/credential"
)

// Failure classes the retry ladder dispatches on. The git layer folds
// transport errors into these so the ladder never sniffs error strings.
var (
	ErrAuth     = errors.New("source: authentication rejected")
	ErrConflict = errors.New("source: target directory conflict")
)

// gitter is the git invocation seam. Production uses go-git; tests
// swap in a scripted fake.
type gitter interface {
	Clone(ctx context.Context, dir, url, branch, privateKey string) error
	Update(ctx context.Context, dir, url, branch, privateKey string) error
}

// Acquirer materializes repository checkouts in a cache directory
// keyed by sanitized repo name. The cache survives across executions;
// re-deploys of the same project update in place instead of recloning.
type Acquirer struct {
	cacheRoot string
	git       gitter
	log       hclog.Logger
	locks     keyedMutex
}

func NewAcquirer(cacheRoot string, log hclog.Logger) *Acquirer {
	return &Acquirer{cacheRoot: cacheRoot, git: goGit{}, log: log.Named("source")}
}

// Acquire produces a checkout of url@branch under the cache root and
// returns its path. Recovery ladder for clone failures:
//
//  1. authenticated shallow single-branch clone
//  2. auth rejected -> wipe, retry unauthenticated (public repos with
//     stale stored credentials are common)
//  3. directory conflict from an interrupted prior run -> deep clean,
//     retry authenticated once
//  4. anything else is fatal for this stage
//
// Concurrent acquires of the same repository serialize on a per-repo
// mutex so they cannot corrupt the shared cache entry.
func (a *Acquirer) Acquire(ctx context.Context, rawURL, branch string, cred *credential.Credential) (string, error) {
	name := SanitizeRepoName(rawURL)
	dir := filepath.Join(a.cacheRoot, name)

	unlock := a.locks.lock(name)
	defer unlock()

	authURL, err := AuthURL(rawURL, cred)
	if err != nil {
		return "", err
	}
	var key string
	if cred != nil && cred.Type == credential.TypeSSH {
		key = cred.PrivateKey
	}

	// Incremental path: the cache already holds this repo.
	if branch != "" && hasRepo(dir) {
		if err := a.git.Update(ctx, dir, authURL, branch, key); err == nil {
			a.log.Debug("updated cached checkout", "repo", name, "branch", branch)
			return dir, nil
		} else {
			a.log.Warn("cached checkout update failed, recloning", "repo", name, "error", err)
			if err := deepClean(dir); err != nil {
				return "", err
			}
		}
	}

	err = a.git.Clone(ctx, dir, authURL, branch, key)
	if err == nil {
		return dir, nil
	}

	switch {
	case errors.Is(err, ErrAuth):
		a.log.Warn("authenticated clone rejected, retrying unauthenticated", "repo", name)
		if err := deepClean(dir); err != nil {
			return "", err
		}
		if err := a.git.Clone(ctx, dir, rawURL, branch, ""); err != nil {
			return "", fmt.Errorf("clone %s: %w", rawURL, err)
		}
		return dir, nil

	case errors.Is(err, ErrConflict):
		a.log.Warn("stale checkout in the way, deep cleaning", "repo", name, "dir", dir)
		if err := deepClean(dir); err != nil {
			return "", err
		}
		if err := a.git.Clone(ctx, dir, authURL, branch, key); err != nil {
			return "", fmt.Errorf("clone %s after clean: %w", rawURL, err)
		}
		return dir, nil
	}
	return "", fmt.Errorf("clone %s: %w", rawURL, err)
}

func hasRepo(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && fi.IsDir()
}

// keyedMutex hands out one mutex per key. Zero value is ready to use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
