package source

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	cryptossh "golang.org/x/crypto/ssh"
)

// goGit runs git operations through go-git and maps its transport
// errors onto the acquirer's failure classes.
type goGit struct{}

func (goGit) Clone(ctx context.Context, dir, url, branch, privateKey string) error {
	opts := &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	auth, err := sshAuth(privateKey)
	if err != nil {
		return err
	}
	opts.Auth = auth

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return classify(err)
	}
	return nil
}

func (goGit) Update(ctx context.Context, dir, url, branch, privateKey string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return classify(err)
	}
	auth, err := sshAuth(privateKey)
	if err != nil {
		return err
	}

	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteURL: url,
		RefSpecs:  []config.RefSpec{spec},
		Auth:      auth,
		Force:     true,
		Tags:      git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify(err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolve origin/%s: %w", branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return fmt.Errorf("reset to origin/%s: %w", branch, err)
	}
	return nil
}

func sshAuth(privateKey string) (transport.AuthMethod, error) {
	if privateKey == "" {
		return nil, nil
	}
	keys, err := gitssh.NewPublicKeys("git", []byte(privateKey), "")
	if err != nil {
		return nil, fmt.Errorf("parse deploy key: %w", err)
	}
	// Same policy as the remote executor: targets and git hosts are
	// operator-managed.
	keys.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
	return keys, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case errors.Is(err, git.ErrRepositoryAlreadyExists):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
