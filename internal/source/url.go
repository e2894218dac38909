package source

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tastythames/deployd/internal/credential"
)

// AuthURL folds a credential into an http(s) repository URL via the
// user-info fields. Token conventions differ per platform: GitHub takes
// the token as the username with a literal password, GitLab wants the
// oauth2 username, everything else takes the token as the password.
// Non-http transports (ssh, git) are returned untouched — their auth
// travels with the transport, not the URL.
func AuthURL(rawURL string, cred *credential.Credential) (string, error) {
	if cred == nil {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return rawURL, nil
	}

	switch cred.Type {
	case credential.TypeUsernamePassword:
		u.User = url.UserPassword(cred.Username, cred.Password)
	case credential.TypeToken:
		switch credential.PlatformFromURL(rawURL) {
		case credential.PlatformGitHub:
			u.User = url.UserPassword(cred.Token, "x-oauth-basic")
		case credential.PlatformGitLab:
			u.User = url.UserPassword("oauth2", cred.Token)
		default:
			u.User = url.UserPassword("git", cred.Token)
		}
	case credential.TypeSSH:
		// Key auth never belongs in an http URL.
		return rawURL, nil
	default:
		return "", fmt.Errorf("unknown credential type %q", cred.Type)
	}
	return u.String(), nil
}

// SanitizeRepoName derives the cache-directory key for a repository
// URL: the last path element minus .git, reduced to a safe charset.
func SanitizeRepoName(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	if i := strings.LastIndexByte(name, ':'); i >= 0 && !strings.Contains(name, "//") {
		// scp-style ssh: git@host:group/repo.git
		name = name[i+1:]
	}
	name = strings.TrimSuffix(strings.Trim(name, "/"), ".git")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "repo"
	}
	return b.String()
}
