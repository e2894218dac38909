package credential

import (
	"fmt"
	"net/url"
	"strings"
)

// Type tags the credential union. A resolved Credential carries exactly
// the fields its type names, never a partial mix.
type Type string

const (
	TypeUsernamePassword Type = "username_password"
	TypeToken            Type = "token"
	TypeSSH              Type = "ssh"
)

type Credential struct {
	Type       Type
	Username   string
	Password   string
	Token      string
	PrivateKey string
}

func (c Credential) validate() error {
	switch c.Type {
	case TypeUsernamePassword:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("username_password credential is missing fields")
		}
		if c.Token != "" || c.PrivateKey != "" {
			return fmt.Errorf("username_password credential carries extra fields")
		}
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("token credential is missing token")
		}
		if c.Username != "" || c.Password != "" || c.PrivateKey != "" {
			return fmt.Errorf("token credential carries extra fields")
		}
	case TypeSSH:
		if c.PrivateKey == "" {
			return fmt.Errorf("ssh credential is missing private key")
		}
		if c.Username != "" || c.Password != "" || c.Token != "" {
			return fmt.Errorf("ssh credential carries extra fields")
		}
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
	return nil
}

// Platform identifies the hosting platform a repository URL points at,
// used both to pick a default credential and to choose the token auth
// convention when building an authenticated URL.
type Platform string

const (
	PlatformGitHub    Platform = "github"
	PlatformGitLab    Platform = "gitlab"
	PlatformBitbucket Platform = "bitbucket"
	PlatformCustom    Platform = "custom"
)

// PlatformFromURL infers the platform by hostname substring. Anything
// unrecognized, including unparseable URLs, is custom.
func PlatformFromURL(repoURL string) Platform {
	host := strings.ToLower(repoURL)
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "github"):
		return PlatformGitHub
	case strings.Contains(host, "gitlab"):
		return PlatformGitLab
	case strings.Contains(host, "bitbucket"):
		return PlatformBitbucket
	}
	return PlatformCustom
}
