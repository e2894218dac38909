package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// Record is a stored credential as the store hands it out: an opaque
// age-encrypted blob plus the routing facts needed to pick it.
type Record struct {
	ID       string
	Platform Platform
	Default  bool
	Blob     []byte
}

// RecordSource is the slice of the store the resolver needs.
type RecordSource interface {
	Credential(ctx context.Context, id string) (*Record, error)
	// DefaultCredential returns (nil, nil) when no default exists for
	// the platform.
	DefaultCredential(ctx context.Context, platform Platform) (*Record, error)
}

// payload is the cleartext inside a credential blob.
type payload struct {
	Type       string `yaml:"type"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	Token      string `yaml:"token,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
}

// Resolver turns stored credential records into concrete credentials.
// Credentials live only for the execution that resolved them.
type Resolver struct {
	src      RecordSource
	identity age.Identity
	log      hclog.Logger
}

func NewResolver(src RecordSource, identity age.Identity, log hclog.Logger) *Resolver {
	return &Resolver{src: src, identity: identity, log: log.Named("credential")}
}

// Resolve picks a credential for repoURL: the explicit id if given,
// else the platform default, else none. Lookup and decrypt failures
// degrade to "no credential" with a warning — acquisition then runs
// unauthenticated, which is correct for public repos with stale
// credential records.
func (r *Resolver) Resolve(ctx context.Context, credentialID, repoURL string) *Credential {
	rec := r.pick(ctx, credentialID, repoURL)
	if rec == nil {
		return nil
	}

	cred, err := r.decrypt(rec.Blob)
	if err != nil {
		r.log.Warn("credential decrypt failed, treating as absent",
			"credential_id", rec.ID, "error", err)
		return nil
	}
	return cred
}

func (r *Resolver) pick(ctx context.Context, credentialID, repoURL string) *Record {
	if credentialID != "" {
		rec, err := r.src.Credential(ctx, credentialID)
		if err != nil {
			r.log.Warn("credential lookup failed, treating as absent",
				"credential_id", credentialID, "error", err)
			return nil
		}
		return rec
	}

	platform := PlatformFromURL(repoURL)
	rec, err := r.src.DefaultCredential(ctx, platform)
	if err != nil {
		r.log.Warn("default credential lookup failed, treating as absent",
			"platform", platform, "error", err)
		return nil
	}
	return rec
}

func (r *Resolver) decrypt(blob []byte) (*Credential, error) {
	rd, err := age.Decrypt(bytes.NewReader(blob), r.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	clear, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read decrypted payload: %w", err)
	}

	var p payload
	if err := yaml.Unmarshal(clear, &p); err != nil {
		return nil, fmt.Errorf("yaml unmarshal payload: %w", err)
	}

	cred := Credential{
		Type:       Type(p.Type),
		Username:   p.Username,
		Password:   p.Password,
		Token:      p.Token,
		PrivateKey: p.PrivateKey,
	}
	if err := cred.validate(); err != nil {
		return nil, err
	}
	return &cred, nil
}

// Encrypt packs a credential into the blob format Resolve expects.
// Used by the seeding tooling and by tests.
func Encrypt(recipient age.Recipient, cred Credential) ([]byte, error) {
	if err := cred.validate(); err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(payload{
		Type:       string(cred.Type),
		Username:   cred.Username,
		Password:   cred.Password,
		Token:      cred.Token,
		PrivateKey: cred.PrivateKey,
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
