// Package credentials persists per-instance login secrets. The OS keyring is
// used when a runtime probe shows it works; otherwise secrets are AES-GCM
// encrypted into the instances document.
package credentials

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/config"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// Method names where a secret is stored.
type Method string

const (
	MethodKeyring Method = "keyring"
	MethodFile    Method = "encrypted-file"
)

// ServicePrefix namespaces keyring entries.
const ServicePrefix = "snowctl"

// ServiceID returns the keyring service name for host.
func ServiceID(host string) string {
	return ServicePrefix + ":" + host
}

// Credential is a resolved login for one instance.
type Credential struct {
	Host     string
	Username string
	Secret   string
}

// Summary describes a stored instance without exposing its secret.
type Summary struct {
	Host      string `json:"host"`
	Username  string `json:"username"`
	Storage   Method `json:"storage"`
	IsDefault bool   `json:"is_default"`
}

// Source resolves credentials for a host.
type Source interface {
	Get(host string) (Credential, error)
}

// ErrSecretNotFound is returned by backends when no secret is stored.
var ErrSecretNotFound = errors.New("secret not found")

// Backend stores secrets keyed by host and account.
type Backend interface {
	Method() Method
	Get(host, account string) (string, error)
	Set(host, account, secret string) error
	Delete(host, account string) error
}

// Options configures a Store.
type Options struct {
	DataDir      string
	Passphrase   string
	ProbeTimeout time.Duration
	// DisableKeyring skips the probe and always uses the file backend.
	DisableKeyring bool
}

// Store is the credential store. The keyring backend is chosen once, at
// construction, by probing; configuration never selects it.
type Store struct {
	cfg    *config.Store
	secure Backend
	file   *fileBackend

	mu sync.Mutex
}

// probeFn is replaced in tests.
var probeFn = probeKeyring

// NewStore probes the OS keyring and returns a store bound to cfg.
func NewStore(cfg *config.Store, opts Options) *Store {
	s := &Store{
		cfg:  cfg,
		file: newFileBackend(cfg, opts.DataDir, opts.Passphrase),
	}
	if opts.DisableKeyring {
		log.Debug().Msg("Keyring disabled; using encrypted file storage")
		return s
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = config.DefaultKeyringProbeTimeout
	}
	if err := probeFn(timeout); err != nil {
		log.Warn().Err(err).Msg("System keyring unavailable; falling back to encrypted file storage")
		return s
	}
	s.secure = keyringBackend{}
	return s
}

// SecureBackendAvailable reports whether the keyring probe succeeded.
func (s *Store) SecureBackendAvailable() bool {
	return s.secure != nil
}

// Get returns the credential for host.
func (s *Store) Get(host string) (Credential, error) {
	doc, err := s.cfg.Load()
	if err != nil {
		return Credential{}, err
	}
	entry, ok := doc.Instances[host]
	if !ok {
		return Credential{}, snowerrors.NotFound("get_credential", host, fmt.Errorf("instance %s is not configured", host))
	}

	backend := s.backendFor(entry)
	if backend == nil {
		return Credential{}, snowerrors.NotFound("get_credential", host,
			fmt.Errorf("secret for %s is in the system keyring, which is unavailable", host))
	}
	secret, err := backend.Get(host, entry.User)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return Credential{}, snowerrors.NotFound("get_credential", host, fmt.Errorf("no stored secret for %s@%s", entry.User, host))
		}
		return Credential{}, fmt.Errorf("read secret for %s: %w", host, err)
	}
	return Credential{Host: host, Username: entry.User, Secret: secret}, nil
}

func (s *Store) backendFor(entry config.InstanceEntry) Backend {
	if entry.Keyring {
		return s.secure
	}
	return s.file
}

// Set stores username and secret for host and returns where the secret went.
// A keyring write failure downgrades to the encrypted file.
func (s *Store) Set(host, username, secret string) (Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if host == "" || username == "" {
		return "", snowerrors.InvalidInput("set_credential", fmt.Errorf("host and username are required"))
	}

	// Drop any previous secret first; the account name may be changing.
	if doc, err := s.cfg.Load(); err == nil {
		if prev, ok := doc.Instances[host]; ok && prev.Keyring && s.secure != nil && prev.User != username {
			if err := s.secure.Delete(host, prev.User); err != nil && !errors.Is(err, ErrSecretNotFound) {
				log.Debug().Err(err).Str("instance", host).Msg("Failed to remove previous keyring entry")
			}
		}
	}

	if s.secure != nil {
		err := s.secure.Set(host, username, secret)
		if err == nil {
			err = s.cfg.Update(func(doc *config.Document) error {
				doc.Instances[host] = config.InstanceEntry{User: username, Keyring: true}
				return nil
			})
			if err != nil {
				return "", err
			}
			log.Debug().Str("instance", host).Int("secret_len", len(secret)).Msg("Stored credential in system keyring")
			return MethodKeyring, nil
		}
		log.Warn().Err(err).Str("instance", host).Msg("Keyring write failed; storing credential in encrypted file")
	}

	if err := s.file.Set(host, username, secret); err != nil {
		return "", err
	}
	return MethodFile, nil
}

// Delete removes the stored secret for host. The instance entry itself is
// left to the caller.
func (s *Store) Delete(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.cfg.Load()
	if err != nil {
		return err
	}
	entry, ok := doc.Instances[host]
	if !ok {
		return snowerrors.NotFound("delete_credential", host, fmt.Errorf("instance %s is not configured", host))
	}
	backend := s.backendFor(entry)
	if backend == nil {
		log.Warn().Str("instance", host).Msg("Keyring unavailable; keyring entry left in place")
		return nil
	}
	if err := backend.Delete(host, entry.User); err != nil && !errors.Is(err, ErrSecretNotFound) {
		return fmt.Errorf("delete secret for %s: %w", host, err)
	}
	return nil
}

// List returns every configured instance sorted by host.
func (s *Store) List() ([]Summary, error) {
	doc, err := s.cfg.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(doc.Instances))
	for host, entry := range doc.Instances {
		method := MethodFile
		if entry.Keyring {
			method = MethodKeyring
		}
		out = append(out, Summary{
			Host:      host,
			Username:  entry.User,
			Storage:   method,
			IsDefault: host == doc.DefaultInstance,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

// Override wraps a Source so that explicit user/password values (flags or
// environment) take precedence over stored ones.
type Override struct {
	Source   Source
	Username string
	Password string
}

func (o Override) Get(host string) (Credential, error) {
	if o.Username != "" && o.Password != "" {
		return Credential{Host: host, Username: o.Username, Secret: o.Password}, nil
	}
	cred, err := o.Source.Get(host)
	if err != nil {
		return Credential{}, err
	}
	if o.Username != "" {
		cred.Username = o.Username
	}
	if o.Password != "" {
		cred.Secret = o.Password
	}
	return cred, nil
}
