package instances

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// Manager owns the set of configured instances and the exclusive default
// flag. Secrets are delegated to the credential store.
type Manager struct {
	cfg   *config.Config
	store *config.Store
	creds *credentials.Store
}

func NewManager(cfg *config.Config, store *config.Store, creds *credentials.Store) *Manager {
	return &Manager{cfg: cfg, store: store, creds: creds}
}

// AddResult reports where the secret was stored.
type AddResult struct {
	Host      string
	Storage   credentials.Method
	IsDefault bool
}

// Add stores an instance. The first instance added becomes the default.
func (m *Manager) Add(host, user, secret string, makeDefault bool) (AddResult, error) {
	host = config.NormalizeHost(host)
	user = strings.TrimSpace(user)
	if host == "" {
		return AddResult{}, snowerrors.InvalidInput("add_instance", fmt.Errorf("hostname is required"))
	}
	if user == "" {
		return AddResult{}, snowerrors.InvalidInput("add_instance", fmt.Errorf("username is required"))
	}
	if secret == "" {
		return AddResult{}, snowerrors.InvalidInput("add_instance", fmt.Errorf("password is required"))
	}

	method, err := m.creds.Set(host, user, secret)
	if err != nil {
		return AddResult{}, err
	}

	result := AddResult{Host: host, Storage: method}
	err = m.store.Update(func(doc *config.Document) error {
		if makeDefault || doc.DefaultInstance == "" {
			doc.DefaultInstance = host
		}
		result.IsDefault = doc.DefaultInstance == host
		return nil
	})
	if err != nil {
		return AddResult{}, err
	}

	log.Info().Str("instance", host).Str("storage", string(method)).Bool("default", result.IsDefault).Msg("Instance added")
	return result, nil
}

// Use makes host the default instance.
func (m *Manager) Use(host string) error {
	host = config.NormalizeHost(host)
	return m.store.Update(func(doc *config.Document) error {
		if _, ok := doc.Instances[host]; !ok {
			return snowerrors.NotFound("use_instance", host, fmt.Errorf("instance %s is not configured", host))
		}
		doc.DefaultInstance = host
		return nil
	})
}

// Remove deletes the instance, its secret, its session file and its
// diagnostics directory. If it was the default, no default remains.
func (m *Manager) Remove(host string) error {
	host = config.NormalizeHost(host)

	doc, err := m.store.Load()
	if err != nil {
		return err
	}
	if _, ok := doc.Instances[host]; !ok {
		return snowerrors.NotFound("remove_instance", host, fmt.Errorf("instance %s is not configured", host))
	}

	if err := m.creds.Delete(host); err != nil {
		log.Warn().Err(err).Str("instance", host).Msg("Failed to delete stored secret")
	}

	err = m.store.Update(func(doc *config.Document) error {
		delete(doc.Instances, host)
		if doc.DefaultInstance == host {
			doc.DefaultInstance = ""
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(m.cfg.InstanceDir(host)); err != nil {
		log.Warn().Err(err).Str("instance", host).Msg("Failed to remove instance state directory")
	}
	log.Info().Str("instance", host).Msg("Instance removed")
	return nil
}

// List returns summaries sorted by hostname.
func (m *Manager) List() ([]credentials.Summary, error) {
	return m.creds.List()
}

// Info returns the summary for one instance.
func (m *Manager) Info(host string) (credentials.Summary, error) {
	host = config.NormalizeHost(host)
	list, err := m.creds.List()
	if err != nil {
		return credentials.Summary{}, err
	}
	for _, s := range list {
		if s.Host == host {
			return s, nil
		}
	}
	return credentials.Summary{}, snowerrors.NotFound("instance_info", host, fmt.Errorf("instance %s is not configured", host))
}

// Resolve picks the target instance: explicit selector, then the
// SNOW_INSTANCE override, then the configured default.
func (m *Manager) Resolve(selector string) (string, error) {
	if s := config.NormalizeHost(selector); s != "" {
		return s, nil
	}
	if s := config.NormalizeHost(m.cfg.Instance); s != "" {
		return s, nil
	}
	doc, err := m.store.Load()
	if err != nil {
		return "", err
	}
	if doc.DefaultInstance != "" {
		return doc.DefaultInstance, nil
	}
	return "", snowerrors.InvalidInput("resolve_instance",
		fmt.Errorf("no instance selected: pass --instance, set SNOW_INSTANCE, or run 'snow instance add'"))
}

// Credentials returns a credential source that honours the ad-hoc user and
// password overrides from the runtime config.
func (m *Manager) Credentials() credentials.Source {
	return credentials.Override{Source: m.creds, Username: m.cfg.User, Password: m.cfg.Password}
}
