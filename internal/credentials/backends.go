package credentials

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/crypto"
)

const (
	probeService = ServicePrefix + ":probe"
	probeAccount = "probe"
)

// probeKeyring writes and removes a throwaway entry. Some keyring daemons
// block indefinitely when locked, so the probe is bounded by timeout.
func probeKeyring(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		err := keyring.Set(probeService, probeAccount, "probe")
		if err == nil {
			_ = keyring.Delete(probeService, probeAccount)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("keyring probe timed out after %s", timeout)
	}
}

type keyringBackend struct{}

func (keyringBackend) Method() Method { return MethodKeyring }

func (keyringBackend) Get(host, account string) (string, error) {
	secret, err := keyring.Get(ServiceID(host), account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return secret, err
}

func (keyringBackend) Set(host, account, secret string) error {
	return keyring.Set(ServiceID(host), account, secret)
}

func (keyringBackend) Delete(host, account string) error {
	err := keyring.Delete(ServiceID(host), account)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrSecretNotFound
	}
	return err
}

// fileBackend keeps the secret AES-GCM encrypted in the instance's entry of
// the config document.
type fileBackend struct {
	cfg        *config.Store
	dataDir    string
	passphrase string

	once    sync.Once
	manager *crypto.CryptoManager
	initErr error
}

func newFileBackend(cfg *config.Store, dataDir, passphrase string) *fileBackend {
	return &fileBackend{cfg: cfg, dataDir: dataDir, passphrase: passphrase}
}

func (f *fileBackend) Method() Method { return MethodFile }

// cryptoManager creates the key lazily so keyring users never get a key file.
func (f *fileBackend) cryptoManager() (*crypto.CryptoManager, error) {
	f.once.Do(func() {
		f.manager, f.initErr = crypto.NewCryptoManager(f.dataDir, f.passphrase)
	})
	return f.manager, f.initErr
}

func (f *fileBackend) Get(host, account string) (string, error) {
	doc, err := f.cfg.Load()
	if err != nil {
		return "", err
	}
	entry, ok := doc.Instances[host]
	if !ok || entry.Password == "" || entry.User != account {
		return "", ErrSecretNotFound
	}
	cm, err := f.cryptoManager()
	if err != nil {
		return "", err
	}
	secret, err := cm.DecryptString(entry.Password)
	if err != nil {
		return "", fmt.Errorf("decrypt stored secret: %w", err)
	}
	return secret, nil
}

func (f *fileBackend) Set(host, account, secret string) error {
	cm, err := f.cryptoManager()
	if err != nil {
		return err
	}
	enc, err := cm.EncryptString(secret)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	return f.cfg.Update(func(doc *config.Document) error {
		doc.Instances[host] = config.InstanceEntry{User: account, Keyring: false, Password: enc}
		return nil
	})
}

func (f *fileBackend) Delete(host, account string) error {
	return f.cfg.Update(func(doc *config.Document) error {
		entry, ok := doc.Instances[host]
		if !ok || entry.Password == "" {
			return ErrSecretNotFound
		}
		entry.Password = ""
		doc.Instances[host] = entry
		return nil
	})
}
