package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rcourtman/snowctl/internal/fsutil"
)

// InstanceEntry is the persisted form of one instance. Password is only set
// when the secret lives in the encrypted file fallback (Keyring == false).
type InstanceEntry struct {
	User     string `json:"user"`
	Keyring  bool   `json:"keyring"`
	Password string `json:"password,omitempty"`
}

// Document is the on-disk instances file.
type Document struct {
	DefaultInstance string                   `json:"default_instance,omitempty"`
	Instances       map[string]InstanceEntry `json:"instances"`
}

// Hosts returns instance hostnames in sorted order.
func (d *Document) Hosts() []string {
	hosts := make([]string, 0, len(d.Instances))
	for h := range d.Instances {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Store persists the instances document. Every mutation runs under a process
// mutex plus an flock so concurrent snow processes never interleave writes.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the document. A missing file yields an empty document.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Update applies fn to the current document and writes it back atomically.
// Nothing is written when fn returns an error.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fsutil.WithLockedFile(s.path+".lock", func() error {
		doc, err := s.readLocked()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		return fsutil.AtomicWriteFile(s.path, append(data, '\n'), fsutil.PrivateFile)
	})
}

func (s *Store) readLocked() (*Document, error) {
	doc := &Document{Instances: map[string]InstanceEntry{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}
	if doc.Instances == nil {
		doc.Instances = map[string]InstanceEntry{}
	}
	// A default pointing at a removed instance is treated as no default.
	if _, ok := doc.Instances[doc.DefaultInstance]; !ok {
		doc.DefaultInstance = ""
	}
	return doc, nil
}

// NormalizeHost trims whitespace and trailing slashes and lower-cases the
// host. An explicit http:// or https:// scheme is kept so non-standard
// endpoints can be addressed; https is otherwise implied.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimRight(host, "/")
	lower := strings.ToLower(host)
	if strings.HasPrefix(lower, "https://") {
		return strings.TrimPrefix(lower, "https://")
	}
	return lower
}

// BaseURL returns the URL prefix for requests to host.
func BaseURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return "https://" + strings.TrimRight(host, "/")
}
