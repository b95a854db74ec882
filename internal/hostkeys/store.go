package hostkeys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// Entry is a host key pinned for one user and endpoint.
type Entry struct {
	User        string    `json:"user"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	KeyType     string    `json:"key_type"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store pins host keys on first contact and parks mismatched keys under
// one-shot tokens until the user decides. Pins persist to a JSON file;
// pending tokens live in memory only.
type Store struct {
	path      string
	mu        sync.RWMutex
	entries   map[string]Entry
	pending   map[string]pendingKey
	fileState fileState
	log       pslog.Logger
}

type pendingKey struct {
	userID schema.UserID
	host   string
	port   int
	key    ssh.PublicKey
}

// NewStore loads or creates the host key store at path.
func NewStore(path string) (*Store, error) {
	return NewStoreWithLogger(path, nil)
}

// NewStoreWithLogger loads or creates the host key store with logging.
func NewStoreWithLogger(path string, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("host key file path is required")
	}
	if logger != nil {
		logger = logger.With("hostkey_file", path)
	}
	store := &Store{
		path:    path,
		entries: make(map[string]Entry),
		pending: make(map[string]pendingKey),
		log:     logger,
	}
	if err := store.ensureFile(); err != nil {
		return nil, err
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Verify checks a presented key against the pin for user+host:port.
// First contact pins the key. A match refreshes last-seen. A mismatch
// parks the presented key under a one-shot token and returns a
// *schema.HostKeyMismatchError carrying the prompt.
func (s *Store) Verify(userID schema.UserID, host string, port int, key ssh.PublicKey) error {
	if err := schema.ValidateUserID(userID); err != nil {
		return err
	}
	host = normalizeHost(host)
	if host == "" || port <= 0 || key == nil {
		return errors.New("host, port, and key are required")
	}
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	now := time.Now().UTC()
	encoded := encodeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	id := entryID(userID, host, port)
	entry, ok := s.entries[id]
	if !ok {
		s.entries[id] = Entry{
			User:        string(userID),
			Host:        host,
			Port:        port,
			KeyType:     key.Type(),
			Key:         encoded,
			Fingerprint: ssh.FingerprintSHA256(key),
			FirstSeen:   now,
			LastSeen:    now,
		}
		if err := s.saveLocked(); err != nil {
			delete(s.entries, id)
			return err
		}
		if s.log != nil {
			s.log.Info("hostkey pinned", "user", userID, "endpoint", endpoint(host, port), "fingerprint", ssh.FingerprintSHA256(key))
		}
		return nil
	}
	if entry.Key == encoded {
		entry.LastSeen = now
		s.entries[id] = entry
		if err := s.saveLocked(); err != nil && s.log != nil {
			s.log.Warn("hostkey last-seen update failed", "user", userID, "endpoint", endpoint(host, port), "err", err)
		}
		return nil
	}
	token, err := mintToken()
	if err != nil {
		return err
	}
	s.pending[token] = pendingKey{
		userID: userID,
		host:   host,
		port:   port,
		key:    key,
	}
	if s.log != nil {
		s.log.Warn("hostkey mismatch", "user", userID, "endpoint", endpoint(host, port),
			"pinned", entry.Fingerprint, "presented", ssh.FingerprintSHA256(key))
	}
	return &schema.HostKeyMismatchError{Prompt: schema.HostKeyPrompt{
		Token:                token,
		Host:                 host,
		Port:                 port,
		StoredKeyType:        entry.KeyType,
		StoredFingerprint:    entry.Fingerprint,
		PresentedKeyType:     key.Type(),
		PresentedFingerprint: ssh.FingerprintSHA256(key),
		Warning: fmt.Sprintf("The identity of %s has changed since it was first trusted. "+
			"The server may have been reinstalled, or the connection may be intercepted.", endpoint(host, port)),
	}}
}

// Trust replaces the pin with the key parked under token. Tokens are
// one-shot and scoped to the user they were minted for.
func (s *Store) Trust(userID schema.UserID, token string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok || p.userID != userID {
		return schema.ErrHostKeyPromptNotFound
	}
	delete(s.pending, token)
	now := time.Now().UTC()
	id := entryID(userID, p.host, p.port)
	s.entries[id] = Entry{
		User:        string(userID),
		Host:        p.host,
		Port:        p.port,
		KeyType:     p.key.Type(),
		Key:         encodeKey(p.key),
		Fingerprint: ssh.FingerprintSHA256(p.key),
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("hostkey trusted", "user", userID, "endpoint", endpoint(p.host, p.port), "fingerprint", ssh.FingerprintSHA256(p.key))
	}
	return nil
}

// Discard drops the key parked under token. Unknown tokens and tokens
// minted for another user are ignored.
func (s *Store) Discard(userID schema.UserID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok || p.userID != userID {
		return
	}
	delete(s.pending, token)
	if s.log != nil {
		s.log.Info("hostkey discarded", "user", userID, "endpoint", endpoint(p.host, p.port))
	}
}

// Lookup returns the pinned entry for user+host:port.
func (s *Store) Lookup(userID schema.UserID, host string, port int) (Entry, bool, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return Entry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID(userID, normalizeHost(host), port)]
	return entry, ok, nil
}

// Count reports the number of pinned keys.
func (s *Store) Count() int {
	if err := s.refreshIfNeeded(); err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store refresh failed", "err", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func entryID(userID schema.UserID, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", userID, host, port)
}

func endpoint(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func encodeKey(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

func mintToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint host key token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func (s *Store) ensureFile() error {
	if _, statErr := os.Stat(s.path); statErr == nil {
		return nil
	} else if !os.IsNotExist(statErr) {
		if s.log != nil {
			s.log.Warn("hostkey store init failed", "err", statErr)
		}
		return statErr
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store init failed", "err", err)
		}
		return err
	}
	if err := os.WriteFile(s.path, []byte("[]\n"), 0o600); err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store init failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("hostkey store initialized")
	}
	return nil
}

func (s *Store) load() error {
	return s.loadFromDisk()
}

func (s *Store) saveLocked() error {
	entries := make([]Entry, 0, len(s.entries))
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries = append(entries, s.entries[id])
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "hostkeys-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store save failed", "err", err)
		}
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileState = fileStateFromInfo(info)
	} else if s.log != nil {
		s.log.Warn("hostkey store save failed to stat", "err", err)
	}
	if s.log != nil {
		s.log.Debug("hostkey store save ok", "entries", len(entries))
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = stat.Dev
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store stat failed", "err", err)
		}
		return err
	}
	latest := fileStateFromInfo(info)
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.equal(latest) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store load failed", "err", err)
		}
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store load failed", "err", err)
		}
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("hostkey store load failed", "err", err)
		}
		return err
	}
	next := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		next[entryID(schema.UserID(entry.User), entry.Host, entry.Port)] = entry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = next
	s.fileState = fileStateFromInfo(info)
	if s.log != nil {
		s.log.Debug("hostkey store load ok", "entries", len(entries))
	}
	return nil
}
