package sshkeys

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/gantry/schema"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	// KeyTypeEd25519 requests Ed25519 key generation.
	KeyTypeEd25519 = "ed25519"
	// KeyTypeRSA requests RSA key generation.
	KeyTypeRSA = "rsa"
	// DefaultRSABits is the default RSA key size in bits.
	DefaultRSABits = 3072
	// DefaultIdentity is the identity name used when a request omits one.
	DefaultIdentity = "default"

	encSuffix        = ".enc"
	pubSuffix        = ".pub"
	descriptorPrefix = "gantry:identity:"
)

// ErrIdentityNotFound reports that a named identity does not exist.
var ErrIdentityNotFound = errors.New("identity not found")

// Identity is a stored SSH identity visible to its owner.
type Identity struct {
	Name      string
	PublicKey string
}

// Store manages named SSH identities per user. Private keys are
// encrypted at rest under a per-identity DEK minted from the root key.
type Store struct {
	storePath string
	keyDir    string
	log       pslog.Logger
}

// NewStore initializes the identity store and ensures the root key exists.
func NewStore(storePath, keyDir string) (*Store, error) {
	return NewStoreWithLogger(storePath, keyDir, nil)
}

// NewStoreWithLogger initializes the identity store with logging.
func NewStoreWithLogger(storePath, keyDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("identity key store path is required")
	}
	if strings.TrimSpace(keyDir) == "" {
		return nil, fmt.Errorf("identity directory is required")
	}
	if err := EnsureKeyStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("identity_store", storePath, "identity_dir", keyDir)
	}
	return &Store{storePath: storePath, keyDir: keyDir, log: logger}, nil
}

// Generate creates a new identity for the user. It refuses to replace
// an existing identity of the same name; use Rotate for that.
func (s *Store) Generate(userID schema.UserID, name, keyType string, bits int) (string, error) {
	name, err := s.normalize(userID, name)
	if err != nil {
		return "", err
	}
	exists, err := s.identityExists(userID, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("identity %q already exists", name)
	}
	if s.log != nil {
		s.log.Info("identity generate start", "user", userID, "name", name, "type", keyType, "bits", bits)
	}
	return s.writeIdentity(userID, name, keyType, bits, false)
}

// Rotate replaces an existing identity with fresh key material under a
// freshly minted DEK.
func (s *Store) Rotate(userID schema.UserID, name, keyType string, bits int) (string, error) {
	name, err := s.normalize(userID, name)
	if err != nil {
		return "", err
	}
	exists, err := s.identityExists(userID, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("identity %q: %w", name, ErrIdentityNotFound)
	}
	if s.log != nil {
		s.log.Info("identity rotate start", "user", userID, "name", name, "type", keyType, "bits", bits)
	}
	return s.writeIdentity(userID, name, keyType, bits, true)
}

// Remove deletes an identity. Removing an absent identity is a no-op.
func (s *Store) Remove(userID schema.UserID, name string) error {
	name, err := s.normalize(userID, name)
	if err != nil {
		return err
	}
	removed := false
	for _, path := range []string{s.privateKeyPath(userID, name), s.publicKeyPath(userID, name)} {
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Warn("identity remove failed", "user", userID, "name", name, "err", err)
			}
			return err
		}
	}
	if removed && s.log != nil {
		s.log.Info("identity removed", "user", userID, "name", name)
	}
	return nil
}

// List returns the user's identities sorted by name.
func (s *Store) List(userID schema.UserID) ([]Identity, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if s.log != nil {
			s.log.Warn("identity list failed", "user", userID, "err", err)
		}
		return nil, err
	}
	var identities []Identity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pubSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), pubSuffix)
		pub, err := s.LoadPublicKey(userID, name)
		if err != nil {
			if s.log != nil {
				s.log.Warn("identity list skipped entry", "user", userID, "name", name, "err", err)
			}
			continue
		}
		identities = append(identities, Identity{Name: name, PublicKey: pub})
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].Name < identities[j].Name })
	return identities, nil
}

// LoadSigner loads the named identity as an ssh.Signer.
func (s *Store) LoadSigner(userID schema.UserID, name string) (ssh.Signer, error) {
	priv, err := s.LoadPrivateKey(userID, name)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity load signer failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// LoadPrivateKey decrypts and parses the named private key.
func (s *Store) LoadPrivateKey(userID schema.UserID, name string) (crypto.PrivateKey, error) {
	name, err := s.normalize(userID, name)
	if err != nil {
		return nil, err
	}
	path := s.privateKeyPath(userID, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("identity %q: %w", name, ErrIdentityNotFound)
		}
		if s.log != nil {
			s.log.Warn("identity load failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	material, root, err := s.materialFor(userID, name, false)
	if err != nil {
		return nil, err
	}
	kg := kryptograf.New(root)
	file, err := os.Open(path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity load failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity load failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity load failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	priv, err := ssh.ParseRawPrivateKey(plain)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity load failed", "user", userID, "name", name, "err", err)
		}
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("identity load ok", "user", userID, "name", name)
	}
	return priv, nil
}

// LoadPrivateKeys decrypts every identity the user has, keyed by name.
func (s *Store) LoadPrivateKeys(userID schema.UserID) (map[string]crypto.PrivateKey, error) {
	identities, err := s.List(userID)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]crypto.PrivateKey, len(identities))
	for _, identity := range identities {
		priv, err := s.LoadPrivateKey(userID, identity.Name)
		if err != nil {
			return nil, err
		}
		keys[identity.Name] = priv
	}
	return keys, nil
}

// LoadPublicKey returns the stored public key line for the named identity.
func (s *Store) LoadPublicKey(userID schema.UserID, name string) (string, error) {
	name, err := s.normalize(userID, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.publicKeyPath(userID, name))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("identity public load failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	signer, err := s.LoadSigner(userID, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

func (s *Store) writeIdentity(userID schema.UserID, name, keyType string, bits int, rotate bool) (string, error) {
	keyType = strings.ToLower(strings.TrimSpace(keyType))
	if keyType == "" {
		keyType = KeyTypeEd25519
	}
	var priv crypto.PrivateKey
	switch keyType {
	case KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			if s.log != nil {
				s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
			}
			return "", err
		}
		priv = key
	case KeyTypeRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 2048 {
			return "", fmt.Errorf("rsa bits must be at least 2048")
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			if s.log != nil {
				s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
			}
			return "", err
		}
		priv = key
	default:
		return "", fmt.Errorf("unsupported key type %q", keyType)
	}

	block, err := ssh.MarshalPrivateKey(priv, fmt.Sprintf("%s/%s", userID, name))
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	plain := pem.EncodeToMemory(block)
	material, root, err := s.materialFor(userID, name, rotate)
	if err != nil {
		return "", err
	}
	kg := kryptograf.New(root)

	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "identity-*.enc")
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, s.privateKeyPath(userID, name)); err != nil {
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(s.publicKeyPath(userID, name), pub, 0o644); err != nil {
		if s.log != nil {
			s.log.Warn("identity write failed", "user", userID, "name", name, "err", err)
		}
		return "", err
	}
	if s.log != nil {
		action := "generated"
		if rotate {
			action = "rotated"
		}
		s.log.Info("identity write ok", "user", userID, "name", name, "action", action)
	}
	return strings.TrimSpace(string(pub)), nil
}

func (s *Store) materialFor(userID schema.UserID, name string, rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity material load failed", "user", userID, "name", name, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		if s.log != nil {
			s.log.Warn("identity material load failed", "user", userID, "name", name, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorName(userID, name)
	contextBytes := []byte(descName)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err != nil {
			if s.log != nil {
				s.log.Warn("identity material mint failed", "user", userID, "name", name, "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
		if err := store.SetDescriptor(descName, material.Descriptor); err != nil {
			if s.log != nil {
				s.log.Warn("identity material update failed", "user", userID, "name", name, "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(descName, root, contextBytes)
		if err != nil {
			if s.log != nil {
				s.log.Warn("identity material ensure failed", "user", userID, "name", name, "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		if s.log != nil {
			s.log.Warn("identity material commit failed", "user", userID, "name", name, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) normalize(userID schema.UserID, name string) (string, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultIdentity, nil
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-' {
			continue
		}
		return "", fmt.Errorf("invalid identity name %q", name)
	}
	return name, nil
}

func descriptorName(userID schema.UserID, name string) string {
	return fmt.Sprintf("%s%s/%s", descriptorPrefix, userID, name)
}

func (s *Store) userDir(userID schema.UserID) string {
	return filepath.Join(s.keyDir, string(userID))
}

func (s *Store) privateKeyPath(userID schema.UserID, name string) string {
	return filepath.Join(s.userDir(userID), name+encSuffix)
}

func (s *Store) publicKeyPath(userID schema.UserID, name string) string {
	return filepath.Join(s.userDir(userID), name+pubSuffix)
}

func (s *Store) identityExists(userID schema.UserID, name string) (bool, error) {
	info, err := os.Stat(s.privateKeyPath(userID, name))
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
