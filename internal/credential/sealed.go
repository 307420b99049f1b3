package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedVersion    = 1
	pbkdf2Iterations = 100000
	saltSize         = 32
)

var ErrWrongPassphrase = errors.New("credentials file cannot be opened with this passphrase")

type sealedFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

// Sealed keeps credentials in a passphrase-encrypted JSON file. The key is
// derived with PBKDF2-SHA256 and the payload sealed with XChaCha20-Poly1305.
type Sealed struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

func NewSealed(path, passphrase string) (*Sealed, error) {
	if passphrase == "" {
		return nil, errors.New("credentials passphrase is required")
	}
	return &Sealed{path: path, passphrase: []byte(passphrase)}, nil
}

func (s *Sealed) Get(_ context.Context, providerName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[providerName]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, providerName)
	}
	return v, nil
}

func (s *Sealed) Put(_ context.Context, providerName, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[providerName] = secret
	return s.save(secrets)
}

func (s *Sealed) Delete(_ context.Context, providerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[providerName]; !ok {
		return nil
	}
	delete(secrets, providerName)
	return s.save(secrets)
}

func (s *Sealed) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.passphrase, salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
}

// load must be called with s.mu held. A missing file is an empty store.
func (s *Sealed) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var f sealedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode credentials file: %w", err)
	}
	if f.Version != sealedVersion {
		return nil, fmt.Errorf("unsupported credentials file version %d", f.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("decode nonce: want %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return secrets, nil
}

// save must be called with s.mu held. Every save uses a fresh salt and nonce.
func (s *Sealed) save(secrets map[string]string) error {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out, err := json.MarshalIndent(sealedFile{
		Version: sealedVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, nil)),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
