// Package vault stores credentials encrypted at rest (AES-256-GCM, master
// key from the host keychain) and exposes plaintext through exactly one
// door: ResolveForHost, called by sandbox host code at injection time.
// Sandboxed tools only ever see placeholder tokens.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/ironclaw/ironclaw/internal/audit"
)

// Kind classifies how a credential is applied to a request.
type Kind string

const (
	KindAPIKey       Kind = "apikey"
	KindBearer       Kind = "bearer"
	KindBasic        Kind = "basic"
	KindCustomHeader Kind = "custom-header"
)

// Credential is the durable, encrypted form.
type Credential struct {
	ID         string   `json:"id"`
	Kind       Kind     `json:"kind"`
	Ciphertext string   `json:"ciphertext"` // base64(nonce || sealed)
	Scope      []string `json:"scope"`      // tool ids allowed to reference it
	CreatedAt  string   `json:"created_at"`
}

// ErrNotFound is returned when no credential has the requested id.
var ErrNotFound = fmt.Errorf("credential not found")

// ErrScope is returned when a tool references a credential outside its scope.
var ErrScope = fmt.Errorf("credential not in tool scope")

// Vault holds the encrypted credential set. Read-shared at runtime;
// writes go through the setup flow which quiesces jobs first.
type Vault struct {
	mu          sync.RWMutex
	path        string
	key         []byte
	credentials map[string]Credential
	scanner     *Scanner
	// Extra user-configured secrets fed to the scanner but not resolvable.
	extraSecrets []string
}

// Open loads the vault file (creating an empty vault when absent) and
// builds the leak-scanner corpus.
func Open(path string, keychain Keychain) (*Vault, error) {
	key, err := keychain.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("fetch master key: %w", err)
	}

	v := &Vault{
		path:        path,
		key:         key,
		credentials: make(map[string]Credential),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &v.credentials); err != nil {
			return nil, fmt.Errorf("parse vault file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	if err := v.rebuildScanner(); err != nil {
		return nil, err
	}
	return v, nil
}

// Put encrypts and stores a credential, then rebuilds the scanner corpus.
func (v *Vault) Put(id string, kind Kind, plaintext string, scope []string) error {
	if id == "" || plaintext == "" {
		return fmt.Errorf("credential id and value are required")
	}
	sealed, err := v.seal([]byte(plaintext))
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.credentials[id] = Credential{
		ID:         id,
		Kind:       kind,
		Ciphertext: sealed,
		Scope:      scope,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	v.mu.Unlock()

	if err := v.save(); err != nil {
		return err
	}
	return v.rebuildScanner()
}

// Delete removes a credential and rebuilds the scanner corpus.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	delete(v.credentials, id)
	v.mu.Unlock()
	if err := v.save(); err != nil {
		return err
	}
	return v.rebuildScanner()
}

// AddExtraSecret registers a user-configured literal for leak scanning
// without making it resolvable by any tool.
func (v *Vault) AddExtraSecret(value string) error {
	v.mu.Lock()
	v.extraSecrets = append(v.extraSecrets, value)
	v.mu.Unlock()
	return v.rebuildScanner()
}

// List returns credential ids and kinds, never values.
func (v *Vault) List() []Credential {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Credential, 0, len(v.credentials))
	for _, c := range v.credentials {
		c.Ciphertext = ""
		out = append(out, c)
	}
	return out
}

// ResolveForHost decrypts a credential for sandbox host code. The tool
// must be in the credential's scope; every call is audited. The returned
// plaintext is scoped to a single host call and must not be persisted.
func (v *Vault) ResolveForHost(toolID, id string) (string, error) {
	v.mu.RLock()
	cred, ok := v.credentials[id]
	v.mu.RUnlock()
	if !ok {
		audit.Record("deny", "secrets.resolve", "unknown credential", "", "tool:"+toolID)
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !inScope(cred.Scope, toolID) {
		audit.Record("deny", "secrets.resolve", "credential "+id+" not in scope", "", "tool:"+toolID)
		return "", fmt.Errorf("%w: %s for tool %s", ErrScope, id, toolID)
	}
	plaintext, err := v.open(cred.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", id, err)
	}
	audit.Record("allow", "secrets.resolve", "credential "+id, "", "tool:"+toolID)
	return string(plaintext), nil
}

// Scanner returns the current leak scanner. The pointer is swapped
// atomically on vault change; callers may hold it for one scan.
func (v *Vault) Scanner() *Scanner {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.scanner
}

// placeholderRe matches credential placeholders in outbound payloads.
var placeholderRe = regexp.MustCompile(`\{\{secret:([A-Za-z0-9_.-]+)\}\}`)

// Placeholder returns the token a sandboxed tool embeds instead of a value.
func Placeholder(id string) string {
	return "{{secret:" + id + "}}"
}

// ResolvePlaceholders substitutes credential values for placeholders in an
// outbound payload. Called by host code after leak scanning, so the
// references themselves are never flagged and values never round-trip
// through the sandbox.
func (v *Vault) ResolvePlaceholders(toolID, payload string) (string, error) {
	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(payload, func(match string) string {
		if resolveErr != nil {
			return match
		}
		id := placeholderRe.FindStringSubmatch(match)[1]
		plaintext, err := v.ResolveForHost(toolID, id)
		if err != nil {
			resolveErr = err
			return match
		}
		return plaintext
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

func inScope(scope []string, toolID string) bool {
	for _, s := range scope {
		if s == toolID || s == "*" {
			return true
		}
	}
	return false
}

func (v *Vault) rebuildScanner() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	literals := make(map[string]string) // value -> credential id
	for id, cred := range v.credentials {
		plaintext, err := v.open(cred.Ciphertext)
		if err != nil {
			return fmt.Errorf("decrypt %s for scanner: %w", id, err)
		}
		if len(plaintext) >= minScanLength {
			literals[string(plaintext)] = id
		}
	}
	for _, extra := range v.extraSecrets {
		if len(extra) >= minScanLength {
			literals[extra] = "user-secret"
		}
	}
	v.scanner = NewScanner(literals)
	return nil
}

func (v *Vault) save() error {
	v.mu.RLock()
	data, err := json.MarshalIndent(v.credentials, "", "  ")
	v.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("serialize vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("rename vault: %w", err)
	}
	return nil
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
