// Package session stores one opaque session blob per identity.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"list_harvester/internal/identity"
	"list_harvester/internal/storage/state"
)

// Cookie is the unit stored in a session blob.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

const (
	AuthCookie = "auth_token"
	CSRFCookie = "ct0"
)

func Encode(cookies []Cookie) ([]byte, error) {
	data, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func Decode(blob []byte) ([]Cookie, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var cookies []Cookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return cookies, nil
}

// FileProvider keeps sessions as <dir>/<identity>.json.
type FileProvider struct {
	dir string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func (p *FileProvider) path(name string) string {
	return filepath.Join(p.dir, unsafeName.ReplaceAllString(name, "_")+".json")
}

// Load returns the persisted blob, or nil when the identity has none.
func (p *FileProvider) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", name, err)
	}
	return data, nil
}

func (p *FileProvider) Persist(name string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	if err := state.WriteFileAtomic(p.path(name), blob, 0o600); err != nil {
		return fmt.Errorf("persist session %s: %w", name, err)
	}
	return nil
}

func (p *FileProvider) Discard(name string) error {
	err := os.Remove(p.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard session %s: %w", name, err)
	}
	return nil
}

// Seed builds a session blob from the identity's configured tokens. It returns nil when the
// identity has no auth token.
func Seed(id *identity.Identity) ([]byte, error) {
	if id.AuthToken == "" {
		return nil, nil
	}
	cookies := []Cookie{
		{Name: AuthCookie, Value: id.AuthToken, Domain: ".x.com", Path: "/", Secure: true, HTTPOnly: true},
	}
	if id.CSRFToken != "" {
		cookies = append(cookies, Cookie{Name: CSRFCookie, Value: id.CSRFToken, Domain: ".x.com", Path: "/", Secure: true})
	}
	return Encode(cookies)
}

// Resolve returns the persisted blob for the identity, seeding it from configured tokens when
// nothing has been persisted yet.
func (p *FileProvider) Resolve(id *identity.Identity) ([]byte, error) {
	blob, err := p.Load(id.Name)
	if err != nil {
		return nil, err
	}
	if blob != nil {
		return blob, nil
	}
	return Seed(id)
}
