package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"

	"fleet-master/internal/fsutil"
	"fleet-master/internal/model"
)

// KeyStore resolves node identities at verification time.
type KeyStore interface {
	Lookup(name string) (model.NodeIdentity, error)
	Save(id model.NodeIdentity) error
}

// DirKeyStore keeps one <name>.pem per trusted node.
type DirKeyStore struct {
	dir string
}

func NewDirKeyStore(dir string) *DirKeyStore {
	return &DirKeyStore{dir: dir}
}

func (s *DirKeyStore) path(name string) string {
	return filepath.Join(s.dir, name+".pem")
}

func (s *DirKeyStore) Lookup(name string) (model.NodeIdentity, error) {
	if !ValidNodeName(name) {
		return model.NodeIdentity{}, ErrUntrustedIssuer
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NodeIdentity{}, ErrUntrustedIssuer
		}
		return model.NodeIdentity{}, fmt.Errorf("read public key for %s: %w", name, err)
	}
	return model.NodeIdentity{Name: name, PublicKeyPEM: string(data), Trusted: true}, nil
}

// Save overwrites any existing key for the node.
func (s *DirKeyStore) Save(id model.NodeIdentity) error {
	if !ValidNodeName(id.Name) {
		return ErrInvalidNodeName
	}
	return fsutil.WriteFileAtomic(s.path(id.Name), []byte(id.PublicKeyPEM), 0o644)
}

// CachedKeyStore puts a bounded LRU in front of another KeyStore. Misses are
// never cached, so a freshly registered node is visible on its first call.
type CachedKeyStore struct {
	next  KeyStore
	cache *lru.Cache
}

func NewCachedKeyStore(next KeyStore, size int) (*CachedKeyStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedKeyStore{next: next, cache: cache}, nil
}

func (s *CachedKeyStore) Lookup(name string) (model.NodeIdentity, error) {
	if v, ok := s.cache.Get(name); ok {
		return v.(model.NodeIdentity), nil
	}
	id, err := s.next.Lookup(name)
	if err != nil {
		return model.NodeIdentity{}, err
	}
	s.cache.Add(name, id)
	return id, nil
}

func (s *CachedKeyStore) Save(id model.NodeIdentity) error {
	s.Invalidate(id.Name)
	if err := s.next.Save(id); err != nil {
		return err
	}
	s.Invalidate(id.Name)
	return nil
}

func (s *CachedKeyStore) Invalidate(name string) {
	s.cache.Remove(name)
}
