// Package platform resolves where caches live and how their payloads are
// encoded on the host. The cache core never looks at the host itself; an
// engine is handed a Storage at construction.
package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pixcache/pixcache/internal/diskcache"
	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Storage is the host capability the engine needs for its disk caches.
type Storage interface {
	// ResolveCacheDir returns the directory for a cache type. The
	// directory exists when the call returns without error.
	ResolveCacheDir(typ diskcache.Type) (string, error)
	// DefaultSerializer is the payload serializer for a cache type.
	DefaultSerializer(typ diskcache.Type) diskcache.Serializer
}

// DefaultAppName is the directory created under the user cache directory.
const DefaultAppName = "pixcache"

func subdir(typ diskcache.Type) string {
	return typ.String()
}

// DirStorage places every cache under Root.
type DirStorage struct {
	Root string
	// CompressDownloads stores download cache payloads with zstd.
	CompressDownloads bool
}

// ResolveCacheDir returns Root/<type> and creates it.
func (s DirStorage) ResolveCacheDir(typ diskcache.Type) (string, error) {
	dir, err := utils.SecureJoin(s.Root, subdir(typ))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfig, "invalid cache root", err).
			WithComponent("platform").WithOperation("resolve_cache_dir")
	}
	if err := utils.EnsureDir(dir); err != nil {
		return "", errors.Wrap(errors.ErrCodeIO, "cannot create cache directory", err).
			WithComponent("platform").WithOperation("resolve_cache_dir")
	}
	return dir, nil
}

// DefaultSerializer returns zstd for downloads when CompressDownloads is
// set and the identity serializer otherwise. Result payloads are already
// encoded images.
func (s DirStorage) DefaultSerializer(typ diskcache.Type) diskcache.Serializer {
	if typ == diskcache.Download && s.CompressDownloads {
		return diskcache.ZstdSerializer{}
	}
	return diskcache.IdentitySerializer{}
}

// OSStorage places caches under the user cache directory of the host
// ($XDG_CACHE_HOME, ~/Library/Caches or %LocalAppData%).
type OSStorage struct {
	AppName string

	// userCacheDir is os.UserCacheDir unless replaced in tests.
	userCacheDir func() (string, error)
}

// NewOSStorage returns the host storage for appName. An empty name uses
// DefaultAppName.
func NewOSStorage(appName string) *OSStorage {
	if appName == "" {
		appName = DefaultAppName
	}
	return &OSStorage{AppName: appName, userCacheDir: os.UserCacheDir}
}

// Root returns the directory all caches of this app live under.
func (s *OSStorage) Root() (string, error) {
	lookup := s.userCacheDir
	if lookup == nil {
		lookup = os.UserCacheDir
	}
	base, err := lookup()
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeIO, "no user cache directory", err).
			WithComponent("platform").WithOperation("resolve_cache_dir")
	}
	if s.AppName == "" || filepath.Base(s.AppName) != s.AppName {
		return "", errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid app name %q", s.AppName)).
			WithComponent("platform").WithOperation("resolve_cache_dir")
	}
	return filepath.Join(base, s.AppName), nil
}

// ResolveCacheDir returns <user cache dir>/<app>/<type> and creates it.
func (s *OSStorage) ResolveCacheDir(typ diskcache.Type) (string, error) {
	root, err := s.Root()
	if err != nil {
		return "", err
	}
	return DirStorage{Root: root}.ResolveCacheDir(typ)
}

// DefaultSerializer returns the identity serializer.
func (s *OSStorage) DefaultSerializer(diskcache.Type) diskcache.Serializer {
	return diskcache.IdentitySerializer{}
}
