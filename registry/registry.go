// Package registry implements the on-disk container registry described in
// spec §6: it resolves a registry directory from the environment, reads
// the four sealed-object files a session needs, and assembles them into
// the authenticated blob OpenSession hands to the secure world.
//
// It follows the read-a-blob-into-memory, wrap-errors-with-context style
// of the teacher's os/linux boot loader (LoadMemory/loadInitrd read a
// whole file into a []byte and return an error naming the file on
// failure) rather than introducing a streaming or mmap-based reader —
// container files are tiny and read exactly once per operation.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envRegistryPath         = "MC_REGISTRY_PATH"
	envRegistryFallbackPath = "MC_REGISTRY_FALLBACK_PATH"
	envAuthTokenPath        = "MC_AUTH_TOKEN_PATH"

	defaultRegistryPath = "/data/app/mcRegistry"

	authTokenFileName = "00000000.authtokcont"
	rootFileName      = "00000000.rootcont"

	spContFileExt = ".spcont"
	tlContFileExt = ".tlcont"
	tlBinFileExt  = ".tlbin"
)

// Uuid is the 16-byte Trustlet identity used to key container and binary
// files (spec §3; no cryptographic interpretation, per Non-goals).
type Uuid [16]byte

// Registry resolves container and binary files under one registry
// directory, per spec §6's four-read interface and environment
// resolution order.
type Registry struct {
	path string
}

// Open resolves the registry directory per spec §6: MC_REGISTRY_PATH if
// it names an existing directory, else MC_REGISTRY_FALLBACK_PATH, else
// the compiled-in default.
func Open() (*Registry, error) {
	path := resolveDir(os.Getenv(envRegistryPath))
	if path == "" {
		path = resolveDir(os.Getenv(envRegistryFallbackPath))
	}
	if path == "" {
		path = defaultRegistryPath
	}

	return &Registry{path: path}, nil
}

func resolveDir(path string) string {
	if path == "" {
		return ""
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return ""
	}
	return path
}

// authTokenPath resolves MC_AUTH_TOKEN_PATH per spec §6, falling back to
// the registry directory itself.
func (r *Registry) authTokenPath() string {
	if path := resolveDir(os.Getenv(envAuthTokenPath)); path != "" {
		return filepath.Join(path, authTokenFileName)
	}
	return filepath.Join(r.path, authTokenFileName)
}

func (r *Registry) rootContPath() string {
	return filepath.Join(r.path, rootFileName)
}

func (r *Registry) spContPath(spid uint32) string {
	return filepath.Join(r.path, fmt.Sprintf("%08x%s", spid, spContFileExt))
}

func (r *Registry) tlContPath(uuid Uuid) string {
	return filepath.Join(r.path, fmt.Sprintf("%x%s", uuid[:], tlContFileExt))
}

func (r *Registry) tlBinPath(uuid Uuid) string {
	return filepath.Join(r.path, fmt.Sprintf("%x%s", uuid[:], tlBinFileExt))
}

// AuthToken reads the auth-token container, the first of the four reads
// spec §6 names.
func (r *Registry) AuthToken() ([]byte, error) {
	return readFile(r.authTokenPath())
}

// RootContainer reads the root container.
func (r *Registry) RootContainer() ([]byte, error) {
	return readFile(r.rootContPath())
}

// SpContainer reads the service-provider container for spid.
func (r *Registry) SpContainer(spid uint32) ([]byte, error) {
	return readFile(r.spContPath(spid))
}

// TrustletContainer reads the Trustlet container for uuid.
func (r *Registry) TrustletContainer(uuid Uuid) ([]byte, error) {
	return readFile(r.tlContPath(uuid))
}

// TrustletBinary reads the Trustlet's loadable image for uuid.
func (r *Registry) TrustletBinary(uuid Uuid) ([]byte, error) {
	return readFile(r.tlBinPath(uuid))
}

// AuthenticatedBlob assembles the blob OpenSession hands to the secure
// world: [tlBinary | rootCont | spCont | tltCont], in exactly that order
// (spec §6).
func (r *Registry) AuthenticatedBlob(uuid Uuid, spid uint32) ([]byte, error) {
	tlBin, err := r.TrustletBinary(uuid)
	if err != nil {
		return nil, err
	}

	rootCont, err := r.RootContainer()
	if err != nil {
		return nil, err
	}

	spCont, err := r.SpContainer(spid)
	if err != nil {
		return nil, err
	}

	tltCont, err := r.TrustletContainer(uuid)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(tlBin)+len(rootCont)+len(spCont)+len(tltCont))
	blob = append(blob, tlBin...)
	blob = append(blob, rootCont...)
	blob = append(blob, spCont...)
	blob = append(blob, tltCont...)

	return blob, nil
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return b, nil
}
