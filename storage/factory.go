package storage

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/fhevm-session/interfaces"
)

// Factory creates key-value stores from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new store factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{log: logger}
}

// StoreFor creates a store from a location URI.
//
// Supported schemes:
//   - memory:// - process memory, lost on exit
//   - file:///absolute/path or file://./relative/path - one file per key
//   - badger:///path/to/db - embedded Badger database
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=host
//   - vault://host:port/mount/path?token=...&insecure=true
//   - ipfs://host:port/mfs/root
func (f *Factory) StoreFor(loc interfaces.StoreLocation) (interfaces.KeyValueStore, error) {
	f.log.Debug("Creating store", slog.String("uri", loc.String()))

	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		path, err := localPath(loc)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, f.log)
	case "badger":
		if loc.GetParamBool("memory") {
			return NewInMemoryBadgerStore(f.log)
		}
		path, err := localPath(loc)
		if err != nil {
			return nil, err
		}
		return NewBadgerStore(path, f.log)
	case "s3":
		return f.createS3Store(loc)
	case "vault":
		return f.createVaultStore(loc)
	case "ipfs":
		return f.createIPFSStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a multi-store from a list of location URIs.
// Invalid URIs are logged and skipped; it fails only if no store could be created.
func (f *Factory) CreateMultiStore(locs []interfaces.StoreLocation) (interfaces.KeyValueStore, error) {
	stores := make([]interfaces.KeyValueStore, 0, len(locs))

	for _, loc := range locs {
		store, err := f.StoreFor(loc)
		if err != nil {
			f.log.Warn("Failed to create store",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		stores = append(stores, store)
	}

	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("no valid stores created")
	case 1:
		return stores[0], nil
	default:
		return NewMultiStore(stores, f.log), nil
	}
}

func (f *Factory) createS3Store(loc interfaces.StoreLocation) (interfaces.KeyValueStore, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != nil {
		accessKey = loc.Auth.Username()
		secretKey, _ = loc.Auth.Password()
	}

	return NewS3Store(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

func (f *Factory) createVaultStore(loc interfaces.StoreLocation) (interfaces.KeyValueStore, error) {
	scheme := "https"
	if loc.GetParamBool("insecure") {
		scheme = "http"
	}

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI requires a mount path", interfaces.ErrInvalidLocationURI)
	}
	mountPath := parts[0]
	var dataPath string
	if len(parts) > 1 {
		dataPath = parts[1]
	}

	token := loc.GetParam("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultStore(fmt.Sprintf("%s://%s", scheme, loc.Host), token, mountPath, dataPath, f.log)
}

func (f *Factory) createIPFSStore(loc interfaces.StoreLocation) (interfaces.KeyValueStore, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs URI requires a host", interfaces.ErrInvalidLocationURI)
	}
	if !found || port == "" {
		port = "5001"
	}

	root := loc.Path
	if strings.Trim(root, "/") == "" {
		root = "/fhevm-session"
	}
	return NewIPFSStore(host, port, root, f.log), nil
}

// localPath resolves file:// and badger:// locations, accepting both
// scheme:///abs/path and scheme://./rel/path forms.
func localPath(loc interfaces.StoreLocation) (string, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return path, nil
}
