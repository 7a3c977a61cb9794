package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/fhevm-session/interfaces"
)

// IPFSStore implements a key-value store on the mutable file system (MFS) of
// an IPFS node. Each key is one MFS file under the root directory.
type IPFSStore struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates a store backed by the IPFS API at host:port, keeping
// files under root.
func NewIPFSStore(host, port, root string, log *slog.Logger) *IPFSStore {
	apiAddr := fmt.Sprintf("%s:%s", host, port)
	root = "/" + strings.Trim(root, "/")

	return &IPFSStore{
		shell:       shell.NewShell(apiAddr),
		apiAddr:     apiAddr,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiAddr, root),
	}
}

func (s *IPFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	filePath := s.getFilePath(key)

	reader, err := s.shell.FilesRead(ctx, filePath)
	if err != nil {
		if isMFSNotFound(err) {
			return nil, interfaces.ErrKeyNotFound
		}
		s.log.Error("Failed to read from IPFS",
			slog.String("path", filePath),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	return data, nil
}

func (s *IPFSStore) Set(ctx context.Context, key string, value []byte) error {
	filePath := s.getFilePath(key)

	err := s.shell.FilesWrite(ctx, filePath, bytes.NewReader(value),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Truncate(true),
		shell.FilesWrite.Parents(true))
	if err != nil {
		return fmt.Errorf("failed to write data to IPFS: %w", err)
	}

	s.log.Debug("Stored value in IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(value)))
	return nil
}

func (s *IPFSStore) Remove(ctx context.Context, key string) error {
	err := s.shell.FilesRm(ctx, s.getFilePath(key), true)
	if err != nil && !isMFSNotFound(err) {
		return fmt.Errorf("failed to remove data from IPFS: %w", err)
	}
	return nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSStore) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

// Name returns a unique identifier for this store.
func (s *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s", s.apiAddr)
}

// LocationURI returns the URI that identifies this store.
func (s *IPFSStore) LocationURI() string {
	return s.locationURI
}

func (s *IPFSStore) getFilePath(key string) string {
	return path.Join(s.root, strings.ReplaceAll(key, "/", "_"))
}

func isMFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file does not exist") || strings.Contains(msg, "no link named")
}
