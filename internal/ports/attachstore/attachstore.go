// Package attachstore implements ports.AttachmentStorePort on local disk, under a
// process-private directory keyed by the same opaque id handed back to the uploader.
// Attachment bytes only ever live on this machine for the agent subprocess to read,
// so plain files under the state dir are the whole story, no blob store involved.
package attachstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
)

// Store is the concrete ports.AttachmentStorePort implementation rooted at dir.
type Store struct {
	dir string

	mu   sync.Mutex
	next int64
	meta map[model.ID]ports.StoredAttachment
}

// New constructs a Store rooted at dir/attachments, creating it if necessary.
func New(dir string) (*Store, error) {
	root := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment store dir %s: %w", root, err)
	}
	return &Store{dir: root, meta: make(map[model.ID]ports.StoredAttachment)}, nil
}

// Put writes data to disk under a freshly minted id and records its metadata.
func (s *Store) Put(ctx context.Context, workspaceID model.ID, kind, name string, data []byte) (ports.StoredAttachment, error) {
	s.mu.Lock()
	s.next++
	id := model.ID(s.next)
	s.mu.Unlock()

	path := filepath.Join(s.dir, strconv.FormatInt(int64(id), 10))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ports.StoredAttachment{}, coreerr.PortFail("upload_attachment", err)
	}

	att := ports.StoredAttachment{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Extension: filepath.Ext(name),
		ByteLen:   int64(len(data)),
	}
	s.mu.Lock()
	s.meta[id] = att
	s.mu.Unlock()
	return att, nil
}

// Get returns the metadata and bytes for a previously stored attachment.
func (s *Store) Get(ctx context.Context, id model.ID) (ports.StoredAttachment, []byte, error) {
	s.mu.Lock()
	att, ok := s.meta[id]
	s.mu.Unlock()
	if !ok {
		return ports.StoredAttachment{}, nil, coreerr.Precond("unknown attachment %d", id)
	}
	path := filepath.Join(s.dir, strconv.FormatInt(int64(id), 10))
	data, err := os.ReadFile(path)
	if err != nil {
		return ports.StoredAttachment{}, nil, coreerr.PortFail("read_attachment", err)
	}
	return att, data, nil
}
