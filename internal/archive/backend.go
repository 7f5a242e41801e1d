package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

// Backend durably relocates one staged object's payload to cold storage.
// Implementations report retryable and permanent failures through
// BackendError; anything unclassified is treated as a server failure.
type Backend interface {
	Archive(ctx context.Context, obj models.StagedObject) error
}

// BackendError attaches an error class to an archival failure.
type BackendError struct {
	Class pipeline.ErrorClass
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("archive backend (%s): %v", e.Class, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Classify extracts the error class of a backend failure.
func Classify(err error) pipeline.ErrorClass {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	return pipeline.ErrorClassServer
}

// DirBackend relocates staged payload files between two local
// directories. It is the reference backend used by the bundled shell;
// production deployments swap in an object-store implementation.
type DirBackend struct {
	dataDir    string
	archiveDir string
}

func NewDirBackend(dataDir, archiveDir string) *DirBackend {
	return &DirBackend{dataDir: dataDir, archiveDir: archiveDir}
}

func (b *DirBackend) String() string {
	return "dir:" + b.archiveDir
}

func (b *DirBackend) Archive(_ context.Context, obj models.StagedObject) error {
	src := filepath.Join(b.dataDir, obj.StorageKey+".json")
	dst := filepath.Join(b.archiveDir, obj.StorageKey+".json")

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			// Nothing to relocate; retrying will never help.
			return &BackendError{Class: pipeline.ErrorClassClient, Err: errors.Errorf("payload %s missing", src)}
		}
		return &BackendError{Class: pipeline.ErrorClassServer, Err: err}
	}
	if err := os.MkdirAll(b.archiveDir, 0o755); err != nil {
		return &BackendError{Class: pipeline.ErrorClassServer, Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		return &BackendError{Class: pipeline.ErrorClassServer, Err: err}
	}
	return nil
}
