package store

import (
	"context"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

const root = "/"

// FileStore keeps one <id>.json document per conversation in a flat directory
type FileStore struct {
	fs  afero.Fs
	log logr.Logger
}

// NewFileStore creates a FileStore on fs. Documents live at the root of fs.
func NewFileStore(fs afero.Fs) *FileStore {
	_ = fs.MkdirAll(root, 0o755)
	return &FileStore{
		fs:  fs,
		log: ctrllog.Log.WithName("file-store"),
	}
}

// NewDirStore creates a FileStore rooted at dir on the OS filesystem,
// creating the directory when missing.
func NewDirStore(dir string) (*FileStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileOperation, "failed to create conversations directory", err)
	}
	return NewFileStore(afero.NewBasePathFs(osFs, dir)), nil
}

func (s *FileStore) path(id string) string {
	return root + Filename(id)
}

func (s *FileStore) Save(ctx context.Context, id string, invocations []*invocation.Invocation) error {
	data, err := Encode(invocations)
	if err != nil {
		return err
	}
	return s.SaveRaw(ctx, id, data)
}

func (s *FileStore) SaveRaw(_ context.Context, id string, data []byte) error {
	if err := afero.WriteFile(s.fs, s.path(id), data, 0o644); err != nil {
		return apperrors.New(apperrors.ErrCodeFileOperation, "failed to write conversation", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) ([]*invocation.Invocation, error) {
	data, err := s.LoadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *FileStore) LoadRaw(_ context.Context, id string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, apperrors.New(apperrors.ErrCodeConversationGet, "failed to read conversation", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	ok, err := afero.Exists(s.fs, s.path(id))
	if err != nil {
		return false, apperrors.New(apperrors.ErrCodeFileOperation, "failed to stat conversation", err)
	}
	return ok, nil
}

func (s *FileStore) List(_ context.Context) ([]*Summary, error) {
	infos, err := afero.ReadDir(s.fs, root)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationList, "failed to read conversations directory", err)
	}

	summaries := make([]*Summary, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(info.Name(), ".json")
		data, err := afero.ReadFile(s.fs, root+info.Name())
		if err != nil {
			s.log.Error(err, "Skipping unreadable conversation", "file", info.Name())
			continue
		}
		summary, err := summarize(id, data, info.ModTime())
		if err != nil {
			s.log.Error(err, "Skipping malformed conversation", "file", info.Name())
			continue
		}
		summaries = append(summaries, summary)
	}

	sortNewestFirst(summaries)
	return summaries, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(id)
	}
	if err := s.fs.Remove(s.path(id)); err != nil {
		return apperrors.New(apperrors.ErrCodeConversationDelete, "failed to delete conversation", err)
	}
	return nil
}
