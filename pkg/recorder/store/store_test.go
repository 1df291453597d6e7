package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

func sampleInvocations(texts ...string) []*invocation.Invocation {
	var out []*invocation.Invocation
	for i, text := range texts {
		b := invocation.NewBuilder(text, "e-"+text, time.UnixMilli(int64(1700000000000+i*1000)))
		b.AppendText("answer to " + text)
		inv, _ := b.Finalize()
		out = append(out, inv)
	}
	return out
}

func newSQLiteStore(t *testing.T, collection string) *SQLStore {
	t.Helper()
	db, err := OpenDB(DriverSQLite, filepath.Join(t.TempDir(), "recorder.db"))
	require.NoError(t, err)
	return NewSQLStore(db, collection)
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		fn(t, NewFileStore(afero.NewMemMapFs()))
	})
	t.Run("sql", func(t *testing.T) {
		fn(t, newSQLiteStore(t, CollectionConversations))
	})
}

func TestStore_SaveLoad(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "t1", sampleInvocations("Hi", "Bye")))

		invs, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, invs, 2)
		assert.Equal(t, "Hi", invs[0].UserText())
		assert.Equal(t, "answer to Bye", invs[1].FinalText())

		exists, err := s.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestStore_SaveOverwrites(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "t1", sampleInvocations("a")))
		require.NoError(t, s.Save(ctx, "t1", sampleInvocations("a", "b", "c")))

		invs, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, invs, 3)
	})
}

func TestStore_EmptyConversationIsEmptyArray(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "empty", nil))

		raw, err := s.LoadRaw(ctx, "empty")
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(raw))
	})
}

func TestStore_NotFound(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LoadRaw(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		err = s.Delete(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		exists, err := s.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStore_Delete(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "t1", sampleInvocations("a")))
		require.NoError(t, s.Delete(ctx, "t1"))

		exists, err := s.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStore_List(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		older := sampleInvocations("first question")
		newer := sampleInvocations("x", "second question")
		newer = newer[1:]

		require.NoError(t, s.Save(ctx, "old", older))
		require.NoError(t, s.Save(ctx, "new", newer))
		require.NoError(t, s.SaveRaw(ctx, "broken", []byte("{not json")))

		summaries, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		assert.Equal(t, "new", summaries[0].ID)
		assert.Equal(t, "new.json", summaries[0].Filename)
		assert.Equal(t, "second question", summaries[0].Preview)
		assert.Equal(t, 1, summaries[0].InvocationCount)
		assert.Equal(t, "old", summaries[1].ID)
		assert.Greater(t, summaries[0].Timestamp, summaries[1].Timestamp)
	})
}

func TestSummarize(t *testing.T) {
	mod := time.UnixMilli(1234000)

	s, err := summarize("e", []byte(`[]`), mod)
	require.NoError(t, err)
	assert.Equal(t, "No messages", s.Preview)
	assert.Equal(t, 0, s.InvocationCount)
	assert.InDelta(t, 1234.0, s.Timestamp, 1e-9)

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}
	doc := `[{"user_content":{"parts":[{"text":"` + string(long) + `"}]},"creation_timestamp":5}]`
	s, err = summarize("l", []byte(doc), mod)
	require.NoError(t, err)
	assert.Equal(t, string(long[:100])+"...", s.Preview)
	assert.Equal(t, 5.0, s.Timestamp)

	_, err = summarize("bad", []byte(`nope`), mod)
	assert.Error(t, err)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"t1", "conv-42", "a_b", "ABC123"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "../etc/passwd", "a/b", "a.b", "a b"} {
		err := ValidateID(id)
		assert.Error(t, err, id)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
	}
}

func TestNewDirStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conversations")
	s, err := NewDirStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "t1", sampleInvocations("a")))

	exists, err := afero.Exists(afero.NewOsFs(), filepath.Join(dir, "t1.json"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLStore_CollectionsAreSeparate(t *testing.T) {
	db, err := OpenDB(DriverSQLite, filepath.Join(t.TempDir(), "recorder.db"))
	require.NoError(t, err)
	live := NewSQLStore(db, CollectionConversations)
	saved := NewSQLStore(db, CollectionSaved)

	ctx := context.Background()
	require.NoError(t, live.Save(ctx, "t1", sampleInvocations("a")))

	exists, err := saved.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpenDB_UnknownDriver(t *testing.T) {
	_, err := OpenDB("mysql", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.Code(err))
}

func TestEncode_EscapesNoHTML(t *testing.T) {
	data, err := Encode(sampleInvocations("<b>&"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<b>&")
	assert.Equal(t, "<b>&", gjson.GetBytes(data, "0.user_content.parts.0.text").String())
}
