package store

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

func TestPromote(t *testing.T) {
	ctx := context.Background()
	live := NewFileStore(afero.NewMemMapFs())
	saved := NewFileStore(afero.NewMemMapFs())
	require.NoError(t, live.Save(ctx, "abc", sampleInvocations("a")))

	for _, want := range []string{"abc.json", "abc_copy1.json", "abc_copy2.json"} {
		name, err := Promote(ctx, live, saved, "abc")
		require.NoError(t, err)
		assert.Equal(t, want, name)
	}

	original, err := live.LoadRaw(ctx, "abc")
	require.NoError(t, err)
	copied, err := saved.LoadRaw(ctx, "abc_copy2")
	require.NoError(t, err)
	assert.Equal(t, original, copied)
}

func TestPromote_FillsGap(t *testing.T) {
	ctx := context.Background()
	live := NewFileStore(afero.NewMemMapFs())
	saved := NewFileStore(afero.NewMemMapFs())
	require.NoError(t, live.Save(ctx, "abc", sampleInvocations("a")))
	require.NoError(t, saved.SaveRaw(ctx, "abc", []byte(`[]`)))
	require.NoError(t, saved.SaveRaw(ctx, "abc_copy2", []byte(`[]`)))

	name, err := Promote(ctx, live, saved, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc_copy1.json", name)
}

func TestPromote_MissingSource(t *testing.T) {
	ctx := context.Background()
	_, err := Promote(ctx, NewFileStore(afero.NewMemMapFs()), NewFileStore(afero.NewMemMapFs()), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

const savedDoc = `[
  {"invocation_id":"e-1","user_content":{"parts":[{"text":"q"}],"role":"user"},
   "final_response":{"parts":[{"text":"old"}],"role":"model"},"intermediate_data":{},
   "creation_timestamp":1,"custom_field":{"keep":true}},
  {"invocation_id":"e-2","user_content":{"parts":[{"text":"q2"}],"role":"user"},
   "intermediate_data":{},"creation_timestamp":2}
]`

func TestSetFeedback(t *testing.T) {
	out, err := SetFeedback([]byte(savedDoc), "e-1", 4, "good")
	require.NoError(t, err)

	assert.Equal(t, int64(4), gjson.GetBytes(out, "0.final_response._user_rating").Int())
	assert.Equal(t, "good", gjson.GetBytes(out, "0.final_response._user_feedback").String())
	assert.Equal(t, "old", gjson.GetBytes(out, "0.final_response.parts.0.text").String())
	assert.True(t, gjson.GetBytes(out, "0.custom_field.keep").Bool())
}

func TestSetFeedback_CreatesFinalResponse(t *testing.T) {
	out, err := SetFeedback([]byte(savedDoc), "e-2", 0, "")
	require.NoError(t, err)

	fr := gjson.GetBytes(out, "1.final_response")
	assert.Equal(t, "model", fr.Get("role").String())
	assert.True(t, fr.Get("parts").IsArray())
	assert.True(t, fr.Get("_user_rating").Exists())
	assert.Equal(t, "", fr.Get("_user_feedback").String())
}

func TestSetFeedback_Errors(t *testing.T) {
	_, err := SetFeedback([]byte(savedDoc), "e-9", 1, "")
	assert.Equal(t, apperrors.ErrCodeInvocationNotFound, apperrors.Code(err))

	_, err = SetFeedback([]byte(`{"a":1}`), "e-1", 1, "")
	assert.Equal(t, apperrors.ErrCodeInvalidFormat, apperrors.Code(err))
}

func TestSetAgentMessage(t *testing.T) {
	out, err := SetAgentMessage([]byte(savedDoc), "e-1", "new text")
	require.NoError(t, err)
	assert.Equal(t, "new text", gjson.GetBytes(out, "0.final_response.parts.0.text").String())
	assert.True(t, gjson.GetBytes(out, "0.custom_field.keep").Bool())

	_, err = SetAgentMessage([]byte(savedDoc), "e-2", "x")
	assert.Equal(t, apperrors.ErrCodeInvocationNotFound, apperrors.Code(err))
}
