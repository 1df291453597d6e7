package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

var prettyOptions = &pretty.Options{Indent: "  "}

// Promote copies conversation id from src into dst without overwriting.
// When the name is taken the copy is stored as <id>_copy<N> with the
// smallest free N. It returns the destination filename.
func Promote(ctx context.Context, src, dst Store, id string) (string, error) {
	data, err := src.LoadRaw(ctx, id)
	if err != nil {
		return "", err
	}

	target := id
	for n := 1; ; n++ {
		exists, err := dst.Exists(ctx, target)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		target = id + "_copy" + strconv.Itoa(n)
	}

	if err := dst.SaveRaw(ctx, target, data); err != nil {
		return "", err
	}
	return Filename(target), nil
}

// SetFeedback attaches a rating and comment to the final response of the
// first invocation with invocationID. Fields the model does not know about
// are preserved.
func SetFeedback(data []byte, invocationID string, rating int, comment string) ([]byte, error) {
	indexes, err := findInvocations(data, invocationID)
	if err != nil {
		return nil, err
	}
	i := indexes[0]

	out := data
	if fr := gjson.GetBytes(out, fmt.Sprintf("%d.final_response", i)); !fr.IsObject() {
		out, err = sjson.SetRawBytes(out, fmt.Sprintf("%d.final_response", i), []byte(`{"role":"model","parts":[]}`))
		if err != nil {
			return nil, patchFailed(err)
		}
	}
	if out, err = sjson.SetBytes(out, fmt.Sprintf("%d.final_response._user_rating", i), rating); err != nil {
		return nil, patchFailed(err)
	}
	if out, err = sjson.SetBytes(out, fmt.Sprintf("%d.final_response._user_feedback", i), comment); err != nil {
		return nil, patchFailed(err)
	}
	return pretty.PrettyOptions(out, prettyOptions), nil
}

// SetAgentMessage replaces the first final-response text of the first
// invocation with invocationID that has a non-empty final response.
func SetAgentMessage(data []byte, invocationID, text string) ([]byte, error) {
	indexes, err := findInvocations(data, invocationID)
	if err != nil {
		return nil, err
	}

	for _, i := range indexes {
		parts := gjson.GetBytes(data, fmt.Sprintf("%d.final_response.parts", i))
		if !parts.IsArray() || len(parts.Array()) == 0 {
			continue
		}
		out, err := sjson.SetBytes(data, fmt.Sprintf("%d.final_response.parts.0.text", i), text)
		if err != nil {
			return nil, patchFailed(err)
		}
		return pretty.PrettyOptions(out, prettyOptions), nil
	}
	return nil, apperrors.New(apperrors.ErrCodeInvocationNotFound, "Invocation not found or has no final response", nil)
}

// findInvocations returns the array indexes of invocations with id.
func findInvocations(data []byte, invocationID string) ([]int, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "Invalid conversation format", nil)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "Invalid conversation format", nil)
	}

	var indexes []int
	for i, inv := range doc.Array() {
		if inv.Get("invocation_id").String() == invocationID {
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvocationNotFound, "Invocation not found", nil)
	}
	return indexes, nil
}

func patchFailed(err error) error {
	return apperrors.New(apperrors.ErrCodeConversion, "failed to update conversation", err)
}
