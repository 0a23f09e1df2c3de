// ABOUTME: Tests for wire frame helpers and version negotiation
// ABOUTME: Covers version compatibility, id normalization, and param decoding

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleVersion(t *testing.T) {
	tests := []struct {
		offered string
		want    bool
	}{
		{"1.0.0", true},
		{"1.2.3", true},
		{"1.99", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"", false},
		{"abc", false},
		{"v1.0.0", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompatibleVersion(tt.offered), "offered=%q", tt.offered)
	}
}

func TestIDKey_NumberAndStringDistinct(t *testing.T) {
	numKey := IDKey(json.RawMessage(`1`))
	strKey := IDKey(json.RawMessage(`"1"`))
	assert.NotEqual(t, numKey, strKey)
}

func TestDecodeParams_Valid(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	body := DecodeParams(json.RawMessage(`{"name":"laptop"}`), &dst)
	require.Nil(t, body)
	assert.Equal(t, "laptop", dst.Name)
}

func TestDecodeParams_NilDecodesAsEmpty(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	body := DecodeParams(nil, &dst)
	require.Nil(t, body)
	assert.Empty(t, dst.Name)
}

func TestDecodeParams_MalformedReturnsInvalidParams(t *testing.T) {
	var dst struct{}
	body := DecodeParams(json.RawMessage(`{not json`), &dst)
	require.NotNil(t, body)
	assert.Equal(t, CodeInvalidParams, body.Code)
}

func TestResponseEnvelopes(t *testing.T) {
	id := json.RawMessage(`42`)

	ok := NewResultResponse(id, map[string]any{"pong": true})
	assert.Nil(t, ok.Error)
	assert.NotNil(t, ok.Result)

	fail := NewErrorResponse(id, CodeMethodNotFound, "unknown method")
	assert.Nil(t, fail.Result)
	require.NotNil(t, fail.Error)
	assert.Equal(t, CodeMethodNotFound, fail.Error.Code)
}

func TestRequest_RoundTrip(t *testing.T) {
	raw := []byte(`{"id":"req-1","method":"ping","params":{"x":1}}`)

	var req Request
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "ping", req.Method)
	assert.JSONEq(t, `"req-1"`, string(req.ID))
	assert.JSONEq(t, `{"x":1}`, string(req.Params))
}
