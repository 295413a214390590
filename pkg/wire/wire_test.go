package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindRequest, []byte("hello")))

	kind, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindRequest, kind)
	require.Equal(t, []byte("hello"), body)
}

func TestFrameRoundTripEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindResponse, nil))

	kind, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindResponse, kind)
	require.Empty(t, body)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// length prefix far larger than maxFrameBytes, followed by nothing.
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	_, _, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindRequest, []byte("one")))
	require.NoError(t, WriteFrame(&buf, KindNotification, []byte("two")))

	kind1, body1, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindRequest, kind1)
	require.Equal(t, []byte("one"), body1)

	kind2, body2, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindNotification, kind2)
	require.Equal(t, []byte("two"), body2)
}

func TestRequestResponseEnvelopeRoundTrip(t *testing.T) {
	req := Request{CallID: 42, Method: MethodPutObject, Params: []byte{1, 2, 3}}
	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	resp := Response{CallID: 42, Ok: true, Result: []byte{4, 5, 6}}
	encodedResp, err := EncodeResponse(resp)
	require.NoError(t, err)

	decodedResp, err := DecodeResponse(encodedResp)
	require.NoError(t, err)
	require.Equal(t, resp, decodedResp)
}

func TestPipelineRefRoundTripExactLength(t *testing.T) {
	ref := EncodeRef(7)
	ids := FindRefs(ref)
	require.Equal(t, []uint64{7}, ids)

	resolved, err := ResolveRefs(ref, func(callID uint64) ([]byte, error) {
		require.Equal(t, uint64(7), callID)
		return []byte("resolved-bytes"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("resolved-bytes"), resolved)
}

func TestPipelineRefOfFixedLengthSurvivesFieldSizing(t *testing.T) {
	const idLen = 32
	placeholder := EncodeRefOfLength(3, idLen)
	require.Len(t, placeholder, idLen)

	ids := FindRefs(placeholder)
	require.Equal(t, []uint64{3}, ids)
}

func TestPipelineRefEmbeddedInLargerBuffer(t *testing.T) {
	prefix := []byte("prefix-bytes-before-ref-")
	suffix := []byte("-suffix-bytes-after-ref")
	ref := EncodeRef(99)

	data := append(append(append([]byte{}, prefix...), ref...), suffix...)
	ids := FindRefs(data)
	require.Equal(t, []uint64{99}, ids)

	resolved, err := ResolveRefs(data, func(callID uint64) ([]byte, error) {
		return []byte("X"), nil
	})
	require.NoError(t, err)
	require.Equal(t, append(append(append([]byte{}, prefix...), 'X'), suffix...), resolved)
}

func TestPipelineRefMultipleDistinctCallIDs(t *testing.T) {
	data := append(EncodeRef(1), EncodeRef(2)...)
	ids := FindRefs(data)
	require.Equal(t, []uint64{1, 2}, ids)

	resolved, err := ResolveRefs(data, func(callID uint64) ([]byte, error) {
		if callID == 1 {
			return []byte("A"), nil
		}
		return []byte("BB"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("ABB"), resolved)
}

func TestResolvePrefixResultRoundTrip(t *testing.T) {
	res := ResolvePrefixResult{Outcome: WireSingleMatch, ID: make(types.ID, 32)}
	encoded, err := Marshal(res)
	require.NoError(t, err)

	var decoded ResolvePrefixResult
	require.NoError(t, Unmarshal(encoded, &decoded))
	require.Equal(t, res.Outcome, decoded.Outcome)
}

func TestErrorResponseCarriesErrorKind(t *testing.T) {
	resp := ErrorResponse(5, bytes.ErrTooLarge)
	require.False(t, resp.Ok)
	require.Equal(t, uint64(5), resp.CallID)
	require.NotEmpty(t, resp.Message)
	require.Equal(t, string(tderrors.BackendIO), resp.Kind)
}
