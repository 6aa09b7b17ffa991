package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRequestRoundtrip(t *testing.T) {
	img, cancel := 0, 2
	req := Request{
		Type:      RequestInit,
		Version:   Version,
		MimeType:  "image/png",
		MemoryCap: 512 << 20,
		ImageFd:   &img,
		CancelFd:  &cancel,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, RequestInit, decoded.Type)
	assert.Equal(t, uint32(Version), decoded.Version)
	assert.Equal(t, "image/png", decoded.MimeType)
	require.NotNil(t, decoded.ImageFd)
	assert.Equal(t, 0, *decoded.ImageFd)
	assert.Nil(t, decoded.BaseDirFd)
	require.NotNil(t, decoded.CancelFd)
	assert.Equal(t, 2, *decoded.CancelFd)
}

func TestFrameReplyRoundtrip(t *testing.T) {
	delay := int64(100)
	depth := uint8(8)
	resp := Response{
		Type: ResponseFrameReply,
		Frame: &Frame{
			Width:        640,
			Height:       480,
			Stride:       2560,
			MemoryFormat: 5,
			Texture:      0,
			DelayMs:      &delay,
			BitDepth:     &depth,
			Iccp:         &Blob{Inline: []byte{1, 2, 3}},
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NotNil(t, decoded.Frame)
	assert.Equal(t, uint32(2560), decoded.Frame.Stride)
	require.NotNil(t, decoded.Frame.DelayMs)
	assert.Equal(t, int64(100), *decoded.Frame.DelayMs)
	assert.Equal(t, []byte{1, 2, 3}, decoded.Frame.Iccp.Inline)
	assert.Nil(t, decoded.Frame.NFrame)
}

func TestUnknownFieldsTolerated(t *testing.T) {
	// A peer speaking a newer protocol minor may add fields; the host
	// must ignore them rather than fail.
	raw := `{"type":"init_reply","info":{"width":1,"height":1},"future_field":42}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.Equal(t, ResponseInitReply, resp.Type)
	require.NotNil(t, resp.Info)
	assert.Equal(t, uint32(1), resp.Info.Width)
}

func TestOmitEmptyFields(t *testing.T) {
	req := Request{Type: RequestTerminate}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.NotContains(t, raw, "mime_type")
	assert.NotContains(t, raw, "image_fd")
	assert.NotContains(t, raw, "frame_index")
	assert.NotContains(t, raw, "edit_ops")
}

func TestRemoteErrError(t *testing.T) {
	e := &RemoteErr{Kind: ErrKindInvalidImage, Message: "zero dimensions", Location: "png.go:42"}
	assert.Equal(t, "invalid_image: zero dimensions (png.go:42)", e.Error())

	e = &RemoteErr{Kind: ErrKindCancelled, Message: "aborted"}
	assert.Equal(t, "cancelled: aborted", e.Error())
}

func TestEditOpRoundtrip(t *testing.T) {
	req := Request{
		Type: RequestEdit,
		EditOps: []EditOp{
			{Kind: EditRotate90},
			{Kind: EditCrop, X: 10, Y: 20, Width: 30, Height: 40},
		},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.EditOps, 2)
	assert.Equal(t, EditRotate90, decoded.EditOps[0].Kind)
	assert.Equal(t, uint32(30), decoded.EditOps[1].Width)
}

func TestRequestTypes(t *testing.T) {
	assert.Equal(t, RequestType("init"), RequestInit)
	assert.Equal(t, RequestType("frame"), RequestFrame)
	assert.Equal(t, RequestType("edit"), RequestEdit)
	assert.Equal(t, RequestType("terminate"), RequestTerminate)
}

func TestResponseTypes(t *testing.T) {
	assert.Equal(t, ResponseType("init_reply"), ResponseInitReply)
	assert.Equal(t, ResponseType("frame_reply"), ResponseFrameReply)
	assert.Equal(t, ResponseType("edit_reply"), ResponseEditReply)
	assert.Equal(t, ResponseType("error"), ResponseError)
}
