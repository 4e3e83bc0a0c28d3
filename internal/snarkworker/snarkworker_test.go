package snarkworker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestResponseFraming(t *testing.T) {
	req := Request{Op: OpGetSpec, JobId: "job-7"}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(line, &got))
	require.Equal(t, req, got)
}

func TestResponseErrorSurfaces(t *testing.T) {
	raw := []byte(`{"op":"commit","ok":false,"error":"job already committed"}`)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.False(t, resp.Ok)
	require.Equal(t, "job already committed", resp.Error)
}

func TestSpecPayloadPassthrough(t *testing.T) {
	raw := []byte(`{"op":"get_spec","ok":true,"spec":{"work_id":42,"fee":"10"}}`)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp.Ok)

	var spec struct {
		WorkId int    `json:"work_id"`
		Fee    string `json:"fee"`
	}
	require.NoError(t, json.Unmarshal(resp.Spec, &spec))
	require.Equal(t, 42, spec.WorkId)
}
