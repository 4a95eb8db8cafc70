package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/gridx/internal/domain"
)

func TestEncodeDecode_Auth(t *testing.T) {
	in := Auth{
		AccountID:    "bob",
		Secret:       "s3cret",
		Capabilities: domain.Capabilities{CPUCores: 4, MemoryBytes: 1 << 30, Concurrency: 1},
		WorkerID:     "9f4c3c6a-0b6e-4f3e-9d1a-2f5b8c7d6e5f",
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	auth, ok := out.(*Auth)
	require.True(t, ok)
	assert.Equal(t, in, *auth)
}

func TestEncodeDecode_Assign(t *testing.T) {
	in := Assign{
		JobID:    "c3a1d2e4-5b6f-4a7c-8d9e-0f1a2b3c4d5e",
		Language: "python",
		Code:     "print(2+2)",
		Limits:   Limits{TimeoutSeconds: 300, MemoryBytes: 512 << 20, CPUCores: 1},
	}

	data, err := Encode(&in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	assign, ok := out.(*Assign)
	require.True(t, ok)
	assert.Equal(t, in, *assign)
}

func TestEncodeDecode_Result(t *testing.T) {
	in := Result{JobID: "j", ExitCode: 124, Stdout: "", Stderr: "timeout after 2s"}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	result, ok := out.(*Result)
	require.True(t, ok)
	assert.Equal(t, in, *result)
}

func TestEncodeDecode_Heartbeat(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Millisecond)
	in := Heartbeat{Timestamp: ts, Status: "idle", Active: 0}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	hb, ok := out.(*Heartbeat)
	require.True(t, ok)
	assert.True(t, ts.Equal(hb.Timestamp))
	assert.Equal(t, "idle", hb.Status)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"gossip","payload":{}}`))

	var unknown ErrUnknownType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "gossip", unknown.Type)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"result","payload":"not-an-object"}`))
	assert.Error(t, err)
}

func TestEncode_UnsupportedValue(t *testing.T) {
	_, err := Encode(42)
	assert.Error(t, err)
}
