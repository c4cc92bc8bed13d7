package tuya

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	cmd, body, err := buildRequest("d1", "", V33, DPQuery, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DPQuery, cmd)
	require.Contains(t, string(body), `"gwId":"d1"`)

	// 3.4 queries go out as DP_QUERY_NEW
	cmd, body, err = buildRequest("d1", "", V34, DPQuery, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DPQueryNew, cmd)
	require.NotContains(t, string(body), "gwId")

	// type_0d devices only answer queries sent as CONTROL_NEW with null dps
	cmd, body, err = buildRequest("d1", "type_0d", V33, DPQuery, nil, nil)
	require.NoError(t, err)
	require.Equal(t, ControlNew, cmd)
	require.Contains(t, string(body), `"dps":null`)

	cmd, body, err = buildRequest("d1", "", V33, Control, DPS{"1": true}, nil)
	require.NoError(t, err)
	require.Equal(t, Control, cmd)
	require.Contains(t, string(body), `"dps":{"1":true}`)

	// 3.4 control wraps dps in the protocol 5 envelope
	cmd, body, err = buildRequest("d1", "", V35, Control, DPS{"1": true}, nil)
	require.NoError(t, err)
	require.Equal(t, ControlNew, cmd)

	var v struct {
		Protocol int `json:"protocol"`
		Data     struct {
			DPS DPS `json:"dps"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &v))
	require.Equal(t, 5, v.Protocol)
	require.Equal(t, DPS{"1": true}, v.Data.DPS)

	cmd, body, err = buildRequest("d1", "", V33, UpdateDPS, nil, []int{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, UpdateDPS, cmd)
	require.JSONEq(t, `{"dpId":[1,2,3]}`, string(body))

	_, _, err = buildRequest("d1", "", V33, SessKeyNegStart, nil, nil)
	require.Error(t, err)
}

func TestPayload33(t *testing.T) {
	p := V33.profile()
	body := []byte(`{"devId":"d1","dps":{"1":true}}`)

	// control payloads carry the version header outside the ciphertext
	payload, err := encryptPayload(V33, p, testKey, Control, body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(payload, []byte("3.3\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")))

	plain, err := decryptPayload(V33, p, testKey, payload)
	require.NoError(t, err)
	require.Equal(t, body, plain)

	// queries never carry the header
	payload, err = encryptPayload(V33, p, testKey, DPQuery, body)
	require.NoError(t, err)
	require.False(t, bytes.HasPrefix(payload, []byte("3.3")))

	plain, err = decryptPayload(V33, p, testKey, payload)
	require.NoError(t, err)
	require.Equal(t, body, plain)

	// some firmwares answer in plaintext
	plain, err = decryptPayload(V33, p, testKey, []byte(`{"dps":{}}`))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"dps":{}}`), plain)
}

func TestPayload31(t *testing.T) {
	p := V31.profile()
	body := []byte(`{"devId":"d1","dps":{"1":true},"t":"1700000000","uid":"d1"}`)

	payload, err := encryptPayload(V31, p, testKey, Control, body)
	require.NoError(t, err)

	// "3.1" + 16 hex chars of the md5 signature + base64 ciphertext
	require.Equal(t, "3.1ecb876acb89e0ef1", string(payload[:19]))
	require.Equal(t,
		"6uTTP737LKXoVjmy5Whe5mRhvLNvTiM+D9Vm55V+OG93oWFJLVIy3MC5fA8uKtDo1RqV+kDbVcX5NAMrMj9j8g==",
		string(payload[19:]))

	plain, err := decryptPayload(V31, p, testKey, payload)
	require.NoError(t, err)
	require.Equal(t, body, plain)

	// 3.1 queries travel in plaintext both ways
	payload, err = encryptPayload(V31, p, testKey, DPQuery, body)
	require.NoError(t, err)
	require.Equal(t, body, payload)
}

func TestPayload35(t *testing.T) {
	p := V35.profile()
	body := []byte(`{"dps":{"1":true}}`)

	// the header stays inside the GCM plaintext, frame codec seals it
	payload, err := encryptPayload(V35, p, testKey, Control, body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(payload, []byte("3.5")))

	plain, err := decryptPayload(V35, p, testKey, payload)
	require.NoError(t, err)
	require.Equal(t, body, plain)
}

func TestParseStatus(t *testing.T) {
	dps, err := parseStatus([]byte(`{"dps":{"1":true,"2":17}}`))
	require.NoError(t, err)
	require.Equal(t, DPS{"1": true, "2": float64(17)}, dps)

	// 3.4+ responses nest under data
	dps, err = parseStatus([]byte(`{"protocol":4,"data":{"dps":{"20":false}}}`))
	require.NoError(t, err)
	require.Equal(t, DPS{"20": false}, dps)

	// junk before the opening brace is tolerated
	dps, err = parseStatus([]byte("\x00\x00\x01{\"dps\":{\"1\":1}}"))
	require.NoError(t, err)
	require.Equal(t, DPS{"1": float64(1)}, dps)

	_, err = parseStatus([]byte(`{"other":1}`))
	require.Error(t, err)

	_, err = parseStatus([]byte("no json here"))
	require.Error(t, err)
}
