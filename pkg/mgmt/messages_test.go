package mgmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerIDRoundTrip(t *testing.T) {
	id := MakeWorkerID("node-3.example.com", "imaging", 4242)
	require.Equal(t, "zerog+$node-3.example.com+$imaging+$4242", id)

	parsed, ok := ParseWorkerID(id)
	require.True(t, ok)
	require.Equal(t, WorkerType, parsed.WorkerType)
	require.Equal(t, "node-3.example.com", parsed.Host)
	require.Equal(t, "imaging", parsed.ServiceName)
	require.Equal(t, 4242, parsed.PID)
	require.Equal(t, id, parsed.String())
}

func TestParseWorkerIDRejectsIllFormed(t *testing.T) {
	for _, input := range []string{
		"",
		"updates",
		"imaging_jobs",
		"zerog+$host+$svc",
		"zerog+$host+$svc+$notanumber",
		"zerog+$host+$svc+$12+$extra",
		"+$host+$svc+$12",
	} {
		t.Run(input, func(t *testing.T) {
			_, ok := ParseWorkerID(input)
			require.False(t, ok)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	workerID := MakeWorkerID("host", "svc", 1)
	msgs := []Msg{
		NewJobMsg(workerID, "uuid-1", ActionStart),
		NewInfoMsg(workerID, "activeRunning", "uuid-1", Mem{Available: 1 << 30, Used: 1 << 20}, true),
		NewRequestInfoMsg(),
		NewKillJobMsg("uuid-1"),
		NewDrainMsg(),
		NewUndrainMsg(),
		NewRetireMsg(),
	}
	for _, msg := range msgs {
		t.Run(msg.Type(), func(t *testing.T) {
			data, err := EncodeMsg(msg)
			require.NoError(t, err)
			decoded, err := DecodeMsg(data)
			require.NoError(t, err)
			require.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeMsgFieldNames(t *testing.T) {
	raw := `{
		"msgtype": "info",
		"timestamp": "2026-08-26T12:00:00.000001Z",
		"workerId": "zerog+$h+$s+$9",
		"state": "drainingRunning",
		"uuid": "u-1",
		"mem": {"available": 10, "used": 3},
		"retiring": true
	}`
	decoded, err := DecodeMsg([]byte(raw))
	require.NoError(t, err)
	info, ok := decoded.(*InfoMsg)
	require.True(t, ok)
	require.Equal(t, "zerog+$h+$s+$9", info.WorkerID)
	require.Equal(t, "drainingRunning", info.State)
	require.True(t, info.Retiring)
	require.Equal(t, uint64(10), info.Mem.Available)
}

func TestDecodeMsgDefaults(t *testing.T) {
	decoded, err := DecodeMsg([]byte(`{"msgtype":"info","timestamp":"2026-08-26T12:00:00.000000Z","workerId":"w","state":"activeIdle"}`))
	require.NoError(t, err)
	info := decoded.(*InfoMsg)
	require.Empty(t, info.UUID)
	require.False(t, info.Retiring)
	require.Zero(t, info.Mem)
}

func TestDecodeMsgRejects(t *testing.T) {
	_, err := DecodeMsg([]byte(`{"msgtype":"launchMissiles"}`))
	require.Error(t, err)
	_, err = DecodeMsg([]byte(`not json`))
	require.Error(t, err)
}
