package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walleye/internal/publisher"
)

func recordCapture(t *testing.T, datagrams ...publisher.Datagram) []byte {
	t.Helper()
	var buf bytes.Buffer
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 11), Port: 40000}
	dst := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5806}
	rec, err := publisher.NewPcapRecorder(&buf, src, dst)
	require.NoError(t, err)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i, d := range datagrams {
		payload, err := d.Marshal()
		require.NoError(t, err)
		require.NoError(t, rec.Record(payload, at.Add(time.Duration(i)*20*time.Millisecond)))
	}
	return buf.Bytes()
}

func TestInspectCapture(t *testing.T) {
	ambig := 0.25
	data := recordCapture(t,
		publisher.Datagram{
			"rear":  {Mode: publisher.WireModeTags, Update: 4, Timestamp: 12.5, Tags: []int{7}},
			"front": {Mode: publisher.WireModePose, Update: 9, Timestamp: 3, Tags: []int{1, 2}, Pose1: &publisher.PoseRecord{TX: 1.5, TY: -2, TZ: 0.3, RZ: 0.5}, Ambig: &ambig},
		},
		publisher.Datagram{"front": {Mode: publisher.WireModePose, Update: 10, Tags: []int{}}},
	)

	var out bytes.Buffer
	require.NoError(t, inspectCapture(&out, bytes.NewReader(data)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "2026-03-14T12:00:00Z front mode=0 update=9 age=3.0ms tags=[1 2]")
	assert.Contains(t, lines[0], "pose=(1.500, -2.000, 0.300) yaw=0.500 ambig=0.250")
	assert.Contains(t, lines[1], " rear mode=1 update=4 age=12.5ms tags=[7]")
	assert.NotContains(t, lines[1], "pose=")
	assert.Contains(t, lines[2], "12:00:00.02Z front mode=0 update=10")
	assert.Equal(t, "2 datagrams", lines[3])
}

func TestInspectCapture_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, inspectCapture(&out, strings.NewReader("not a capture")))

	assert.Error(t, inspectPcapFile(&out, filepath.Join(t.TempDir(), "missing.pcap")))

	path := filepath.Join(t.TempDir(), "datagrams.pcap")
	require.NoError(t, os.WriteFile(path, recordCapture(t, publisher.Datagram{"front": {Update: 1}}), 0o644))
	out.Reset()
	require.NoError(t, inspectPcapFile(&out, path))
	assert.Contains(t, out.String(), "1 datagrams")
}
