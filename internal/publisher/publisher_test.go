package publisher

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/pose"
	"github.com/banshee-data/walleye/internal/testutil"
	"github.com/banshee-data/walleye/internal/timeutil"
)

var t0 = time.Date(2026, 4, 18, 14, 0, 0, 0, time.UTC)

func goodEstimate() pose.Estimate {
	p := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: 3.1}
	return pose.Estimate{
		PoseA:      p,
		PoseB:      p,
		Ambiguity:  0.25,
		Tags:       []int{4},
		TagCenters: []geom.Point2{{X: 0.5, Y: 0.25}},
		TagCorners: [][4]geom.Point2{{{X: 1, Y: 2}, {X: 3, Y: 2}, {X: 3, Y: 4}, {X: 1, Y: 4}}},
	}
}

func badEstimate() pose.Estimate {
	return pose.Estimate{PoseA: pose.BadPose, PoseB: pose.BadPose, Ambiguity: pose.AmbiguityNotApplicable}
}

func TestSequencer_Build(t *testing.T) {
	s := NewSequencer()
	results := []Result{
		{Stream: "front", Mode: camera.ModePoseEstimation, Estimate: goodEstimate(), Captured: t0.Add(-40 * time.Millisecond)},
		{Stream: "WallEye1", Mode: camera.ModePoseEstimation, Estimate: badEstimate(), Captured: t0},
		{Stream: "WallEye2", Mode: camera.ModeDisabled, Estimate: goodEstimate(), Captured: t0},
		{Stream: "turret", Mode: camera.ModeTagServoing, Estimate: goodEstimate(), Captured: t0.Add(-1500 * time.Microsecond)},
	}

	d := s.Build(results, t0)
	require.Len(t, d, 2, "bad poses and disabled cameras are not published")

	front := d["front"]
	assert.Equal(t, WireModePose, front.Mode)
	assert.Equal(t, uint64(1), front.Update)
	assert.InDelta(t, 40, front.Timestamp, 1e-9)
	require.NotNil(t, front.Pose1)
	assert.Equal(t, PoseRecord{TX: 3, TY: 1, TZ: 0.5, RZ: 3.1}, *front.Pose1)
	require.NotNil(t, front.Ambig)
	assert.Equal(t, 0.25, *front.Ambig)
	assert.Equal(t, []int{4}, front.Tags)
	assert.Equal(t, [][4][2]float64{{{1, 2}, {3, 2}, {3, 4}, {1, 4}}}, front.TagCorners)
	assert.Empty(t, front.TagCenters)

	turret := d["turret"]
	assert.Equal(t, WireModeTags, turret.Mode)
	assert.Nil(t, turret.Pose1)
	assert.Nil(t, turret.Ambig)
	assert.Equal(t, [][2]float64{{0.5, 0.25}}, turret.TagCenters)
	assert.InDelta(t, 1.5, turret.Timestamp, 1e-9)

	// Counters advance per published record only.
	d = s.Build(results, t0)
	assert.Equal(t, uint64(2), d["front"].Update)
	assert.Equal(t, uint64(0), s.Updates("WallEye1"))
	assert.Equal(t, uint64(2), s.Updates("turret"))
}

func TestSequencer_NeverPublishesFarPoses(t *testing.T) {
	s := NewSequencer()
	far := goodEstimate()
	far.PoseA.Translation.X = 2000
	d := s.Build([]Result{{Stream: "a", Mode: camera.ModePoseEstimation, Estimate: far, Captured: t0}}, t0)
	assert.Empty(t, d)
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "front", StreamKey("front", "WallEye", 0))
	assert.Equal(t, "WallEye2", StreamKey("", "WallEye", 2))
}

func TestDatagramWireFormat(t *testing.T) {
	s := NewSequencer()
	d := s.Build([]Result{{Stream: "WallEye0", Mode: camera.ModePoseEstimation, Estimate: goodEstimate(), Captured: t0}}, t0)
	payload, err := d.Marshal()
	require.NoError(t, err)
	for _, key := range []string{`"WallEye0"`, `"Mode":0`, `"Update":1`, `"tX":3`, `"rZ":3.1`, `"Ambig":0.25`, `"Tags":[4]`, `"TagCorners":[[[1,2]`} {
		assert.Contains(t, string(payload), key)
	}
	assert.NotContains(t, string(payload), "TagCenters")

	back, err := ParseDatagram(payload)
	require.NoError(t, err)
	if diff := cmp.Diff(d, back); diff != "" {
		t.Errorf("datagram mismatch (-sent +parsed):\n%s", diff)
	}
	_, err = ParseDatagram([]byte("nope"))
	assert.Error(t, err)
}

type fakeConn struct {
	writes [][]byte
	err    error
	closed bool
}

func (c *fakeConn) Write(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type recordingTap struct {
	payloads [][]byte
	at       []time.Time
}

func (r *recordingTap) Record(p []byte, at time.Time) error {
	r.payloads = append(r.payloads, p)
	r.at = append(r.at, at)
	return nil
}

func oneRecord() Datagram {
	return NewSequencer().Build([]Result{{Stream: "WallEye0", Mode: camera.ModePoseEstimation, Estimate: goodEstimate(), Captured: t0}}, t0)
}

func TestUDPPublisher(t *testing.T) {
	testutil.MuteLogs(t)
	conn := &fakeConn{}
	clock := timeutil.NewMockClock(t0)
	p := NewUDPPublisher(conn, "10.27.67.2:5806", clock)
	tap := &recordingTap{}
	p.SetTap(tap)

	require.NoError(t, p.Publish(context.Background(), Datagram{}))
	assert.Empty(t, conn.writes, "empty datagrams are not sent")

	require.NoError(t, p.Publish(context.Background(), oneRecord()))
	require.Len(t, conn.writes, 1)
	require.Len(t, tap.payloads, 1)
	assert.Equal(t, conn.writes[0], tap.payloads[0])
	assert.Equal(t, t0, tap.at[0])

	conn.err = errors.New("network unreachable")
	assert.Error(t, p.Publish(context.Background(), oneRecord()))
	assert.Error(t, p.Publish(context.Background(), oneRecord()))
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(len(conn.writes[0])), st.Bytes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, oneRecord()), context.Canceled)

	require.NoError(t, p.Close())
	assert.True(t, conn.closed)
	assert.Equal(t, "10.27.67.2:5806", p.Address())
}

func TestUDPPublisher_Loopback(t *testing.T) {
	testutil.MuteLogs(t)
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.LocalAddr().(*net.UDPAddr)
	p, err := DialUDP("127.0.0.1", addr.Port, timeutil.RealClock{})
	require.NoError(t, err)
	defer p.Close()
	require.NotNil(t, p.LocalAddr())
	assert.True(t, p.LocalAddr().IP.IsLoopback())

	want := oneRecord()
	require.NoError(t, p.Publish(context.Background(), want))

	buf := make([]byte, 64*1024)
	require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := ln.ReadFromUDP(buf)
	require.NoError(t, err)
	got, err := ParseDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	topics       []string
	payloads     [][]byte
	token        func() mqtt.Token
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return c.token()
}

func (c *fakeMQTT) Disconnect(uint) { c.disconnected = true }

func TestMQTTPublisher(t *testing.T) {
	client := &fakeMQTT{token: func() mqtt.Token { return completedToken(nil) }}
	p := NewMQTTPublisher(client, "WallEye")

	s := NewSequencer()
	d := s.Build([]Result{
		{Stream: "b", Mode: camera.ModePoseEstimation, Estimate: goodEstimate(), Captured: t0},
		{Stream: "a", Mode: camera.ModeTagServoing, Estimate: goodEstimate(), Captured: t0},
	}, t0)
	require.NoError(t, p.Publish(context.Background(), d))
	assert.Equal(t, []string{"WallEye/a", "WallEye/b"}, client.topics)
	assert.Contains(t, string(client.payloads[1]), `"Mode":0`)

	client.token = func() mqtt.Token { return completedToken(errors.New("not connected")) }
	assert.Error(t, p.Publish(context.Background(), d))

	client.token = func() mqtt.Token { return &fakeToken{done: make(chan struct{})} }
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Publish(ctx, d), context.DeadlineExceeded)

	require.NoError(t, p.Close())
	assert.True(t, client.disconnected)
}

func TestPcapRecorder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	src := &net.UDPAddr{IP: net.IPv4(10, 27, 67, 11), Port: 40000}
	dst := &net.UDPAddr{IP: net.IPv4(10, 27, 67, 2), Port: 5806}
	rec, err := NewPcapRecorder(&buf, src, dst)
	require.NoError(t, err)

	first := oneRecord()
	second := NewSequencer().Build([]Result{{Stream: "turret", Mode: camera.ModeTagServoing, Estimate: goodEstimate(), Captured: t0}}, t0)
	for i, d := range []Datagram{first, second} {
		payload, err := d.Marshal()
		require.NoError(t, err)
		require.NoError(t, rec.Record(payload, t0.Add(time.Duration(i)*20*time.Millisecond)))
	}
	assert.Equal(t, 2, rec.Count())
	require.NoError(t, rec.Close())

	got, err := ReadCapture(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].Datagram)
	assert.Equal(t, second, got[1].Datagram)
	assert.True(t, got[1].At.Equal(t0.Add(20*time.Millisecond)))
}

func TestPcapRecorder_RejectsIPv6(t *testing.T) {
	_, err := NewPcapRecorder(&bytes.Buffer{}, &net.UDPAddr{IP: net.IPv6loopback}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Error(t, err)
}

func TestMulti(t *testing.T) {
	testutil.MuteLogs(t)
	ok := &fakeConn{}
	broken := &fakeConn{err: errors.New("down")}
	clock := timeutil.NewMockClock(t0)
	m := Multi{
		NewUDPPublisher(broken, "a", clock),
		NewUDPPublisher(ok, "b", clock),
	}
	assert.Error(t, m.Publish(context.Background(), oneRecord()))
	assert.Len(t, ok.writes, 1, "a failing publisher does not stop the others")
	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, broken.closed)
}
