package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimetracker-go/pkg/capture"
	"slimetracker-go/pkg/linkstate"
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
	"slimetracker-go/pkg/sensor"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.NodeID = "test"
	cfg.LocalPort = 0
	cfg.HardwareAddress = "02:11:22:33:44:55"
	cfg.APIListenAddr = ""
	cfg.TickInterval = 10 * time.Millisecond
	cfg.LinkCheckInterval = 10 * time.Millisecond
	cfg.BatteryInterval = 20 * time.Millisecond
	cfg.SensorCount = 2
	return cfg
}

func TestAPIStatusAndSensors(t *testing.T) {
	n, err := newNode(testConfig(), linkstate.Static(true))
	require.NoError(t, err)
	defer n.Close()

	rec := httptest.NewRecorder()
	n.api.Api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "test", status["node_id"])
	assert.Equal(t, false, status["running"])
	assert.Equal(t, true, status["link_ready"])
	session := status["session"].(map[string]any)
	assert.Equal(t, "Disconnected", session["state"])

	require.NoError(t, n.Engine.HandleDatagram([]byte{byte(spec.ReceiveHandshake)}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}))

	rec = httptest.NewRecorder()
	n.api.Api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sensors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var sensors []SensorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sensors))
	require.Len(t, sensors, 2)
	assert.Equal(t, uint8(2), sensors[1].ID)
	assert.Equal(t, "ok", sensors[0].Status)
	assert.False(t, sensors[0].Reported)
}

func TestAPIWatchStatus(t *testing.T) {
	n, err := newNode(testConfig(), linkstate.Static(true))
	require.NoError(t, err)
	defer n.Close()

	srv := httptest.NewServer(n.api.Api)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "test", first.NodeID)

	require.NoError(t, n.api.Shutdown(context.Background()))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var next StatusResponse
		if err = conn.ReadJSON(&next); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestBatteryModelDrainsAndWraps(t *testing.T) {
	b := newBatteryModel()
	v, level := b.next()
	assert.InDelta(t, cellFull, v, 1e-5)
	assert.Equal(t, float32(1), level)

	b.level = 0.001
	b.next()
	_, level = b.next()
	assert.Equal(t, float32(1), level)

	assert.Equal(t, int8(-70), rssi(sensor.Fixed(0)))
	assert.Equal(t, int8(-41), rssi(sensor.Fixed(0.99)))
}

func TestRunAgainstServer(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureFile = filepath.Join(t.TempDir(), "cap.zst")
	n, err := newNode(cfg, linkstate.Static(true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.LocalAddr() != nil }, 2*time.Second, 5*time.Millisecond)
	tracker := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.LocalAddr().Port}

	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srv.Close()

	read := func() []byte {
		require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, protocol.MaxPacketSize)
		k, _, err := srv.ReadFromUDP(buf)
		require.NoError(t, err)
		return buf[:k]
	}

	_, err = srv.WriteToUDP([]byte{0}, tracker)
	require.NoError(t, err)
	_, err = protocol.DecodeHandshake(read())
	require.NoError(t, err)

	out := netbuf.New(64)
	require.NoError(t, protocol.WriteServerHandshake(out))
	_, err = srv.WriteToUDP(out.Bytes(), tracker)
	require.NoError(t, err)

	seen := map[spec.PacketType]int{}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (seen[spec.TypeAccel] == 0 || seen[spec.TypeBatteryLevel] == 0) {
		h, err := protocol.ParseHeader(read())
		require.NoError(t, err)
		seen[spec.PacketType(h.Type)]++
	}
	assert.Equal(t, 2, seen[spec.TypeSensorInfo])
	assert.NotZero(t, seen[spec.TypeAccel])
	assert.NotZero(t, seen[spec.TypeBatteryLevel])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, n.Engine.IsRunning())

	r, err := capture.Open(cfg.CaptureFile)
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, capture.Inbound, recs[0].Direction)
	assert.Equal(t, []byte{0}, recs[0].Payload)
}

type toggle struct{ up atomic.Bool }

func (l *toggle) Ready() bool { return l.up.Load() }
func (l *toggle) set(v bool)  { l.up.Store(v) }

func TestEngineFollowsLink(t *testing.T) {
	link := &toggle{}
	n, err := newNode(testConfig(), link)
	require.NoError(t, err)
	defer n.Close()

	n.followLink()
	assert.False(t, n.Engine.IsRunning())

	link.set(true)
	n.followLink()
	assert.True(t, n.Engine.IsRunning())

	link.set(false)
	n.followLink()
	assert.False(t, n.Engine.IsRunning())
}
