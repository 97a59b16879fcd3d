package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"slimetracker-go/pkg/engine"
	"slimetracker-go/pkg/protocol/spec"
)

// StatusPushInterval is how often /ws pushes a status snapshot.
const StatusPushInterval = time.Second

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// API serves the node's state over HTTP.
type API struct {
	Api  *echo.Echo
	node *Node

	done     chan struct{}
	doneOnce sync.Once
}

type StatusResponse struct {
	NodeID      string         `json:"node_id"`
	LocalAddr   string         `json:"local_addr,omitempty"`
	Running     bool           `json:"running"`
	LinkReady   bool           `json:"link_ready"`
	UptimeSec   float64        `json:"uptime_sec"`
	Session     engine.Session `json:"session"`
	Stats       engine.Stats   `json:"stats"`
	NATType     string         `json:"nat_type,omitempty"`
	NATExternal string         `json:"nat_external,omitempty"`
}

type SensorResponse struct {
	ID       uint8  `json:"id"`
	IMUType  int32  `json:"imu_type"`
	Status   string `json:"status"`
	Reported bool   `json:"info_reported"`
}

func NewAPI(n *Node) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api := &API{Api: e, node: n, done: make(chan struct{})}
	e.GET("/status", api.GetStatus)
	e.GET("/sensors", api.GetSensors)
	e.GET("/ws", api.WatchStatus)
	return api
}

func (api *API) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, api.status())
}

// WatchStatus upgrades to a websocket and pushes a status snapshot every
// StatusPushInterval until the client disconnects or the API shuts down.
func (api *API) WatchStatus(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the request.
		return nil
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(StatusPushInterval)
	defer ticker.Stop()
	for {
		if err := ws.WriteJSON(api.status()); err != nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-gone:
			return nil
		case <-api.done:
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return nil
		}
	}
}

func (api *API) status() StatusResponse {
	n := api.node
	resp := StatusResponse{
		NodeID:    n.cfg.NodeID,
		Running:   n.Engine.IsRunning(),
		LinkReady: n.LinkReady(),
		UptimeSec: n.Uptime().Seconds(),
		Session:   n.Engine.Session(),
		Stats:     n.Engine.Stats(),
	}
	if addr := n.LocalAddr(); addr != nil {
		resp.LocalAddr = addr.String()
	}
	resp.NATType, resp.NATExternal = n.NATStatus()
	return resp
}

func (api *API) GetSensors(c echo.Context) error {
	n := api.node
	s := n.Engine.Session()
	status := spec.SensorOffline
	if s.State == engine.Connected {
		status = spec.SensorOK
	}
	sensors := make([]SensorResponse, 0, n.cfg.SensorCount)
	for i := 1; i <= n.cfg.SensorCount; i++ {
		sensors = append(sensors, SensorResponse{
			ID:       uint8(i),
			IMUType:  n.cfg.IMUType,
			Status:   status.String(),
			Reported: s.SensorInfoSent,
		})
	}
	return c.JSON(http.StatusOK, sensors)
}

// Start serves until Shutdown.
func (api *API) Start(addr string) error {
	api.node.log.Info().Str("addr", addr).Msg("Node: API listening")
	if err := api.Api.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open status streams and stops the server.
func (api *API) Shutdown(ctx context.Context) error {
	api.doneOnce.Do(func() { close(api.done) })
	return api.Api.Shutdown(ctx)
}
