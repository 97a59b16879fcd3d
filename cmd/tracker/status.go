package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"slimetracker-go/pkg/node"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "queries a running tracker's status API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "api",
			Usage: "status API `ADDR`",
			Value: node.DefaultConfig().APIListenAddr,
		},
		&cli.BoolFlag{Name: "sensors", Usage: "list sensors instead of the session"},
		&cli.BoolFlag{Name: "raw", Usage: "print the JSON response unchanged"},
		&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "follow the live status stream until interrupted"},
	},
	Action: statusCmd,
}

func statusCmd(c *cli.Context) error {
	if c.Bool("watch") {
		return watchStatus(c)
	}
	path := "/status"
	if c.Bool("sensors") {
		path = "/sensors"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + c.String("api") + path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("tracker not reachable: %v", err), 1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("%s: %s", resp.Status, body), 1)
	}
	if c.Bool("raw") || c.Bool("sensors") {
		fmt.Println(string(body))
		return nil
	}

	var st node.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return cli.Exit(fmt.Sprintf("bad status response: %v", err), 1)
	}
	printStatus(c.App.Writer, st)
	return nil
}

func printStatus(w io.Writer, st node.StatusResponse) {
	fmt.Fprintf(w, "node:      %s\n", st.NodeID)
	fmt.Fprintf(w, "address:   %s\n", st.LocalAddr)
	fmt.Fprintf(w, "running:   %t (link ready: %t, up %s)\n", st.Running, st.LinkReady,
		time.Duration(st.UptimeSec*float64(time.Second)).Round(time.Second))
	fmt.Fprintf(w, "session:   %s", st.Session.State)
	if st.Session.Peer != "" {
		fmt.Fprintf(w, " with %s", st.Session.Peer)
	}
	fmt.Fprintf(w, " (counter %d)\n", st.Session.Counter)
	fmt.Fprintf(w, "packets:   %d sent, %d received, %d dropped\n",
		st.Stats.PacketsSent, st.Stats.PacketsRecv, st.Stats.Dropped)
	if st.NATType != "" {
		fmt.Fprintf(w, "nat:       %s %s\n", st.NATType, st.NATExternal)
	}
}

func watchStatus(c *cli.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial("ws://"+c.String("api")+"/ws", nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("tracker not reachable: %v", err), 1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var st node.StatusResponse
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return cli.Exit(fmt.Sprintf("status stream ended: %v", err), 1)
		}
		fmt.Fprintf(c.App.Writer, "--- %s\n", time.Now().Format(time.TimeOnly))
		printStatus(c.App.Writer, st)
	}
}
