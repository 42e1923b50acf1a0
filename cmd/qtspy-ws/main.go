package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/bridge"
	"github.com/m4xw311/qtspy/config"
	"github.com/m4xw311/qtspy/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	var (
		listen     string
		server     string
		dir        string
		configPath string
	)
	rootCmd := &cobra.Command{
		Use:          "qtspy-ws",
		Short:        "Relay qtspy agent frames to browser viewers over WebSocket",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") || cfg.WSListen == "" {
				cfg.WSListen = listen
			}
			if dir != "" {
				cfg.EndpointDir = dir
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg.WSListen, cfg.EndpointDir, server, logger)
		},
	}
	rootCmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8765", "HTTP listen address")
	rootCmd.Flags().StringVarP(&server, "server", "s", "", "Agent endpoint name or socket path")
	rootCmd.Flags().StringVar(&dir, "dir", "", "Directory holding agent endpoints (default: system temp dir)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file")
	rootCmd.MarkFlagRequired("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr, dir, endpoint string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWS(dir, endpoint, log))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Info("relay listening", zap.String("url", fmt.Sprintf("ws://%s/ws", addr)), zap.String("server", endpoint))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func handleWS(dir, endpoint string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		agent, err := bridge.Dial(r.Context(), dir, endpoint)
		if err != nil {
			log.Warn("agent unavailable", zap.String("server", endpoint), zap.Error(err))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "agent unavailable"))
			return
		}
		defer agent.Close()
		relay(conn, agent, log.With(zap.String("remote", r.RemoteAddr)))
	}
}

// relay pipes agent frames to the socket as text messages and text messages
// back to the agent as frames, until either side goes away.
func relay(conn *websocket.Conn, agent *bridge.Client, log *zap.Logger) {
	done := make(chan struct{})

	// Pipe agent frames → WebSocket
	go func() {
		defer close(done)
		for ev := range agent.Events() {
			switch ev.Kind {
			case bridge.Disconnected:
				log.Info("agent disconnected", zap.NamedError("cause", ev.Err))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnected"))
				conn.Close()
				return
			case bridge.ParseError:
				log.Warn("dropping unparseable agent frame", zap.Error(ev.Err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
				log.Warn("ws write failed", zap.Error(err))
				return
			}
		}
	}()

	// Pipe WebSocket messages → agent
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("ws read ended", zap.Error(err))
			break
		}
		if !json.Valid(msg) {
			log.Warn("dropping non-JSON message from viewer")
			continue
		}
		if err := agent.SendRaw(msg); err != nil {
			log.Warn("agent write failed", zap.Error(err))
			break
		}
	}
	agent.Close()
	<-done
}
