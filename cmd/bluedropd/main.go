// Command bluedropd runs the receiving side on a Linux box with a BLE
// adapter: it advertises the ingest service, reassembles incoming
// files into the uploads directory and serves live status over
// websockets.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/bluedrop/history"
	"github.com/user/bluedrop/logger"
	"github.com/user/bluedrop/receiver"
	"github.com/user/bluedrop/settings"
	"github.com/user/bluedrop/status"
	"github.com/user/bluedrop/tinyble"
	"github.com/user/bluedrop/transport"
	"github.com/user/bluedrop/util"
)

const logPrefix = "bluedropd"

func main() {
	app := cli.NewApp()
	app.Name = "bluedropd"
	app.Usage = "receive files over BLE and publish live status"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "name, n", Usage: "advertised device name (default: from settings)"},
		cli.StringFlag{Name: "dir, d", Usage: "directory for received files"},
		cli.StringFlag{Name: "listen, l", Usage: "status server address, empty disables it"},
		cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		cli.StringFlag{Name: "settings", Value: util.GetSettingsPath(), Usage: "settings file"},
		cli.StringFlag{Name: "db", Value: util.GetHistoryPath(), Usage: "transfer history database"},
		cli.DurationFlag{Name: "idle-timeout", Value: receiver.DefaultIdleTimeout, Usage: "abandon a stalled transfer after this long"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.Error(logPrefix, "%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := settings.Load(c.String("settings"))
	if err != nil {
		logger.Warn(logPrefix, "settings: %v", err)
	}
	if c.IsSet("name") {
		cfg.DeviceName = c.String("name")
	}
	if c.IsSet("dir") {
		cfg.UploadDir = c.String("dir")
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.DebugJSON(logPrefix, "effective settings", cfg)

	if cfg.UploadDir == "" {
		cfg.UploadDir = util.GetUploadsDir()
	}
	store, err := receiver.NewDiskStore(cfg.UploadDir)
	if err != nil {
		return errors.Wrap(err, "upload dir")
	}

	// The daemon keeps receiving even without a ledger.
	hist, err := history.Open(c.String("db"))
	if err != nil {
		logger.Warn(logPrefix, "history disabled: %v", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	bus := status.NewBus()
	hub := status.NewHub(bus)
	go hub.Run()
	defer hub.Close()

	per, err := tinyble.New(tinyble.Config{
		LocalName:   cfg.DeviceName,
		ServiceUUID: transport.ServiceUUID,
		CharUUID:    transport.IngestCharUUID,
	})
	if err != nil {
		return err
	}

	recv := receiver.New(per, receiver.Config{
		Store:       store,
		Bus:         bus,
		History:     hist,
		IdleTimeout: c.Duration("idle-timeout"),
	})
	if err := recv.Start(); err != nil {
		return errors.Wrap(err, "bluetooth")
	}
	defer recv.Close()

	var srv *http.Server
	if cfg.ListenAddr != "" {
		srv = statusServer(cfg.ListenAddr, hub, hist, cfg, store.Dir())
		go func() {
			logger.Info(logPrefix, "status server on http://%s/ws", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(logPrefix, "status server: %v", err)
			}
		}()
	}

	logger.Info(logPrefix, "receiving as %q into %s", cfg.DeviceName, store.Dir())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info(logPrefix, "shutting down")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return nil
}

func statusServer(addr string, hub *status.Hub, hist *history.Log, cfg settings.Settings, uploadDir string) *http.Server {
	started := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"device_name": cfg.DeviceName,
			"upload_dir":  uploadDir,
			"time":        time.Now().Format(time.RFC3339),
			"uptime":      time.Since(started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if hist == nil {
			writeJSON(w, []history.Entry{})
			return
		}
		entries, err := hist.Recent(50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, entries)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug(logPrefix, "status response: %v", err)
	}
}
