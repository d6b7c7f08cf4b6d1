package cmd

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/metrics"
	"github.com/nextlevelbuilder/qbot/internal/onebot"
	"github.com/nextlevelbuilder/qbot/internal/presence"
)

type healthResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	BotsOnline  []int64  `json:"bots_online"`
	Connections int      `json:"connections"`
	Plugins     []string `json:"plugins"`
}

func buildMux(cfg *config.Config, server *onebot.Server, collector *metrics.Collector, registry *presence.Registry, d *dispatch.Dispatcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(server.Path(), server)
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, collector.Handler())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:      "ok",
			Version:     Version,
			BotsOnline:  registry.OnlineBots(),
			Connections: server.Connections(),
			Plugins:     d.Names(),
		})
	})
	return mux
}
