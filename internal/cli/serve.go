package cli

import (
	"context"

	"github.com/spf13/cobra"

	appLog "eventmap/internal/log"
	"eventmap/internal/mapview"
	"eventmap/internal/model"
	"eventmap/internal/pipeline"
	"eventmap/internal/scheduler"
	"eventmap/internal/web"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the map UI and refresh feeds on schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions) error {
	cfg := root.cfg
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"horizon_days", cfg.HorizonDays,
		"feeds", len(cfg.Feeds),
		"venues", len(cfg.Map.Venues),
	)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	surface := mapview.NewStateSurface(model.Coordinates{Lat: cfg.Map.CenterLat, Lng: cfg.Map.CenterLng}, cfg.Map.InitialZoom, 64)
	coord := mapview.NewCoordinator(surface,
		mapview.WithSelectZoom(cfg.Map.SelectZoom),
		mapview.WithLocation(cfg.Location()),
	)
	coord.PlaceVenues(a.venues(ctx))

	a.service.Subscribe(func(s pipeline.Snapshot) {
		coord.Apply(s.Seq, s.Events)
	})
	// Dismissals and clicks reach the coordinator before the request that
	// reported them returns.
	surface.SetHandler(coord.HandleSurfaceEvent)

	refresh := func(ctx context.Context) {
		if _, _, err := a.service.Refresh(ctx); err != nil && ctx.Err() == nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}

	sched := scheduler.New(cfg.Location())
	if err := sched.Schedule(ctx, cfg.RefreshCron, refresh); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// First cycle runs right away so the map is not empty until the first
	// tick.
	go refresh(ctx)

	srv := web.NewServer(cfg, web.Deps{
		Snapshots:   a.service,
		Coordinator: coord,
		Surface:     surface,
		NextRefresh: sched.Next,
	})
	return web.Run(ctx, cfg.Listen, srv.Handler())
}
