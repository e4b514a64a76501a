package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"eventmap/internal/capture"
	appLog "eventmap/internal/log"
)

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	var (
		url     string
		out     string
		width   int
		height  int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a PNG of the running map page",
		Long: `Open the map page of a running "eventmap serve" in headless Chromium and
save a screenshot. The file is served by the server at /preview.png.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if url == "" {
				url = "http://" + cfg.Listen + "/"
			}
			if out == "" {
				out = filepath.Join(cfg.CacheDir, "preview.png")
			}

			opts := capture.CaptureOptions{
				URL:        url,
				OutputPath: out,
				Width:      width,
				Height:     height,
				Timeout:    timeout,
			}
			if cfg.BasicAuth != nil {
				opts.Username = cfg.BasicAuth.Username
				opts.Password = cfg.BasicAuth.Password
			}

			if err := capture.CaptureMapPNG(cmd.Context(), opts); err != nil {
				return err
			}
			appLog.Info("snapshot written", "path", out, "url", url)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to capture (default: http://<listen>/)")
	cmd.Flags().StringVar(&out, "out", "", "output PNG path (default: <cache_dir>/preview.png)")
	cmd.Flags().IntVar(&width, "width", capture.DefaultWidth, "viewport width")
	cmd.Flags().IntVar(&height, "height", capture.DefaultHeight, "viewport height")
	cmd.Flags().DurationVar(&timeout, "timeout", capture.DefaultTimeoutSec*time.Second, "capture timeout")
	return cmd
}
