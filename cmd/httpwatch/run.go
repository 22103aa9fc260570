package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stethoscope-sidecar/httpwatch/cmd/httpwatch/internal/config"
	"github.com/stethoscope-sidecar/httpwatch/sniffer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline and print every parsed HTTP message to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		file, err := config.Load(configPath)
		if err != nil {
			exitWithError("load config", err)
		}

		cfg := sniffer.Config{
			Interface:          file.Interface,
			Ports:              file.Ports,
			MaxConnections:     file.MaxConnections,
			IdleTimeout:        file.IdleTimeout(),
			MaxBodySize:        file.MaxBodySizeBytes,
			SampleRate:         file.SampleRate,
			LogLevel:           file.LogLevel,
			CallbackBufferSize: file.CallbackBufferSize,
		}

		enc := json.NewEncoder(os.Stdout)
		if err := sniffer.Start(cfg, func(msg sniffer.Message) {
			_ = enc.Encode(msg)
		}); err != nil {
			exitWithError("start pipeline", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		stats := sniffer.Stop()
		fmt.Fprintf(os.Stderr, "stopped: received=%d dropped=%d if_dropped=%d\n",
			stats.PacketsReceived, stats.PacketsDropped, stats.PacketsIfDropped)
	},
}
