package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/pkg/ingest"
	"github.com/smartcampus/telemetryd/pkg/mqtt"
	"github.com/smartcampus/telemetryd/pkg/store"
	"github.com/smartcampus/telemetryd/pkg/topic"
)

var (
	publishDevice     string
	publishCapability string
	publishPayload    string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a one-shot command to a device topic",
	Long: `Look up a device, build its wire topic for the given capability, and
publish the payload once. The payload is sent as-is.

Example:
  telemetryd publish --device cl9x2... --capability COMMAND_ONOFF --payload '{"state":true}'`,
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()

	c := topic.Capability(publishCapability)
	if !topic.Valid(c) {
		return fmt.Errorf("unknown capability %q", publishCapability)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, cfg.Postgres.ConnString, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	client, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	svc := ingest.NewService(pg, client, logger, ingest.Options{})
	if err := svc.PublishToDeviceTopic(ctx, publishDevice, c, publishPayload); err != nil {
		return err
	}

	fmt.Printf("published %s to device %s\n", c, publishDevice)
	return nil
}

func init() {
	publishCmd.Flags().StringVar(&publishDevice, "device", "", "Device id")
	publishCmd.Flags().StringVar(&publishCapability, "capability", "", "Capability, e.g. COMMAND_ONOFF")
	publishCmd.Flags().StringVar(&publishPayload, "payload", "", "Payload, conventionally JSON")
	publishCmd.MarkFlagRequired("device")
	publishCmd.MarkFlagRequired("capability")
	publishCmd.MarkFlagRequired("payload")
}
