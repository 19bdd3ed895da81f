package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ListingRadar/internal/app"
	"ListingRadar/internal/domain"
	"ListingRadar/internal/logging"
	"ListingRadar/internal/ports"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "listingradar",
		Short:        "Classify channel posts into listings and notify matching subscribers",
		SilenceUsage: true,
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Operator retries for failed or abandoned work",
	}
	retryCmd.AddCommand(
		&cobra.Command{
			Use:   "message <channel-id> <message-id>",
			Short: "Move a failed or stuck message back to pending and enqueue it",
			Args:  cobra.ExactArgs(2),
			RunE:  runRetryMessage,
		},
		&cobra.Command{
			Use:   "delivery <delivery-id>",
			Short: "Send a failed or abandoned delivery again",
			Args:  cobra.ExactArgs(1),
			RunE:  runRetryDelivery,
		},
	)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, the extraction workers and the sweeper",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the record store schema",
			Args:  cobra.NoArgs,
			RunE:  runMigrate,
		},
		retryCmd,
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	if err := application.Run(cmd.Context()); err != nil {
		logger.Error("application stopped", "error", err)
		return err
	}
	logger.Info("application stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	store, err := app.OpenStore(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("store ready", "driver", cfg.Database.Driver)
	return printJSON(cmd, statsOf(cmd, store))
}

func runRetryMessage(cmd *cobra.Command, args []string) error {
	channel, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse channel id: %w", err)
	}
	message, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parse message id: %w", err)
	}

	return withApplication(cmd, func(application *app.Application) error {
		msg, err := application.Retrier().RetryMessage(cmd.Context(), domain.MessageKey{ChannelID: channel, MessageID: message})
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"key": msg.Key, "status": msg.Status, "attempts": msg.Attempts})
	})
}

func runRetryDelivery(cmd *cobra.Command, args []string) error {
	return withApplication(cmd, func(application *app.Application) error {
		delivery, err := application.Retrier().RetryDelivery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"id":       delivery.ID,
			"owner_id": delivery.OwnerID,
			"status":   delivery.Status,
			"attempts": delivery.Attempts,
			"error":    delivery.Error,
		})
	})
}

func withApplication(cmd *cobra.Command, fn func(*app.Application) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()
	return fn(application)
}

func statsOf(cmd *cobra.Command, store ports.Store) any {
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	return stats
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
