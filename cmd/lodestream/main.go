// Command lodestream is an operations CLI over a local Pebble-backed event
// store. It appends events, reads streams or the global feed, and tails the
// feed with a durable subscription.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/adapters/pebble"
	"github.com/getlode/lodestream/es/client"
	"github.com/getlode/lodestream/es/subscription"
	"github.com/getlode/lodestream/es/subscription/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lodestream",
		Short: "lodestream event store CLI",
		Long:  "lodestream manages a local Pebble-backed event store: append events, read streams, tail the global feed.",
	}
	rootCmd.PersistentFlags().String("data-dir", "lodestream-data", "Data directory for the Pebble store")

	rootCmd.AddCommand(newAppendCommand())
	rootCmd.AddCommand(newReadCommand())
	rootCmd.AddCommand(newTailCommand())
	rootCmd.AddCommand(newSnapshotCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openClient(cmd *cobra.Command) (*client.Client, *pebble.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	st, err := pebble.Open(dataDir, pebble.DefaultStoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store at %s: %w", dataDir, err)
	}
	c, err := client.New(st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return c, st, nil
}

func newAppendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			streamType, _ := cmd.Flags().GetString("stream-type")
			streamID, _ := cmd.Flags().GetString("stream-id")
			eventType, _ := cmd.Flags().GetString("event-type")
			payload, _ := cmd.Flags().GetString("payload")
			metadata, _ := cmd.Flags().GetString("metadata")
			expectedFlag, _ := cmd.Flags().GetString("expected")

			expected := es.Any()
			switch expectedFlag {
			case "", "any":
			case "no-stream":
				expected = es.NoStream()
			default:
				var v int64
				if _, err := fmt.Sscanf(expectedFlag, "%d", &v); err != nil {
					return fmt.Errorf("invalid --expected %q; use any, no-stream, or a version number", expectedFlag)
				}
				expected = es.Exact(v)
			}

			c, st, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			event := es.Event{
				EventType: eventType,
				Payload:   []byte(payload),
			}
			if metadata != "" {
				event.Metadata = []byte(metadata)
			}

			result, err := c.Append(cmd.Context(), streamType, streamID, expected, []es.Event{event})
			if err != nil {
				return err
			}
			fmt.Printf("appended: version=%d position=%d\n", result.NewVersion, result.GlobalPositions[0])
			return nil
		},
	}
	cmd.Flags().String("stream-type", "", "Stream type (required)")
	cmd.Flags().String("stream-id", "", "Stream id (required)")
	cmd.Flags().String("event-type", "", "Event type (required)")
	cmd.Flags().String("payload", "{}", "Event payload")
	cmd.Flags().String("metadata", "", "Event metadata (optional JSON)")
	cmd.Flags().String("expected", "any", "Expected version: any, no-stream, or a version number")
	return cmd
}

func newReadCommand() *cobra.Command {
	readCmd := &cobra.Command{Use: "read", Short: "Read events"}

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Read one stream's events in version order",
		RunE: func(cmd *cobra.Command, args []string) error {
			streamType, _ := cmd.Flags().GetString("stream-type")
			streamID, _ := cmd.Flags().GetString("stream-id")
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")

			c, st, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := c.ReadStream(cmd.Context(), streamType, streamID, from, limit)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}
	streamCmd.Flags().String("stream-type", "", "Stream type (required)")
	streamCmd.Flags().String("stream-id", "", "Stream id (required)")
	streamCmd.Flags().Int64("from", 1, "Start version (inclusive)")
	streamCmd.Flags().Int("limit", 100, "Maximum events to read")
	readCmd.AddCommand(streamCmd)

	globalCmd := &cobra.Command{
		Use:   "global",
		Short: "Read the global feed in position order",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")

			c, st, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := c.ReadGlobal(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}
	globalCmd.Flags().Int64("from", 0, "Start position (exclusive)")
	globalCmd.Flags().Int("limit", 100, "Maximum events to read")
	readCmd.AddCommand(globalCmd)

	return readCmd
}

func newTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the global feed with a durable subscription",
		Long:  "Tail delivers events from the subscription's checkpoint onward and commits progress, so a restarted tail resumes where it left off.",
		RunE: func(cmd *cobra.Command, args []string) error {
			subscriptionID, _ := cmd.Flags().GetString("subscription-id")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			reset, _ := cmd.Flags().GetBool("reset")

			c, st, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if reset {
				if err := c.Unsubscribe(ctx, subscriptionID); err != nil {
					return err
				}
			}

			sub, err := c.Subscribe(subscriptionID, subscription.HandlerFunc(func(_ context.Context, event es.PersistedEvent) error {
				return printEvent(event)
			}), subscription.WithBatchSize(batchSize))
			if err != nil {
				return err
			}

			err = runner.New().Run(ctx, []*subscription.Subscriber{sub})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("subscription-id", "lodestream-tail", "Durable subscription id")
	cmd.Flags().Int("batch-size", 100, "Events per poll")
	cmd.Flags().Bool("reset", false, "Discard the checkpoint and start from the beginning")
	return cmd
}

func newSnapshotCommand() *cobra.Command {
	snapshotCmd := &cobra.Command{Use: "snapshot", Short: "Snapshot operations"}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load the latest snapshot for a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			streamType, _ := cmd.Flags().GetString("stream-type")
			streamID, _ := cmd.Flags().GetString("stream-id")

			c, st, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := c.LoadSnapshot(cmd.Context(), streamType, streamID)
			if err != nil {
				return err
			}
			out, err := json.Marshal(map[string]interface{}{
				"stream_type": snap.StreamType,
				"stream_id":   snap.StreamID,
				"version":     snap.Version,
				"payload":     json.RawMessage(snap.Payload),
				"created_at":  snap.CreatedAt,
			})
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	loadCmd.Flags().String("stream-type", "", "Stream type (required)")
	loadCmd.Flags().String("stream-id", "", "Stream id (required)")
	snapshotCmd.AddCommand(loadCmd)

	return snapshotCmd
}

func printEvents(events []es.PersistedEvent) error {
	for i := range events {
		if err := printEvent(events[i]); err != nil {
			return err
		}
	}
	return nil
}

func printEvent(event es.PersistedEvent) error {
	record := map[string]interface{}{
		"global_position": event.GlobalPosition,
		"stream_type":     event.StreamType,
		"stream_id":       event.StreamID,
		"version":         event.Version,
		"event_id":        event.EventID.String(),
		"event_type":      event.EventType,
		"payload":         string(event.Payload),
		"created_at":      event.CreatedAt,
	}
	out, err := json.Marshal(record)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
