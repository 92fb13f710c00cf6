package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

func newPublishCommand() *cobra.Command {
	var (
		topic       string
		target      string
		payload     string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a command to a topic",
		Long: `Publish a command carrying an opaque payload. With --target the command is
addressed to a single recipient on "<topic>/<target>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out, err := command.New(topic, command.Event{ContentType: contentType, Body: []byte(payload)})
			if err != nil {
				return err
			}
			out.TargetID = target

			resp, err := client.Action(ctx, out)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			if !resp.IsOk() {
				return fmt.Errorf("publish rejected: %s: %s", resp.Result, resp.Message)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Published to %s\n", out.EffectiveTopic())
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic to publish to (required)")
	cmd.Flags().StringVar(&target, "target", "", "Recipient id for point-to-point delivery")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload body")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Payload content type")
	if err := cmd.MarkFlagRequired("topic"); err != nil {
		panic(fmt.Sprintf("Failed to mark topic as required: %v", err))
	}

	return cmd
}
