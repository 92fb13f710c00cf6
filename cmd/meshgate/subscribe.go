package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

func newSubscribeCommand() *cobra.Command {
	var (
		topics []string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Open a stream and print commands routed to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(); err != nil {
				return err
			}

			stream, err := client.OpenStream(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to open stream: %w", err)
			}
			defer stream.CloseSend()

			for _, topic := range topics {
				sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: topic})
				if err != nil {
					return err
				}
				if err := stream.Send(sub); err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Stream %s subscribed to %v\n", stream.ID(), topics)

			for received := 0; limit <= 0 || received < limit; received++ {
				in, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
						return nil
					}
					return err
				}
				printCommand(w, in)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&topics, "topic", nil, "Topic pattern to subscribe to (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Exit after this many commands (0 means run until interrupted)")
	if err := cmd.MarkFlagRequired("topic"); err != nil {
		panic(fmt.Sprintf("Failed to mark topic as required: %v", err))
	}

	return cmd
}

func printCommand(w io.Writer, cmd *command.Command) {
	fmt.Fprintf(w, "[%s] from=%s", cmd.Topic, cmd.SenderID)
	for _, p := range cmd.Data {
		var ev command.Event
		if p.Is(ev) && p.UnmarshalTo(&ev) == nil {
			fmt.Fprintf(w, " %s", ev.Body)
			continue
		}
		fmt.Fprintf(w, " <%s>", p.TypeURL)
	}
	fmt.Fprintln(w)
}
