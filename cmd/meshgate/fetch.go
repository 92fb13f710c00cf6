package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

func newFetchCommand() *cobra.Command {
	var req command.FetchRequest

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Query the data-access service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := client.Fetch(ctx, &req)
			if err != nil {
				return fmt.Errorf("failed to fetch: %w", err)
			}
			if !resp.IsOk() {
				return fmt.Errorf("fetch failed: %s: %s", resp.Result, resp.Message)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d result(s)\n", len(resp.Data))
			printCommand(w, &command.Command{Topic: command.TopicGetData, Data: resp.Data})
			return nil
		},
	}

	cmd.Flags().StringVar(&req.TypeDescription, "type", "", "Type to query (required)")
	cmd.Flags().StringVar(&req.Query, "query", "", "Query expression")
	cmd.Flags().BoolVar(&req.IncludeRelatedEntities, "related", false, "Include related entities")
	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(fmt.Sprintf("Failed to mark type as required: %v", err))
	}

	return cmd
}
