package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/proto"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/meshgate/internal/transport"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			hc := healthpb.NewHealthClient(client.Conn())
			resp, err := hc.Check(ctx,
				&healthpb.HealthCheckRequest{Service: transport.ServiceName},
				grpc.CallContentSubtype(proto.Name))
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", serverAddr, resp.Status)
			if resp.Status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("broker is not serving")
			}
			return nil
		},
	}
}
