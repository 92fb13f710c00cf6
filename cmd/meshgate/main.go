package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshgate/internal/transport"
)

const (
	appName    = "meshgate"
	appVersion = "0.1.0"
)

var (
	// Global flags
	serverAddr string
	token      string
	streamID   string
	cloudID    string
	secret     string
	timeout    time.Duration

	// Global client instance
	client *transport.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Broker gateway for a pub/sub and RPC mesh",
		Long: `meshgate runs a broker node and talks to one.

Use "meshgate serve" to run a broker. The other commands are clients that
connect to a running broker over gRPC.`,
		SilenceUsage:       true,
		PersistentPreRunE:  initializeClient,
		PersistentPostRunE: closeClient,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:7070", "Broker address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("MESHGATE_TOKEN"), "Authentication token")
	rootCmd.PersistentFlags().StringVar(&streamID, "stream-id", "", "Stream id to request when opening a stream")
	rootCmd.PersistentFlags().StringVar(&secret, "service-secret", os.Getenv("MESHGATE_SERVICE_SECRET"), "Service secret for privileged stream ids")
	rootCmd.PersistentFlags().StringVar(&cloudID, "cloud-id", "", "Cloud id sent with every call")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newHashPasswordCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newFetchCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// initializeClient dials the broker for client commands
func initializeClient(cmd *cobra.Command, args []string) error {
	if cmd.Annotations["local"] == "true" || cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	opts := []transport.ClientOption{transport.WithToken(token)}
	if streamID != "" {
		opts = append(opts, transport.WithStreamID(streamID))
	}
	if cloudID != "" {
		opts = append(opts, transport.WithCloudID(cloudID))
	}
	if secret != "" {
		opts = append(opts, transport.WithServiceSecret(secret))
	}

	var err error
	client, err = transport.Dial(serverAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func closeClient(cmd *cobra.Command, args []string) error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}

// requireToken checks a token was supplied
func requireToken() error {
	if token == "" {
		return fmt.Errorf("not authenticated - run '%s login' first or provide --token", appName)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"local": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}
