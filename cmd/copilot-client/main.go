// Command copilot-client is a small CLI for exercising the client against
// a real language server: install the pinned server, check or establish
// sign-in, and print version information.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	copilot "github.com/sublimelsp/copilot-client-go"
)

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(logger)
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		logger.With("err", err).Error("command failed")
		os.Exit(1)
	}
}

func newRootCmd(logger pslog.Logger) *cobra.Command {
	var (
		serverPath   string
		settingsPath string
	)

	root := &cobra.Command{
		Use:           "copilot-client",
		Short:         "GitHub Copilot language server client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&serverPath, "server", "",
		"path to an existing copilot-language-server binary")
	root.PersistentFlags().StringVar(&settingsPath, "settings", "",
		"path to a settings file")

	newClient := func() (*copilot.Client, error) {
		opts := []copilot.Option{
			copilot.WithEditorInfo("copilot-client-cli", "dev"),
			copilot.WithLogger(logger),
		}
		if serverPath != "" {
			opts = append(opts, copilot.WithServerPath(serverPath))
		}
		if settingsPath != "" {
			settings, err := copilot.LoadSettings(settingsPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, copilot.WithSettings(settings))
		}
		return copilot.NewClient(opts...)
	}

	root.AddCommand(newInstallCmd(newClient))
	root.AddCommand(newStatusCmd(newClient))
	root.AddCommand(newSignInCmd(newClient))
	root.AddCommand(newVersionCmd(newClient))

	return root
}

func newInstallCmd(newClient func() (*copilot.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download and install the pinned language server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if !client.NeedsInstall() {
				fmt.Printf("copilot-language-server %s already installed\n",
					client.ServerVersion())
				return nil
			}
			if err := client.Install(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("installed copilot-language-server %s\n",
				client.ServerVersion())
			return nil
		},
	}
}

func newStatusCmd(newClient func() (*copilot.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect and print account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Close()

			status, err := client.CheckStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("signed in: %v\nauthorized: %v\n",
				status.HasSignedIn, status.IsAuthorized)
			if status.User != "" {
				fmt.Printf("user: %s\n", status.User)
			}
			return nil
		},
	}
}

func newSignInCmd(newClient func() (*copilot.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "signin",
		Short: "Run the device-code sign-in flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Close()

			flow, err := client.SignIn(cmd.Context())
			if err != nil {
				return err
			}
			if flow.Status == "AlreadySignedIn" {
				fmt.Printf("already signed in as %s\n", flow.User)
				return nil
			}

			fmt.Printf("open %s and enter code %s, then press enter\n",
				flow.VerificationURI, flow.UserCode)
			fmt.Scanln()

			status, err := client.SignInConfirm(cmd.Context(), flow.UserCode)
			if err != nil {
				return err
			}
			if !status.IsAuthorized {
				return fmt.Errorf("sign-in did not complete")
			}
			fmt.Printf("signed in as %s\n", status.User)
			return nil
		},
	}
}

func newVersionCmd(newClient func() (*copilot.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pinned language server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			fmt.Println(client.ServerVersion())
			return nil
		},
	}
}
