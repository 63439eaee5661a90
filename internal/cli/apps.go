package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/pkg/gate"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage registered client applications",
}

var appsRegisterCmd = &cobra.Command{
	Use:   "register <app-id> [display-name]",
	Short: "Register an application and print its shared secret",
	Long: `Register a client application. The printed secret is shown exactly
once; the application uses it to sign per-user credentials. Losing it means
re-registering the application.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAppsRegister,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered applications",
	RunE:  runAppsList,
}

var appsDisableCmd = &cobra.Command{
	Use:   "disable <app-id>",
	Short: "Disable an application, rejecting all of its credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setAppActive(cmd, args[0], false) },
}

var appsEnableCmd = &cobra.Command{
	Use:   "enable <app-id>",
	Short: "Re-enable a disabled application",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setAppActive(cmd, args[0], true) },
}

func init() {
	appsCmd.AddCommand(appsRegisterCmd, appsListCmd, appsDisableCmd, appsEnableCmd)
	rootCmd.AddCommand(appsCmd)
}

func openAppStore() (*gate.AppStore, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	return gate.NewAppStore(cfg.AppDBPath())
}

func runAppsRegister(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}
	defer store.Close()

	displayName := args[0]
	if len(args) > 1 {
		displayName = args[1]
	}

	secret, err := store.Register(context.Background(), args[0], displayName)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "application %q registered\n", args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "secret (shown once): %s\n", secret)
	return nil
}

func runAppsList(cmd *cobra.Command, args []string) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}
	defer store.Close()

	apps, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no applications registered")
		return nil
	}

	for _, app := range apps {
		state := "active"
		if !app.Active {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tsecret:%s\n", app.ID, app.DisplayName, state, app.SecretHint)
	}
	return nil
}

func setAppActive(cmd *cobra.Command, id string, active bool) error {
	store, err := openAppStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetActive(context.Background(), id, active); err != nil {
		return err
	}
	state := "enabled"
	if !active {
		state = "disabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "application %q %s\n", id, state)
	return nil
}
