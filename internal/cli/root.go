package cli

import (
	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewRootCommand wires every directive under the dock-pulp root.
func NewRootCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "dock-pulp",
		Short:         "Administer docker repositories on a Pulp server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.Debug {
				logger.GetLogger().SetLogLevel("debug")
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.ConfigFile, "config-file", DefaultConfigFile, "environment configuration file")
	flags.StringVar(&a.DistributorsFile, "distributors-file", DefaultDistributorsFile, "distributor template file")
	flags.StringVar(&a.DistributionFile, "distribution-file", DefaultDistributionFile, "distribution policy file")
	flags.StringVar(&a.Server, "server", "", "environment to administer")
	flags.StringVar(&a.CertPath, "cert", "", "client certificate file")
	flags.StringVar(&a.KeyPath, "key", "", "client key file")
	flags.BoolVar(&a.Debug, "debug", false, "log request bodies (never upload payloads)")
	flags.BoolVar(&a.InsecureTLS, "insecure", false, "skip TLS hostname verification")

	root.AddCommand(
		NewLoginCommand(a),
		NewLogoutCommand(a),
		NewCreateCommand(a),
		NewCloneCommand(a),
		NewDeleteCommand(a),
		NewEmptyCommand(a),
		NewUpdateCommand(a),
		NewListCommand(a),
		NewJSONCommand(a),
		NewAssociateCommand(a),
		NewDisassociateCommand(a),
		NewCopyCommand(a),
		NewRemoveCommand(a),
		NewTagCommand(a),
		NewAncestryCommand(a),
		NewImageIDsCommand(a),
		NewOrphansCommand(a),
		NewTaskCommand(a),
		NewSyncCommand(a),
		NewUploadCommand(a),
		NewPushToPulpCommand(a),
		NewReleaseCommand(a),
		NewConfirmCommand(a),
		NewDumpCommand(a),
		NewRestoreCommand(a),
	)
	return root
}
