package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"whatsapp-bridge/internal/auth"
	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/logging"
	"whatsapp-bridge/internal/store"
)

var (
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "whatsapp-bridge",
		Short: "Links WhatsApp accounts to Flowise chatflows",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig()
			if err != nil {
				return err
			}
			cfg = loaded
			return logging.Setup(cfg.LogLevel, cfg.LogFormat)
		},
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and socket.io gateway and reconnect active sessions",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session and credential tables",
		RunE:  runMigrate,
	}

	tokenCmd = &cobra.Command{
		Use:   "token <userId>",
		Short: "Print a signed API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("Exiting")
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := store.Open(cfg.DBDialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := store.Migrate(db, cfg.CredentialTable); err != nil {
		return err
	}
	log.WithField("credential_table", cfg.CredentialTable).Info("Migration complete")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	token, err := auth.CreateToken(args[0], tokenConfig(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// tokenConfig enforces the issuer only when JWT_ISSUER is set, so tokens
// minted by the host application without our issuer keep working.
func tokenConfig(c config.Config) auth.TokenConfig {
	tc := auth.DefaultTokenConfig(c.JWTSecret, c.TokenExpiry)
	if c.JWTIssuer != "" {
		tc.Issuer = c.JWTIssuer
		tc.RequireIssuer = true
	}
	tc.Leeway = c.JWTLeeway
	return tc
}
