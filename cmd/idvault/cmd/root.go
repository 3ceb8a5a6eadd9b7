package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/bridge"
	"github.com/jmcleod/idvault/config"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/storage"
	"github.com/jmcleod/idvault/vault"
)

const (
	defaultConfigName = "config.yaml"
	secretSize        = 32

	// annotationNoVault marks commands that run without opening storage.
	annotationNoVault = "idvault/no-vault"
)

var (
	cfgFile string

	appCfg          *config.AppConfig
	repo            storage.Repository
	states          *vault.SealedStateStore
	registry        *bridge.Registry
	metricsRegistry *prometheus.Registry
	prompter        *linePrompter
)

var rootCmd = &cobra.Command{
	Use:   "idvault",
	Short: "idvault is a multi-factor identity vault",
	Long: `A local vault for sensitive per-user values, protected by a passcode,
a biometric factor, or both. Values are encrypted at rest and only readable
while the vault is unlocked.`,
	SilenceUsage:      true,
	PersistentPreRunE: openRegistry,
}

// Execute runs the root command and closes storage afterwards, whether or
// not the command failed. Interrupts cancel any pending prompt.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeRegistry(rootCmd.ErrOrStderr())
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the vault database and device secrets")
	rootCmd.PersistentFlags().StringP("username", "u", "", "vault owner (default is the current OS user)")
	rootCmd.PersistentFlags().String("vault-id", "default", "vault identifier")
	rootCmd.PersistentFlags().String("backend", "", "storage backend (bbolt, sqlite, memory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("passcode", "", "passcode to unlock with instead of prompting")
	rootCmd.PersistentFlags().Bool("with-passcode", false, "unlock with the passcode even when biometrics are enabled")
	rootCmd.PersistentFlags().Bool("approve-biometric", false, "approve biometric prompts without asking")
	rootCmd.PersistentFlags().Bool("metrics", false, "print vault metrics to stderr on exit")

	bindFlagOrPanic("data_dir", "data-dir")
	bindFlagOrPanic("username", "username")
	bindFlagOrPanic("vault_id", "vault-id")
	bindFlagOrPanic("storage.backend", "backend")
	bindFlagOrPanic("log_level", "log-level")
	bindFlagOrPanic("passcode", "passcode")
	bindFlagOrPanic("with_passcode", "with-passcode")
	bindFlagOrPanic("approve_biometric", "approve-biometric")
	bindFlagOrPanic("metrics", "metrics")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("username", currentUsername())

	viper.SetEnvPrefix("IDVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".idvault"
	}
	return filepath.Join(dir, "idvault")
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(viper.GetString("data_dir"), defaultConfigName)
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if viper.IsSet("storage.backend") {
		cfg.Storage.Backend = viper.GetString("storage.backend")
	}
	if viper.IsSet("log_level") {
		cfg.LogLevel = viper.GetString("log_level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ResolvePaths(viper.GetString("data_dir"))
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.AppConfig) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openRegistry(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationNoVault] != "" {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	if err := os.MkdirAll(viper.GetString("data_dir"), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	r, err := cfg.Storage.Open()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	stateKey, err := config.LoadOrCreateSecret(cfg.StateKeyFile, secretSize)
	if err != nil {
		r.Close()
		return err
	}
	defer util.WipeBytes(stateKey)
	st, err := vault.NewSealedStateStore(r, stateKey)
	if err != nil {
		r.Close()
		return err
	}
	deviceSecret, err := config.LoadOrCreateSecret(cfg.DeviceSecretFile, secretSize)
	if err != nil {
		st.Close()
		r.Close()
		return err
	}

	appCfg, repo, states = cfg, r, st
	prompter = newLinePrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), viper.GetBool("approve_biometric"))
	metricsRegistry = prometheus.NewRegistry()

	open := func(ctx context.Context, desc vault.Descriptor) (*vault.Vault, error) {
		gate, err := biometric.NewSoftwareGate(repo, desc.UniqueID(), deviceSecret,
			biometric.FileEnrollment{Path: cfg.EnrollmentFile}, prompter,
			biometric.WithPromptInfo(cfg.PromptInfo()),
			biometric.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return vault.New(ctx, desc, repo, states,
			vault.WithConfig(cfg.VaultConfig()),
			vault.WithBiometricGate(gate),
			vault.WithLogger(logger),
		)
	}
	registry = bridge.NewRegistry(open,
		bridge.WithLockAfter(cfg.LockAfter),
		bridge.WithClearOnTooManyFailedAttempts(cfg.ClearVaultAfterTooManyFailedAttempts),
		bridge.WithPasscodePrompter(prompter),
		bridge.WithLogger(logger),
		bridge.WithMetrics(metricsRegistry),
	)
	return nil
}

func closeRegistry(w io.Writer) {
	if registry == nil {
		return
	}
	registry.Close()
	states.Close()
	if err := repo.Close(); err != nil {
		fmt.Fprintf(w, "Error closing storage: %v\n", err)
	}
	if viper.GetBool("metrics") {
		if err := writeMetrics(w, metricsRegistry); err != nil {
			fmt.Fprintf(w, "Error writing metrics: %v\n", err)
		}
	}
	registry = nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
