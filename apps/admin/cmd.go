package main

import (
	"context"
	"io"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/registry"
	logsvc "github.com/trezcool/masomo-availability/services/logger"
	"github.com/trezcool/masomo-availability/storage/database"
	"github.com/trezcool/masomo-availability/storage/database/sqlxrepos"
)

var (
	errHelp   = errors.New("help provided")
	errFailed = errors.New("failures reported")
)

// commandLine holds what the commands share. Everything left nil is set up on first use.
type commandLine struct {
	conf    *core.Config
	logger  core.Logger
	out     io.Writer
	db      *sqlx.DB
	cfgFile string

	translator ut.Translator
	mailer     core.EmailService
	ownsDB     bool
	sync       func() error
}

func (cli *commandLine) run(args []string) error {
	root := cli.rootCmd()
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	err := root.ExecuteContext(context.Background())
	if cli.mailer != nil {
		cli.mailer.Wait() // bulk reports still in flight
	}
	return err
}

func (cli *commandLine) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Masomo operator tools: database, tenants, quests and their availability",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.setUp()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errHelp
		},
	}
	root.SetOut(cli.out)
	root.PersistentFlags().StringVar(&cli.cfgFile, "config", "", "config file (default is $HOME/.masomo.yaml)")

	root.AddCommand(
		cli.migrateCmd(),
		cli.tenantCmd(),
		cli.questCmd(),
		cli.tokenCmd(),
		cli.questsCmd(),
	)
	return root
}

func (cli *commandLine) setUp() error {
	if cli.conf == nil {
		conf, err := loadConfig(cli.cfgFile)
		if err != nil {
			return err
		}
		cli.conf = conf
	}
	if cli.logger == nil {
		zl, err := logsvc.NewZap("CLI", cli.conf)
		if err != nil {
			return err
		}
		logger := logsvc.NewRollbarLogger(zl, cli.conf)
		logger.Enable(!cli.conf.Debug)
		cli.logger = logger
		cli.sync = logger.Sync
	}
	return nil
}

// loadConfig merges the CLI config file into the app config. Only an explicit --config must exist.
func loadConfig(cfgFile string) (*core.Config, error) {
	v := core.NewViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "locating home directory")
		}
		v.AddConfigPath(home)
		v.SetConfigName(".masomo")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}
	return core.LoadConfig(v), nil
}

func (cli *commandLine) database() (*sqlx.DB, error) {
	if cli.db != nil {
		return cli.db, nil
	}
	if err := database.CreateIfNotExist(cli.conf); err != nil {
		return nil, err
	}
	db, err := database.Open(cli.conf)
	if err != nil {
		return nil, err
	}
	if err = database.Ping(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	cli.db, cli.ownsDB = db, true
	return db, nil
}

func (cli *commandLine) registrySvc() (*registry.Service, error) {
	db, err := cli.database()
	if err != nil {
		return nil, err
	}
	validate := validator.New()
	cli.translator = core.NewTranslator()
	core.InitValidators(validate, cli.translator)
	registry.InitValidators(validate, cli.translator)
	return registry.NewService(sqlxrepos.NewRegistryRepository(db), validate), nil
}

// errorMessage spells out validation errors field by field.
func (cli *commandLine) errorMessage(err error) string {
	var vErrs validator.ValidationErrors
	if cli.translator == nil || !errors.As(err, &vErrs) {
		return err.Error()
	}
	var msgs []string
	for _, fe := range core.TranslateErrors(vErrs, cli.translator) {
		msgs = append(msgs, fe.Field+": "+fe.Error)
	}
	return strings.Join(msgs, "; ")
}

func (cli *commandLine) close() {
	if cli.ownsDB && cli.db != nil {
		if err := cli.db.Close(); err != nil && cli.logger != nil {
			cli.logger.Error("Failed to close database", err)
		}
	}
	if cli.sync != nil {
		_ = cli.sync()
	}
}
