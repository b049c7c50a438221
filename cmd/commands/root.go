package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"
	"gopkg.in/natefinch/lumberjack.v2"

	cfg "dbft_demo/config"
)

var (
	config = cfg.DefaultConfig()
	logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
)

func init() {
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log_level", config.LogLevel, "log level")
	cmd.PersistentFlags().String("dbft.log_file", config.DBFT.LogFile, "also write logs to this rotating file")
}

// ParseConfig retrieves the default environment configuration,
// sets up the root and ensures that the root exists
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	err := viper.Unmarshal(conf)
	if err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	if err := cfg.EnsureRoot(conf.RootDir); err != nil {
		return nil, err
	}
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %v", err)
	}
	return conf, nil
}

// newLogger 按配置选择输出格式，log_file非空时同时写入滚动文件
func newLogger(conf *cfg.Config) (log.Logger, error) {
	var out io.Writer = os.Stdout
	if conf.DBFT.LogFile != "" {
		path := conf.DBFT.LogFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(conf.RootDir, path)
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    64, // megabytes
			MaxBackups: 10,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	var l log.Logger
	if conf.LogFormat == tmcfg.LogFormatJSON {
		l = log.NewTMJSONLogger(log.NewSyncWriter(out))
	} else {
		l = log.NewTMLogger(log.NewSyncWriter(out))
	}

	l, err := tmflags.ParseLogLevel(conf.LogLevel, l, tmcfg.DefaultLogLevel)
	if err != nil {
		return nil, err
	}
	if viper.GetBool(cli.TraceFlag) {
		l = log.NewTracingLogger(l)
	}
	return l.With("module", "main"), nil
}

// RootCmd is the root command for the dbft node.
var RootCmd = &cobra.Command{
	Use:   "dbft",
	Short: "dBFT consensus node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		config, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = newLogger(config)
		return err
	},
}

// deprecateSnakeCase is a util function for 0.34.1. Should be removed in 0.35
func deprecateSnakeCase(cmd *cobra.Command, args []string) {
	if strings.Contains(cmd.CalledAs(), "_") {
		fmt.Println("Deprecated: snake_case commands will be replaced by hyphen-case commands in the next major release")
	}
}
