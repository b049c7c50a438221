package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
	tmcfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var dbftTemplate *template.Template

func init() {
	var err error
	if dbftTemplate, err = template.New("dbftConfigFileTemplate").Parse(dbftConfigTemplate); err != nil {
		panic(err)
	}
}

// WriteConfigFile 写入tendermint的配置模板，随后追加[dbft]一节
func WriteConfigFile(configFilePath string, config *Config) error {
	tmcfg.WriteConfigFile(configFilePath, &config.Config)

	var buffer bytes.Buffer
	if err := dbftTemplate.Execute(&buffer, config); err != nil {
		return errors.Wrap(err, "rendering [dbft] section")
	}

	f, err := os.OpenFile(configFilePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", configFilePath)
	}
	defer f.Close()

	if _, err := f.Write(buffer.Bytes()); err != nil {
		return errors.Wrapf(err, "writing %s", configFilePath)
	}
	return nil
}

// EnsureRoot 创建根目录，配置文件不存在时写入默认配置
func EnsureRoot(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	exists := tmos.FileExists(configFilePath)

	tmcfg.EnsureRoot(rootDir)
	if exists {
		return nil
	}
	conf := DefaultConfig()
	conf.SetRoot(rootDir)
	return WriteConfigFile(configFilePath, conf)
}

const defaultConfigFilePath = "config/config.toml"

const dbftConfigTemplate = `

#######################################################
###         dBFT Consensus Configuration Options    ###
#######################################################
[dbft]

# Interval between two blocks; view timeouts double from here
block_time = "{{ .DBFT.BlockTime }}"
max_timeout_shift = {{ .DBFT.MaxTimeoutShift }}

min_validators = {{ .DBFT.MinValidators }}
max_validators = {{ .DBFT.MaxValidators }}
min_stake = {{ .DBFT.MinStake }}

max_block_size = {{ .DBFT.MaxBlockSize }}
max_block_system_fee = {{ .DBFT.MaxBlockSystemFee }}
max_transactions_per_block = {{ .DBFT.MaxTransactionsPerBlock }}

# Transaction ordering for proposals: fifo | highest_fee | fee_per_byte
selection_strategy = "{{ .DBFT.SelectionStrategy }}"

recovery_initial_interval = "{{ .DBFT.RecoveryInitialInterval }}"
recovery_max_interval = "{{ .DBFT.RecoveryMaxInterval }}"
recovery_max_elapsed = "{{ .DBFT.RecoveryMaxElapsed }}"

max_message_cache = {{ .DBFT.MaxMessageCache }}
liveness_warn_view = {{ .DBFT.LivenessWarnView }}
performance_window = {{ .DBFT.PerformanceWindow }}

# Round-state store backend: goleveldb | memdb | badger
db_backend = "{{ .DBFT.DBBackend }}"

# Rotating log file, empty to log to stdout only
log_file = "{{ .DBFT.LogFile }}"
`
