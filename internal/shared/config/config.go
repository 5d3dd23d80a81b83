package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"nettasker/internal/shared/types"
)

// LoadIni 加载 tasker.ini 行为配置文件。未出现的键保留 cfg 中已有的默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.PoolConf.DefaultMaxConnections, "TASKER_MAX_CONNECTIONS")
	overrideFromEnvInt(&cfg.RunnerConf.MaxConcurrentTasks, "TASKER_MAX_CONCURRENT_TASKS")
	overrideFromEnvString(&cfg.LogConf.Level, "TASKER_LOG_LEVEL")
	return nil
}

// LoadIniBytes is LoadIni over an in-memory document.
func LoadIniBytes(cfg *types.Config, data []byte) error {
	iniFile, err := ini.Load(data)
	if err != nil {
		return err
	}
	return iniFile.MapTo(cfg)
}

// EnvBool reads a boolean override. ok is false when the variable is unset or unparsable.
func EnvBool(envName string) (value bool, ok bool) {
	envValue := os.Getenv(envName)
	if envValue == "" {
		return false, false
	}
	b, err := strconv.ParseBool(envValue)
	if err != nil {
		return false, false
	}
	return b, true
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
