package am

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/fsutil"
)

// backupCount is the number of rotated backups kept next to the config file
const backupCount = 3

// WriteDefault writes the default configuration as TOML to configPath,
// rotating any existing file into .back1..back3 first.
func WriteDefault(configPath string) error {
	v := viper.New()
	SetDefaults(v)
	return WriteSettings(configPath, v.AllSettings())
}

// WriteSettings marshals settings to TOML and writes them atomically.
func WriteSettings(configPath string, settings map[string]interface{}) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := fsutil.AtomicWrite(configPath, data); err != nil {
		return errors.Wrapf(err, "failed to write config %s", configPath)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	for i := backupCount; i > 1; i-- {
		older := backupName(configPath, i)
		newer := backupName(configPath, i-1)
		if _, err := os.Stat(newer); err == nil {
			if err := os.Rename(newer, older); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", newer)
			}
		}
	}

	if err := os.WriteFile(backupName(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func backupName(configPath string, n int) string {
	return configPath + ".back" + string(rune('0'+n))
}
