package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName is used for XDG directory suffixes and the environment prefix.
const AppName = "omomatrix"

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("media.avatar-concurrency", 30)
	v.SetDefault("media.concurrency", 10)
	v.SetDefault("media.max-dimension", 1200)
	v.SetDefault("verification.timeout", 10*time.Minute)

	if cfgfile != "" {
		v.SetConfigFile(cfgfile)

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("error reading config file %s", err)
			}
		} else if runtime.GOOS != "illumos" {
			// reload config on file changes
			v.WatchConfig()
		}
	}

	return v, nil
}

// CacheDir returns the application cache directory, creating it if needed.
func CacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		base = filepath.Join(home, ".cache")
	}

	dir := filepath.Join(base, AppName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	return dir, nil
}

// DataDir returns the application data directory, creating it if needed.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		base = filepath.Join(home, ".local", "share")
	}

	dir := filepath.Join(base, AppName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	return dir, nil
}

// DatabasePath returns the path of the bbolt database holding the session
// record and the profile cache.
func DatabasePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, AppName+".db"), nil
}

// AvatarCacheDir returns the avatar cache directory, creating it if needed.
func AvatarCacheDir() (string, error) {
	return cacheSubdir("avatars")
}

// MediaCacheDir returns the media cache directory, creating it if needed.
func MediaCacheDir() (string, error) {
	return cacheSubdir("media")
}

func cacheSubdir(name string) (string, error) {
	base, err := CacheDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	return dir, nil
}
