package ctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/binshare/binshare/internal/client"
	"github.com/spf13/viper"
)

const (
	defaultServerURL = "ws://localhost:31013/ws"
	defaultOpsURL    = "http://localhost:31014"

	configName = "binsharectl"
	configType = "json"
	configDir  = ".binshare"

	dialTimeout = 10 * time.Second
)

// app carries the resolved configuration shared by every command.
// Settings resolve in the usual order: flag, then BINSHARE_* environment
// variable, then ~/.binshare/binsharectl.json, then the built-in default.
type app struct {
	cfg        *viper.Viper
	httpClient *http.Client
}

func wireApp() (*app, error) {
	cfg := viper.New()
	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)
	if homeDir, err := os.UserHomeDir(); err == nil {
		cfg.AddConfigPath(filepath.Join(homeDir, configDir))
	}
	cfg.SetEnvPrefix("BINSHARE")
	cfg.AutomaticEnv()
	cfg.SetDefault("server", defaultServerURL)
	cfg.SetDefault("ops", defaultOpsURL)

	if err := cfg.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return &app{
		cfg:        cfg,
		httpClient: http.DefaultClient,
	}, nil
}

func (a *app) serverURL() string { return a.cfg.GetString("server") }
func (a *app) opsURL() string    { return a.cfg.GetString("ops") }

// dial connects to the configured server and returns a ready client.
// The caller owns the client and must Close it.
func (a *app) dial(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	c := client.New(a.serverURL(), opts...)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.serverURL(), err)
	}

	return c, nil
}
