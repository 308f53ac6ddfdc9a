// cloudpan runs the resumable-upload engine with its HTTP surface and the
// expired-session janitor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/httpapi"
	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/redis"
	"github.com/icefunicu/cloudpan/upload"
	"github.com/icefunicu/cloudpan/upload/collector"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Redis    string `help:"redis address, redis://host:port?db=n" default:"redis://127.0.0.1:6379?db=0"`
	Database string `help:"path of the metadata database" default:"cloudpan.db"`
	Debug    bool   `help:"log at debug level in console format" default:"false"`

	Storage blobstore.Config
	Server  httpapi.Config
	Upload  upload.Config
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudpan",
		Short: "personal-cloud upload engine",
	}

	var configFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the upload engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), config)
		},
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "path to a yaml config file")
	rootCmd.AddCommand(runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig merges defaults, an optional config file and CLOUDPAN_*
// environment variables.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("cloudpan")
	v.AutomaticEnv()

	v.SetDefault("redis", "redis://127.0.0.1:6379?db=0")
	v.SetDefault("database", "cloudpan.db")
	v.SetDefault("debug", false)
	v.SetDefault("storage.backend", "local:blobs")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("upload.limiter.maxconcurrent", 5)
	v.SetDefault("upload.limiter.counterttl", "1h")
	v.SetDefault("upload.sessions.ttl", "24h")
	v.SetDefault("upload.sessions.uploadingttl", "1h")
	v.SetDefault("upload.merger.mergingttl", "30m")
	v.SetDefault("upload.merger.resultttl", "24h")
	v.SetDefault("upload.merger.pollinterval", "50ms")
	v.SetDefault("upload.quota.defaulttotal", "10.00 GB")
	v.SetDefault("upload.quota.cachettl", "24h")
	v.SetDefault("upload.dedup.expectedobjects", 1000000)
	v.SetDefault("upload.dedup.falsepositiverate", 0.1)
	v.SetDefault("upload.dedup.cachettl", "168h")
	v.SetDefault("upload.collector.interval", "1h")
	v.SetDefault("upload.collector.expiration", "24h")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errs.Wrap(err)
		}
	}

	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return Config{}, errs.Wrap(err)
	}
	return config, nil
}

func run(ctx context.Context, config Config) (err error) {
	log, err := newLogger(config.Debug)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	client, err := redis.OpenClientFrom(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, client.Close()) }()

	db, err := metadb.Open(ctx, log.Named("metadb"), config.Database)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	gateway, err := blobstore.New(ctx, log.Named("blobstore"), config.Storage)
	if err != nil {
		return err
	}

	service := upload.New(log.Named("upload"), client, gateway, db, config.Upload)
	if err := service.Index().Warm(ctx); err != nil {
		return err
	}

	janitor := collector.NewService(log.Named("collector"),
		service.Tracker(), gateway, config.Upload.Collector)
	server := httpapi.New(log.Named("httpapi"), service, config.Server)

	log.Info("starting",
		zap.String("address", config.Server.Address),
		zap.String("storage", config.Storage.Backend))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return janitor.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Run()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return errs.Combine(server.Close(), janitor.Close())
	})

	return group.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
