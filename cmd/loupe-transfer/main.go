package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loupeproject/loupe/internal/common"
	"github.com/loupeproject/loupe/internal/configuration"
	"github.com/loupeproject/loupe/internal/transfer"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.PipelineConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/loupe-transfer", userSpecifiedConfigs)

	ctx := common.CreateContextWithShutdown()
	if err := transfer.Run(ctx, &config); err != nil {
		log.WithError(err).Error("Transfer failed")
		os.Exit(1)
	}
}
