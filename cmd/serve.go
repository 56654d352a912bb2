package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javking07/toadrunner/app"
	"github.com/javking07/toadrunner/conf"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run service",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := conf.Load(viper.GetViper())
		if err != nil {
			return err
		}

		var a app.App
		a.Bootstrap(config)
		if err := a.RunApp(); err != nil {
			log.Error().Err(err).Msg("server stopped")
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port to listen on (overrides server.port)")
	serveCmd.Flags().String("log-level", "", "log level (overrides logging.level)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("logging.level", serveCmd.Flags().Lookup("log-level"))
}
