package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toadrunner",
	Short: "toadrunner runs HTTP load tests and streams their progress",
	Long: `toadrunner accepts load-test jobs over HTTP, drives them with an
embedded load generator and exposes their status, results and live
logs while they run.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.toadrunner.yaml)")
	rootCmd.AddCommand(serveCmd)
}

// initConfig reads in config file if set, otherwise searches home and the
// working directory for .toadrunner.{yaml,json,toml}.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".toadrunner")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Printf("error reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
