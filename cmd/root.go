package cmd

import (
	"github.com/zhouchongyu/work-assistant-sub001/internal/api"
	"github.com/zhouchongyu/work-assistant-sub001/internal/notify"
	"github.com/zhouchongyu/work-assistant-sub001/internal/scheduler"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const app = "work-assistant"

// Config 是应用配置，从 YAML 文件与命令行标志合并而来。
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Scheduler scheduler.Config   `mapstructure:"scheduler"`
	Matcher   MatcherConfig      `mapstructure:"matcher"`
	API       api.Config         `mapstructure:"api"`
	Email     notify.EmailConfig `mapstructure:"email"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MatcherConfig 控制打分权重与后台任务池。
type MatcherConfig struct {
	WeightsFile string `mapstructure:"weights-file"`
	Workers     int    `mapstructure:"workers"`
	QueueSize   int    `mapstructure:"queue-size"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "work-assistant reconciles AI analysis callbacks and matches demands with candidate resumes",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is work-assistant.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
		viper.SetConfigType("yaml")
	}

	// 配置文件缺失时全部走默认值，解析失败才是硬错误。
	_ = viper.ReadInConfig()
}

func getConfig() (*Config, error) {
	var config *Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}
	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Database.Path == "" {
		config.Database.Path = "work-assistant.db"
	}
	return config, nil
}
