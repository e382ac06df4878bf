package serve

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/pathkvs/cmd/util"
	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/common"
	"github.com/ValentinKolb/pathkvs/rpc/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the pathkvs server",
		Long:    `Start the pathkvs server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is PATHKVS_<flag> (e.g. PATHKVS_ENDPOINT=:6314)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, ":6314", cmdUtil.WrapString("The address on which the server will listen"))

	key = "path"
	ServeCmd.PersistentFlags().String(key, "data.pathkvs", cmdUtil.WrapString("The database file. It is created if absent; the full commit history lives in this one append-only file"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address of a Prometheus metrics listener (e.g. localhost:9100, empty = disabled)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Per-command connection deadline in seconds (0 = none, interactive sessions stay connected while idle)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY for accepted connections"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval for accepted connections (in seconds, 0 = disabled)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The socket read buffer size in bytes (0 = kernel default)"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The socket write buffer size in bytes (0 = kernel default)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Path = viper.GetString("path")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.TCPNoDelay = viper.GetBool("tcp-nodelay")
	serveCmdConfig.TCPKeepAliveSec = viper.GetInt("tcp-keepalive")
	serveCmdConfig.ReadBufferSize = viper.GetInt("read-buffer")
	serveCmdConfig.WriteBufferSize = viper.GetInt("write-buffer")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	common.InitLoggers(serveCmdConfig.LogLevel)

	cmd.Println(serveCmdConfig.String())

	db, err := kv.Open(serveCmdConfig.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	// optional Prometheus endpoint
	if serveCmdConfig.MetricsEndpoint != "" {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
				metrics.WritePrometheus(w, true)
			})
			if err := http.ListenAndServe(serveCmdConfig.MetricsEndpoint, mux); err != nil {
				server.Logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	return server.New(db, *serveCmdConfig).ListenAndServe()
}
