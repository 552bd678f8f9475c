//go:build linux

// wsrv runs a wsys server: the class registry and broker
// behind a per-pid unix socket.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glycerine/wsys"
	"github.com/glycerine/wsys/registry"
	"github.com/glycerine/wsys/value"
)

var (
	cfgFile    string
	quitStacks bool
)

var rootCmd = &cobra.Command{
	Use:   "wsrv",
	Short: "wsys object broker",
	Long: `wsrv serves the wsys class registry to local clients.

It listens on <socket_dir>/wsys-<pid>, authenticates each
client by its kernel credentials, and relays messages
between clients.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := wsys.NewLogger(cfg.Log)
		m := wsys.DefaultMetrics()
		if quitStacks {
			wsys.DumpStacksOnQuit(nil)
		}

		srv := wsys.NewServer(cfg, log, m)
		installDemoClasses(srv.Reg)
		var names []string
		for _, c := range srv.Reg.Classes() {
			names = append(names, c.Name)
		}
		log.Info().Strs("classes", names).Msg("registered")
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Close()
		fmt.Printf("wsrv pid %v listening on %v\n", os.Getpid(), srv.Path())

		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
				}
			}()
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(wsys.GetCodeVersion("wsrv"))
	},
}

func loadConfig() (*wsys.Config, error) {
	if cfgFile != "" {
		return wsys.LoadConfig(cfgFile)
	}
	return wsys.ConfigFromEnv()
}

// installDemoClasses registers a small Counter class so a
// bare server has something beyond the builtins to poke at.
func installDemoClasses(reg *registry.Registry) {
	reg.MustRegister(registry.ClassDef{
		Name:   "Counter",
		Supers: []string{registry.RootClass},
		Methods: map[string][]registry.Overload{
			"bump": {
				registry.Over(func(c *registry.Call) *value.Tuple {
					return bump(c, 1)
				}),
				registry.Over(func(c *registry.Call) *value.Tuple {
					return bump(c, c.Args.Get(0).Uint32())
				}, value.Uint32),
			},
		},
		Props: []registry.Property{
			{
				Name: "count",
				Type: value.Uint32,
				Hook: func(o *registry.Object, name string, old, new value.Value) {
					o.Class.Registry().Emit(o, "changed", value.TupleOf(new))
				},
			},
		},
	})
}

func bump(c *registry.Call, by uint32) *value.Tuple {
	v, _ := c.Reg.GetProperty(c.Self, "count")
	n := v.Uint32() + by
	if err := c.Reg.SetProperty(c.Self, "count", value.NewUint32(n)); err != nil {
		return value.ErrorTuple("bump: %v", err)
	}
	return value.TupleOf(value.NewUint32(n))
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "yaml config file (default: WSYS_* environment only)")
	serveCmd.Flags().BoolVar(&quitStacks, "quit-stacks", false, "on SIGQUIT print goroutine stacks without the gc's, then exit")
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
