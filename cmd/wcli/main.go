//go:build linux

// wcli is a command line wsys client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/glycerine/wsys"
	"github.com/glycerine/wsys/registry"
	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

var (
	cfgFile   string
	serverPid int
	socket    string
	objectID  uint32
	pingCount int
)

var rootCmd = &cobra.Command{
	Use:   "wcli",
	Short: "Talk to a running wsrv",
	Long: `wcli connects to a wsys server and calls methods on its
classes and objects.

Arguments are typed by prefix: u:7 is a uint32, i:-3 an
int32, s:text (or just text) a string.`,
}

var callCmd = &cobra.Command{
	Use:   "call <class> <method> [args...]",
	Short: "Invoke a class method, or an instance method with --object",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		vals, err := parseArgs(args[2:])
		if err != nil {
			return err
		}
		var res *value.Tuple
		if objectID != 0 {
			res, err = c.InvokeInstance(objectID, args[1], vals...)
		} else {
			id, ferr := c.FindClass(args[0])
			if ferr != nil {
				return ferr
			}
			res, err = c.InvokeClass(id, args[1], vals...)
		}
		if err != nil {
			return err
		}
		fmt.Println(res)
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <class>",
	Short: "Show a class's supers, methods and properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.FindClass(args[0])
		if err != nil {
			return err
		}
		res, err := c.InvokeClass(id, "describe")
		if err != nil {
			return err
		}
		info, err := registry.ParseClassInfo(res.Get(0).Bytes())
		if err != nil {
			return err
		}
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			by, err := json.Marshal(info)
			if err != nil {
				return err
			}
			fmt.Println(string(by))
			return nil
		}
		by, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(by))
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Time round trips through the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		stats := newPingStats(pingCount)
		for i := 0; i < pingCount; i++ {
			if _, err := c.Ping(); err != nil {
				return err
			}
			if i%10 == 9 {
				stats.show(i + 1)
			}
		}
		stats.finish()
		p50, n := c.LatencyQuantile(0.5)
		p99, _ := c.LatencyQuantile(0.99)
		fmt.Printf("client %v: %v round trips, p50 %.3f ms, p99 %.3f ms\n", c.ID(), n, p50, p99)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <object> <signal>",
	Short: "Print events from an object's signal until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		c.OnMessage(func(m *wire.Message) {
			fmt.Printf("%v %v\n", time.Now().Format("15:04:05.000"), m)
		})
		d := wsys.NewDualThread(c)
		d.Start()
		defer d.Stop()
		if err := c.Subscribe(uint32(obj), args[1]); err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(wsys.GetCodeVersion("wcli"))
	},
}

func dial() (*wsys.Client, error) {
	var cfg *wsys.Config
	var err error
	if cfgFile != "" {
		cfg, err = wsys.LoadConfig(cfgFile)
	} else {
		cfg, err = wsys.ConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if socket != "" {
		cfg.SocketPath = socket
	}
	if serverPid != 0 {
		cfg.ServerPid = serverPid
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return wsys.Dial(cfg, wsys.NewLogger(cfg.Log))
}

func parseArgs(args []string) (vals []value.Value, err error) {
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "u:"):
			u, err := strconv.ParseUint(a[2:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad uint32 %q: %v", a, err)
			}
			vals = append(vals, value.NewUint32(uint32(u)))
		case strings.HasPrefix(a, "i:"):
			i, err := strconv.ParseInt(a[2:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad int32 %q: %v", a, err)
			}
			vals = append(vals, value.NewInt32(int32(i)))
		case strings.HasPrefix(a, "s:"):
			vals = append(vals, value.NewString(a[2:]))
		default:
			vals = append(vals, value.NewString(a))
		}
	}
	return
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "yaml config file")
	pf.IntVarP(&serverPid, "pid", "p", 0, "pid of the server to connect to")
	pf.StringVarP(&socket, "socket", "s", "", "server socket path (overrides --pid)")
	callCmd.Flags().Uint32VarP(&objectID, "object", "o", 0, "call an instance method on this object id")
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 100, "round trips to time")

	rootCmd.AddCommand(callCmd, describeCmd, pingCmd, watchCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
