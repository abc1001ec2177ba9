// Command plugintrust operates a plugin trust kernel: it serves the
// read-only admin API and manages keys, installs and grants against the
// configured stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-trust/config"
)

type app struct {
	configPath string
	envFiles   []string
	out        io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "plugintrust",
		Short:         "Plugin signature, permission and sandbox trust kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"YAML config file (env PLUGINTRUST_CONFIG)")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(
		a.serveCommand(),
		a.installCommand(),
		a.runCommand(),
		a.keysCommand(),
		a.grantsCommand(),
		a.auditCommand(),
	)
	return root
}

// open loads configuration and wires a kernel for one command.
func (a *app) open(ctx context.Context) (*env, error) {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	return wire(ctx, cfg, cfg.NewLogger())
}

// withKernel runs fn against a freshly wired kernel and closes it after.
func (a *app) withKernel(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) (err error) {
	ctx := cmd.Context()
	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, e)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
