package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/pkg/config"
)

const DefaultConfigPath = "config.json"

type Deps struct {
	LoadConfig func(path string) (*config.Config, error)
	RunServe   func(context.Context, *config.Config) error
	RunTUI     func(context.Context, *config.Config) error
	Out        io.Writer
}

func BuildApp(deps Deps) *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a .json, .yaml or .toml config file",
		Value:   DefaultConfigPath,
		EnvVars: []string{"STEPWISE_CONFIG"},
	}
	return &cli.App{
		Name:  "stepwise",
		Usage: "turn a rough idea into a reviewed, step-by-step process",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(deps, ctx.String("config"))
			if err != nil {
				return err
			}
			return runServe(ctx.Context, deps, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the HTTP API and any enabled chat gateways",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "override the HTTP listen address"},
				},
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(deps, ctx.String("config"))
					if err != nil {
						return err
					}
					if addr := ctx.String("addr"); addr != "" {
						if cfg.Gateways == nil {
							cfg.Gateways = map[string]config.GatewayConfig{}
						}
						g := cfg.Gateways["http"]
						g.Addr = addr
						g.Enabled = true
						cfg.Gateways["http"] = g
					}
					return runServe(ctx.Context, deps, cfg)
				},
			},
			{
				Name:  "tui",
				Usage: "run one wizard session in the terminal",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(deps, ctx.String("config"))
					if err != nil {
						return err
					}
					return runTUI(ctx.Context, deps, cfg)
				},
			},
			{
				Name:  "prompts",
				Usage: "print the built-in system prompts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "print only this prompt"},
				},
				Action: func(ctx *cli.Context) error {
					return printPrompts(output(deps), ctx.String("name"))
				},
			},
		},
	}
}

func loadConfig(deps Deps, path string) (*config.Config, error) {
	if deps.LoadConfig != nil {
		return deps.LoadConfig(path)
	}
	return config.Load(path)
}

func output(deps Deps) io.Writer {
	if deps.Out != nil {
		return deps.Out
	}
	return os.Stdout
}

func runServe(ctx context.Context, deps Deps, cfg *config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runTUI(ctx context.Context, deps Deps, cfg *config.Config) error {
	if deps.RunTUI == nil {
		return errors.New("tui runner is not configured")
	}
	return deps.RunTUI(ctx, cfg)
}

func printPrompts(w io.Writer, only string) error {
	if only != "" {
		if agent.Default(only) == "" {
			return fmt.Errorf("unknown prompt %q", only)
		}
		_, err := fmt.Fprintln(w, agent.Default(only))
		return err
	}
	for _, name := range agent.Names() {
		if _, err := fmt.Fprintf(w, "## %s\n\n%s\n\n", name, agent.Default(name)); err != nil {
			return err
		}
	}
	return nil
}
