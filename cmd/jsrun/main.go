package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	engine "github.com/icyseptember2237/jsengine"
	"github.com/icyseptember2237/jsengine/loader"
)

type config struct {
	expr     string
	flags    string
	alias    string
	strict   bool
	timeout  time.Duration
	verbose  bool
	modules  string
	cacheDir string
	script   string
}

func main() {
	var cfg config
	flag.StringVar(&cfg.expr, "e", "", "Evaluate expression and print the result")
	flag.StringVar(&cfg.flags, "flags", "", "Engine flags, e.g. \"--max-call-stack-size=500\"")
	flag.StringVar(&cfg.alias, "alias", "", "Expose the global object under this name")
	flag.BoolVar(&cfg.strict, "strict", false, "Run scripts in strict mode")
	flag.DurationVar(&cfg.timeout, "timeout", 0, "Terminate scripts running longer than this")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose logging")
	flag.StringVar(&cfg.modules, "modules", "", "Directory or URL require() resolves modules against")
	flag.StringVar(&cfg.cacheDir, "cache", defaultCacheDir(), "Directory for the module cache and history")
	flag.Parse()

	if flag.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: jsrun [flags] [script.js]")
		fmt.Fprintln(os.Stderr, "       jsrun -e <expression>")
		os.Exit(1)
	}
	cfg.script = flag.Arg(0)

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("JSRUN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".jsrun")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zc.DisableStacktrace = !verbose
	return zc.Build()
}

func run(cfg config) error {
	logger, err := newLogger(cfg.verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	engine.SetLogger(logger)

	if cfg.flags != "" {
		if err := engine.SetFlags(cfg.flags); err != nil {
			return err
		}
	}

	l, err := loader.New(loader.Config{
		Base:     cfg.modules,
		CacheDir: cfg.cacheDir,
		Logger:   logger.Named("loader"),
	})
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	defer l.Close()

	cc, err := engine.NewConcurrentContext(engine.Options{
		Logger:        logger,
		StrictMode:    cfg.strict,
		EnableRequire: true,
		SourceLoader:  l.Load,
		EnableConsole: true,
	}, cfg.alias)
	if err != nil {
		return err
	}
	defer func() {
		if err := cc.Release(cfg.verbose); err != nil {
			logger.Warn("release failed", zap.Error(err))
		}
	}()

	logger.Debug("jsrun started",
		zap.String("engine", engine.Version()),
		zap.String("modules", l.Base()))

	switch {
	case cfg.expr != "":
		return evaluate(cc, cfg, cfg.expr, "<eval>", true)
	case cfg.script != "":
		source, err := os.ReadFile(cfg.script)
		if err != nil {
			return err
		}
		return evaluate(cc, cfg, string(source), cfg.script, false)
	default:
		return repl(cc, cfg)
	}
}

// evaluate runs source, interrupted by SIGINT or the configured timeout.
func evaluate(cc *engine.ConcurrentContext, cfg config, source, name string, print bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	return cc.RunContext(ctx, func(c *engine.Context) error {
		mm, err := c.NewMemoryManager()
		if err != nil {
			return err
		}
		defer mm.Release()

		result, err := c.ExecuteScriptContext(ctx, source, engine.WithName(name))
		if err != nil {
			return err
		}
		if print {
			fmt.Println(format(result))
		}
		return nil
	})
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return nullStyle.Render("null")
	case engine.Reference:
		if x.IsUndefined() {
			return nullStyle.Render("undefined")
		}
		if s, ok := x.(fmt.Stringer); ok {
			return objectStyle.Render(s.String())
		}
		return objectStyle.Render(fmt.Sprintf("%T", x))
	case string:
		return stringStyle.Render(fmt.Sprintf("%q", x))
	default:
		return resultStyle.Render(fmt.Sprint(x))
	}
}
