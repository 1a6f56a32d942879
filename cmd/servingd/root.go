package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "servingd",
		Short:         "Model and pipeline serving daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envStr("SERVINGD_LOG_LEVEL", "info"), "Log level: trace|debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envStr("SERVINGD_LOG_FORMAT", "json"), "Log format: json|console")

	root.AddCommand(newServeCmd(opts), newValidateCmd(opts), newPlanCmd(opts))
	return root
}

// logger builds the root logger writing to w.
func (o *rootOptions) logger(w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(o.logLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	switch o.logFormat {
	case "json", "":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "servingd").Logger(), nil
}

func stderrLogger(o *rootOptions) (zerolog.Logger, error) { return o.logger(os.Stderr) }
