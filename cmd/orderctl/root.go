package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/payload"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/sqlite"
	"github.com/drfirst/go-orderwidget/internal/render"
)

// app carries the settings shared by every subcommand. Flags win over
// ORDERCTL_* environment variables.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
	stdin  io.Reader
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "orderctl",
		Short:         "Evaluate order widget configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if a.v.GetBool("verbose") {
				logger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				a.logger = logger
			}
			a.stdin = cmd.InOrStdin()
			return nil
		},
	}

	a.v.SetEnvPrefix("orderctl")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	pf := root.PersistentFlags()
	pf.StringP("payload", "p", "", "configuration payload: a path, - for stdin, or s3://bucket/key")
	pf.String("as-of", "", "render as of this date (yyyy-mm-dd) instead of the encounter date")
	pf.String("rules", "", "eligibility rules for payloads that do not name them (standard, in-encounter-edit)")
	pf.String("sqlite", "", "SQLite order history file")
	pf.String("patient", "", "patient id for SQLite history")
	pf.String("concept", "", "orderable concept id for SQLite history")
	pf.String("s3-region", "", "S3 region")
	pf.String("s3-endpoint", "", "S3 endpoint override")
	pf.Bool("s3-path-style", false, "use path-style S3 addressing")
	pf.BoolP("verbose", "v", false, "log to stderr")

	root.AddCommand(
		a.renderCmd(),
		a.orderablesCmd(),
		a.actionsCmd(),
		a.diagnoseCmd(),
		a.importCmd(),
	)
	return root
}

func (a *app) asOf() (order.Date, error) {
	d := order.Date(a.v.GetString("as-of"))
	if !d.IsZero() && !d.Valid() {
		return "", fmt.Errorf("--as-of %q is not yyyy-mm-dd", d)
	}
	return d, nil
}

func (a *app) rules() (order.RuleSet, error) {
	r, err := order.ParseRuleSet(a.v.GetString("rules"))
	if err != nil {
		return r, fmt.Errorf("--rules: %w", err)
	}
	return r, nil
}

func (a *app) service(histories render.HistorySource) (*render.Service, error) {
	rules, err := a.rules()
	if err != nil {
		return nil, err
	}
	return render.NewService(render.Options{Rules: rules, Histories: histories, Logger: a.logger}), nil
}

// loadPayload reads and decodes --payload with svc's default rules
func (a *app) loadPayload(ctx context.Context, svc *render.Service) (*order.Config, error) {
	location := a.v.GetString("payload")
	if location == "" {
		return nil, errors.New("--payload is required")
	}

	loader := payload.NewLoader(nil)
	if strings.HasPrefix(location, "s3://") {
		client, err := payload.NewS3Client(ctx, payload.S3Config{
			Region:    a.v.GetString("s3-region"),
			Endpoint:  a.v.GetString("s3-endpoint"),
			PathStyle: a.v.GetBool("s3-path-style"),
		})
		if err != nil {
			return nil, err
		}
		loader = payload.NewLoader(client)
	}
	if location == "-" {
		loader = loader.WithStdin(a.stdin)
	}

	raw, err := loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("payload loaded", zap.String("location", location), zap.Int("bytes", len(raw)))
	return svc.DecodeConfig(raw)
}

func (a *app) openHistory() (*sqlite.HistoryStore, error) {
	path := a.v.GetString("sqlite")
	if path == "" {
		return nil, errors.New("--sqlite is required")
	}
	return sqlite.Open(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
