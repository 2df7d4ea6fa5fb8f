package cli

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/r9s-ai/reqpool/internal/logx"
	"github.com/r9s-ai/reqpool/internal/version"
	"github.com/r9s-ai/reqpool/pkg/config"
	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/pool"
	"github.com/r9s-ai/reqpool/pkg/request"
	"github.com/r9s-ai/reqpool/pkg/requestconfig"
)

// runtime is what every subcommand needs after flags and config are merged.
type runtime struct {
	cfg      *config.Config
	defsPath string
	seeds    map[string]any
	logger   glog.Logger
	styles   logx.Styles
}

// loadRuntime merges config file, environment and flags. out only decides
// whether output is colored.
func loadRuntime(opts *globalOptions, out io.Writer) (*runtime, error) {
	cfg, err := config.LoadIfExists(strings.TrimSpace(opts.cfgPath))
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.Logging.Level = v
	}
	defsPath := strings.TrimSpace(opts.defsPath)
	if defsPath == "" {
		defsPath = cfg.Definitions.File
	}

	seeds := make(map[string]any, len(cfg.Values)+len(opts.sets))
	for k, v := range cfg.Values {
		seeds[k] = v
	}
	flagSeeds, err := parseSets(opts.sets)
	if err != nil {
		return nil, err
	}
	for k, v := range flagSeeds {
		seeds[k] = v
	}

	logger, err := logx.NewLogger("reqpool", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		defsPath: defsPath,
		seeds:    seeds,
		logger:   logger,
		styles:   logx.NewStyles(colorFor(out, opts.noColor)),
	}, nil
}

// parseSets reads name=value pairs. A value that is not valid JSON is taken
// as a plain string.
func parseSets(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		name, raw, ok := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("invalid --set %q (expect: name=json)", s)
		}
		v, err := jsonutil.DecodeBytes([]byte(raw))
		if err != nil {
			v = raw
		}
		out[name] = v
	}
	return out, nil
}

func (rt *runtime) seedNames() []string {
	names := make([]string, 0, len(rt.seeds))
	for k := range rt.seeds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (rt *runtime) loadDefinitions() (map[string]request.Definition, error) {
	return requestconfig.Load(rt.defsPath)
}

// newPool builds a pool over defs with the configured transport and seeds.
func (rt *runtime) newPool(defs map[string]request.Definition, reg prometheus.Registerer) (*pool.Pool, error) {
	return pool.New(defs, pool.Options{
		HTTP:        rt.cfg.HTTPOptions(),
		Header:      rt.cfg.Header(version.UserAgent()),
		ResponseTTL: rt.cfg.ResponseTTL(),
		Seeds:       rt.seeds,
		Logger:      rt.logger,
		Registerer:  reg,
	})
}

// loadPool reads and checks the definitions file, then builds a pool over it.
// Validation issues do not prevent the pool from being built.
func (rt *runtime) loadPool(reg prometheus.Registerer) (*pool.Pool, []error, error) {
	defs, err := rt.loadDefinitions()
	if err != nil {
		return nil, nil, err
	}
	issues := requestconfig.Validate(defs, rt.seedNames())
	p, err := rt.newPool(defs, reg)
	if err != nil {
		return nil, issues, err
	}
	return p, issues, nil
}

func (rt *runtime) warnIssues(issues []error) {
	for _, issue := range issues {
		rt.logger.Warn("definition issue", zap.String("path", rt.defsPath), zap.Error(issue))
	}
}

func colorFor(out io.Writer, disabled bool) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return logx.ColorEnabled(f, disabled)
}
