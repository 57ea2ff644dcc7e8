package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	cacheTTL       time.Duration
	db             string
	playerTimeout  time.Duration
	pollInterval   time.Duration
	port           int
	prefix         string
	profile        bool
	retention      time.Duration
	sessionTimeout time.Duration
	startDocument  string
	targetDocument string
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
	wikiHost       string

	// wikiURL overrides https://<wikiHost>.
	wikiURL string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if strings.TrimSpace(c.db) == "" {
		return errors.New("--db must not be empty")
	}
	if strings.TrimSpace(c.wikiHost) == "" || strings.ContainsAny(c.wikiHost, "/:") {
		return fmt.Errorf("invalid --wiki-host (expected a bare host name): %q", c.wikiHost)
	}
	for name, d := range map[string]time.Duration{
		"--cache-ttl":       c.cacheTTL,
		"--player-timeout":  c.playerTimeout,
		"--poll-interval":   c.pollInterval,
		"--retention":       c.retention,
		"--session-timeout": c.sessionTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}
	if c.pollInterval == 0 {
		return errors.New("--poll-interval must be greater than zero")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WIKIRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "wikirace",
		Short:         "Race your friends from one encyclopedia article to another, following only links.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WIKIRACE_BIND)")
	fs.DurationVar(&cfg.cacheTTL, "cache-ttl", 24*time.Hour, "how long fetched articles are cached (env: WIKIRACE_CACHE_TTL)")
	fs.StringVar(&cfg.db, "db", "wikirace.db", "path to the sqlite database (env: WIKIRACE_DB)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Minute, "time before silent connections are dropped (env: WIKIRACE_PLAYER_TIMEOUT)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 2*time.Second, "how often race state is polled while live updates are unavailable (env: WIKIRACE_POLL_INTERVAL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: WIKIRACE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: WIKIRACE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: WIKIRACE_PROFILE)")
	fs.DurationVar(&cfg.retention, "retention", 24*time.Hour, "how long races are kept in the database (env: WIKIRACE_RETENTION)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle races stop pushing updates (env: WIKIRACE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.startDocument, "start-document", "France", "default start article, empty for random (env: WIKIRACE_START_DOCUMENT)")
	fs.StringVar(&cfg.targetDocument, "target-document", "Italie", "default target article, empty for random (env: WIKIRACE_TARGET_DOCUMENT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: WIKIRACE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: WIKIRACE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: WIKIRACE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: WIKIRACE_VERSION)")
	fs.StringVar(&cfg.wikiHost, "wiki-host", "fr.wikipedia.org", "wiki to race on (env: WIKIRACE_WIKI_HOST)")
	fs.StringVar(&cfg.wikiURL, "wiki-url", "", "base URL overriding https://<wiki-host> (env: WIKIRACE_WIKI_URL)")

	_ = fs.MarkHidden("wiki-url")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("wikirace v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
