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
	db             string
	intermission   time.Duration
	jwtSecret      string
	maxPlayers     int
	port           int
	prefix         string
	profile        bool
	questionCount  int
	questionTime   int
	quizAPIURL     string
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	// timerTick is the countdown granularity. One second in production;
	// tests shrink it to keep full game runs fast.
	timerTick time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.jwtSecret == "" {
		return errors.New("--jwt-secret must be provided")
	}
	if c.questionCount < 1 {
		return fmt.Errorf("invalid question count: %d", c.questionCount)
	}
	if c.questionTime < 1 {
		return fmt.Errorf("invalid question time limit: %d", c.questionTime)
	}
	if c.maxPlayers < 2 {
		return fmt.Errorf("invalid default room capacity: %d", c.maxPlayers)
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
	v.SetEnvPrefix("QUIZROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizroom",
		Short:         "A real-time multiplayer trivia server with code-joined rooms.",
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

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZROOM_BIND)")
	fs.StringVar(&cfg.db, "db", "quizroom.db", "path to sqlite database, empty for in-memory (env: QUIZROOM_DB)")
	fs.DurationVar(&cfg.intermission, "intermission", 2*time.Second, "pause between questions (env: QUIZROOM_INTERMISSION)")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "secret used to sign and verify access tokens (env: QUIZROOM_JWT_SECRET)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 6, "default room capacity (env: QUIZROOM_MAX_PLAYERS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: QUIZROOM_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: QUIZROOM_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: QUIZROOM_PROFILE)")
	fs.IntVar(&cfg.questionCount, "question-count", 10, "questions per game (env: QUIZROOM_QUESTION_COUNT)")
	fs.IntVar(&cfg.questionTime, "question-time", 15, "seconds allowed per question (env: QUIZROOM_QUESTION_TIME)")
	fs.StringVar(&cfg.quizAPIURL, "quiz-api-url", "https://opentdb.com/api.php", "trivia question provider (env: QUIZROOM_QUIZ_API_URL)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are ended (env: QUIZROOM_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: QUIZROOM_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: QUIZROOM_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: QUIZROOM_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: QUIZROOM_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cfg.timerTick = time.Second

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizroom v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
