// Package main provides the entry point for the readaloud CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/tts"
	"github.com/dgnsrekt/readaloud/tts/synth"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	serverURL  string
	speakerID  string
	engineName string
	speed      float64
	gapMillis  int
	chunkSize  int
	prefetch   int
	cacheDir   string
	cacheSize  int
	noCache    bool

	rootCmd = &cobra.Command{
		Use:   "readaloud [PATH|URL]",
		Short: "Read text aloud through a voice-cloning TTS server",
		Long: paragraph(
			fmt.Sprintf("\nSend text to a synthesis server and %s, chunk by chunk, with gapless playback.", keyword("read it aloud")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return nil, cobra.ShellCompDirectiveDefault
		},
		RunE: execute,
	}
)

// envConfig holds settings picked up from the environment, typically via a
// .env file next to the server deployment.
type envConfig struct {
	Server  string `env:"READALOUD_SERVER"`
	Speaker string `env:"READALOUD_SPEAKER"`
}

// source provides a readable text source.
type source struct {
	reader io.ReadCloser
	URL    string
}

// sourceFromArg parses an argument and creates a readable source for it.
func sourceFromArg(arg string) (*source, error) {
	// from stdin
	if arg == "-" {
		return &source{reader: os.Stdin}, nil
	}

	// HTTP(S) URLs:
	if u, err := url.ParseRequestURI(arg); err == nil && strings.Contains(arg, "://") {
		if u.Scheme != "" {
			if u.Scheme != "http" && u.Scheme != "https" {
				return nil, fmt.Errorf("%s is not a supported protocol", u.Scheme)
			}
			// consumer of the source is responsible for closing the ReadCloser.
			resp, err := http.Get(u.String()) //nolint: noctx,bodyclose
			if err != nil {
				return nil, fmt.Errorf("unable to get url: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
			}
			return &source{resp.Body, u.String()}, nil
		}
	}

	r, err := os.Open(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %w", err)
	}
	u, err := filepath.Abs(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path: %w", err)
	}
	return &source{r, u}, nil
}

func validateOptions(cmd *cobra.Command) error {
	// grab config values from Viper
	serverURL = viper.GetString("server")
	speakerID = viper.GetString("speaker")
	engineName = viper.GetString("engine")
	speed = viper.GetFloat64("speed")
	gapMillis = viper.GetInt("gap")
	chunkSize = viper.GetInt("chunkSize")
	prefetch = viper.GetInt("prefetch")
	cacheDir = viper.GetString("cacheDir")
	cacheSize = viper.GetInt("cacheSize")
	noCache = viper.GetBool("noCache")

	// A .env file and the process environment fill in whatever flags and
	// config left blank.
	ec, err := env.ParseAs[envConfig]()
	if err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	if serverURL == "" {
		serverURL = ec.Server
	}
	if speakerID == "" {
		speakerID = ec.Speaker
	}

	switch engineName {
	case "streaming", "batch":
	default:
		return fmt.Errorf("unknown engine %q: use streaming or batch", engineName)
	}
	if speed < 0.1 || speed > 3.0 {
		return fmt.Errorf("speed must be between 0.1 and 3.0, got %.2f", speed)
	}
	if gapMillis < 0 {
		return fmt.Errorf("gap must not be negative, got %d", gapMillis)
	}
	if chunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1, got %d", chunkSize)
	}
	if prefetch < 1 {
		return fmt.Errorf("prefetch must be at least 1, got %d", prefetch)
	}
	if cacheSize < 1 || cacheSize > 10000 {
		return fmt.Errorf("cache size must be between 1 and 10000 MB, got %d", cacheSize)
	}
	if cacheDir != "" {
		cacheDir, err = homedir.Expand(cacheDir)
		if err != nil {
			return fmt.Errorf("unable to expand cache directory: %w", err)
		}
	}

	if cmd.Name() == rootCmd.Name() {
		if serverURL == "" {
			return errors.New("no synthesis server configured: set --server, the config file, or READALOUD_SERVER")
		}
		if speakerID == "" {
			return errors.New("no speaker configured: set --speaker, the config file, or READALOUD_SPEAKER")
		}
	}
	return nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

func execute(_ *cobra.Command, args []string) error {
	// if stdin is a pipe then use stdin for input. note that you can also
	// explicitly use a - to read from stdin.
	if yes, err := stdinIsPipe(); err != nil {
		return err
	} else if yes {
		src := &source{reader: os.Stdin}
		defer src.reader.Close() //nolint:errcheck
		return readAloud(src)
	}

	if len(args) == 0 {
		return errors.New("missing text source: pass a file, a URL, or pipe text in")
	}
	src, err := sourceFromArg(args[0])
	if err != nil {
		return err
	}
	defer src.reader.Close() //nolint:errcheck
	return readAloud(src)
}

func readAloud(src *source) error {
	b, err := io.ReadAll(src.reader)
	if err != nil {
		return fmt.Errorf("unable to read from reader: %w", err)
	}
	text := string(b)

	client, err := buildClient()
	if err != nil {
		return err
	}

	// Preflight only warns: a server that answers /synthesize but not
	// /health should still work.
	ctx := context.Background()
	if err := client.Health(ctx); err != nil {
		log.Warn("server health check failed", "server", serverURL, "err", err)
	}

	player, err := audio.NewOtoPlayer(audio.DefaultOtoConfig())
	if err != nil {
		return fmt.Errorf("unable to open audio device: %w", err)
	}

	cfg := tts.Config{
		ChunkSize:     chunkSize,
		PrefetchAhead: prefetch,
		MaxCacheSize:  tts.DefaultConfig().MaxCacheSize,
		Speed:         speed,
		Gap:           time.Duration(gapMillis) * time.Millisecond,
	}

	switch engineName {
	case "batch":
		return runBatch(ctx, client, player, cfg, text)
	default:
		return runStreaming(ctx, client, player, cfg, text)
	}
}

func runStreaming(ctx context.Context, client *synth.Client, player audio.Player, cfg tts.Config, text string) error {
	engine := tts.NewStreamingEngine(client, player, cfg, log.Default())
	defer engine.Dispose() //nolint:errcheck

	done := make(chan struct{})
	errCh := make(chan error, 1)
	cb := terminalCallbacks(done, errCh)

	if err := engine.Play(ctx, text, speakerID, cb); err != nil {
		return err
	}
	return waitForSession(done, errCh, engine.Stop)
}

func runBatch(ctx context.Context, client *synth.Client, player audio.Player, cfg tts.Config, text string) error {
	engine := tts.NewAccumulatorEngine(client, player, cfg, log.Default())
	defer engine.Dispose() //nolint:errcheck

	genDone := make(chan struct{})
	cb := terminalCallbacks(nil, nil)
	cb.OnError = func(err error) {
		// Generation failures are per chunk; the batch continues.
		log.Warn("chunk generation failed", "err", err)
	}
	cb.OnGenerationComplete = func(ready, failed int) {
		status(fmt.Sprintf("generated %d chunks (%d failed)", ready, failed))
		close(genDone)
	}
	if err := engine.GenerateAll(ctx, text, speakerID, cb); err != nil {
		return err
	}
	<-genDone

	done := make(chan struct{})
	errCh := make(chan error, 1)
	if err := engine.PlayAll(ctx, cfg.Speed, cfg.Gap, terminalCallbacks(done, errCh)); err != nil {
		return err
	}
	return waitForSession(done, errCh, engine.Stop)
}

// terminalCallbacks renders engine events as terminal status lines. A nil
// done or errCh drops the respective terminal event.
func terminalCallbacks(done chan struct{}, errCh chan error) tts.Callbacks {
	return tts.Callbacks{
		OnProgress: func(current, total int) {
			status(fmt.Sprintf("chunk %d of %d", current, total))
		},
		OnStatus: func(message string, loading bool) {
			if loading {
				message += "..."
			}
			status(message)
		},
		OnComplete: func() {
			if done != nil {
				close(done)
			}
		},
		OnError: func(err error) {
			if errCh != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		},
	}
}

// waitForSession blocks until the session completes, fails, or the user
// interrupts it.
func waitForSession(done chan struct{}, errCh chan error, stop func()) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	case <-sig:
		stop()
		status("interrupted")
		return nil
	}
}

func buildClient() (*synth.Client, error) {
	opts := []synth.Option{synth.WithLogger(log.Default())}
	// Config-file only: most servers need no client-side cap.
	if rps := viper.GetFloat64("rateLimit"); rps > 0 {
		opts = append(opts, synth.WithRateLimit(rps, 1))
	}
	if !noCache {
		dir := cacheDir
		if dir == "" {
			scope := gap.NewScope(gap.User, "readaloud")
			d, err := scope.CacheDir()
			if err != nil {
				return nil, fmt.Errorf("unable to determine cache directory: %w", err)
			}
			dir = d
		}
		store, err := cache.Open(dir, int64(cacheSize)<<20, log.Default())
		if err != nil {
			log.Warn("audio cache unavailable", "dir", dir, "err", err)
		} else {
			opts = append(opts, synth.WithCache(store))
		}
	}
	return synth.New(serverURL, opts...)
}

func status(message string) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}
	fmt.Fprintln(os.Stderr, statusStyle.Render(message))
}

func main() {
	_ = godotenv.Load()
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	// Assigned here rather than in the rootCmd literal to avoid an
	// initialization cycle between rootCmd and validateOptions.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return validateOptions(cmd)
	}
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	defaults := tts.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&serverURL, "server", "S", "", "synthesis server base URL")
	rootCmd.Flags().StringVarP(&speakerID, "speaker", "k", "", "registered speaker voice to read with")
	rootCmd.Flags().StringVarP(&engineName, "engine", "e", "streaming", "playback engine (streaming or batch)")
	rootCmd.Flags().Float64VarP(&speed, "speed", "x", defaults.Speed, "playback speed multiplier")
	rootCmd.Flags().IntVarP(&gapMillis, "gap", "g", int(defaults.Gap.Milliseconds()), "silence between chunks in milliseconds")
	rootCmd.Flags().IntVarP(&chunkSize, "chunk-size", "c", defaults.ChunkSize, "maximum words per chunk")
	rootCmd.Flags().IntVarP(&prefetch, "prefetch", "f", defaults.PrefetchAhead, "chunks to fetch ahead of playback")
	rootCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory for the persistent audio cache")
	rootCmd.Flags().IntVar(&cacheSize, "cache-size", 256, "audio cache capacity in MB")
	rootCmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the persistent audio cache")

	// Config bindings
	_ = viper.BindPFlag("server", rootCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("speaker", rootCmd.Flags().Lookup("speaker"))
	_ = viper.BindPFlag("engine", rootCmd.Flags().Lookup("engine"))
	_ = viper.BindPFlag("speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("gap", rootCmd.Flags().Lookup("gap"))
	_ = viper.BindPFlag("chunkSize", rootCmd.Flags().Lookup("chunk-size"))
	_ = viper.BindPFlag("prefetch", rootCmd.Flags().Lookup("prefetch"))
	_ = viper.BindPFlag("cacheDir", rootCmd.Flags().Lookup("cache-dir"))
	_ = viper.BindPFlag("cacheSize", rootCmd.Flags().Lookup("cache-size"))
	_ = viper.BindPFlag("noCache", rootCmd.Flags().Lookup("no-cache"))

	viper.SetDefault("engine", "streaming")
	viper.SetDefault("speed", defaults.Speed)
	viper.SetDefault("gap", int(defaults.Gap.Milliseconds()))
	viper.SetDefault("chunkSize", defaults.ChunkSize)
	viper.SetDefault("prefetch", defaults.PrefetchAhead)
	viper.SetDefault("cacheSize", 256)

	rootCmd.AddCommand(configCmd, manCmd, registerCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "readaloud")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "readaloud")}, dirs...)
	}

	if c := os.Getenv("READALOUD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("readaloud")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("readaloud")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "readaloud.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
