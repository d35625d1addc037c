package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	registerSpeaker    string
	registerPrompt     string
	registerPromptFile string
	registerManifest   string

	registerCmd = &cobra.Command{
		Use:   "register [AUDIO_FILE]",
		Short: "Register a speaker voice with the synthesis server",
		Long: paragraph(
			fmt.Sprintf("\n%s a voice by uploading a short reference recording and its transcript. The server clones the voice for all later synthesis with that speaker id.", keyword("Register")),
		),
		Example: paragraph("readaloud register --speaker bob --prompt \"A quick sample.\" sample.wav\nreadaloud register --manifest voices.yml"),
		Args:    cobra.MaximumNArgs(1),
		RunE:    runRegister,
	}
)

// registration is one entry of a voice manifest file.
type registration struct {
	Speaker string `mapstructure:"speaker"`
	Prompt  string `mapstructure:"prompt"`
	Audio   string `mapstructure:"audio"`
}

func runRegister(_ *cobra.Command, args []string) error {
	if serverURL == "" {
		return errors.New("no synthesis server configured: set --server, the config file, or READALOUD_SERVER")
	}
	client, err := buildClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if registerManifest != "" {
		return registerFromManifest(ctx, client, registerManifest)
	}

	if len(args) != 1 {
		return errors.New("missing reference audio file")
	}
	if registerSpeaker == "" {
		return errors.New("missing --speaker")
	}
	prompt := registerPrompt
	if prompt == "" && registerPromptFile != "" {
		b, err := os.ReadFile(registerPromptFile)
		if err != nil {
			return fmt.Errorf("unable to read prompt file: %w", err)
		}
		prompt = strings.TrimSpace(string(b))
	}
	if prompt == "" {
		return errors.New("missing --prompt or --prompt-file")
	}

	if err := client.Register(ctx, registerSpeaker, prompt, args[0]); err != nil {
		return err
	}
	fmt.Println("Registered speaker:", registerSpeaker)
	return nil
}

type registrar interface {
	Register(ctx context.Context, speakerID, promptText, audioPath string) error
}

// registerFromManifest enrolls every voice listed in a manifest file. The
// uploads run concurrently, a few at a time; the first failure cancels the
// rest and fails the command.
func registerFromManifest(ctx context.Context, client registrar, path string) error {
	entries, err := loadManifest(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("manifest %s lists no voices", path)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, entry := range entries {
		g.Go(func() error {
			if err := client.Register(ctx, entry.Speaker, entry.Prompt, entry.Audio); err != nil {
				return fmt.Errorf("voice %q: %w", entry.Speaker, err)
			}
			log.Info("registered voice", "speaker", entry.Speaker)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("Registered %d voices.\n", len(entries))
	return nil
}

func loadManifest(path string) ([]registration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read manifest: %w", err)
	}

	var entries []registration
	if err := v.UnmarshalKey("voices", &entries); err != nil {
		return nil, fmt.Errorf("unable to parse manifest: %w", err)
	}
	for i, e := range entries {
		if e.Speaker == "" || e.Prompt == "" || e.Audio == "" {
			return nil, fmt.Errorf("manifest entry %d is missing speaker, prompt, or audio", i+1)
		}
	}
	return entries, nil
}

func init() {
	registerCmd.Flags().StringVarP(&registerSpeaker, "speaker", "k", "", "speaker id to register the voice under")
	registerCmd.Flags().StringVarP(&registerPrompt, "prompt", "p", "", "transcript of the reference recording")
	registerCmd.Flags().StringVar(&registerPromptFile, "prompt-file", "", "file holding the transcript")
	registerCmd.Flags().StringVarP(&registerManifest, "manifest", "M", "", "register every voice listed in a manifest file")
}
