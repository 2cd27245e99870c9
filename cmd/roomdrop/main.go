package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/roomdrop/internal/analysis"
	"github.com/sheerbytes/roomdrop/internal/app"
	"github.com/sheerbytes/roomdrop/internal/config"
	"github.com/sheerbytes/roomdrop/internal/logging"
	"github.com/sheerbytes/roomdrop/internal/swarm"
	"github.com/sheerbytes/roomdrop/internal/ui"
)

const version = "v0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultClientConfig()

	root := &cobra.Command{
		Use:           "roomdrop",
		Short:         "Peer-to-peer chat and file drop over a shared topic",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.BindFlags(root.PersistentFlags())

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new room and print its topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, cfg, "")
		},
	}
	join := &cobra.Command{
		Use:   "join <topic>",
		Short: "Join the room with the given 64-character hex topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, cfg, args[0])
		},
	}
	root.AddCommand(create, join)
	return root
}

func run(cmd *cobra.Command, cfg config.ClientConfig, joinTopic string) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "roomdrop: %v\n", err)
		return err
	}

	logger, closeLog := openLogger(cmd.ErrOrStderr(), cfg)
	defer closeLog()

	network, err := swarm.New(swarm.Options{
		ServerURL:   cfg.ServerURL,
		StunServers: cfg.StunServers,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "roomdrop: %v\n", err)
		return err
	}

	var analyzer app.Analyzer
	if cfg.AIKey != "" {
		analyzer = analysis.NewClient(cfg.AIURL, cfg.AIModel, cfg.AIKey)
	} else {
		logger.Info("OPENAI_API_KEY not set, /analyze disabled")
	}

	chat := app.New(network, app.Options{
		OutDir:      cfg.OutDir,
		ChunkDelay:  cfg.ChunkDelay,
		MaxFileSize: cfg.MaxFileSize,
		Analyzer:    analyzer,
		Logger:      logger,
	})
	defer chat.Close()

	program := tea.NewProgram(ui.NewModel(chat, joinTopic), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "roomdrop: %v\n", err)
		return err
	}
	if topic := chat.TopicHex(); topic != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "left room %s\n", topic)
	}
	return nil
}

// openLogger writes to cfg.LogFile since the terminal belongs to the UI.
// Falls back to discarding logs when the file cannot be opened.
func openLogger(stderr io.Writer, cfg config.ClientConfig) (*slog.Logger, func()) {
	f, err := logging.OpenFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "roomdrop: logging disabled: %v\n", err)
		return logging.NewWithWriter("roomdrop", cfg.LogLevel, io.Discard), func() {}
	}
	return logging.NewWithWriter("roomdrop", cfg.LogLevel, f), func() { _ = f.Close() }
}
