package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundmill/chorus/audio"
	"github.com/soundmill/chorus/db"
	"github.com/soundmill/chorus/etc"
	"github.com/soundmill/chorus/voice"
	"github.com/soundmill/chorus/vosk"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	listenCmd.Flags().String("guild", "", "Guild ID of the voice channel to join")
	listenCmd.Flags().String("channel", "", "Voice channel ID to join")
	listenCmd.Flags().Bool("reconnect", true, "Rejoin automatically on unexpected disconnects")
	listenCmd.Flags().String("mix-output", "", "Write the mixed room audio as raw PCM to this file")
	rootCmd.AddCommand(listenCmd)

	transcriptsCmd.Flags().Int32("limit", 100, "Number of transcriptions to list")
	rootCmd.AddCommand(transcriptsCmd)

	rootCmd.PersistentFlags().String("discord-token", "", "Discord bot token")
	rootCmd.PersistentFlags().
		String("database-url", "postgres://localhost/chorus", "PostgreSQL connection URL")
	rootCmd.PersistentFlags().
		String("recognizer-url", "ws://localhost:2700", "Websocket URL of the speech recognizer")
	rootCmd.PersistentFlags().
		Int("sample-rate", 16000, "Sample rate of audio sent to the recognizer")

	viper.BindPFlag(
		"discord_token",
		rootCmd.PersistentFlags().Lookup("discord-token"),
	)
	viper.BindPFlag(
		"database_url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag(
		"recognizer_url",
		rootCmd.PersistentFlags().Lookup("recognizer-url"),
	)
	viper.BindPFlag(
		"sample_rate",
		rootCmd.PersistentFlags().Lookup("sample-rate"),
	)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Chorus transcribes Discord voice channels",
	Long:  `Chorus joins a Discord voice channel, streams each speaker to a Vosk recognizer, and stores the transcripts in PostgreSQL.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Join a voice channel and transcribe its speakers",
	Run:   runListen,
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "List recent transcriptions in a table",
	Run:   runTranscripts,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// transcriptStore adapts the database to the transcription sink, minting a
// fresh ID per row.
type transcriptStore struct {
	store *db.Store
}

func (t *transcriptStore) RecordVoiceTranscription(
	ctx context.Context,
	tr vosk.Transcription,
) error {
	return t.store.InsertVoiceTranscription(ctx, db.InsertVoiceTranscriptionParams{
		ID:               etc.NewFreshID(),
		DiscordUserID:    tr.UserID,
		DiscordGuildID:   tr.GuildID,
		DiscordChannelID: tr.ChannelID,
		Content:          tr.Content,
		CreatedAt:        tr.Timestamp,
	})
}

func runListen(cmd *cobra.Command, args []string) {
	mainLogger, voiceLogger, voskLogger, sqlLogger := createLoggers()

	discordToken := viper.GetString("discord_token")
	recognizerURL := viper.GetString("recognizer_url")
	sampleRate := viper.GetInt("sample_rate")
	guildID, _ := cmd.Flags().GetString("guild")
	channelID, _ := cmd.Flags().GetString("channel")
	reconnect, _ := cmd.Flags().GetBool("reconnect")
	mixOutput, _ := cmd.Flags().GetString("mix-output")

	if discordToken == "" {
		mainLogger.Fatal("missing DISCORD_TOKEN or --discord-token=")
	}
	if guildID == "" || channelID == "" {
		mainLogger.Fatal("missing --guild= or --channel=")
	}

	ctx := context.Background()

	store, err := db.Open(ctx, viper.GetString("database_url"))
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()
	sqlLogger.Info("database ready")

	mixSink := func([]byte) {}
	if mixOutput != "" {
		out, err := os.Create(mixOutput)
		if err != nil {
			mainLogger.Fatal("create mix output file", "error", err.Error())
		}
		defer out.Close()
		mixSink = func(pcm []byte) {
			out.Write(pcm)
		}
	}
	mixer := audio.NewMixer(voice.SampleRate, voice.Channels, mixSink)
	defer mixer.Close()

	transcriber := vosk.NewManager(
		recognizerURL,
		sampleRate,
		&transcriptStore{store: store},
		voskLogger,
	)

	discord, err := discordgo.New("Bot " + discordToken)
	if err != nil {
		mainLogger.Fatal("create Discord session", "error", err.Error())
	}
	discord.Identify.Intents |= discordgo.IntentsGuildVoiceStates
	if err := discord.Open(); err != nil {
		mainLogger.Fatal("open Discord session", "error", err.Error())
	}
	defer discord.Close()

	pipeline := voice.NewPipeline(voice.PipelineConfig{
		Gateway:       voice.NewDiscordGateway(discord, voiceLogger),
		Mixer:         mixer,
		Transcriber:   transcriber,
		Log:           voiceLogger,
		AutoReconnect: reconnect,
	})

	if err := pipeline.Join(ctx, guildID, channelID); err != nil {
		mainLogger.Fatal("join voice channel", "error", err.Error())
	}
	mainLogger.Info("listening", "guild", guildID, "channel", channelID)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	mainLogger.Info("shutting down")
	if err := pipeline.Leave(); err != nil {
		mainLogger.Error("leave voice channel", "error", err.Error())
	}
}

func runTranscripts(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	limit, _ := cmd.Flags().GetInt32("limit")

	ctx := context.Background()
	store, err := db.Open(ctx, viper.GetString("database_url"))
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	transcriptions, err := store.GetRecentVoiceTranscriptions(ctx, limit)
	if err != nil {
		mainLogger.Fatal("fetch transcriptions", "error", err.Error())
	}

	if len(transcriptions) == 0 {
		fmt.Println("No transcriptions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Created At", "Speaker", "Channel", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, t := range transcriptions {
		table.Append([]string{
			t.CreatedAt.Format("2006-01-02 15:04:05"),
			t.DiscordUserID,
			t.DiscordChannelID,
			t.Content,
		})
	}

	table.Render()
}

func createLoggers() (mainLogger, voiceLogger, voskLogger, sqlLogger *log.Logger) {
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	voiceLogger = logger.With().WithPrefix("room")
	voskLogger = logger.With().WithPrefix("hear")
	sqlLogger = logger.With().WithPrefix("data")

	return
}
