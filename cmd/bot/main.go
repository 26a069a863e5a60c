package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dimiro1/banner"

	"github.com/discord-voice-lab/companion/internal/config"
	"github.com/discord-voice-lab/companion/internal/logging"
	"github.com/discord-voice-lab/companion/internal/status"
	"github.com/discord-voice-lab/companion/internal/voice"
	"github.com/discord-voice-lab/companion/llm"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"companion\" \"\" 0 }}\nDiscord voice companion " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	dotenvErr := config.LoadDotEnv(os.Getenv("COMPANION_ENV_FILE"))
	settings, err := config.Load("")
	// Config errors are logged at the env-provided level.
	sugar := logging.Init(settings.LogLevel)
	if dotenvErr != nil {
		logging.FatalExitf("dotenv", "err", dotenvErr)
	}
	if err != nil {
		logging.FatalExitf("config", "err", err)
	}
	defer func() { _ = logging.Sync() }()
	printBanner()

	characters, err := config.LoadCharacters(settings.Paths.Characters)
	if err != nil {
		logging.FatalExitf("characters", "err", err)
	}
	guilds := config.NewGuilds(settings, characters)

	if n, err := voice.ClearDir(settings.Paths.RecordingDir, ".wav"); err != nil {
		sugar.Warnw("could not clear recording dir", "dir", settings.Paths.RecordingDir, "err", err)
	} else if n > 0 {
		sugar.Infow("cleared stale recordings", "dir", settings.Paths.RecordingDir, "removed", n)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	if settings.Paths.SweepInterval > 0 {
		sweepWG.Add(1)
		voice.StartArtifactSweeper(sweepCtx, &sweepWG,
			[]string{settings.Paths.RecordingDir, settings.Paths.VoiceDir},
			settings.Paths.ArtifactRetention, settings.Paths.SweepInterval)
	}

	dg, err := discordgo.New("Bot " + settings.Discord.Token)
	if err != nil {
		logging.FatalExitf("discordgo.New", "err", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	sugar.Infow("using gateway intents", "intents", dg.Identify.Intents)

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}
	selfID := ""
	if dg.State != nil && dg.State.User != nil {
		selfID = dg.State.User.ID
	}
	sugar.Infow("discord session opened", "self", selfID)

	if settings.LLM.Provider == "ollama" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := llm.CheckOllama(ctx, settings.LLM.OllamaHost, nil); err != nil {
			sugar.Warnw("ollama health check failed", "host", settings.LLM.OllamaHost, "err", err)
		}
		cancel()
	}

	transcriber, closeSTT, err := buildTranscriber(settings.STT, settings.Timing.STTTimeout)
	if err != nil {
		logging.FatalExitf("stt", "err", err)
	}
	synthesizer, err := buildSynthesizer(settings.TTS, settings.Timing.TTSTimeout)
	if err != nil {
		logging.FatalExitf("tts", "err", err)
	}

	statusSrv := status.NewServer()
	if settings.StatusAddr != "" {
		if err := statusSrv.Start(settings.StatusAddr); err != nil {
			sugar.Warnw("status server not started", "addr", settings.StatusAddr, "err", err)
		}
	}

	debugSink := voice.NewDiscordDebugSink(dg)
	directory := voice.NewDiscordDirectory(dg, selfID)
	player := voice.NewDiscordPlayer(nil)
	store := voice.NewSessionStore(settings.Reply.ContextTurns, statusSrv)
	pipeline := voice.NewPipeline(settings.PipelineConfig(), voice.PipelineDeps{
		Store:       store,
		Profiles:    guilds,
		Transcriber: transcriber,
		Generator:   buildRouter(settings.LLM),
		Synthesizer: synthesizer,
		Player:      player,
		Debug:       debugSink,
		Observer:    statusSrv,
	})
	coord := voice.NewCoordinator(settings.CoordinatorConfig(selfID), voice.CoordinatorDeps{
		Store:    store,
		Runner:   pipeline,
		Members:  directory,
		Player:   player,
		Profiles: guilds,
		Debug:    debugSink,
		Observer: statusSrv,
	})

	a := newAgent(dg, settings, guilds, coord, player, directory)
	dg.AddHandler(a.onVoiceStateUpdate)

	if g, ch := settings.Discord.GuildID, settings.Discord.VoiceChannelID; g != "" && ch != "" {
		sugar.Infow("joining voice channel", "guild.id", g, "channel.id", ch)
		if err := a.join(g, ch); err != nil {
			sugar.Warnw("voice join failed", "err", err)
		}
	} else {
		sugar.Infow("GUILD_ID/VOICE_CHANNEL_ID not set; idle until configured")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	a.close()
	coord.Close()
	closeSTT()
	debugSink.Close()
	stopSweep()
	sweepWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(ctx); err != nil {
		sugar.Warnw("status server shutdown", "err", err)
	}
	if err := dg.Close(); err != nil {
		sugar.Warnw("discord session close error", "err", err)
	}
	sugar.Infow("shutdown complete")
}
