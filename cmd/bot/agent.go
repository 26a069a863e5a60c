package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/companion/internal/config"
	"github.com/discord-voice-lab/companion/internal/logging"
	"github.com/discord-voice-lab/companion/internal/voice"
)

// connection is one joined voice channel.
type connection struct {
	guildID string
	vc      *discordgo.VoiceConnection
	rx      *voice.Receiver
	cancel  context.CancelFunc
}

// agent owns the joined voice channels and wires each one into the
// coordinator, player and profile registry.
type agent struct {
	dg       *discordgo.Session
	settings config.Settings
	guilds   *config.Guilds
	coord    *voice.Coordinator
	player   *voice.DiscordPlayer
	dir      *voice.DiscordDirectory

	mu    sync.Mutex
	conns map[string]*connection
}

func newAgent(dg *discordgo.Session, s config.Settings, guilds *config.Guilds, coord *voice.Coordinator, player *voice.DiscordPlayer, dir *voice.DiscordDirectory) *agent {
	return &agent{dg: dg, settings: s, guilds: guilds, coord: coord, player: player, dir: dir, conns: make(map[string]*connection)}
}

// join connects to a voice channel and starts the conversation loop there.
func (a *agent) join(guildID, channelID string) error {
	vc, err := a.dg.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join: %w", err)
	}
	a.guilds.Bind(channelID, guildID)

	rx := voice.NewReceiver(channelID, 0, a.coord)
	rx.SetAllowedUsers(a.settings.Discord.AllowedUsers)
	vc.AddHandler(rx.HandleSpeakingUpdate)

	ctx, cancel := context.WithCancel(context.Background())
	go rx.Run(ctx, vc.OpusRecv)

	a.player.Register(channelID, vc)
	a.coord.Attach(channelID, guildID, rx)

	a.mu.Lock()
	a.conns[channelID] = &connection{guildID: guildID, vc: vc, rx: rx, cancel: cancel}
	a.mu.Unlock()

	fields := append(logging.GuildFields(guildID, ""), logging.ChannelFields(channelID, a.dir.ChannelName(channelID))...)
	logging.Infow("voice joined", fields...)

	if err := a.coord.StartLoop(channelID); err != nil {
		logging.Warnw("conversation loop not started", append(fields, "err", err)...)
	}
	return nil
}

// leave tears the channel down and forgets its session.
func (a *agent) leave(channelID string) {
	a.mu.Lock()
	c, ok := a.conns[channelID]
	delete(a.conns, channelID)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.coord.Leave(channelID)
	a.player.Unregister(channelID)
	c.cancel()
	c.rx.Close()
	if err := c.vc.Disconnect(); err != nil {
		logging.Warnw("voice disconnect error", "channel.id", channelID, "err", err)
	}
}

func (a *agent) close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.leave(id)
	}
}

// onVoiceStateUpdate re-checks the multi-member guard for every joined
// channel the change touches. The coordinator resumes a guard-stopped loop
// when the channel has emptied again.
func (a *agent) onVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil {
		return
	}
	touched := map[string]struct{}{vs.ChannelID: {}}
	if vs.BeforeUpdate != nil {
		touched[vs.BeforeUpdate.ChannelID] = struct{}{}
	}
	a.mu.Lock()
	var check []string
	for id, c := range a.conns {
		if _, ok := touched[id]; ok && c.guildID == vs.GuildID {
			check = append(check, id)
		}
	}
	a.mu.Unlock()
	for _, id := range check {
		a.coord.CheckMembers(id)
	}
}
