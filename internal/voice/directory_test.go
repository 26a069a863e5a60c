package voice

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestCountHumansSkipsSelfBotsAndOtherChannels(t *testing.T) {
	s := &discordgo.Session{State: discordgo.NewState()}
	g := &discordgo.Guild{
		ID: "g1",
		Members: []*discordgo.Member{
			{GuildID: "g1", User: &discordgo.User{ID: "music", Bot: true}},
			{GuildID: "g1", User: &discordgo.User{ID: "alice"}},
		},
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "g1", ChannelID: "vc", UserID: "self"},
			{GuildID: "g1", ChannelID: "vc", UserID: "alice"},
			{GuildID: "g1", ChannelID: "vc", UserID: "music"},
			{GuildID: "g1", ChannelID: "vc", UserID: "bob", Member: &discordgo.Member{User: &discordgo.User{ID: "bob"}}},
			{GuildID: "g1", ChannelID: "other", UserID: "carol"},
		},
	}
	if err := s.State.GuildAdd(g); err != nil {
		t.Fatalf("guild add: %v", err)
	}
	d := NewDiscordDirectory(s, "self")

	if n := d.CountHumans("g1", "vc"); n != 2 {
		t.Fatalf("want 2 humans, got %d", n)
	}
	if n := d.CountHumans("g1", "other"); n != 1 {
		t.Fatalf("want 1 human in other channel, got %d", n)
	}
	if n := d.CountHumans("missing", "vc"); n != 0 {
		t.Fatalf("unknown guild should count 0, got %d", n)
	}
}

func TestDirectoryNamesFromStateAndCache(t *testing.T) {
	s := &discordgo.Session{State: discordgo.NewState()}
	g := &discordgo.Guild{
		ID:       "g1",
		Channels: []*discordgo.Channel{{ID: "vc", GuildID: "g1", Name: "lounge"}},
	}
	if err := s.State.GuildAdd(g); err != nil {
		t.Fatalf("guild add: %v", err)
	}
	d := NewDiscordDirectory(s, "self")
	if got := d.ChannelName("vc"); got != "lounge" {
		t.Fatalf("channel name %q", got)
	}
	if got := d.ChannelName(""); got != "" {
		t.Fatalf("empty id resolved to %q", got)
	}

	d.users.set("u1", "alice")
	if got := d.UserName("u1"); got != "alice" {
		t.Fatalf("user name %q", got)
	}
	var _ NameResolver = d
}

func TestTTLCacheExpires(t *testing.T) {
	old := cacheTTL
	cacheTTL = 0
	defer func() { cacheTTL = old }()

	c := newTTLCache[bool]()
	c.set("u1", true)
	if _, ok := c.get("u1"); ok {
		t.Fatalf("expired entry should miss")
	}
	cacheTTL = old
	c.set("u1", true)
	if v, ok := c.get("u1"); !ok || !v {
		t.Fatalf("fresh entry should hit")
	}
}
