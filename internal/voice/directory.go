package voice

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// cacheTTL controls how long a cached lookup is valid.
var cacheTTL = 5 * time.Minute

type cacheEntry[V any] struct {
	val    V
	expiry time.Time
}

type ttlCache[V any] struct {
	mu sync.Mutex
	m  map[string]cacheEntry[V]
}

func newTTLCache[V any]() *ttlCache[V] {
	return &ttlCache[V]{m: make(map[string]cacheEntry[V])}
}

func (c *ttlCache[V]) get(id string) (V, bool) {
	var zero V
	if id == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[id]; ok {
		if time.Now().Before(e.expiry) {
			return e.val, true
		}
		delete(c.m, id)
	}
	return zero, false
}

func (c *ttlCache[V]) set(id string, v V) {
	c.mu.Lock()
	c.m[id] = cacheEntry[V]{val: v, expiry: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
}

// DiscordDirectory answers member questions from the gateway state cache,
// falling back to REST lookups.
type DiscordDirectory struct {
	s      *discordgo.Session
	selfID string

	bots     *ttlCache[bool]
	users    *ttlCache[string]
	channels *ttlCache[string]
}

func NewDiscordDirectory(s *discordgo.Session, selfID string) *DiscordDirectory {
	return &DiscordDirectory{
		s:        s,
		selfID:   selfID,
		bots:     newTTLCache[bool](),
		users:    newTTLCache[string](),
		channels: newTTLCache[string](),
	}
}

func (d *DiscordDirectory) IsBot(ctx context.Context, userID string) (bool, error) {
	if userID == d.selfID {
		return true, nil
	}
	if v, ok := d.bots.get(userID); ok {
		return v, nil
	}
	u, err := d.s.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, err
	}
	d.bots.set(userID, u.Bot)
	d.users.set(userID, u.Username)
	return u.Bot, nil
}

// CountHumans counts non-bot members other than the agent connected to
// channelID.
func (d *DiscordDirectory) CountHumans(guildID, channelID string) int {
	if d.s == nil || d.s.State == nil {
		return 0
	}
	g, err := d.s.State.Guild(guildID)
	if err != nil || g == nil {
		return 0
	}
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == d.selfID {
			continue
		}
		if !d.knownBot(guildID, vs) {
			n++
		}
	}
	return n
}

func (d *DiscordDirectory) knownBot(guildID string, vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	if v, ok := d.bots.get(vs.UserID); ok {
		return v
	}
	if m, err := d.s.State.Member(guildID, vs.UserID); err == nil && m != nil && m.User != nil {
		d.bots.set(vs.UserID, m.User.Bot)
		return m.User.Bot
	}
	return false
}

// UserName resolves a display name, usually from the entry IsBot cached.
func (d *DiscordDirectory) UserName(userID string) string {
	if d.s == nil || userID == "" {
		return ""
	}
	if v, ok := d.users.get(userID); ok {
		return v
	}
	if u, err := d.s.User(userID); err == nil && u != nil {
		d.users.set(userID, u.Username)
		d.bots.set(userID, u.Bot)
		return u.Username
	}
	return ""
}

// ChannelName resolves a channel name from gateway state, then REST.
func (d *DiscordDirectory) ChannelName(channelID string) string {
	if d.s == nil || channelID == "" {
		return ""
	}
	if v, ok := d.channels.get(channelID); ok {
		return v
	}
	if d.s.State != nil {
		if c, err := d.s.State.Channel(channelID); err == nil && c != nil {
			d.channels.set(channelID, c.Name)
			return c.Name
		}
	}
	if c, err := d.s.Channel(channelID); err == nil && c != nil {
		d.channels.set(channelID, c.Name)
		return c.Name
	}
	return ""
}
