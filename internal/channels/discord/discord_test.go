package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestStripMention(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain mention", "<@123> deploy status?", "deploy status?"},
		{"nickname mention", "<@!123> deploy status?", "deploy status?"},
		{"no mention", "deploy status?", "deploy status?"},
		{"mention only", "<@123>", ""},
		{"other user untouched", "<@456> ping", "<@456> ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.content, "123"); got != tt.want {
				t.Errorf("stripMention(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestResolveDisplayName(t *testing.T) {
	msg := func(username, globalName, memberNick string) *discordgo.MessageCreate {
		m := &discordgo.Message{
			Author: &discordgo.User{Username: username, GlobalName: globalName},
		}
		if memberNick != "" {
			m.Member = &discordgo.Member{Nick: memberNick}
		}
		return &discordgo.MessageCreate{Message: m}
	}

	if got := resolveDisplayName(msg("alice", "Alice W", "ally")); got != "ally" {
		t.Errorf("server nickname should win, got %q", got)
	}
	if got := resolveDisplayName(msg("alice", "Alice W", "")); got != "Alice W" {
		t.Errorf("global name should beat username, got %q", got)
	}
	if got := resolveDisplayName(msg("alice", "", "")); got != "alice" {
		t.Errorf("username fallback, got %q", got)
	}
}
