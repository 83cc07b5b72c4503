package stockbot

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const maxChartImageBytes = 10 * 1024 * 1024

// Route identifies the single handler selected for an inbound message
type Route string

const (
	RouteNone           Route = "none"
	RouteCommand        Route = "command"
	RouteChart          Route = "chart"
	RoutePrediction     Route = "prediction"
	RouteImageAnalysis  Route = "image_analysis"
	RouteStockHint      Route = "stock_hint"
	RouteMentionForward Route = "mention_forward"
)

var chartImageExtensions = []string{".png", ".jpg", ".jpeg"}

// inboundMessage is the routing-relevant view of a message
type inboundMessage struct {
	Content     string
	Attachments []*discordgo.MessageAttachment
	Mentioned   bool
	Monitored   bool
}

// classifyMessage selects at most one route for a message. The first
// matching rule wins:
//
//  1. any token starting with the command prefix
//  2. mentioned, in a monitored channel, with a stock command
//  3. mentioned: chart image, then prediction keywords, then a stock
//     command outside a monitored channel, then mention forwarding
//  4. monitored channel with a stock command
//  5. monitored channel with prediction keywords
//  6. monitored channel with a chart image
func classifyMessage(prefix string, msg inboundMessage) Route {
	if hasCommandToken(prefix, msg.Content) {
		return RouteCommand
	}
	stock := hasStockCommand(msg.Content)

	switch {
	case msg.Mentioned && msg.Monitored && stock:
		return RouteChart
	case msg.Mentioned:
		switch {
		case chartImage(msg.Attachments) != nil:
			return RouteImageAnalysis
		case hasPredictionCommand(msg.Content):
			return RoutePrediction
		case stock:
			return RouteStockHint
		default:
			return RouteMentionForward
		}
	case msg.Monitored && stock:
		return RouteChart
	case msg.Monitored && hasPredictionCommand(msg.Content):
		return RoutePrediction
	case msg.Monitored && chartImage(msg.Attachments) != nil:
		return RouteImageAnalysis
	default:
		return RouteNone
	}
}

// hasCommandToken reports whether any whitespace-separated token starts
// with the command prefix (and has something after it)
func hasCommandToken(prefix string, content string) bool {
	if prefix == "" {
		return false
	}
	for _, tok := range strings.Fields(content) {
		if len(tok) > len(prefix) && strings.HasPrefix(tok, prefix) {
			return true
		}
	}
	return false
}

// isMentioned reports whether the message mentions the bot's user, one
// of its roles, or contains raw mention markup for the bot. The markup
// check catches role mentions some clients don't populate.
func isMentioned(m *discordgo.Message, botID string, botRoleIDs []string) bool {
	if m == nil || botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	for _, roleID := range m.MentionRoles {
		if slices.Contains(botRoleIDs, roleID) {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") ||
		strings.Contains(m.Content, "<@!"+botID+">")
}

// chartImage returns the first attachment that looks like a chart
// screenshot (png/jpeg under the size cap), or nil
func chartImage(attachments []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range attachments {
		if a == nil || a.Size >= maxChartImageBytes {
			continue
		}
		ext := strings.ToLower(filepath.Ext(a.Filename))
		if slices.Contains(chartImageExtensions, ext) {
			return a
		}
	}
	return nil
}
