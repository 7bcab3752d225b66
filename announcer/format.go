package announcer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mikeydub/untappd-announcer/service/checkin"
	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

// discord rejects messages longer than this
const maxMessageLength = 2000

// namer turns Untappd usernames back into the chat names people know each other by.
type namer struct {
	registry  *checkin.Registry
	directory checkin.Directory
}

func (n namer) displayName(ctx context.Context, username string) string {
	localID, err := n.registry.OwnerOf(ctx, username)
	if err != nil {
		if !errors.Is(err, checkin.ErrNotAssociated) {
			logger.For(ctx).Warnf("failed to find owner of %s: %s", username, err)
		}
		return username
	}

	name, err := n.directory.DisplayName(ctx, localID)
	if err != nil {
		if !errors.Is(err, checkin.ErrUnknownChatUser) {
			logger.For(ctx).Warnf("failed to find display name for %s: %s", localID, err)
		}
		return username
	}

	return name
}

func formatAnnouncement(name string, c untappd.Checkin) string {
	return fmt.Sprintf("%s drank a %s by %s", name, c.BeerName, c.BreweryName)
}

func formatRecent(name string, c untappd.Checkin, now time.Time) string {
	line := fmt.Sprintf("%s drank a %s by %s %s", name, c.BeerName, c.BreweryName, humanize.RelTime(c.CreatedAt, now, "ago", "from now"))
	if c.RatingScore > 0 {
		line += fmt.Sprintf(" (rated %s)", humanize.FtoaWithDigits(c.RatingScore, 2))
	}
	return line
}
