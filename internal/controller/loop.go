package controller

import (
	"context"
	"time"

	"github.com/ppiankov/fleetgate/internal/telegram"
)

// Backoff after poll failures. Network faults get the longer pause
// since the bot API outage usually outlives a single cycle.
const (
	networkErrorPause = 3 * time.Second
	genericErrorPause = 2 * time.Second
)

// Run drives the long-poll loop until ctx is cancelled. Every update
// advances and persists the cursor before dispatch, so a crash never
// replays a command. Watchdog ticks run at batch boundaries.
func (c *Controller) Run(ctx context.Context) error {
	offset := c.State.LoadOffset()

	c.Log.Info().
		Strs("allowed_chats", c.Cfg.AllowedChatIDs).
		Str("leader_agent", c.Cfg.LeaderAgent).
		Bool("leader_only_mode", c.Cfg.LeaderOnlyMode).
		Bool("minimal_command_mode", c.Cfg.MinimalCommandMode).
		Bool("emergency_stop_active", c.State.IsStopped()).
		Bool("consensus_required", c.Cfg.ConsensusRequired).
		Int("consensus_min", c.Cfg.ConsensusMin).
		Bool("watchdog_enabled", c.Cfg.WatchdogEnabled).
		Dur("watchdog_interval", c.Cfg.WatchdogInterval).
		Msg("controller started")

	for {
		select {
		case <-ctx.Done():
			c.Log.Info().Msg("controller stopped")
			return nil
		default:
		}

		updates, err := c.Transport.GetUpdates(int(c.Cfg.PollTimeout/time.Second), offset)
		if err != nil {
			if telegram.IsNetwork(err) {
				c.Log.Warn().Err(err).Msg("network error")
				sleepCtx(ctx, networkErrorPause)
			} else {
				c.Log.Error().Err(err).Msg("poll failed")
				sleepCtx(ctx, genericErrorPause)
			}
			continue
		}

		for _, upd := range updates {
			if next := upd.UpdateID + 1; next > offset {
				offset = next
			}
			if err := c.State.SaveOffset(offset); err != nil {
				c.Log.Error().Err(err).Msg("offset save failed")
			}

			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			chatID := upd.Message.ChatID()
			if !c.Cfg.ChatAllowed(chatID) {
				_ = c.Transport.SendMessage(chatID, "Unauthorized chat.")
				continue
			}
			c.Handle(chatID, upd.Message.Text, false)
		}

		if c.Watchdog != nil {
			c.Watchdog.MaybeTick()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
