package worktime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"workbot/internal/router"
	kit "workbot/internal/transport"
)

const (
	replyNotConnected = "データベースに接続されていません。"
	replyNoData       = "まだ記録がありません。"
	replyUnavailable  = "記録を読み込めませんでした。しばらくしてからもう一度試してね。"
)

// Ranking periods.
const (
	PeriodAll   = "all"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

var periodLabels = map[string]string{
	PeriodAll:   "累計",
	PeriodWeek:  "今週",
	PeriodMonth: "今月",
}

func (p *Plugin) commands() []router.Command {
	return []router.Command{
		{
			Spec: kit.CommandSpec{
				Name:        "worktime",
				Description: "指定したメンバーの累計作業時間を表示します。",
				Options: []kit.CommandOption{{
					Name: "member", Description: "作業時間を確認するメンバー", Kind: kit.OptionUser, Required: true,
				}},
			},
			Handle: p.handleWorktime,
		},
		{
			Spec: kit.CommandSpec{
				Name:        "worktime_ranking",
				Description: "作業時間のランキングを表示します。",
				Options: []kit.CommandOption{{
					Name: "period", Description: "集計期間", Kind: kit.OptionString,
					Choices: []string{PeriodAll, PeriodWeek, PeriodMonth},
				}},
			},
			Handle: p.handleRanking,
		},
	}
}

func (p *Plugin) handleWorktime(ctx context.Context, req *router.Request) error {
	in := req.Interaction
	if err := req.Adapter.Defer(ctx, in, false); err != nil {
		return err
	}
	userID := req.Option("member")
	if userID == "" {
		userID = in.UserID
	}
	if p.acc == nil {
		return req.Adapter.Followup(ctx, in, kit.Reply{Content: replyNotConnected})
	}

	total, err := p.CurrentTotal(ctx, userID)
	if err != nil {
		return p.unavailable(ctx, req, fmt.Errorf("worktime total: %w", err))
	}
	text := fmt.Sprintf("%s さんの累計作業時間は **%s** です。", kit.Mention(userID), FormatDuration(total))
	return req.Adapter.Followup(ctx, in, kit.Reply{Content: text})
}

// CurrentTotal is the durable total plus the open session, if any.
func (p *Plugin) CurrentTotal(ctx context.Context, userID string) (float64, error) {
	total, err := p.acc.Total(ctx, userID)
	if err != nil {
		return 0, err
	}
	if d, ok := p.ledger.PeekOpenDuration(userID, p.now()); ok {
		total += d.Seconds()
	}
	return total, nil
}

func (p *Plugin) handleRanking(ctx context.Context, req *router.Request) error {
	in := req.Interaction
	if err := req.Adapter.Defer(ctx, in, false); err != nil {
		return err
	}
	if p.acc == nil {
		return req.Adapter.Followup(ctx, in, kit.Reply{Content: replyNotConnected})
	}
	period := strings.ToLower(strings.TrimSpace(req.Option("period")))
	if _, ok := periodLabels[period]; !ok {
		period = PeriodAll
	}

	rows, err := p.acc.TopN(ctx, p.cfg.RankingLimit, WindowStart(period, p.now(), p.cfg.Location))
	if err != nil {
		return p.unavailable(ctx, req, fmt.Errorf("worktime ranking: %w", err))
	}
	if len(rows) == 0 {
		return req.Adapter.Followup(ctx, in, kit.Reply{Content: replyNoData})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏆 **作業時間ランキング（%s）** 🏆", periodLabels[period])
	for i, r := range rows {
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, p.displayName(ctx, r.UserID), FormatDuration(r.Seconds))
	}
	return req.Adapter.Followup(ctx, in, kit.Reply{Content: b.String()})
}

// unavailable answers a deferred command whose store read failed, so the
// user is not left waiting. cause is returned for the request log.
func (p *Plugin) unavailable(ctx context.Context, req *router.Request, cause error) error {
	if err := req.Adapter.Followup(ctx, req.Interaction, kit.Reply{Content: replyUnavailable}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Plugin) displayName(ctx context.Context, userID string) string {
	if p.deps.Adapter != nil && p.deps.GuildID != "" {
		if m, err := p.deps.Adapter.Member(ctx, p.deps.GuildID, userID); err == nil && m.DisplayName != "" {
			return m.DisplayName
		}
	}
	return "ID: " + userID
}

// WindowStart returns the start of the ranking window containing now:
// Monday 00:00 for week, the 1st 00:00 for month, zero for all time.
func WindowStart(period string, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch period {
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}
	}
}
