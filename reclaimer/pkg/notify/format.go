package notify

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/slack-go/slack"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

// maxListed bounds the per-account lines in a single message.
const maxListed = 10

// FormatSOL renders lamports as SOL with full precision.
func FormatSOL(lamports uint64) string {
	return fmt.Sprintf("%d.%09d SOL", lamports/solana.LAMPORTS_PER_SOL, lamports%solana.LAMPORTS_PER_SOL)
}

func shortKey(pk solana.PublicKey) string {
	s := pk.String()
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}

func header(text string) slack.Block {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func section(text string) slack.Block {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func fields(pairs ...string) slack.Block {
	var fs []*slack.TextBlockObject
	for i := 0; i+1 < len(pairs); i += 2 {
		fs = append(fs, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", pairs[i], pairs[i+1]), false, false))
	}
	return slack.NewSectionBlock(nil, fs, nil)
}

func reclaimBlocks(s reclaim.Summary) (string, []slack.Block) {
	dryRun := false
	for _, o := range s.Results {
		if o.Result != nil && o.Result.DryRun {
			dryRun = true
			break
		}
	}
	title := "Rent reclaimed"
	if dryRun {
		title = "Rent reclaim dry run"
	}
	fallback := fmt.Sprintf("%s: %d/%d accounts, %s", title, s.Successful, s.TotalAccounts, FormatSOL(s.TotalReclaimed))

	blocks := []slack.Block{
		header(title),
		fields(
			"Accounts", fmt.Sprintf("%d", s.TotalAccounts),
			"Successful", fmt.Sprintf("%d", s.Successful),
			"Failed", fmt.Sprintf("%d", s.Failed),
			"Reclaimed", FormatSOL(s.TotalReclaimed),
		),
	}

	var failed []string
	for _, o := range s.Results {
		if o.Err == nil {
			continue
		}
		if len(failed) == maxListed {
			failed = append(failed, fmt.Sprintf("…and %d more", s.Failed-maxListed))
			break
		}
		failed = append(failed, fmt.Sprintf("• `%s` %s", shortKey(o.Address), o.Err))
	}
	if len(failed) > 0 {
		blocks = append(blocks, section("*Failures*\n"+strings.Join(failed, "\n")))
	}
	return fallback, blocks
}

func highValueBlocks(r reclaim.Result, threshold uint64) (string, []slack.Block) {
	fallback := fmt.Sprintf("High-value reclaim: %s from %s", FormatSOL(r.Amount), r.Account)
	return fallback, []slack.Block{
		header("High-value reclaim"),
		fields(
			"Account", "`"+r.Account.String()+"`",
			"Amount", FormatSOL(r.Amount),
			"Threshold", FormatSOL(threshold),
			"Signature", "`"+shortSignature(r.Signature)+"`",
		),
	}
}

func shortSignature(sig solana.Signature) string {
	s := sig.String()
	if len(s) <= 16 {
		return s
	}
	return s[:8] + "…" + s[len(s)-8:]
}

func scanBlocks(inserted, eligible int) (string, []slack.Block) {
	fallback := fmt.Sprintf("Scan complete: %d new sponsored accounts, %d eligible for reclaim", inserted, eligible)
	return fallback, []slack.Block{
		header("Scan complete"),
		fields(
			"New accounts", fmt.Sprintf("%d", inserted),
			"Eligible for reclaim", fmt.Sprintf("%d", eligible),
		),
	}
}

func passiveBlocks(records []store.PassiveReclaim) (string, []slack.Block) {
	var total uint64
	var lines []string
	for _, r := range records {
		total += r.Amount
		accounts := make([]string, 0, len(r.AttributedAccounts))
		for _, a := range r.AttributedAccounts {
			accounts = append(accounts, "`"+shortKey(a)+"`")
		}
		if len(accounts) == 0 {
			accounts = append(accounts, "unattributed")
		}
		lines = append(lines, fmt.Sprintf("• %s (%s confidence) → %s", FormatSOL(r.Amount), r.Confidence, strings.Join(accounts, ", ")))
	}
	fallback := fmt.Sprintf("Passive reclaim detected: %s", FormatSOL(total))
	return fallback, []slack.Block{
		header("Passive reclaim detected"),
		section(strings.Join(lines, "\n")),
	}
}

func errorBlocks(stage string, err error) (string, []slack.Block) {
	fallback := fmt.Sprintf("Reclaimer %s failed: %v", stage, err)
	return fallback, []slack.Block{
		header("Reclaimer error"),
		section(fmt.Sprintf("*Stage:* %s\n```%v```", stage, err)),
	}
}

func summaryBlocks(st store.Stats) (string, []slack.Block) {
	fallback := fmt.Sprintf("Daily summary: %d accounts tracked, %s reclaimed", st.TotalAccounts, FormatSOL(st.TotalReclaimed+st.TotalPassiveReclaimed))
	blocks := []slack.Block{
		header("Daily reclaim summary"),
		fields(
			"Tracked", fmt.Sprintf("%d", st.TotalAccounts),
			"Active", fmt.Sprintf("%d", st.ActiveAccounts),
			"Closed", fmt.Sprintf("%d", st.ClosedAccounts),
			"Reclaimed", fmt.Sprintf("%d", st.ReclaimedAccounts),
			"Actively reclaimed", FormatSOL(st.TotalReclaimed),
			"Passively reclaimed", FormatSOL(st.TotalPassiveReclaimed),
			"Average reclaim", FormatSOL(st.AverageReclaim),
			"Rent still locked", FormatSOL(st.LockedRentActive),
		),
	}
	if len(st.AccountsByStrategy) > 0 {
		var lines []string
		for _, s := range []sol.ReclaimStrategy{sol.StrategyActiveReclaim, sol.StrategyPassiveMonitoring, sol.StrategyUnrecoverable, sol.StrategyUnknown} {
			if n, ok := st.AccountsByStrategy[s]; ok {
				lines = append(lines, fmt.Sprintf("• %s: %d", s, n))
			}
		}
		blocks = append(blocks, section("*By strategy*\n"+strings.Join(lines, "\n")))
	}
	return fallback, blocks
}
