package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/enrich"
	"github.com/sells-group/transcript-engine/internal/escalation"
	"github.com/sells-group/transcript-engine/internal/ingest"
	"github.com/sells-group/transcript-engine/internal/model"
)

func usd(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 4, 64)
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func count(n int) string {
	return humanize.Comma(int64(n))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatIngestReport(w io.Writer, rep *ingest.Report) {
	pairs := [][2]string{
		{"Collection", rep.CollectionID},
		{"Title", rep.Title},
		{"Items", count(rep.Items)},
		{"Tier-1 stored", count(rep.Tier1Count)},
		{"Tier-2 available", count(rep.Tier2Count)},
		{"Tier-2 attempted", count(rep.Tier2Attempted)},
		{"Tier-2 skipped", count(rep.Tier2Skipped)},
		{"Already captioned", count(rep.AlreadyCaptioned)},
		{"Sample success rate", pct(rep.SampleRate)},
		{"Low caption availability", strconv.FormatBool(rep.LowCaptionAvailability)},
		{"Duration", rep.Duration.Round(time.Millisecond).String()},
	}
	fmt.Fprintln(w, renderPairs(pairs))

	if len(rep.StrategyWins) == 0 {
		return
	}
	names := make([]string, 0, len(rep.StrategyWins))
	for n := range rep.StrategyWins {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, n := range names {
		rows = append(rows, []string{n, count(rep.StrategyWins[n])})
	}
	fmt.Fprintln(w, renderTable([]string{"Strategy", "Wins"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func formatEnrichReport(w io.Writer, rep *enrich.Report) {
	pairs := [][2]string{
		{"Collection", rep.CollectionID},
		{"Strategy", string(rep.Strategy)},
		{"Eligible", count(rep.Candidates)},
		{"Processed", count(rep.Processed)},
		{"Succeeded", count(rep.Succeeded)},
		{"Failed", count(rep.Failed)},
		{"Skipped", count(rep.Skipped)},
		{"Spend", usd(rep.TotalSpendUSD)},
		{"Stop reason", string(rep.StopReason)},
		{"Duration", rep.Duration.Round(time.Millisecond).String()},
	}
	if len(rep.Reclaimed) > 0 {
		pairs = append(pairs, [2]string{"Reclaimed", strings.Join(rep.Reclaimed, ", ")})
	}
	fmt.Fprintln(w, renderPairs(pairs))

	if len(rep.Entries) == 0 {
		return
	}
	rows := make([][]string, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		rows = append(rows, []string{
			strconv.Itoa(e.Priority),
			e.ItemID,
			clip(e.Title, 40),
			usd(e.EstimatedCostUSD),
			usd(e.ActualCostUSD),
			string(e.State),
			clip(e.Error, 40),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Item", "Title", "Estimate", "Actual", "State", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func formatEscalation(w io.Writer, res *escalation.Result) {
	pairs := [][2]string{
		{"Item", res.ItemID},
		{"State", string(res.State)},
		{"Cached", strconv.FormatBool(res.Cached)},
	}
	if t := res.Transcript; t != nil {
		pairs = append(pairs,
			[2]string{"Language", t.LanguageCode},
			[2]string{"Confidence", pct(t.Confidence)},
			[2]string{"Audio", (time.Duration(t.AudioSeconds * float64(time.Second))).Round(time.Second).String()},
			[2]string{"Cost", usd(t.CostUSD)},
			[2]string{"Words", count(len(strings.Fields(t.Text)))},
		)
	}
	if res.Error != "" {
		pairs = append(pairs, [2]string{"Error", res.Error})
	}
	fmt.Fprintln(w, renderPairs(pairs))
}

func formatItem(w io.Writer, it *model.Item, now time.Time) {
	pairs := [][2]string{
		{"Item", it.ID},
		{"Collection", it.CollectionID},
		{"Title", clip(it.Tier1.Title, 60)},
		{"Duration", it.Tier1.Duration().String()},
		{"Views", humanize.Comma(it.Tier1.ViewCount)},
	}
	if !it.Tier1.PublishedAt.IsZero() {
		pairs = append(pairs, [2]string{"Published", humanize.RelTime(it.Tier1.PublishedAt, now, "ago", "from now")})
	}

	tier2 := string(it.Tier2Status)
	if it.HasTier2() {
		tier2 = fmt.Sprintf("%s via %s (%s words)", it.Tier2.LanguageCode, it.Tier2.Strategy, count(len(strings.Fields(it.Tier2.Text))))
	} else if it.Tier2Reason != "" {
		tier2 += " (" + it.Tier2Reason + ")"
	}
	pairs = append(pairs, [2]string{"Tier-2", tier2})

	tier3 := string(it.Tier3.State)
	if it.Tier3.Attempts > 0 {
		tier3 += fmt.Sprintf(", %d attempt(s)", it.Tier3.Attempts)
	}
	if it.Tier3.UpdatedAt != nil {
		tier3 += ", " + humanize.RelTime(*it.Tier3.UpdatedAt, now, "ago", "from now")
	}
	pairs = append(pairs, [2]string{"Tier-3", tier3})
	if it.Tier3.LastError != "" {
		pairs = append(pairs, [2]string{"Tier-3 error", clip(it.Tier3.LastError, 60)})
	}
	if r := it.Tier3.Result; r != nil {
		pairs = append(pairs, [2]string{"Tier-3 cost", usd(r.CostUSD)})
	}
	fmt.Fprintln(w, renderPairs(pairs))
}

func formatCollection(w io.Writer, c *model.Collection, now time.Time) {
	last := "never"
	if c.LastIngestedAt != nil {
		last = humanize.RelTime(*c.LastIngestedAt, now, "ago", "from now")
	}
	coverage := 0.0
	if c.ItemCount > 0 {
		coverage = float64(c.Tier2Count) / float64(c.ItemCount)
	}
	fmt.Fprintln(w, renderPairs([][2]string{
		{"Collection", c.ID},
		{"Title", c.Title},
		{"Items", count(c.ItemCount)},
		{"Tier-2 coverage", fmt.Sprintf("%s (%s)", pct(coverage), count(c.Tier2Count))},
		{"Low caption availability", strconv.FormatBool(c.LowCaptionAvailability)},
		{"Tier-3 spend", usd(c.TotalSpendUSD)},
		{"Last ingested", last},
	}))
}

func formatStrategies(w io.Writer, stats []engine.StrategyHealth) {
	rows := make([][]string, 0, len(stats))
	for i, s := range stats {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			s.Name,
			humanize.Comma(s.Successes),
			humanize.Comma(s.Failures),
			pct(s.SuccessRate),
			s.Breaker,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Rank", "Strategy", "Successes", "Failures", "Rate", "Breaker"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}
