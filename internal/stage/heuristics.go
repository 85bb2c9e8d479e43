package stage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// Fallbacks used when the oracle cannot answer. They are deliberately plain;
// anything built from them is degraded and goes to an operator.

var (
	amountPattern    = regexp.MustCompile(`(?i)(?:\$|usd\s*|eur\s*|€|£)\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?\s?(k)?`)
	quantityPattern  = regexp.MustCompile(`(?i)\b(\d+)\s*(?:x\s*)?(instagram reels?|reels?|tiktoks?|stories|story|posts?|youtube videos?|videos?|shorts?)\b`)
	exclusivityWords = regexp.MustCompile(`(?i)\bexclusiv(?:e|ity)\b`)
	dealWords        = regexp.MustCompile(`(?i)\b(?:rate|budget|campaign|collab(?:oration)?|partnership|sponsor(?:ship|ed)?|deliverables?|fee|offer)\b`)
	declineWords     = regexp.MustCompile(`(?i)\b(?:not interested|pass on|decline|no longer|unsubscribe)\b`)
)

func classifyHeuristic(body string) string {
	switch {
	case declineWords.MatchString(body):
		return IntentRejection
	case dealWords.MatchString(body):
		return IntentDealInquiry
	default:
		return IntentOther
	}
}

// extractHeuristic pulls the first money amount and any "<n> <deliverable>"
// mentions out of the messages, newest first.
func extractHeuristic(msgs []negotiation.Message, counterparty string) draftTerms {
	terms := draftTerms{Brand: counterparty, Currency: "USD"}
	for i := len(msgs) - 1; i >= 0; i-- {
		body := msgs[i].Body
		if terms.Budget.IsZero() {
			if amt, cur, ok := parseAmount(body); ok {
				terms.Budget = amt
				terms.Currency = cur
			}
		}
		if len(terms.Deliverables) == 0 {
			for _, m := range quantityPattern.FindAllStringSubmatch(body, -1) {
				n, _ := strconv.Atoi(m[1])
				terms.Deliverables = append(terms.Deliverables, deliverableTerms{
					Type:     normalizeDeliverable(m[2]),
					Quantity: n,
				})
			}
		}
		if terms.Exclusivity == nil && exclusivityWords.MatchString(body) {
			terms.Exclusivity = &exclusivityTerms{Category: "unspecified"}
		}
	}
	return terms
}

func parseAmount(s string) (decimal.Decimal, string, bool) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, "", false
	}
	whole := strings.ReplaceAll(m[1], ",", "")
	if m[2] != "" {
		whole += "." + m[2]
	}
	amt, err := decimal.NewFromString(whole)
	if err != nil {
		return decimal.Zero, "", false
	}
	if strings.EqualFold(m[3], "k") {
		amt = amt.Mul(decimal.NewFromInt(1000))
	}
	cur := "USD"
	prefix := strings.ToLower(m[0])
	switch {
	case strings.HasPrefix(prefix, "eur"), strings.HasPrefix(prefix, "€"):
		cur = "EUR"
	case strings.HasPrefix(prefix, "£"):
		cur = "GBP"
	}
	return amt, cur, true
}

func normalizeDeliverable(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "reel"):
		return "instagram_reel"
	case strings.Contains(s, "tiktok"):
		return "tiktok"
	case strings.Contains(s, "stor"):
		return "instagram_story"
	case strings.Contains(s, "youtube"), strings.Contains(s, "video"), strings.Contains(s, "short"):
		return "youtube_video"
	case strings.HasPrefix(s, "post"):
		return "post"
	default:
		return strings.Join(strings.Fields(s), "_")
	}
}

// styleMarkup is the opening premium over the offered budget per style.
var styleMarkup = map[negotiation.Style]decimal.Decimal{
	negotiation.StyleCollaborative: decimal.RequireFromString("1.10"),
	negotiation.StyleBalanced:      decimal.RequireFromString("1.25"),
	negotiation.StyleAssertive:     decimal.RequireFromString("1.50"),
}

var walkAwayFactor = decimal.RequireFromString("0.90")

const ladderSteps = 3

// strategyHeuristic opens above the offered budget by the style's markup and
// concedes in equal steps down to the walk-away point.
func strategyHeuristic(budget decimal.Decimal, style negotiation.Style) planTerms {
	markup, ok := styleMarkup[style]
	if !ok {
		markup = styleMarkup[negotiation.StyleBalanced]
	}
	opening := budget.Mul(markup).Round(2)
	walk := budget.Mul(walkAwayFactor).Round(2)
	step := opening.Sub(walk).Div(decimal.NewFromInt(ladderSteps))
	ladder := make([]decimal.Decimal, 0, ladderSteps)
	for i := 1; i <= ladderSteps; i++ {
		ladder = append(ladder, opening.Sub(step.Mul(decimal.NewFromInt(int64(i)))).Round(2))
	}
	return planTerms{
		Opening:          opening,
		ConcessionLadder: ladder,
		WalkAway:         walk,
		Rationale:        fmt.Sprintf("%s markup over offered budget", style),
	}
}

func simulationHeuristic(plan *negotiation.Strategy, counterparty string) []candidate {
	if plan == nil {
		return []candidate{{Reply: replyTemplate(counterparty, decimal.Zero, ""), Score: 0}}
	}
	amounts := append([]decimal.Decimal{plan.Opening}, plan.ConcessionLadder...)
	out := make([]candidate, 0, len(amounts))
	for i, amt := range amounts {
		out = append(out, candidate{
			Reply:           replyTemplate(counterparty, amt, ""),
			Score:           0.5 - float64(i)*0.1,
			ProjectedAmount: amt,
		})
	}
	return out
}

func replyTemplate(counterparty string, amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	if amount.IsZero() {
		return fmt.Sprintf("Hi %s,\n\nThanks for reaching out. Could you share your budget and the deliverables you have in mind?\n", counterparty)
	}
	return fmt.Sprintf("Hi %s,\n\nThanks for the details. For this scope our rate is %s %s. Happy to discuss.\n",
		counterparty, amount.StringFixed(2), currency)
}

func followUpTemplate(counterparty string, n int, since time.Time) (string, string) {
	subject := "Following up"
	if n > 0 {
		subject = fmt.Sprintf("Following up (%d)", n+1)
	}
	return subject, fmt.Sprintf("Hi %s,\n\nJust checking in on my note from %s. Let me know if you have any questions.\n",
		counterparty, since.Format("Jan 2"))
}
