package usage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Summary renders a one-line account of a run's usage and cost, e.g.
//
//	llm 3 calls 12.4k tok 2.1s | tools 2 calls 340ms | approvals 1 (waited 45s) | $0.0123
func Summary(u models.Usage, c models.Cost) string {
	parts := []string{
		fmt.Sprintf("llm %d calls %s tok %s", u.LLM.APICalls, Tokens(u.LLM.Tokens.Total), Millis(u.LLM.ProcessingTimeMs)),
		fmt.Sprintf("tools %d calls %s", u.Tools.TotalCalls, Millis(u.Tools.TotalTimeMs)),
	}
	if h := u.HumanInteraction; h.ApprovalRequests > 0 {
		parts = append(parts, fmt.Sprintf("approvals %d (waited %s)", h.ApprovalRequests, Millis(h.TotalWaitingTimeMs)))
	}
	parts = append(parts, USD(c.Total))
	return strings.Join(parts, " | ")
}

// Tokens abbreviates a token count: 950, 12.4k, 1.2m.
func Tokens(n int64) string {
	switch {
	case n <= 0:
		return "0"
	case n >= 1_000_000:
		return trimFloat(float64(n)/1_000_000) + "m"
	case n >= 1_000:
		return trimFloat(float64(n)/1_000) + "k"
	default:
		return strconv.FormatInt(n, 10)
	}
}

// Millis renders a millisecond count as a rounded duration.
func Millis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Second:
		return d.String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// USD renders an amount with cents, or four decimals below one cent.
func USD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "$0"
	}
	if amount < 0.01 {
		return fmt.Sprintf("$%.4f", amount)
	}
	return fmt.Sprintf("$%.2f", amount)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}
