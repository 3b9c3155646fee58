package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"mailtrace/internal/model"
)

// Render writes r as the plain text analysis report. Hops, delays, patterns
// and verdicts are written in the order they appear in r.
func Render(w io.Writer, r *model.Report) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "Email Analysis Report")
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "Source (Sender): %s\n", r.Message.From)
	fmt.Fprintf(bw, "Destination (Recipient): %s\n", r.Message.To)
	fmt.Fprintf(bw, "Subject: %s\n", r.Message.Subject)
	fmt.Fprintf(bw, "Date Sent: %s\n", r.Message.Date)
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "Detailed Path Analysis:")
	for i, hop := range r.Hops {
		fmt.Fprintf(bw, "  Hop %d: IP: %s - %s\n", i+1, hop.Address, hop.Location)
		fmt.Fprintf(bw, "       Timestamp: %s\n", timestamp(hop.Hop))
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "Delays Between Hops:")
	for i, d := range r.Delays {
		fmt.Fprintf(bw, "  Delay %d: %s\n", i+1, d)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "Phishing Risk Assessment:")
	if r.Risk.IsSuspicious {
		fmt.Fprintln(bw, "Suspicious?")
	} else {
		fmt.Fprintln(bw, "Looks Safe")
	}
	for _, p := range r.Risk.Patterns {
		fmt.Fprintf(bw, "- %s\n", p)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "Reputation Analysis:")
	for _, v := range r.Reputation {
		fmt.Fprintf(bw, "IP: %s\n", v.Address)
		if v.Failed() {
			fmt.Fprintf(bw, "  Error: %s\n", v.Error)
			continue
		}
		fmt.Fprintf(bw, "  Malicious Votes: %d\n", v.MaliciousVotes)
		fmt.Fprintf(bw, "  Harmless Votes: %d\n", v.HarmlessVotes)
		fmt.Fprintf(bw, "  Details: %s\n", v.Verdict)
	}

	return bw.Flush()
}

func String(r *model.Report) string {
	var sb strings.Builder
	_ = Render(&sb, r)
	return sb.String()
}

func timestamp(h model.Hop) string {
	if !h.HasTimestamp() {
		return "Unknown"
	}
	return h.Timestamp.UTC().Format(time.RFC3339)
}
