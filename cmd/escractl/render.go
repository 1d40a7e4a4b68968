package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	dim      = color.New(color.FgHiBlack).SprintFunc()
	heading  = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func mark(ok bool) string {
	if ok {
		return okMark("✓")
	}
	return failMark("✗")
}

// printResult shows the stage reached and every call made, so an operator can
// tell which signer halted a failed run.
func printResult(w io.Writer, envelopeID string, res submitResult) {
	fmt.Fprintf(w, "%s %s\n", heading("submission"), envelopeID)
	status := okMark("success")
	if !res.Success {
		status = failMark("failed")
	}
	fmt.Fprintf(w, "  stage:  %s (%s)\n", res.Stage, status)

	for _, m := range res.Marks {
		printOutcome(w, m)
	}
	if res.Execute != nil {
		printOutcome(w, *res.Execute)
	} else if res.Success {
		fmt.Fprintf(w, "  %s\n", dim("execute not reached: signatures still pending"))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error:  %s\n", failMark(res.Error))
	}
}

func printOutcome(w io.Writer, o outcome) {
	target := o.WalletAddress
	if target == "" {
		target = "-"
	}
	detail := o.TxID
	if !o.Success {
		detail = o.Error
	}
	fmt.Fprintf(w, "  %s %-18s %-24s %s %s\n", mark(o.Success), o.Op, target, detail, dim(fmt.Sprintf("(attempts %d)", o.Attempts)))
}

func printVerification(w io.Writer, v verification) {
	fmt.Fprintf(w, "%s %s\n", heading("envelope"), v.EnvelopeID)
	fmt.Fprintf(w, "  agreement: %s\n", v.AgreementID)
	fmt.Fprintf(w, "  document:  %s\n", v.DocumentHash)
	fmt.Fprintf(w, "  status:    %s\n", v.Status)
	if v.CompletedAt != nil {
		fmt.Fprintf(w, "  completed: %s\n", *v.CompletedAt)
	}
	for _, s := range v.Signatures {
		when := dim("pending")
		if s.SignedAt != nil {
			when = *s.SignedAt
		}
		fmt.Fprintf(w, "  %s %-24s %s\n", mark(s.Signed), s.WalletAddress, when)
	}
}

func printList(w io.Writer, items []agreementSummary) {
	if len(items) == 0 {
		fmt.Fprintln(w, dim("no agreements"))
		return
	}
	for _, a := range items {
		fmt.Fprintf(w, "%-38s %-8s %-17s %s\n", a.EnvelopeID, a.AgreementID, a.Status, a.Title)
	}
}
