package app

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/tranvictor/taskarmy"
)

func writeHistory(w io.Writer, entries []taskarmy.HistoryEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no history entries")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tNETWORK\tTYPE\tSTATUS\tWALLET\tTX\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			dash(e.Network),
			e.Type,
			e.Status,
			dash(shortAddress(e.Wallet)),
			dash(e.TxHash),
			formatDetails(e),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDetails renders details as sorted key=value pairs, the reason last
func formatDetails(e taskarmy.HistoryEntry) string {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+e.Details[k])
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	return dash(strings.Join(parts, " "))
}
