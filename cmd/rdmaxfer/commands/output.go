package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/piwi3910/rdmaxfer/internal/xfer"
)

// renderTable writes a borderless table with a bold header row. Colors
// follow what out supports, so pipes and files get plain text.
func renderTable(out io.Writer, headers []string, rows [][]string) {
	r := lipgloss.NewRenderer(out)
	headerStyle := r.NewStyle().Bold(true).PaddingRight(2)
	cellStyle := r.NewStyle().PaddingRight(2)
	failedStyle := cellStyle.Foreground(lipgloss.Color("9"))

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(rows) && col < len(rows[row]) && rows[row][col] == xfer.StateFailed.String() {
				return failedStyle
			}
			return cellStyle
		})

	fmt.Fprintln(out, t.String())
}

func printReports(out io.Writer, reports ...*xfer.Report) {
	headers := []string{"ROLE", "SESSION", "STATE", "SENT", "RECEIVED", "BYTES", "MB/S", "PEER_INFO", "SETUP", "TRANSFER", "RECEIVE", "TOTAL"}

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			string(r.Role),
			r.SessionID,
			r.State.String(),
			fmt.Sprint(r.SentValue),
			fmt.Sprint(r.ReceivedValue),
			fmt.Sprint(r.Bytes),
			fmt.Sprintf("%.2f", r.Throughput),
			r.PeerInfoElapsed.String(),
			r.SetupElapsed.String(),
			r.TransferElapsed.String(),
			r.ReceiveElapsed.String(),
			r.Total.String(),
		})
	}

	renderTable(out, headers, rows)
}
