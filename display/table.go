package display

import (
	"github.com/pterm/pterm"
)

// Table renders rows with a header using pterm
func Table(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// KeyValues renders label/value pairs in order
func KeyValues(title string, pairs [][2]string) error {
	if title != "" {
		pterm.DefaultSection.Println(title)
	}
	data := make(pterm.TableData, 0, len(pairs))
	for _, p := range pairs {
		data = append(data, []string{pterm.Bold.Sprint(p[0]), p[1]})
	}
	return pterm.DefaultTable.WithData(data).Render()
}
