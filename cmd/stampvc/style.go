// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorTeal  = lipgloss.Color("#2CD7C7")
	colorSlate = lipgloss.Color("#2C4A54")
	colorError = lipgloss.Color("#E74C3C")
)

// styles are applied only on terminal output; JSON output is never styled.
var styles = struct {
	header  lipgloss.Style
	success lipgloss.Style
	muted   lipgloss.Style
	err     lipgloss.Style
}{
	header:  lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
	success: lipgloss.NewStyle().Foreground(colorTeal),
	muted:   lipgloss.NewStyle().Foreground(colorSlate),
	err:     lipgloss.NewStyle().Bold(true).Foreground(colorError),
}

// renderTable aligns rows with table, then highlights the header line.
// Styling after alignment keeps escape codes out of the width calculation.
func renderTable(w io.Writer, rows [][]string) error {
	var buf bytes.Buffer
	if err := table(&buf, rows); err != nil {
		return err
	}
	header, body, _ := strings.Cut(buf.String(), "\n")
	_, err := fmt.Fprintf(w, "%s\n%s", styles.header.Render(header), body)
	return err
}
