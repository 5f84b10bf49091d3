package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/pingpong/pingpong"
)

// termOut receives everything meant for a human. stdout carries only the
// result lines.
var termOut io.Writer = os.Stderr

func printBanner() {
	banner, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Ping", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("Pong", pterm.FgDarkGray.ToStyle()),
	).Srender()
	if err != nil {
		return
	}
	fmt.Fprint(termOut, banner)
}

// printSweep describes the sweep about to run.
func printSweep(s settings, size int) {
	sizes := s.Bench.Sizes()
	pterm.Info.WithWriter(termOut).Printfln("%d ranks over %s, %d message sizes from %d to %d bytes, %d round trips each",
		size, s.Transport, len(sizes),
		sizes[0]*pingpong.ElementSize, sizes[len(sizes)-1]*pingpong.ElementSize,
		s.Bench.LoopCount)
}

func newSpinner(text string) *pterm.SpinnerPrinter {
	spinner, _ := pterm.DefaultSpinner.WithWriter(termOut).Start(text)
	return spinner
}

// commMatrixTable renders the bytes sent between every pair of ranks,
// senders by row and receivers by column.
func commMatrixTable(matrix [][]int64) pterm.TableData {
	header := []string{"from \\ to"}
	for j := range matrix {
		header = append(header, strconv.Itoa(j))
	}
	data := pterm.TableData{header}
	for i, row := range matrix {
		line := []string{strconv.Itoa(i)}
		for _, bytes := range row {
			line = append(line, strconv.FormatInt(bytes, 10))
		}
		data = append(data, line)
	}
	return data
}

func printCommMatrix(matrix [][]int64) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(commMatrixTable(matrix)).Srender()
	if err != nil {
		return err
	}
	fmt.Fprint(termOut, pterm.DefaultSection.Sprint("Communication matrix (bytes)"))
	fmt.Fprintln(termOut, table)
	return nil
}
