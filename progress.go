package main

import (
	"io"

	"github.com/schollz/progressbar/v3"

	"elm327-scanner/common"
	"elm327-scanner/scanner"
)

func newProgressBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription("[cyan]Starting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// progressListener отображает прогресс сканирования на bar. Прогресс на экране
// никогда не идет назад
func progressListener(bar *progressbar.ProgressBar) scanner.Listener {
	last := -1
	step := ""
	return func(st common.ConnectionState) {
		if st.Step != step && st.Step != "" {
			step = st.Step
			bar.Describe("[cyan]" + step + "[reset]")
		}
		if st.Progress > last {
			last = st.Progress
			_ = bar.Set(st.Progress)
		}
	}
}
