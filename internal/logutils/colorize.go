package logutils

import (
	"fmt"

	"github.com/rs/zerolog"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorBlue    = 34
	colorMagenta = 35

	colorBold = 1
)

func colorize(s any, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

var levelLabels = map[string]string{
	"trace": colorize("TRC", colorBlue),
	"debug": colorize("DBG", colorMagenta),
	"info":  colorize("INF", colorGreen),
	"warn":  colorize("WRN", colorYellow),
	"error": colorize("ERR", colorRed),
	"fatal": colorize(colorize("FTL", colorRed), colorBold),
}

// ConsoleFormatLevel returns a colorizer for zerolog console level output.
func ConsoleFormatLevel() zerolog.Formatter {
	return func(i any) string {
		if ll, ok := i.(string); ok {
			if label, ok := levelLabels[ll]; ok {
				return label
			}
		}
		return colorize("???", colorBold)
	}
}

// ConsoleFormatErrFieldName ...
func ConsoleFormatErrFieldName() zerolog.Formatter {
	return func(i any) string {
		return fmt.Sprintf("%s=", i)
	}
}

// ConsoleFormatErrFieldValue ...
func ConsoleFormatErrFieldValue() zerolog.Formatter {
	return func(i any) string {
		return colorize(i, colorRed)
	}
}
