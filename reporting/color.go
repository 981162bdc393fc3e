package reporting

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
)

// Color modes accepted by the --color flag.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// ResolveColor maps a color mode to a concrete on/off decision. Auto detects
// terminal support; always and never force the respective setting.
func ResolveColor(mode string) (bool, error) {
	switch mode {
	case ColorAuto:
		return SupportsColor(), nil
	case ColorAlways:
		return true, nil
	case ColorNever:
		return false, nil
	default:
		return false, fmt.Errorf("invalid color mode %q (expected %s, %s or %s)",
			mode, ColorAuto, ColorAlways, ColorNever)
	}
}

// SupportsColor reports whether stdout looks like a color-capable terminal.
// It requires both an ANSI-capable console and a COLORTERM or TERM value that
// announces color.
func SupportsColor() bool {
	if !text.ANSICodesSupported {
		return false
	}
	switch os.Getenv("COLORTERM") {
	case "truecolor", "24bit":
		return true
	}
	return strings.Contains(os.Getenv("TERM"), "color")
}
