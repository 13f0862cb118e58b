package theme

import (
	"os"
	"strings"
)

// SymbolSet holds all UI symbols, allowing runtime switching between
// Unicode and ASCII fallback sets.
type SymbolSet struct {
	Success  string
	Error    string
	Warning  string
	Info     string
	ArrowR   string
	Bullet   string
	Ellipsis string
}

var unicodeSymbols = SymbolSet{
	Success:  "✓", // ✓
	Error:    "✗", // ✗
	Warning:  "⚠", // ⚠
	Info:     "●", // ●
	ArrowR:   "→", // →
	Bullet:   "•", // •
	Ellipsis: "…", // …
}

var asciiSymbols = SymbolSet{
	Success:  "[OK]",
	Error:    "[ERR]",
	Warning:  "[!]",
	Info:     "[i]",
	ArrowR:   "->",
	Bullet:   "*",
	Ellipsis: "...",
}

// DetectUnicodeSupport checks whether the terminal likely supports Unicode.
// WANCTL_ASCII_SYMBOLS=1 forces ASCII; otherwise the locale decides, and
// an unset locale counts as Unicode.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("WANCTL_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		if val == "c" || val == "posix" {
			return false
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols sets the package-level Symbol* variables based on terminal
// capabilities. Called by init(); tests may call it again after changing env.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}

	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolInfo = set.Info
	SymbolArrowR = set.ArrowR
	SymbolBullet = set.Bullet
	SymbolEllipsis = set.Ellipsis
}

func init() {
	InitSymbols()
}
