package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the glyphs used in terminal output.
type SymbolSet struct {
	Success  string
	Error    string
	Warning  string
	Skipped  string
	ArrowR   string
	Bullet   string
	Ellipsis string
	User     string
	Bot      string
}

var unicodeSymbols = SymbolSet{
	Success:  "\u2713", // ✓
	Error:    "\u2717", // ✗
	Warning:  "\u26A0", // ⚠
	Skipped:  "\u21B7", // ↷
	ArrowR:   "\u2192", // →
	Bullet:   "\u2022", // •
	Ellipsis: "\u2026", // …
	User:     "you",
	Bot:      "supernova",
}

var asciiSymbols = SymbolSet{
	Success:  "[OK]",
	Error:    "[ERR]",
	Warning:  "[!]",
	Skipped:  "[skip]",
	ArrowR:   "->",
	Bullet:   "*",
	Ellipsis: "...",
	User:     "you",
	Bot:      "supernova",
}

// Symbols is the active set, chosen by InitSymbols.
var Symbols = unicodeSymbols

// DetectUnicodeSupport reports whether the terminal likely renders Unicode.
// SUPERNOVA_ASCII_SYMBOLS=1 forces ASCII.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("SUPERNOVA_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	// Most modern terminals cope; default to Unicode.
	return true
}

// InitSymbols picks the symbol set for the current environment.
func InitSymbols() {
	if DetectUnicodeSupport() {
		Symbols = unicodeSymbols
	} else {
		Symbols = asciiSymbols
	}
}

func init() {
	InitSymbols()
}
