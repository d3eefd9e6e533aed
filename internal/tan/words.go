package tan

// codeWords is the fixed vocabulary TAN codes draw from. A code reads
// WORD-NNNN, e.g. FREYA-0231, so children can relay it over the phone.
var codeWords = []string{
	"HERO", "ODIN", "THOR", "LOKI", "FREYA", "FENRIR", "BALDUR", "SIGURD",
	"BRAGI", "IDUN", "NORNS", "AEGIR", "SKADI", "FRIGG", "VIDAR", "VALI",
	"MAGNI", "MODI", "NJORD", "TYR",
}
