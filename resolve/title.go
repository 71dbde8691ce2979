// Package resolve holds the pure selection and planning functions of
// the pack pipeline: page title computation, selection closure over the
// manifest reference graph, and the flat page plan handed to the apply
// orchestrator.
package resolve

import "strings"

// SplitNamespace splits a wiki title into its leading namespace segment
// and the remainder. Titles without a ':' have an empty namespace.
func SplitNamespace(title string) (ns, base string) {
	if i := strings.Index(title, ":"); i > 0 {
		return title[:i], title[i+1:]
	}
	return "", title
}

// FinalTitle computes the title a page is written under. The optional
// rename replaces the page's base name, the prefix is joined with '/',
// and any leading namespace segment of the original stays in front:
//
//	FinalTitle("Pubs", "Template:Card", "") == "Template:Pubs/Card"
//	FinalTitle("Pubs", "Home", "Start")    == "Pubs/Start"
func FinalTitle(prefix, original, rename string) string {
	ns, base := SplitNamespace(original)
	if rename != "" {
		base = rename
	}
	if prefix != "" {
		base = prefix + "/" + base
	}
	if ns != "" {
		return ns + ":" + base
	}
	return base
}
