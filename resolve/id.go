// Package resolve implements the public PDR identifier resolver: it parses
// ARK-style identifiers (with their version and component sub-forms),
// negotiates an output format, and renders the matching view of the
// resource metadata.
package resolve

import (
	"regexp"
	"strings"
)

// The recognized identifier sub-forms.
const (
	FormResource   = "resource"   // bare dataset id
	FormRelHistory = "relhistory" // …/pdr:v
	FormVersion    = "version"    // …/pdr:v/VER[/pdr:f/PATH]
	FormComponent  = "component"  // …/pdr:f/PATH or legacy …/cmps/PATH
	FormComponents = "components" // …/pdr:c
)

// PDRID is a parsed PDR identifier.
type PDRID struct {
	Raw      string
	NAAN     string // name-assigning authority number ("" for short form)
	DSID     string // the local dataset identifier
	Form     string // one of the Form* constants
	Version  string // set for version-qualified forms
	CompPath string // set for component forms
}

// ARKID renders the identifier's canonical ARK base (without sub-form
// qualifiers).  Short-form ids are qualified with the default NAAN.
func (id *PDRID) ARKID(defaultNAAN string) string {
	naan := id.NAAN
	if naan == "" {
		naan = defaultNAAN
	}
	return "ark:/" + naan + "/" + id.DSID
}

// idRe captures the ARK prefix (optional), the dataset id, and the
// remaining sub-form path.
var idRe = regexp.MustCompile(`^(?:ark:/(\d+)/)?([\w\-.]+)(/.*)?$`)

// restRe captures the recognized sub-form qualifiers.
var restRe = regexp.MustCompile(`^/(?:(pdr:v)(?:/([\w.]+))?|(pdr:f|cmps)/(.+?)/?|(pdr:c))$`)

// versionedCompRe matches /pdr:v/VER followed by a component qualifier.
var versionedCompRe = regexp.MustCompile(`^/pdr:v/([\w.]+)/(?:(pdr:f|cmps)/(.+?)/?|(pdr:c))$`)

// ParsePDRID parses an identifier path into its parts.  It returns nil
// when the path is not a recognizable PDR identifier.
func ParsePDRID(path string) *PDRID {
	path = strings.TrimSuffix(path, "/")
	m := idRe.FindStringSubmatch(path)
	if m == nil {
		return nil
	}
	out := &PDRID{Raw: path, NAAN: m[1], DSID: m[2], Form: FormResource}
	rest := m[3]
	if rest == "" {
		return out
	}

	if vm := versionedCompRe.FindStringSubmatch(rest); vm != nil {
		out.Version = vm[1]
		if vm[4] != "" {
			out.Form = FormComponents
		} else {
			out.Form = FormComponent
			out.CompPath = vm[3]
		}
		return out
	}

	rm := restRe.FindStringSubmatch(rest)
	if rm == nil {
		return nil
	}
	switch {
	case rm[1] == "pdr:v" && rm[2] == "":
		out.Form = FormRelHistory
	case rm[1] == "pdr:v":
		out.Form = FormVersion
		out.Version = rm[2]
	case rm[3] != "":
		out.Form = FormComponent
		out.CompPath = rm[4]
	case rm[5] != "":
		out.Form = FormComponents
	}
	return out
}
