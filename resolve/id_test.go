package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePDRID(t *testing.T) {
	tests := []struct {
		path string
		want PDRID
	}{
		{"ark:/88434/mds2-1234", PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormResource}},
		{"mds2-1234", PDRID{DSID: "mds2-1234", Form: FormResource}},
		{"ark:/88434/mds2-1234/pdr:v", PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormRelHistory}},
		{"ark:/88434/mds2-1234/pdr:v/1.0.0",
			PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormVersion, Version: "1.0.0"}},
		{"ark:/88434/mds2-1234/pdr:f/dir/file.txt",
			PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormComponent, CompPath: "dir/file.txt"}},
		{"ark:/88434/mds2-1234/cmps/dir/file.txt",
			PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormComponent, CompPath: "dir/file.txt"}},
		{"ark:/88434/mds2-1234/pdr:v/1.0.0/pdr:f/dir/file.txt",
			PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormComponent, Version: "1.0.0",
				CompPath: "dir/file.txt"}},
		{"ark:/88434/mds2-1234/pdr:c", PDRID{NAAN: "88434", DSID: "mds2-1234", Form: FormComponents}},
		{"mds2-1234/pdr:v/1.2.0", PDRID{DSID: "mds2-1234", Form: FormVersion, Version: "1.2.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := ParsePDRID(tt.path)
			require.NotNil(t, got)
			assert.Equal(t, tt.want.NAAN, got.NAAN)
			assert.Equal(t, tt.want.DSID, got.DSID)
			assert.Equal(t, tt.want.Form, got.Form)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.Equal(t, tt.want.CompPath, got.CompPath)
		})
	}
}

func TestParsePDRIDRejects(t *testing.T) {
	for _, path := range []string{
		"",
		"ark:/88434/mds2-1234/pdr:x/1",
		"ark:/naan/mds2-1234",
	} {
		assert.Nil(t, ParsePDRID(path), "path %q should not parse", path)
	}
}

func TestARKID(t *testing.T) {
	id := ParsePDRID("mds2-1234")
	require.NotNil(t, id)
	assert.Equal(t, "ark:/88434/mds2-1234", id.ARKID("88434"))

	id = ParsePDRID("ark:/12345/mds2-1234")
	require.NotNil(t, id)
	assert.Equal(t, "ark:/12345/mds2-1234", id.ARKID("88434"))
}
