package srn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidSRNs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SRN
	}{
		{
			name: "unversioned deposition",
			raw:  "urn:osa:pdb:dep:01hz3qk8",
			want: SRN{Domain: "pdb", Kind: KindDeposition, Local: "01hz3qk8"},
		},
		{
			name: "record with generation",
			raw:  "urn:osa:pdb:rec:8xj2@3",
			want: SRN{Domain: "pdb", Kind: KindRecord, Local: "8xj2", Version: "3"},
		},
		{
			name: "schema with semver",
			raw:  "urn:osa:pdb:schema:structure@1.4.0",
			want: SRN{Domain: "pdb", Kind: KindSchema, Local: "structure", Version: "1.4.0"},
		},
		{
			name: "convention with semver",
			raw:  "urn:osa:geo:conv:seismic_grid@0.2.1",
			want: SRN{Domain: "geo", Kind: KindConvention, Local: "seismic_grid", Version: "0.2.1"},
		},
		{
			name: "validation run",
			raw:  "urn:osa:pdb:val:f1d2c3",
			want: SRN{Domain: "pdb", Kind: KindValidationRun, Local: "f1d2c3"},
		},
		{
			name: "local with dots and dashes",
			raw:  "urn:osa:chem:onto:iupac.names-v2@2.0.0",
			want: SRN{Domain: "chem", Kind: KindOntology, Local: "iupac.names-v2", Version: "2.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	raws := []string{
		"urn:osa:pdb:dep:01hz3qk8",
		"urn:osa:pdb:rec:8xj2@3",
		"urn:osa:pdb:rec:8xj2@12",
		"urn:osa:pdb:schema:structure@1.4.0",
		"urn:osa:geo:conv:seismic_grid@0.2.1",
		"urn:osa:pdb:val:f1d2c3",
		"urn:osa:pdb:evt:9a8b7c",
	}

	for _, raw := range raws {
		s, err := Parse(raw)
		require.NoError(t, err, raw)

		assert.Equal(t, raw, s.String(), "String() must reproduce the input")

		again, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, again, "Parse(String()) must be lossless")
	}
}

func TestParse_InvalidSRNs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "empty", raw: "", wantErr: ErrMalformed},
		{name: "wrong prefix", raw: "urn:other:pdb:dep:x", wantErr: ErrMalformed},
		{name: "uppercase", raw: "urn:osa:PDB:dep:x", wantErr: ErrNotLowercase},
		{name: "whitespace", raw: "urn:osa:pdb:dep:a b", wantErr: ErrNotLowercase},
		{name: "unknown kind", raw: "urn:osa:pdb:widget:x", wantErr: ErrUnknownKind},
		{name: "missing local", raw: "urn:osa:pdb:dep:", wantErr: ErrEmptyComponent},
		{name: "missing components", raw: "urn:osa:pdb:dep", wantErr: ErrMalformed},
		{name: "deposition with version", raw: "urn:osa:pdb:dep:x@1", wantErr: ErrUnexpectedVersion},
		{name: "event with version", raw: "urn:osa:pdb:evt:x@1", wantErr: ErrUnexpectedVersion},
		{name: "record without generation", raw: "urn:osa:pdb:rec:x", wantErr: ErrMissingVersion},
		{name: "record with zero generation", raw: "urn:osa:pdb:rec:x@0", wantErr: ErrInvalidGeneration},
		{name: "record with padded generation", raw: "urn:osa:pdb:rec:x@03", wantErr: ErrInvalidGeneration},
		{name: "record with semver", raw: "urn:osa:pdb:rec:x@1.0.0", wantErr: ErrInvalidGeneration},
		{name: "schema without version", raw: "urn:osa:pdb:schema:x", wantErr: ErrMissingVersion},
		{name: "schema with generation", raw: "urn:osa:pdb:schema:x@3", wantErr: ErrInvalidSemver},
		{name: "local with slash", raw: "urn:osa:pdb:dep:a/b", wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseKind(t *testing.T) {
	s, err := ParseKind("urn:osa:pdb:dep:01hz3qk8", KindDeposition)

	require.NoError(t, err)
	assert.Equal(t, KindDeposition, s.Kind)

	_, err = ParseKind("urn:osa:pdb:dep:01hz3qk8", KindRecord)

	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestSRN_Generation(t *testing.T) {
	rec := MustNew("pdb", KindRecord, "8xj2", "3")

	gen, err := rec.Generation()
	require.NoError(t, err)
	assert.Equal(t, 3, gen)

	next, err := rec.WithGeneration(4)
	require.NoError(t, err)
	assert.Equal(t, "urn:osa:pdb:rec:8xj2@4", next.String())

	_, err = rec.WithGeneration(0)
	assert.ErrorIs(t, err, ErrInvalidGeneration)

	dep := MustNew("pdb", KindDeposition, "d1", "")
	_, err = dep.Generation()
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{
		"pocket_detect",
		"a",
		"h2o_analysis",
		"x1234567890123456789012345678901234567890123456789012345678901",
	}
	for _, name := range valid {
		assert.NoError(t, ValidateIdentifier(name), name)
	}

	invalid := []string{
		"",
		"Foo",
		"1abc",
		"_abc",
		"foo; DROP TABLE bar",
		"foo'bar",
		`foo"bar`,
		"foo\nbar",
		"foo..bar",
		"foo-bar",
		"foo bar",
		// 64 chars, one over the limit
		"x123456789012345678901234567890123456789012345678901234567890123",
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateIdentifier(name), ErrInvalidIdentifier, name)
	}
}
