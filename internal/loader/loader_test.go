package loader

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"docuvector-go/pkg/errs"
)

func TestParseFileType(t *testing.T) {
	tests := []struct {
		tag  string
		want FileType
	}{
		{"pdf", PDF},
		{".PDF", PDF},
		{".docx", DOCX},
		{"xlsx", XLSX},
		{".txt", Text},
		{"md", Markdown},
		{"markdown", Markdown},
		{".htm", HTML},
		{".ppt", LegacyOffice},
		{"legacy_office", LegacyOffice},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseFileType(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", ".exe", "zip", "unknown"} {
		_, err := ParseFileType(bad)
		assert.True(t, errs.Is(err, errs.Configuration), "tag %q", bad)
	}
}

type fakeExtractor struct{ calls int }

func (f *fakeExtractor) ExtractText(_ context.Context, r io.Reader, name string) (string, error) {
	f.calls++
	data, _ := io.ReadAll(r)
	return name + ":" + string(data), nil
}

func TestRegistryLegacyOfficeNeedsTika(t *testing.T) {
	plain := NewRegistry()
	_, err := plain.Resolve(".doc")
	assert.True(t, errs.Is(err, errs.Configuration))
	assert.True(t, IsUnsupported(err))
	assert.NotContains(t, plain.Supported(), LegacyOffice)

	_, err = plain.Resolve("exe")
	assert.True(t, IsUnsupported(err))
	assert.False(t, IsUnsupported(errs.Errorf(errs.Configuration, "other", "x")))

	ex := &fakeExtractor{}
	withTika := NewRegistry(WithTika(ex))
	ft, err := withTika.Resolve(".doc")
	require.NoError(t, err)
	assert.Equal(t, LegacyOffice, ft)

	out, err := withTika.Load(context.Background(), ft, strings.NewReader("body"), "a.doc")
	require.NoError(t, err)
	assert.Equal(t, "a.doc:body", out)
	assert.Equal(t, 1, ex.calls)
	assert.Contains(t, withTika.SupportedExtensions(), ".pptx")
}

func TestLoadText(t *testing.T) {
	r := NewRegistry()
	out, err := r.Load(context.Background(), Text, strings.NewReader("\xef\xbb\xbfhello 世界"), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello 世界", out)

	_, err = r.Load(context.Background(), Text, strings.NewReader("\xff\xfe\xfd"), "bad.txt")
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestLoadMarkdown(t *testing.T) {
	src := "# Title\n\nSome *emphasis* and `code`.\n\n- item one\n- item two\n\n```go\nfmt.Println(1)\n```\n"
	out, err := NewRegistry().Load(context.Background(), Markdown, strings.NewReader(src), "a.md")
	require.NoError(t, err)

	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "Some emphasis and code.")
	assert.Contains(t, out, "item one\nitem two")
	assert.Contains(t, out, "fmt.Println(1)")
	assert.NotContains(t, out, "#")
	assert.NotContains(t, out, "```")
}

func TestLoadHTML(t *testing.T) {
	src := `<html><head><style>body{}</style></head><body>
<h1>Heading</h1>
<script>alert(1)</script>
<p>First   paragraph.</p>
<p>Second paragraph.</p>
</body></html>`
	out, err := NewRegistry().Load(context.Background(), HTML, strings.NewReader(src), "a.html")
	require.NoError(t, err)
	assert.Equal(t, "Heading\nFirst paragraph.\nSecond paragraph.", out)
}

func TestLoadXLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "score"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "alice"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 42))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	out, err := NewRegistry().Load(context.Background(), XLSX, buf, "a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "## Sheet1\nname\tscore\nalice\t42\n", out)
}

func TestLoadMalformedBinaryFormats(t *testing.T) {
	r := NewRegistry()
	for _, ft := range []FileType{PDF, DOCX, XLSX} {
		_, err := r.Load(context.Background(), ft, strings.NewReader("definitely not a document"), "broken")
		assert.True(t, errs.Is(err, errs.InvalidInput), "type %s", ft)
	}
}

func TestWordText(t *testing.T) {
	xmlDoc := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Col</w:t><w:tab/><w:t>2</w:t></w:r></w:p>` +
		`</w:body></w:document>`
	out, err := wordText(xmlDoc)
	require.NoError(t, err)
	assert.Equal(t, "Hello world\nCol\t2", out)
}
