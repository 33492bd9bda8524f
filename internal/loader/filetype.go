package loader

import (
	"errors"
	"sort"
	"strings"

	"docuvector-go/pkg/errs"
)

// FileType 是受支持的文档格式的封闭枚举，在边界处解析一次。
type FileType int

const (
	Unknown FileType = iota
	PDF
	DOCX
	XLSX
	Text
	Markdown
	HTML
	// LegacyOffice 包括 doc/ppt/pptx/xls，需要配置 Tika 服务。
	LegacyOffice
)

var fileTypeNames = map[FileType]string{
	PDF:          "pdf",
	DOCX:         "docx",
	XLSX:         "xlsx",
	Text:         "txt",
	Markdown:     "markdown",
	HTML:         "html",
	LegacyOffice: "legacy_office",
}

var extensions = map[string]FileType{
	"pdf":      PDF,
	"docx":     DOCX,
	"xlsx":     XLSX,
	"txt":      Text,
	"text":     Text,
	"md":       Markdown,
	"markdown": Markdown,
	"html":     HTML,
	"htm":      HTML,
	"doc":      LegacyOffice,
	"ppt":      LegacyOffice,
	"pptx":     LegacyOffice,
	"xls":      LegacyOffice,
}

func (t FileType) String() string {
	if name, ok := fileTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseFileType 接受扩展名（可带点、大小写不敏感）或类型名，未知类型返回 Configuration 错误。
func ParseFileType(tag string) (FileType, error) {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "."))
	if ft, ok := extensions[key]; ok {
		return ft, nil
	}
	for ft, name := range fileTypeNames {
		if name == key {
			return ft, nil
		}
	}
	return Unknown, errs.Errorf(errs.Configuration, opParseType, "unsupported file type %q", tag)
}

const (
	opParseType = "loader.parse_type"
	opResolve   = "loader.resolve"
)

// IsUnsupported 判断 err 是否表示文件类型不受支持或未启用。
func IsUnsupported(err error) bool {
	var e *errs.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Op == opParseType || e.Op == opResolve
}

// ExtensionsOf 返回映射到该类型的所有扩展名。
func ExtensionsOf(t FileType) []string {
	var out []string
	for ext, ft := range extensions {
		if ft == t {
			out = append(out, "."+ext)
		}
	}
	sort.Strings(out)
	return out
}
