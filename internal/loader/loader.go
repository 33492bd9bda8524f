// Package loader 把上传的文件内容转换为纯文本。
package loader

import (
	"context"
	"fmt"
	"io"
	"sort"

	"docuvector-go/pkg/errs"
)

// Loader 从 r 中抽取纯文本。name 只用于推断 MIME 类型和错误信息。
type Loader interface {
	Load(ctx context.Context, r io.Reader, name string) (string, error)
}

// LoaderFunc 让普通函数实现 Loader。
type LoaderFunc func(ctx context.Context, r io.Reader, name string) (string, error)

func (f LoaderFunc) Load(ctx context.Context, r io.Reader, name string) (string, error) {
	return f(ctx, r, name)
}

// TextExtractor 是 Tika 客户端需要满足的接口。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// Registry 保存每种 FileType 对应的 Loader。
type Registry struct {
	loaders map[FileType]Loader
}

// Option 配置 Registry。
type Option func(*Registry)

// WithTika 注册 LegacyOffice 类型，文本抽取交给 Tika。
func WithTika(extractor TextExtractor) Option {
	return func(r *Registry) {
		if extractor != nil {
			r.loaders[LegacyOffice] = LoaderFunc(extractor.ExtractText)
		}
	}
}

// WithLoader 注册或替换某个类型的 Loader。
func WithLoader(ft FileType, l Loader) Option {
	return func(r *Registry) { r.loaders[ft] = l }
}

// NewRegistry 创建包含内置格式的 Registry。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{loaders: map[FileType]Loader{
		PDF:      LoaderFunc(loadPDF),
		DOCX:     LoaderFunc(loadDOCX),
		XLSX:     LoaderFunc(loadXLSX),
		Text:     LoaderFunc(loadText),
		Markdown: LoaderFunc(loadMarkdown),
		HTML:     LoaderFunc(loadHTML),
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 解析类型标签并确认有对应的 Loader。
func (r *Registry) Resolve(tag string) (FileType, error) {
	ft, err := ParseFileType(tag)
	if err != nil {
		return Unknown, err
	}
	if _, ok := r.loaders[ft]; !ok {
		return Unknown, errs.Errorf(errs.Configuration, opResolve, "file type %q is not enabled", tag)
	}
	return ft, nil
}

// Load 用 ft 对应的 Loader 抽取文本。
func (r *Registry) Load(ctx context.Context, ft FileType, rd io.Reader, name string) (string, error) {
	l, ok := r.loaders[ft]
	if !ok {
		return "", errs.Errorf(errs.Configuration, "loader.load", "file type %s is not enabled", ft)
	}
	return l.Load(ctx, rd, name)
}

// Supported 返回所有已启用的类型，按枚举顺序排列。
func (r *Registry) Supported() []FileType {
	out := make([]FileType, 0, len(r.loaders))
	for ft := range r.loaders {
		out = append(out, ft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SupportedExtensions 返回所有已启用类型的扩展名。
func (r *Registry) SupportedExtensions() []string {
	var out []string
	for _, ft := range r.Supported() {
		out = append(out, ExtensionsOf(ft)...)
	}
	return out
}

func malformed(op, name string, err error) error {
	return errs.E(errs.InvalidInput, op, fmt.Errorf("无法解析文件 %s: %w", name, err))
}
