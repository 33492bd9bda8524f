// Package errs 定义了服务内部统一使用的错误分类。
//
// 内部各层只返回带 Kind 的错误，不打印日志；日志和 HTTP 状态码映射在边界层
// （handler、Kafka 消费者、CLI）完成。
package errs

import (
	"errors"
	"fmt"
)

// Kind 表示错误的类别。
type Kind uint8

const (
	Other            Kind = iota
	Configuration         // 不支持的文件类型、维度不匹配、非法配置
	InvalidInput          // 空文本、k < 1 等调用方输入错误
	TransientService      // 下游服务暂时不可用，可以重试
	PermanentService      // 下游服务拒绝了请求（例如文本超过模型上限），重试无意义
	NotFound
	IndexUnavailable // 向量索引网络/服务错误
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case InvalidInput:
		return "invalid_input"
	case TransientService:
		return "transient_service"
	case PermanentService:
		return "permanent_service"
	case NotFound:
		return "not_found"
	case IndexUnavailable:
		return "index_unavailable"
	case Unauthorized:
		return "unauthorized"
	default:
		return "other"
	}
}

// Error 是带分类和操作名的错误。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造一个分类错误。
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 构造一个分类错误，消息由格式化字符串生成，支持 %w。
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链中第一个 *Error 的分类，找不到时返回 Other。
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}

// Is 判断错误链中是否含有指定分类。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable 判断调用方是否可以退避后重试。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TransientService, IndexUnavailable:
		return true
	}
	return false
}
