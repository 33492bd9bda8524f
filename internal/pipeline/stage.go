package pipeline

import (
	"context"
	"fmt"
)

// Stage 是一次摄取请求所处的阶段。
type Stage int

const (
	StageReceived Stage = iota
	StageLoaded
	StageChunked
	StageEmbedded
	StageIndexed
	StageComplete
	StageFailed
)

var stageNames = [...]string{
	StageReceived: "received",
	StageLoaded:   "loaded",
	StageChunked:  "chunked",
	StageEmbedded: "embedded",
	StageIndexed:  "indexed",
	StageComplete: "complete",
	StageFailed:   "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage 是 String 的逆操作，用于从持久化记录中恢复阶段。
func ParseStage(name string) (Stage, bool) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return 0, false
}

// Terminal 报告阶段是否为终态。
func (s Stage) Terminal() bool { return s == StageComplete || s == StageFailed }

// IngestError 记录摄取在哪个阶段失败以及原因。
type IngestError struct {
	Stage      Stage // 失败发生时正在进行的阶段
	DocumentID string
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s failed at %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Event 描述一次阶段变化。
type Event struct {
	DocumentID string
	Source     string
	FileType   string
	Stage      Stage
	ChunkCount int
	// Failed 阶段的原因
	Err error
	// 进入 Failed 前所在的阶段
	FailedAt Stage
}

// StageRecorder 接收阶段变化，比如写入文档登记表。
// 记录失败不影响摄取本身，实现方自行记录日志。
type StageRecorder interface {
	Record(ctx context.Context, ev Event)
}

// RecorderFunc 把普通函数适配为 StageRecorder。
type RecorderFunc func(ctx context.Context, ev Event)

func (f RecorderFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
