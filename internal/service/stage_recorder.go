package service

import (
	"context"

	"docuvector-go/internal/model"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/repository"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

// registryRecorder 把流水线的阶段变化写入文档登记表。
type registryRecorder struct {
	repo repository.DocumentRepository
}

// NewStageRecorder 返回一个写入 repo 的 pipeline.StageRecorder。
func NewStageRecorder(repo repository.DocumentRepository) pipeline.StageRecorder {
	return &registryRecorder{repo: repo}
}

func (r *registryRecorder) Record(ctx context.Context, ev pipeline.Event) {
	// 阶段必须落库，即使调用方已经取消
	ctx = context.WithoutCancel(ctx)

	if ev.Stage == pipeline.StageReceived {
		_, err := r.repo.FindByID(ctx, ev.DocumentID)
		if errs.Is(err, errs.NotFound) {
			err = r.repo.Save(ctx, &model.Document{
				ID:         ev.DocumentID,
				SourceName: ev.Source,
				FileType:   ev.FileType,
				Stage:      ev.Stage.String(),
			})
			r.logFailure(ev, err)
			return
		}
	}

	u := repository.StageUpdate{Stage: ev.Stage.String(), ChunkCount: ev.ChunkCount}
	if ev.Stage == pipeline.StageFailed {
		u.FailedAt = ev.FailedAt.String()
		if ev.Err != nil {
			u.Error = ev.Err.Error()
		}
	}
	r.logFailure(ev, r.repo.UpdateStage(ctx, ev.DocumentID, u))
}

func (r *registryRecorder) logFailure(ev pipeline.Event, err error) {
	if err != nil {
		log.Warnw("记录文档阶段失败", "document_id", ev.DocumentID, "stage", ev.Stage.String(), "error", err)
	}
}
