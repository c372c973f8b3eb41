package stagedsync

import "context"

// FinishStage advances the overall pipeline checkpoint and is the
// last stage of spec §4.6's ordered list; RunForward reaching it with
// done=true is what a caller (the engine driver, §4.7) treats as "the
// new tip is visible to every other subsystem".
type FinishStage struct{ cfg *Cfg }

func NewFinishStage(cfg *Cfg) *FinishStage { return &FinishStage{cfg: cfg} }
func (s *FinishStage) ID() ID              { return StageFinish }

func (s *FinishStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageFinish)
}

func (s *FinishStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	return passthroughExecute(ctx, s.cfg.DB, StageFinish, r)
}

func (s *FinishStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return passthroughUnwind(ctx, s.cfg.DB, StageFinish, r)
}
