package application

import "fmt"

// Stage is the position of a run in the pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageLoaded
	StageAligned
	StageMapped
	StageDesignSolved
	StageOffDesignSolved
	StageDone
)

var stageNames = [...]string{
	StageIdle:            "idle",
	StageLoaded:          "loaded",
	StageAligned:         "aligned",
	StageMapped:          "mapped",
	StageDesignSolved:    "design_solved",
	StageOffDesignSolved: "offdesign_solved",
	StageDone:            "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// progress enforces the forward-only stage order. Off-design solving
// repeats once per row.
type progress struct {
	stage Stage
}

func (p *progress) advance(to Stage) error {
	switch {
	case to == p.stage && to == StageOffDesignSolved:
		return nil
	case to == p.stage+1:
	default:
		return fmt.Errorf("run: invalid stage transition %s -> %s", p.stage, to)
	}
	p.stage = to
	return nil
}
