package surgicalnav

import (
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/pose"
	"surgicalnav/utils"
)

// PivotReport is a pivot solve together with the quality of the samples it used.
type PivotReport struct {
	pivotcalibrators.Result
	Quality utils.PivotQuality `json:"quality"`
}

// StartPivot begins collecting pivot samples. Samples already collected are kept.
func (p *Pipeline) StartPivot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Session.Start()
	p.logger.Infof("pivot calibration collecting, %d samples held", p.c.Session.Len())
}

// PushSample adds the most recent tracked relative pose to the pivot session.
func (p *Pipeline) PushSample() (pose.Transform, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLastRaw {
		return pose.Transform{}, 0, errNoRelativePose
	}
	if err := p.c.Session.Add(p.lastRaw); err != nil {
		return pose.Transform{}, 0, err
	}
	return p.lastRaw, p.c.Session.Len(), nil
}

// PopSample drops the most recent pivot sample.
func (p *Pipeline) PopSample() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.c.Session.Pop(); err != nil {
		return 0, err
	}
	return p.c.Session.Len(), nil
}

// PivotSamples returns a copy of the collected samples.
func (p *Pipeline) PivotSamples() []pose.Transform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Session.Samples()
}

// LoadPivotSamples replaces the collected samples and starts collecting.
func (p *Pipeline) LoadPivotSamples(samples []pose.Transform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Session.Load(samples)
	p.logger.Infof("Loaded %d pivot samples", len(samples))
}

// ClearPivot drops samples and result and returns the session to idle.
func (p *Pipeline) ClearPivot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Session.Clear()
}

// PivotState reports the session phase and sample count.
func (p *Pipeline) PivotState() (pivotcalibrators.State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Session.State(), p.c.Session.Len()
}

// PivotResult returns the last successful solve.
func (p *Pipeline) PivotResult() (pivotcalibrators.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Session.Result()
}

// SolvePivot checks the sample quality and solves. Quality warnings are reported, not enforced.
func (p *Pipeline) SolvePivot() (PivotReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	quality := utils.ValidatePivotSamples(p.c.Session.Samples(), p.logger)
	res, err := p.c.Session.Solve()
	if err != nil {
		return PivotReport{Quality: quality}, err
	}
	return PivotReport{Result: res, Quality: quality}, nil
}
