package trainer

// Session holds the counters of a training run with curriculum learning.
//
// With curriculum learning (CL), the loss only covers the first TaskLevel steps of the horizon. Every
// StepSize iterations, while TaskLevel <= SeqOutLen, TaskLevel is increased by one. It never decreases.
type Session struct {
	// Iter is the current training iteration, starting at 1.
	Iter int

	// TaskLevel is the number of horizon steps covered by the loss when CL is enabled, starting at 1.
	// It stops increasing at SeqOutLen+1.
	TaskLevel int

	// CLDone is true once TaskLevel > SeqOutLen, or from the start if CL is disabled.
	CLDone bool

	CL        bool
	StepSize  int
	SeqOutLen int
}

// NewSession returns a session at its first iteration.
func NewSession(cl bool, stepSize, seqOutLen int) *Session {
	return &Session{
		Iter:      1,
		TaskLevel: 1,
		CLDone:    !cl,
		CL:        cl,
		StepSize:  stepSize,
		SeqOutLen: seqOutLen,
	}
}

// Advance is called at the start of an iteration, before its loss is computed.
// It returns whether the TaskLevel was increased.
func (s *Session) Advance() bool {
	if !s.CL || s.StepSize <= 0 || s.Iter%s.StepSize != 0 || s.TaskLevel > s.SeqOutLen {
		return false
	}
	s.TaskLevel++
	s.CLDone = s.TaskLevel > s.SeqOutLen
	return true
}

// Finish is called at the end of an iteration, after the optimizer step.
func (s *Session) Finish() {
	s.Iter++
}

// LossLevel returns the number of horizon steps the loss of the current iteration covers,
// for predictions with the given horizon.
func (s *Session) LossLevel(horizon int) int {
	if !s.CL {
		return horizon
	}
	return min(s.TaskLevel, horizon)
}
