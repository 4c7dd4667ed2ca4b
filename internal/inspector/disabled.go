package inspector

import "github.com/GriffinCanCode/envhost/internal/threadid"

type disabled struct{}

// Disabled returns an inspector that creates no sessions and no handles.
func Disabled() Inspector { return disabled{} }

func (disabled) Enabled() bool { return false }

func (disabled) Attach(threadid.ThreadID, *ParentHandle) (Session, error) {
	return nil, nil
}

func (disabled) GetParentHandle(Session, threadid.ThreadID, string) *ParentHandle {
	return nil
}
