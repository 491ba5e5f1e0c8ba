package crane

// CheckState is the lifecycle of one probe.
type CheckState int

const (
	StatePending CheckState = iota
	StateProbed
	StateOK
	StateMissing
	StateCorrupt
)

func (s CheckState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProbed:
		return "probed"
	case StateOK:
		return "ok"
	case StateMissing:
		return "missing"
	default:
		return "corrupt"
	}
}

// Check records one probe against the registry or CDN.
type Check struct {
	Name   string
	Target string
	State  CheckState
	Detail string
}

// Failed reports whether the check ended badly.
func (c *Check) Failed() bool {
	return c.State == StateMissing || c.State == StateCorrupt
}

// newCheck starts a check in pending state and registers it on the result.
func (r *RepoResult) newCheck(name, target string) *Check {
	r.Checks = append(r.Checks, Check{Name: name, Target: target, State: StatePending})
	return &r.Checks[len(r.Checks)-1]
}

func (c *Check) probe() { c.State = StateProbed }
func (c *Check) ok()    { c.State = StateOK }
func (c *Check) missing(d string) {
	c.State = StateMissing
	c.Detail = d
}
func (c *Check) corrupt(d string) {
	c.State = StateCorrupt
	c.Detail = d
}
