package tick

import "fmt"

// RepliconTick is the server's logical clock. It wraps around, so ticks must be
// compared with IsNewerThan instead of the relational operators.
type RepliconTick uint32

// IsNewerThan reports whether t was produced after other, treating the
// difference modulo 2^32 as a signed distance.
func (t RepliconTick) IsNewerThan(other RepliconTick) bool {
	return int32(t-other) > 0
}

// Distance returns how many ticks t is ahead of other (negative if behind).
func (t RepliconTick) Distance(other RepliconTick) int32 {
	return int32(t - other)
}

func (t *RepliconTick) Increment() {
	*t++
}

func (t RepliconTick) Get() uint32 {
	return uint32(t)
}

func (t RepliconTick) String() string {
	return fmt.Sprintf("tick(%d)", uint32(t))
}
